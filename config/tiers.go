package config

// TierLimits caps what a subscription tier may create. A value of -1 means
// unlimited.
type TierLimits struct {
	MaxBots          int
	MaxSourcesPerBot int
	MaxStorageMB     int
}

const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

var tierLimits = map[string]TierLimits{
	TierFree:       {MaxBots: 1, MaxSourcesPerBot: 5, MaxStorageMB: 50},
	TierPro:        {MaxBots: 10, MaxSourcesPerBot: 50, MaxStorageMB: 1024},
	TierEnterprise: {MaxBots: -1, MaxSourcesPerBot: -1, MaxStorageMB: -1},
}

// LimitsForTier returns the limits for the named tier. Unknown tiers fall back
// to the free tier.
func LimitsForTier(tier string) TierLimits {
	if limits, ok := tierLimits[tier]; ok {
		return limits
	}
	return tierLimits[TierFree]
}

// AllowsSource reports whether a bot with current sources may add another.
func (t TierLimits) AllowsSource(current int) bool {
	return t.MaxSourcesPerBot < 0 || current < t.MaxSourcesPerBot
}

// AllowsBot reports whether a user with current bots may create another.
func (t TierLimits) AllowsBot(current int) bool {
	return t.MaxBots < 0 || current < t.MaxBots
}

// AllowsStorage reports whether a bot already storing usedBytes may store
// addBytes more.
func (t TierLimits) AllowsStorage(usedBytes, addBytes int64) bool {
	return t.MaxStorageMB < 0 || usedBytes+addBytes <= int64(t.MaxStorageMB)<<20
}
