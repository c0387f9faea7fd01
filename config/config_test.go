package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/botkb?sslmode=disable")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.Embeddings.Provider != ProviderOpenAI {
		t.Errorf("Embeddings.Provider = %q, want %q", cfg.Embeddings.Provider, ProviderOpenAI)
	}
	if cfg.Embeddings.Dimension != 1536 {
		t.Errorf("Embeddings.Dimension = %d, want 1536", cfg.Embeddings.Dimension)
	}
	if cfg.MaxCrawlURLs != 1000 {
		t.Errorf("MaxCrawlURLs = %d, want 1000", cfg.MaxCrawlURLs)
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		t.Errorf("overlap %d not smaller than chunk size %d", cfg.ChunkOverlap, cfg.ChunkSize)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is unset")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/db")
	t.Setenv("EMBEDDING_PROVIDER", "ollama")
	t.Setenv("EMBEDDING_DIMENSION", "768")
	t.Setenv("CHUNK_SIZE", "1000")
	t.Setenv("CHUNK_OVERLAP", "100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Embeddings.Provider != ProviderOllama {
		t.Errorf("Embeddings.Provider = %q, want ollama", cfg.Embeddings.Provider)
	}
	if cfg.Embeddings.Dimension != 768 {
		t.Errorf("Embeddings.Dimension = %d, want 768", cfg.Embeddings.Dimension)
	}
	if cfg.ChunkSize != 1000 || cfg.ChunkOverlap != 100 {
		t.Errorf("chunk settings = %d/%d, want 1000/100", cfg.ChunkSize, cfg.ChunkOverlap)
	}
}

func TestLoadRejectsOverlapNotBelowSize(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/db")
	t.Setenv("CHUNK_SIZE", "200")
	t.Setenv("CHUNK_OVERLAP", "200")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when overlap >= chunk size")
	}
}

func TestLimitsForTier(t *testing.T) {
	free := LimitsForTier(TierFree)
	if free.MaxSourcesPerBot != 5 {
		t.Errorf("free MaxSourcesPerBot = %d, want 5", free.MaxSourcesPerBot)
	}
	if !free.AllowsSource(4) || free.AllowsSource(5) {
		t.Error("free tier should allow a 5th source but not a 6th")
	}

	ent := LimitsForTier(TierEnterprise)
	if !ent.AllowsSource(100000) {
		t.Error("enterprise tier should be unlimited")
	}

	if got := LimitsForTier("nonsense"); got != free {
		t.Errorf("unknown tier = %+v, want free limits", got)
	}
}

func TestAllowsStorage(t *testing.T) {
	free := LimitsForTier(TierFree) // 50 MB
	if !free.AllowsStorage(49<<20, 1<<20) {
		t.Error("free tier should allow filling the cap exactly")
	}
	if free.AllowsStorage(49<<20, 2<<20) {
		t.Error("free tier should reject exceeding the cap")
	}
	if !LimitsForTier(TierEnterprise).AllowsStorage(1<<40, 1<<30) {
		t.Error("enterprise storage should be unlimited")
	}
}
