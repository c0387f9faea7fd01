package ingestion

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/fabfab/botkb/config"
	"github.com/fabfab/botkb/store"
)

// SitemapResponse summarizes a sitemap fan-out: how many URLs the sitemap
// held, how many child sources were actually created, and the created rows.
type SitemapResponse struct {
	TotalURLs    int            `json:"total_urls"`
	CreatedCount int            `json:"created_count"`
	Sources      []store.Source `json:"sources"`
	Message      string         `json:"message"`
}

// CrawlSitemap discovers a site's pages and creates one child source per
// page, each processed asynchronously like any other source. Per-URL create
// failures are isolated; the tier quota bounds how many children are created.
func (p *Pipeline) CrawlSitemap(ctx context.Context, botID uuid.UUID, seedURL string) (SitemapResponse, error) {
	if p.fetcher == nil {
		return SitemapResponse{}, fmt.Errorf("no page fetcher configured")
	}
	if p.queue == nil {
		return SitemapResponse{}, fmt.Errorf("pipeline has no queue attached")
	}

	bot, err := p.sources.GetBot(ctx, botID)
	if err != nil {
		return SitemapResponse{}, err
	}

	urls, err := p.fetcher.DiscoverSitemap(ctx, seedURL)
	if err != nil {
		return SitemapResponse{}, fmt.Errorf("discover sitemap: %w", err)
	}

	count, err := p.sources.CountSourcesByBot(ctx, botID)
	if err != nil {
		return SitemapResponse{}, err
	}
	limits := config.LimitsForTier(bot.Tier)

	resp := SitemapResponse{TotalURLs: len(urls), Sources: make([]store.Source, 0, len(urls))}
	quotaHit := false

	for _, pageURL := range urls {
		if !limits.AllowsSource(count) {
			quotaHit = true
			break
		}

		created, err := p.sources.CreateSource(ctx, store.Source{
			BotID: botID,
			Type:  store.SourceTypeSitemapChild,
			Name:  pageURL,
			URL:   pageURL,
		})
		if err != nil {
			p.logger.Printf("create source for %s: %v", pageURL, err)
			continue
		}

		if err := p.queue.Enqueue(Job{SourceID: created.ID, BotID: botID}); err != nil {
			p.logger.Printf("enqueue source for %s: %v", pageURL, err)
			if failErr := p.sources.MarkFailed(ctx, created.ID, err.Error()); failErr != nil {
				p.logger.Printf("mark unqueued source failed: %v", failErr)
			}
		}

		resp.Sources = append(resp.Sources, created)
		resp.CreatedCount++
		count++
	}

	switch {
	case quotaHit:
		resp.Message = fmt.Sprintf("created %d of %d pages; %s tier source limit reached", resp.CreatedCount, resp.TotalURLs, bot.Tier)
	case resp.CreatedCount < resp.TotalURLs:
		resp.Message = fmt.Sprintf("created %d of %d pages; some pages could not be added", resp.CreatedCount, resp.TotalURLs)
	default:
		resp.Message = fmt.Sprintf("created %d pages for processing", resp.CreatedCount)
	}

	return resp, nil
}
