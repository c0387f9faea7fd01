// Package crawler discovers site URLs via sitemaps and fetches pages for
// extraction. All outbound requests share one rate limiter so crawls stay
// polite regardless of how many workers run.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fabfab/botkb/extractor"
)

const (
	userAgent    = "botkb-crawler/1.0"
	maxBodyBytes = 10 << 20
	maxDepth     = 3
)

var ErrNoSitemap = errors.New("no sitemap found")

// Extensions that never hold indexable page content.
var skipExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".svg": true,
	".webp": true, ".ico": true, ".css": true, ".js": true, ".json": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
	".mp3": true, ".mp4": true, ".avi": true, ".mov": true,
	".zip": true, ".gz": true, ".tar": true, ".rar": true,
}

// Locations tried when robots.txt does not advertise a sitemap.
var commonSitemapPaths = []string{
	"/sitemap.xml",
	"/sitemap_index.xml",
	"/sitemap-index.xml",
	"/wp-sitemap.xml",
	"/sitemap/sitemap.xml",
}

type Crawler struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *log.Logger
	maxURLs int
}

func New(maxURLs int, ratePerSec float64, logger *log.Logger) *Crawler {
	if maxURLs <= 0 {
		maxURLs = 1000
	}
	if ratePerSec <= 0 {
		ratePerSec = 2
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Crawler{
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		logger:  logger,
		maxURLs: maxURLs,
	}
}

// DiscoverSitemap resolves the page URLs a site advertises. A seed ending in
// .xml is treated as the sitemap itself; otherwise robots.txt is consulted,
// then a list of common sitemap locations. Sitemap indexes are followed
// recursively. Results are deduplicated, filtered of asset URLs, and capped.
func (c *Crawler) DiscoverSitemap(ctx context.Context, seedURL string) ([]string, error) {
	seed, err := url.Parse(seedURL)
	if err != nil || seed.Scheme == "" || seed.Host == "" {
		return nil, fmt.Errorf("invalid seed url %q", seedURL)
	}

	var candidates []string
	if strings.HasSuffix(strings.ToLower(seed.Path), ".xml") {
		candidates = []string{seedURL}
	} else {
		candidates = c.sitemapsFromRobots(ctx, seed)
		if len(candidates) == 0 {
			base := seed.Scheme + "://" + seed.Host
			for _, p := range commonSitemapPaths {
				candidates = append(candidates, base+p)
			}
		}
	}

	seen := make(map[string]bool)
	var urls []string
	for _, candidate := range candidates {
		found, err := c.readSitemap(ctx, candidate, 0, seen, &urls)
		if err != nil {
			c.logger.Printf("crawler: sitemap %s: %v", candidate, err)
			continue
		}
		if found && len(urls) > 0 {
			return urls, nil
		}
		if len(urls) >= c.maxURLs {
			return urls, nil
		}
	}

	if len(urls) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoSitemap, seed.Host)
	}
	return urls, nil
}

// sitemapsFromRobots parses "Sitemap:" lines out of robots.txt.
func (c *Crawler) sitemapsFromRobots(ctx context.Context, seed *url.URL) []string {
	body, err := c.get(ctx, seed.Scheme+"://"+seed.Host+"/robots.txt")
	if err != nil {
		return nil
	}

	var sitemaps []string
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 8 || !strings.EqualFold(line[:8], "sitemap:") {
			continue
		}
		if loc := strings.TrimSpace(line[8:]); loc != "" {
			sitemaps = append(sitemaps, loc)
		}
	}
	return sitemaps
}

// readSitemap fetches one sitemap document and appends its page URLs,
// recursing into child sitemaps for index documents. It reports whether the
// document was a parseable sitemap.
func (c *Crawler) readSitemap(ctx context.Context, loc string, depth int, seen map[string]bool, urls *[]string) (bool, error) {
	if depth > maxDepth {
		return false, fmt.Errorf("sitemap nesting exceeds depth %d", maxDepth)
	}
	if len(*urls) >= c.maxURLs {
		return true, nil
	}

	body, err := c.get(ctx, loc)
	if err != nil {
		return false, err
	}

	doc, err := parseSitemap(body)
	if err != nil {
		return false, err
	}

	for _, child := range doc.Sitemaps {
		if len(*urls) >= c.maxURLs {
			break
		}
		if _, err := c.readSitemap(ctx, child, depth+1, seen, urls); err != nil {
			c.logger.Printf("crawler: child sitemap %s: %v", child, err)
		}
	}

	for _, pageURL := range doc.URLs {
		if len(*urls) >= c.maxURLs {
			break
		}
		if seen[pageURL] || !indexablePageURL(pageURL) {
			continue
		}
		seen[pageURL] = true
		*urls = append(*urls, pageURL)
	}

	return true, nil
}

// FetchPage downloads one page and extracts its title and text.
func (c *Crawler) FetchPage(ctx context.Context, pageURL string) (string, string, error) {
	body, err := c.get(ctx, pageURL)
	if err != nil {
		return "", "", err
	}
	return extractor.ExtractHTML(ctx, strings.NewReader(string(body)))
}

func (c *Crawler) get(ctx context.Context, rawURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	return body, nil
}

func indexablePageURL(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return false
	}
	ext := strings.ToLower(path.Ext(parsed.Path))
	return !skipExtensions[ext]
}
