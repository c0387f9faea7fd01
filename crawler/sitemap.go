package crawler

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// sitemapDoc holds the parse of either a urlset or a sitemapindex document.
type sitemapDoc struct {
	URLs     []string
	Sitemaps []string
}

type sitemapXML struct {
	XMLName  xml.Name
	URLs     []sitemapEntry `xml:"url"`
	Sitemaps []sitemapEntry `xml:"sitemap"`
}

type sitemapEntry struct {
	Loc string `xml:"loc"`
}

func parseSitemap(data []byte) (sitemapDoc, error) {
	var parsed sitemapXML
	if err := xml.Unmarshal(data, &parsed); err != nil {
		return sitemapDoc{}, fmt.Errorf("parse sitemap xml: %w", err)
	}

	switch parsed.XMLName.Local {
	case "urlset":
		return sitemapDoc{URLs: locs(parsed.URLs)}, nil
	case "sitemapindex":
		return sitemapDoc{Sitemaps: locs(parsed.Sitemaps)}, nil
	default:
		return sitemapDoc{}, fmt.Errorf("unexpected root element %q", parsed.XMLName.Local)
	}
}

func locs(entries []sitemapEntry) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if loc := strings.TrimSpace(entry.Loc); loc != "" {
			out = append(out, loc)
		}
	}
	return out
}
