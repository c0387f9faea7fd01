package extractor

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// Tags that carry chrome rather than content.
var boilerplateSelectors = []string{
	"script", "style", "noscript", "iframe", "svg",
	"nav", "header", "footer", "aside", "form",
}

var (
	htmlPolicy    = bluemonday.UGCPolicy()
	htmlConverter = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
)

// ExtractHTML prunes page chrome, sanitizes the remaining markup, and
// converts it to markdown text. It returns the page title (from <title>, then
// the first <h1>) alongside the text.
func ExtractHTML(ctx context.Context, r io.Reader) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", "", fmt.Errorf("%w: parse html: %v", ErrCorruptFile, err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	for _, sel := range boilerplateSelectors {
		doc.Find(sel).Remove()
	}

	body := doc.Find("body")
	var markup string
	if body.Length() > 0 {
		markup, err = body.Html()
	} else {
		markup, err = doc.Html()
	}
	if err != nil {
		return "", "", fmt.Errorf("render pruned html: %w", err)
	}

	sanitized := htmlPolicy.Sanitize(markup)
	text, err := htmlConverter.ConvertString(sanitized)
	if err != nil {
		return "", "", fmt.Errorf("convert html to text: %w", err)
	}

	text = normalizeText(text)
	if text == "" {
		return title, "", fmt.Errorf("%w: html page", ErrEmptyContent)
	}
	return title, text, nil
}
