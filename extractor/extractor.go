// Package extractor turns uploaded artifacts into plain text ready for
// chunking. Each supported format has its own decoder; failures are
// classified so callers can surface precise error messages.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrCorruptFile       = errors.New("file is corrupt or unreadable")
	ErrEmptyContent      = errors.New("no extractable content")
)

type Format string

const (
	FormatTXT  Format = "txt"
	FormatMD   Format = "md"
	FormatCSV  Format = "csv"
	FormatPDF  Format = "pdf"
	FormatXLSX Format = "xlsx"
	FormatXLS  Format = "xls"
	FormatHTML Format = "html"
)

// Artifact is a file to extract: a name (used for format detection and
// titles), the declared MIME type, and the raw payload.
type Artifact struct {
	Name string
	MIME string
	Data []byte
}

// DetectFormat resolves the artifact format from the filename extension,
// falling back to the declared MIME type.
func DetectFormat(name, mime string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt":
		return FormatTXT, nil
	case ".md", ".markdown":
		return FormatMD, nil
	case ".csv":
		return FormatCSV, nil
	case ".pdf":
		return FormatPDF, nil
	case ".xlsx":
		return FormatXLSX, nil
	case ".xls":
		return FormatXLS, nil
	case ".html", ".htm":
		return FormatHTML, nil
	}

	switch {
	case strings.HasPrefix(mime, "text/plain"):
		return FormatTXT, nil
	case strings.HasPrefix(mime, "text/markdown"):
		return FormatMD, nil
	case strings.HasPrefix(mime, "text/csv"):
		return FormatCSV, nil
	case strings.HasPrefix(mime, "application/pdf"):
		return FormatPDF, nil
	case strings.HasPrefix(mime, "application/vnd.openxmlformats-officedocument.spreadsheetml"):
		return FormatXLSX, nil
	case strings.HasPrefix(mime, "application/vnd.ms-excel"):
		return FormatXLS, nil
	case strings.HasPrefix(mime, "text/html"):
		return FormatHTML, nil
	}

	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
}

// Extract decodes the artifact into normalized plain text.
func Extract(ctx context.Context, artifact Artifact) (string, error) {
	format, err := DetectFormat(artifact.Name, artifact.MIME)
	if err != nil {
		return "", err
	}

	var text string
	switch format {
	case FormatTXT, FormatMD:
		text = string(artifact.Data)
	case FormatCSV:
		text, err = extractCSV(artifact.Data)
	case FormatPDF:
		text, err = extractPDF(artifact.Data)
	case FormatXLSX, FormatXLS:
		text, err = extractSpreadsheet(artifact.Data)
	case FormatHTML:
		_, text, err = ExtractHTML(ctx, strings.NewReader(string(artifact.Data)))
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return "", err
	}

	text = normalizeText(text)
	if text == "" {
		return "", fmt.Errorf("%w: %s", ErrEmptyContent, artifact.Name)
	}
	return text, nil
}

// normalizeText strips carriage returns, trims trailing space per line, and
// collapses runs of blank lines to a single paragraph break.
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	var sb strings.Builder
	blanks := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			blanks++
			continue
		}
		if sb.Len() > 0 {
			if blanks > 0 {
				sb.WriteString("\n\n")
			} else {
				sb.WriteString("\n")
			}
		}
		blanks = 0
		sb.WriteString(line)
	}
	return strings.TrimSpace(sb.String())
}
