package extractor

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

// extractPDF pulls the plain text stream out of a PDF. The pdf library
// panics on some malformed inputs, so the whole decode runs under a recover
// that maps panics to ErrCorruptFile.
func extractPDF(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("%w: pdf decode panic: %v", ErrCorruptFile, r)
		}
	}()

	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: open pdf: %v", ErrCorruptFile, err)
	}

	plain, err := doc.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: extract pdf text: %v", ErrCorruptFile, err)
	}

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, plain); err != nil {
		return "", fmt.Errorf("%w: read pdf text: %v", ErrCorruptFile, err)
	}

	return buf.String(), nil
}
