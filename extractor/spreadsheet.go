package extractor

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// extractSpreadsheet renders each sheet as lines of comma-joined cells,
// prefixed with the sheet name so chunks keep their context.
func extractSpreadsheet(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: open spreadsheet: %v", ErrCorruptFile, err)
	}
	defer f.Close()

	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("%w: read sheet %s: %v", ErrCorruptFile, sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("# " + sheet + "\n")
		for _, row := range rows {
			line := strings.TrimSpace(strings.Join(row, ", "))
			if line == "" || strings.Trim(line, ", ") == "" {
				continue
			}
			sb.WriteString(line + "\n")
		}
	}

	return sb.String(), nil
}
