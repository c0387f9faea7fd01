package extractor

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
)

// extractCSV renders records as comma-joined lines. Ragged rows are
// tolerated; quoting errors are not.
func extractCSV(data []byte) (string, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return "", fmt.Errorf("%w: parse csv: %v", ErrCorruptFile, err)
	}

	var sb strings.Builder
	for _, record := range records {
		line := strings.TrimSpace(strings.Join(record, ", "))
		if line == "" {
			continue
		}
		sb.WriteString(line + "\n")
	}
	return sb.String(), nil
}
