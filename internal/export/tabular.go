package export

import (
	"bytes"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// parseTabular reads comma-separated text with a header row. Every record
// must have as many fields as the header. Empty input has no rows.
func parseTabular(data []byte) ([]map[string]any, error) {
	// BOMOverride strips a UTF-8 BOM and transcodes UTF-16 exports.
	r := transform.NewReader(bytes.NewReader(data), unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 0
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "read header")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if err := checkHeader(header); err != nil {
		return nil, err
	}

	var rows []map[string]any
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "read row")
		}
		row := make(map[string]any, len(header))
		for i, h := range header {
			if h == "" {
				continue
			}
			row[h] = strings.TrimSpace(record[i])
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func checkHeader(header []string) error {
	seen := make(map[string]bool, len(header))
	named := 0
	for _, h := range header {
		if h == "" {
			continue
		}
		if seen[h] {
			return eris.Errorf("duplicate column %q", h)
		}
		seen[h] = true
		named++
	}
	if named == 0 {
		return eris.New("header has no named columns")
	}
	return nil
}
