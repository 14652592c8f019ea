// Package export decodes fetched usage exports into raw rows and infers the
// reporting period they cover.
package export

import (
	"bytes"
	"encoding/json"
	"mime"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/usage-ledger/internal/model"
	"github.com/sells-group/usage-ledger/internal/normalize"
	"github.com/sells-group/usage-ledger/internal/resilience"
)

// Payload is one of Tabular or Structured.
type Payload interface {
	OriginKind() model.OriginKind
	isPayload()
}

// Tabular is delimited text with a header row.
type Tabular struct {
	Data []byte
}

// Structured is an export already shaped as a list of objects.
type Structured struct {
	Rows []map[string]any
}

func (Tabular) OriginKind() model.OriginKind    { return model.OriginTabular }
func (Structured) OriginKind() model.OriginKind { return model.OriginStructured }
func (Tabular) isPayload()                      {}
func (Structured) isPayload()                   {}

// Table is the parsed form of a payload.
type Table struct {
	Rows   []map[string]any
	Period *model.Period // nil when there are no rows with a date
}

// Classify routes fetched bytes to a payload. JSON (by content type or a
// leading '[' or '{') is decoded as Structured; everything else is Tabular.
// A JSON body that cannot be decoded is a CSV_PARSE_ERROR.
func Classify(data []byte, contentType string) (Payload, error) {
	if !isJSON(data, contentType) {
		return Tabular{Data: data}, nil
	}
	rows, err := decodeRows(data)
	if err != nil {
		return nil, resilience.E(resilience.KindCSVParse, "export: decode structured", err)
	}
	return Structured{Rows: rows}, nil
}

// OriginKindOf reports the origin kind Classify would assign, without
// decoding the body.
func OriginKindOf(data []byte, contentType string) model.OriginKind {
	if isJSON(data, contentType) {
		return model.OriginStructured
	}
	return model.OriginTabular
}

// Parse decodes a payload into rows and infers its reporting period.
func Parse(p Payload) (*Table, error) {
	var rows []map[string]any
	switch v := p.(type) {
	case Tabular:
		var err error
		if rows, err = parseTabular(v.Data); err != nil {
			return nil, resilience.E(resilience.KindCSVParse, "export: parse tabular", err)
		}
	case Structured:
		rows = v.Rows
	default:
		return nil, resilience.E(resilience.KindValidation, "export: parse", eris.Errorf("unsupported payload %T", p))
	}
	return &Table{Rows: rows, Period: inferPeriod(rows)}, nil
}

// inferPeriod expands the first dated row to its calendar month.
func inferPeriod(rows []map[string]any) *model.Period {
	for _, row := range rows {
		if d, ok := normalize.RowDate(row); ok {
			p := model.MonthOf(d)
			return &p
		}
	}
	return nil
}

func isJSON(data []byte, contentType string) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if mt == "application/json" || strings.HasSuffix(mt, "+json") {
			return true
		}
		if mt == "text/csv" {
			return false
		}
	}
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(data, utf8BOM), " \t\r\n")
	return len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{')
}

// rowKeys are the wrapper keys an object-shaped export may nest its rows under.
var rowKeys = []string{"rows", "data", "events"}

func decodeRows(data []byte) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "decode json")
	}

	var list []any
	switch v := doc.(type) {
	case []any:
		list = v
	case map[string]any:
		for _, k := range rowKeys {
			if arr, ok := v[k].([]any); ok {
				list = arr
				break
			}
		}
		if list == nil {
			return nil, eris.Errorf("object has none of %v arrays", rowKeys)
		}
	default:
		return nil, eris.Errorf("unexpected top-level %T", doc)
	}

	rows := make([]map[string]any, 0, len(list))
	for i, item := range list {
		row, ok := item.(map[string]any)
		if !ok {
			return nil, eris.Errorf("row %d is %T, not an object", i, item)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
