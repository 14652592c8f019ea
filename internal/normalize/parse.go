package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/usage-ledger/internal/model"
)

// parseCount coerces v to a non-negative integer counter. Missing,
// non-numeric and negative values become 0; fractional values round.
func parseCount(v any) (int64, bool) {
	var n int64
	switch t := v.(type) {
	case nil:
		return 0, false
	case int:
		n = int64(t)
	case int32:
		n = int64(t)
	case int64:
		n = t
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		n = int64(math.Round(t))
	case json.Number:
		return parseCount(string(t))
	case string:
		s := strings.NewReplacer(",", "", "_", "", " ", "").Replace(trimQuotes(t))
		if s == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			n = i
		} else if f, err := strconv.ParseFloat(s, 64); err == nil {
			return parseCount(f)
		} else {
			return 0, false
		}
	default:
		return 0, false
	}
	if n < 0 {
		return 0, true
	}
	return n, true
}

// parseMoney parses a monetary amount into cents. Numbers are formatted to
// produce the retained raw text; strings are retained verbatim.
func parseMoney(v any) model.Money {
	switch t := v.(type) {
	case nil:
		return model.Money{}
	case int:
		return model.Money{Cents: int64(t) * 100, Raw: strconv.Itoa(t)}
	case int64:
		return model.Money{Cents: t * 100, Raw: strconv.FormatInt(t, 10)}
	case float64:
		raw := strconv.FormatFloat(t, 'f', -1, 64)
		cents, _ := parseCents(raw)
		return model.Money{Cents: cents, Raw: raw}
	case json.Number:
		cents, _ := parseCents(t.String())
		return model.Money{Cents: cents, Raw: t.String()}
	case string:
		cents, _ := parseCents(t)
		return model.Money{Cents: cents, Raw: t}
	default:
		return model.Money{}
	}
}

// parseCents parses currency text such as "$1,234.56", "0.5", "-$3" or
// "(2.00)" into integer cents, rounding half away from zero at the third
// decimal. Words like "Included" or "Free" are zero.
func parseCents(s string) (int64, bool) {
	s = trimQuotes(s)
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "", "USD", "", "usd", "").Replace(s)
	if strings.HasPrefix(s, "-") {
		neg = !neg
		s = s[1:]
	} else if strings.HasPrefix(s, "+") {
		s = s[1:]
	}
	if s == "" {
		return 0, false
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if !allDigits(whole) || !allDigits(frac) {
		return 0, false
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, false
	}

	frac += "000"
	c, _ := strconv.ParseInt(frac[:2], 10, 64)
	cents := w*100 + c
	if frac[2] >= '5' {
		cents++
	}
	if neg {
		cents = -cents
	}
	return cents, true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// parseText returns the NFC-normalized, trimmed text of v. Blank is "".
func parseText(v any) string {
	var s string
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		s = t
	case json.Number:
		s = t.String()
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		s = strconv.FormatInt(t, 10)
	case int:
		s = strconv.Itoa(t)
	case bool:
		s = strconv.FormatBool(t)
	default:
		return ""
	}
	return norm.NFC.String(trimQuotes(s))
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	model.DateLayout,
	"01/02/2006",
	"Jan 2, 2006",
}

// ParseDate parses an export timestamp. Values without a zone are UTC.
func ParseDate(v any) (time.Time, bool) {
	s := parseText(v)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// RowDate returns the parsed date column of a raw row.
func RowDate(row map[string]any) (time.Time, bool) {
	return ParseDate(index(row)[FieldDate])
}

func trimQuotes(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"`))
}
