// Package normalize turns raw export rows into canonical usage records.
// Every function here is total: unparseable input degrades to zero or
// absent values instead of failing.
package normalize

import (
	"strings"
)

// Field is a canonical column of a usage row.
type Field string

const (
	FieldDate              Field = "date"
	FieldModel             Field = "model"
	FieldKind              Field = "kind"
	FieldMode              Field = "mode"
	FieldInputWithCache    Field = "input_with_cache"
	FieldInputWithoutCache Field = "input_without_cache"
	FieldCacheRead         Field = "cache_read"
	FieldOutput            Field = "output"
	FieldTotal             Field = "total"
	FieldCost              Field = "cost"
	FieldAPICost           Field = "api_cost"
)

// aliases maps each field to the header spellings exports use for it,
// already in normalizeCol form.
var aliases = map[Field][]string{
	FieldDate:              {"date", "timestamp", "day", "usage date"},
	FieldModel:             {"model", "model name"},
	FieldKind:              {"kind", "type"},
	FieldMode:              {"mode", "max mode"},
	FieldInputWithCache:    {"input w cache write", "input with cache", "input with cache write"},
	FieldInputWithoutCache: {"input wo cache write", "input without cache", "input without cache write"},
	FieldCacheRead:         {"cache read"},
	FieldOutput:            {"output", "output tokens"},
	FieldTotal:             {"total", "total tokens"},
	FieldCost:              {"cost", "cost usd", "cost to you"},
	FieldAPICost:           {"api cost", "list cost"},
}

// byAlias is the reverse index of aliases.
var byAlias = func() map[string]Field {
	m := make(map[string]Field)
	for f, names := range aliases {
		for _, n := range names {
			m[n] = f
		}
	}
	return m
}()

// normalizeCol lowercases a header and strips punctuation so that
// "Input (w/ Cache Write)", "input_w_cache_write" and "INPUT W CACHE WRITE"
// all compare equal.
func normalizeCol(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("(", " ", ")", " ", "$", " ", "/", "", "_", " ", "-", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// FieldFor returns the canonical field a header names, if any.
func FieldFor(header string) (Field, bool) {
	f, ok := byAlias[normalizeCol(header)]
	return f, ok
}

// index resolves a row's keys to canonical fields. When two headers map to
// the same field the first non-empty value wins.
func index(row map[string]any) map[Field]any {
	out := make(map[Field]any, len(row))
	for k, v := range row {
		f, ok := FieldFor(k)
		if !ok {
			continue
		}
		if prev, seen := out[f]; seen && !isBlank(prev) {
			continue
		}
		out[f] = v
	}
	return out
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}
