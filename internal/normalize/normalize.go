package normalize

import (
	"fmt"

	"github.com/sells-group/usage-ledger/internal/model"
	"github.com/sells-group/usage-ledger/internal/resilience"
)

// Options carries the per-batch context applied to every record.
type Options struct {
	Source    string
	Period    *model.Period
	CaptureID *int64
}

// Row converts one raw row into a canonical record. It never fails.
func Row(row map[string]any, opts Options) model.CanonicalRecord {
	cols := index(row)

	rec := model.CanonicalRecord{
		Model:   parseText(cols[FieldModel]),
		Kind:    parseText(cols[FieldKind]),
		Mode:    parseText(cols[FieldMode]),
		Cost:    parseMoney(cols[FieldCost]),
		APICost: parseMoney(cols[FieldAPICost]),
		Source:  opts.Source,
	}
	if t, ok := ParseDate(cols[FieldDate]); ok {
		rec.OccurredAt = &t
	}

	rec.Counters.InputWithCache, _ = parseCount(cols[FieldInputWithCache])
	rec.Counters.InputWithoutCache, _ = parseCount(cols[FieldInputWithoutCache])
	rec.Counters.CacheRead, _ = parseCount(cols[FieldCacheRead])
	rec.Counters.Output, _ = parseCount(cols[FieldOutput])
	total, ok := parseCount(cols[FieldTotal])
	if !ok {
		total = rec.Counters.TokenSum()
	}
	rec.Counters.Total = total

	return rec.WithPeriod(opts.Period).WithCapture(opts.CaptureID)
}

// Rows normalizes a batch. A panic while normalizing is reported as a
// NORMALIZE_ERROR for the offending row instead of crashing the run.
func Rows(rows []map[string]any, opts Options) (out []model.CanonicalRecord, err error) {
	out = make([]model.CanonicalRecord, 0, len(rows))
	i := 0
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = resilience.E(resilience.KindNormalize, fmt.Sprintf("normalize row %d", i), fmt.Errorf("%v", r))
		}
	}()
	for i = range rows {
		out = append(out, Row(rows[i], opts))
	}
	return out, nil
}
