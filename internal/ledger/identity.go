// Package ledger implements the three deduplication layers of usage
// ingestion: raw captures keyed by content digest, ledger events keyed by
// identity hash, and per-period table state hashes.
package ledger

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/usage-ledger/internal/digest"
	"github.com/sells-group/usage-ledger/internal/model"
	"github.com/sells-group/usage-ledger/internal/resilience"
)

// businessFields projects a record onto the fields that define its
// identity. The row timestamp, capture references and ingestion instants
// are excluded; OccurredAt only feeds SelectDelta.
func businessFields(r model.CanonicalRecord) map[string]any {
	var start, end any
	if r.Period != nil {
		start, end = r.Period.StartDate(), r.Period.EndDate()
	}
	return map[string]any{
		"period_start":        start,
		"period_end":          end,
		"model":               r.Model,
		"kind":                optional(r.Kind),
		"mode":                optional(r.Mode),
		"input_with_cache":    r.Counters.InputWithCache,
		"input_without_cache": r.Counters.InputWithoutCache,
		"cache_read":          r.Counters.CacheRead,
		"output":              r.Counters.Output,
		"total":               r.Counters.Total,
		"cost_cents":          r.Cost.Cents,
		"cost_raw":            r.Cost.Raw,
		"api_cost_cents":      r.APICost.Cents,
		"api_cost_raw":        r.APICost.Raw,
		"source":              r.Source,
	}
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// IdentityHash returns the stable identity of rec under logicVersion.
// Bumping logicVersion deliberately re-keys every record.
func IdentityHash(rec model.CanonicalRecord, logicVersion int) (string, error) {
	if logicVersion < 1 {
		return "", resilience.E(resilience.KindValidation, "ledger: identity hash",
			eris.Errorf("logic version %d must be >= 1", logicVersion))
	}
	fields := businessFields(rec)
	fields["logic_version"] = logicVersion
	return digest.Canonical(fields)
}

// HashRecords pairs every record with its identity hash.
func HashRecords(records []model.CanonicalRecord, logicVersion int) ([]model.HashedRecord, error) {
	out := make([]model.HashedRecord, len(records))
	for i, r := range records {
		h, err := IdentityHash(r, logicVersion)
		if err != nil {
			return nil, eris.Wrapf(err, "ledger: hash record %d", i)
		}
		out[i] = model.HashedRecord{Record: r, IdentityHash: h}
	}
	return out, nil
}
