package store

import (
	"time"

	"github.com/sells-group/usage-ledger/internal/model"
)

var eventColumns = []string{
	"identity_hash", "logic_version", "source",
	"period_start", "period_end", "occurred_at",
	"model", "kind", "mode",
	"input_with_cache", "input_without_cache", "cache_read", "output", "total",
	"cost_cents", "cost_raw", "api_cost_cents", "api_cost_raw",
	"capture_id", "first_seen_at", "last_seen_at",
}

const captureColumns = `id, content_digest, payload, compression, origin_kind, origin_url, captured_at, byte_size, fetch_method`

const ingestionColumns = `id, source, status, started_at, content_digest, headers, metadata, capture_id, updated_at`

// eventValues flattens e in eventColumns order. ts formats instants and
// dates for the backend; a nil ts passes time.Time through.
func eventValues(e model.LedgerEvent, ts func(time.Time) any, date func(time.Time) any) []any {
	r := e.Record
	var start, end, occurred any
	if r.Period != nil {
		start, end = date(r.Period.Start), date(r.Period.End)
	}
	if r.OccurredAt != nil {
		occurred = ts(*r.OccurredAt)
	}
	return []any{
		e.IdentityHash, e.LogicVersion, r.Source,
		start, end, occurred,
		r.Model, nullable(r.Kind), nullable(r.Mode),
		r.Counters.InputWithCache, r.Counters.InputWithoutCache, r.Counters.CacheRead, r.Counters.Output, r.Counters.Total,
		r.Cost.Cents, r.Cost.Raw, r.APICost.Cents, r.APICost.Raw,
		r.CaptureID, ts(e.FirstSeenAt), ts(e.LastSeenAt),
	}
}
