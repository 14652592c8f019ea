// Package monitoring summarizes ledger health for the status surfaces and
// raises webhook alerts when ingestion stalls or keeps failing.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/usage-ledger/internal/model"
	"github.com/sells-group/usage-ledger/internal/store"
)

// Snapshot holds a point-in-time view of the ledger.
type Snapshot struct {
	// Totals.
	Events     int64                           `json:"events"`
	Links      int64                           `json:"links"`
	Captures   int64                           `json:"captures"`
	Ingestions map[model.IngestionStatus]int64 `json:"ingestions"`

	LatestIngestion *model.IngestionRecord `json:"latest_ingestion,omitempty"`
	LastCompletedAt *time.Time             `json:"last_completed_at,omitempty"`
	LatestCaptureAt *time.Time             `json:"latest_capture_at,omitempty"`
	LatestSeenAt    *time.Time             `json:"latest_seen_at,omitempty"`

	// Ingestions started within the lookback window.
	WindowTotal     int            `json:"window_total"`
	WindowCompleted int            `json:"window_completed"`
	WindowFailed    int            `json:"window_failed"`
	WindowFailRate  float64        `json:"window_fail_rate"`
	FailuresByKind  map[string]int `json:"failures_by_kind,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// LedgerReader is the read-only store surface the collector needs.
type LedgerReader interface {
	Stats(ctx context.Context) (*store.Stats, error)
	ListIngestions(ctx context.Context, filter store.IngestionFilter) ([]model.IngestionRecord, error)
}

// windowLimit caps how many recent ingestions a snapshot inspects.
const windowLimit = 1000

// Collector gathers snapshots from the store.
type Collector struct {
	store LedgerReader
	now   func() time.Time
}

// NewCollector creates a new snapshot collector.
func NewCollector(st LedgerReader) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	stats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: stats")
	}
	snap.Events = stats.Events
	snap.Links = stats.Links
	snap.Captures = stats.Captures
	snap.Ingestions = stats.Ingestions
	snap.LatestIngestion = stats.LatestIngestion
	snap.LatestCaptureAt = stats.LatestCaptureAt
	snap.LatestSeenAt = stats.LatestSeenAt

	completed, err := c.store.ListIngestions(ctx, store.IngestionFilter{Status: model.IngestionCompleted, Limit: 1})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: last completed ingestion")
	}
	if len(completed) > 0 {
		at := completed[0].StartedAt
		snap.LastCompletedAt = &at
	}

	recent, err := c.store.ListIngestions(ctx, store.IngestionFilter{Limit: windowLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list ingestions")
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	for _, rec := range recent {
		if rec.StartedAt.Before(cutoff) {
			continue
		}
		snap.WindowTotal++
		switch rec.Status {
		case model.IngestionCompleted:
			snap.WindowCompleted++
		case model.IngestionFailed:
			snap.WindowFailed++
			if snap.FailuresByKind == nil {
				snap.FailuresByKind = make(map[string]int)
			}
			kind, _ := rec.Metadata[model.MetaErrorKind].(string)
			snap.FailuresByKind[kind]++
		}
	}
	if snap.WindowTotal > 0 {
		snap.WindowFailRate = float64(snap.WindowFailed) / float64(snap.WindowTotal)
	}

	return snap, nil
}
