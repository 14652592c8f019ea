// Package store persists raw captures, ingestion records, ledger events and
// their links in Postgres or SQLite.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/usage-ledger/internal/model"
)

// ErrConflict is returned when a write violates a unique constraint.
var ErrConflict = eris.New("store: unique constraint conflict")

// IngestionFilter specifies criteria for listing ingestion records.
type IngestionFilter struct {
	Source string                `json:"source,omitempty"`
	Status model.IngestionStatus `json:"status,omitempty"`
	Limit  int                   `json:"limit,omitempty"`
}

// Stats is a read-only summary of the ledger contents.
type Stats struct {
	Events          int64                           `json:"events"`
	Links           int64                           `json:"links"`
	Captures        int64                           `json:"captures"`
	Ingestions      map[model.IngestionStatus]int64 `json:"ingestions"`
	LatestCaptureAt *time.Time                      `json:"latest_capture_at,omitempty"`
	LatestSeenAt    *time.Time                      `json:"latest_seen_at,omitempty"`
	LatestIngestion *model.IngestionRecord          `json:"latest_ingestion,omitempty"`
}

// Tx is the set of writes the event ledger performs inside one transaction.
type Tx interface {
	// UpsertIngestion inserts the record, or updates the existing record
	// with the same content digest, and returns its id. Records without a
	// digest are always inserted.
	UpsertIngestion(ctx context.Context, rec *model.IngestionRecord) (int64, error)
	// ExistingEvents returns the subset of hashes already stored.
	ExistingEvents(ctx context.Context, hashes []string) (map[string]bool, error)
	// InsertEvents inserts events whose hash is absent and returns the
	// hashes actually inserted. Rows that already exist are left untouched.
	InsertEvents(ctx context.Context, events []model.LedgerEvent) ([]string, error)
	// TouchEvents advances last_seen_at and logic_version, never moving
	// either backwards.
	TouchEvents(ctx context.Context, hashes []string, seenAt time.Time, logicVersion int) error
	// LinkEvents links every hash to the ingestion, skipping existing pairs.
	LinkEvents(ctx context.Context, ingestionID int64, hashes []string) error
}

// Transactor runs fn inside a single transaction. fn receives a context
// that is not cancelled with the caller's, so once started the batch
// either commits or rolls back as a whole. Any error from fn rolls back.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// CaptureStore persists raw captures.
type CaptureStore interface {
	// FindCapture returns the capture with the digest, or nil.
	FindCapture(ctx context.Context, digest string) (*model.RawCapture, error)
	// InsertCapture stores c and returns its id, or ErrConflict when a
	// capture with the same digest exists.
	InsertCapture(ctx context.Context, c *model.RawCapture) (int64, error)
	// GetCapture returns the capture with the id, or nil.
	GetCapture(ctx context.Context, id int64) (*model.RawCapture, error)
	// TrimCaptures deletes all but the newest keep captures ordered by
	// captured_at then id, and returns how many were deleted.
	TrimCaptures(ctx context.Context, keep int) (int64, error)
}

// Store is the full persistence surface.
type Store interface {
	Transactor
	CaptureStore

	ListIngestions(ctx context.Context, filter IngestionFilter) ([]model.IngestionRecord, error)
	// LatestPeriodIngestion returns the newest completed ingestion for the
	// source whose metadata names the period, or nil.
	LatestPeriodIngestion(ctx context.Context, source string, period model.Period) (*model.IngestionRecord, error)
	// LatestOccurredAt returns the newest occurred_at stored for the source
	// and period, or nil.
	LatestOccurredAt(ctx context.Context, source string, period model.Period) (*time.Time, error)
	// LatestCaptureAt returns the newest captured_at, or nil.
	LatestCaptureAt(ctx context.Context) (*time.Time, error)
	// CountIngestionsSince counts ingestion records started after since,
	// or all of them when since is nil.
	CountIngestionsSince(ctx context.Context, since *time.Time) (int, error)
	Stats(ctx context.Context) (*Stats, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Open returns the backend named by driver.
func Open(ctx context.Context, driver, dsn string, poolCfg *PoolConfig) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(ctx, dsn, poolCfg)
	case "sqlite":
		return NewSQLite(dsn)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal json")
	}
	if string(b) == "null" {
		return "{}", nil
	}
	return string(b), nil
}

func decodeIngestionJSON(rec *model.IngestionRecord, headers, metadata []byte) error {
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &rec.Headers); err != nil {
			return eris.Wrap(err, "store: unmarshal headers")
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return eris.Wrap(err, "store: unmarshal metadata")
		}
	}
	return nil
}

// nullable maps "" to NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// uniqueHashes returns hashes without duplicates, preserving first order.
func uniqueHashes(hashes []string) []string {
	seen := make(map[string]bool, len(hashes))
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}
