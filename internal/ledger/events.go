package ledger

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/usage-ledger/internal/model"
	"github.com/sells-group/usage-ledger/internal/resilience"
	"github.com/sells-group/usage-ledger/internal/store"
)

// IngestMeta is the run context written with a batch.
type IngestMeta struct {
	IngestedAt    time.Time
	Source        string
	ContentDigest string // "" when no digest is available
	Headers       map[string]string
	Metadata      map[string]any
	LogicVersion  int
	CaptureID     *int64
}

// IngestResult summarizes one Ingest call. InsertedCount+DuplicateCount
// always equals the number of records passed in.
type IngestResult struct {
	IngestionID    int64    `json:"ingestion_id"`
	InsertedCount  int      `json:"inserted_count"`
	DuplicateCount int      `json:"duplicate_count"`
	IdentityHashes []string `json:"identity_hashes"`
}

// EventLedger is the only writer of ledger events and ingestion records.
type EventLedger struct {
	tx  store.Transactor
	log *zap.Logger
}

// NewEventLedger creates an EventLedger over tx.
func NewEventLedger(tx store.Transactor) *EventLedger {
	return &EventLedger{
		tx:  tx,
		log: zap.L().With(zap.String("component", "ledger.events")),
	}
}

// Ingest upserts the ingestion record, inserts unseen events, touches seen
// ones and links every event to the ingestion, all in one transaction.
// Replaying an identical batch inserts nothing and only refreshes the
// ingestion record and last_seen_at.
func (l *EventLedger) Ingest(ctx context.Context, records []model.HashedRecord, meta IngestMeta) (*IngestResult, error) {
	if meta.LogicVersion < 1 {
		return nil, resilience.E(resilience.KindValidation, "ledger: ingest",
			eris.Errorf("logic version %d must be >= 1", meta.LogicVersion))
	}

	hashes := make([]string, len(records))
	first := make(map[string]model.CanonicalRecord, len(records))
	for i, r := range records {
		if r.IdentityHash == "" {
			return nil, resilience.E(resilience.KindValidation, "ledger: ingest",
				eris.Errorf("record %d has no identity hash", i))
		}
		hashes[i] = r.IdentityHash
		if _, ok := first[r.IdentityHash]; !ok {
			first[r.IdentityHash] = r.Record
		}
	}
	// Sorted so concurrent batches take row locks in the same order.
	unique := slices.Sorted(maps.Keys(first))

	metadata := cloneMeta(meta.Metadata)
	metadata[model.MetaRowCount] = len(records)
	metadata[model.MetaLogicVersion] = meta.LogicVersion

	rec := ingestionRecord(meta, model.IngestionCompleted, metadata)
	at := meta.IngestedAt.UTC()

	var res IngestResult
	err := l.tx.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		id, err := tx.UpsertIngestion(ctx, rec)
		if err != nil {
			return err
		}

		existing, err := tx.ExistingEvents(ctx, unique)
		if err != nil {
			return err
		}

		var fresh []model.LedgerEvent
		for _, h := range unique {
			if existing[h] {
				continue
			}
			fresh = append(fresh, model.LedgerEvent{
				IdentityHash: h,
				LogicVersion: meta.LogicVersion,
				Record:       first[h],
				FirstSeenAt:  at,
				LastSeenAt:   at,
			})
		}

		inserted, err := tx.InsertEvents(ctx, fresh)
		if err != nil {
			return err
		}
		// Hashes another run inserted after ExistingEvents are touched too.
		insertedSet := make(map[string]bool, len(inserted))
		for _, h := range inserted {
			insertedSet[h] = true
		}
		seen := make([]string, 0, len(unique)-len(inserted))
		for _, h := range unique {
			if !insertedSet[h] {
				seen = append(seen, h)
			}
		}
		if err := tx.TouchEvents(ctx, seen, at, meta.LogicVersion); err != nil {
			return err
		}
		if err := tx.LinkEvents(ctx, id, unique); err != nil {
			return err
		}

		res = IngestResult{
			IngestionID:    id,
			InsertedCount:  len(inserted),
			DuplicateCount: len(records) - len(inserted),
			IdentityHashes: hashes,
		}
		return nil
	})
	if err != nil {
		return nil, classify(err, "ledger: ingest")
	}

	l.log.Info("batch ingested",
		zap.Int64("ingestion_id", res.IngestionID),
		zap.String("source", meta.Source),
		zap.Int("records", len(records)),
		zap.Int("inserted", res.InsertedCount),
		zap.Int("duplicates", res.DuplicateCount),
	)
	return &res, nil
}

// RecordFailure writes a failed ingestion record carrying the error kind
// and message. With a content digest it updates the record for that digest.
func (l *EventLedger) RecordFailure(ctx context.Context, meta IngestMeta, cause error) (int64, error) {
	metadata := cloneMeta(meta.Metadata)
	metadata[model.MetaRowCount] = 0
	metadata[model.MetaLogicVersion] = meta.LogicVersion
	metadata[model.MetaErrorKind] = string(resilience.KindOf(cause))
	metadata[model.MetaErrorMessage] = resilience.Message(cause)

	rec := ingestionRecord(meta, model.IngestionFailed, metadata)

	var id int64
	err := l.tx.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		id, err = tx.UpsertIngestion(ctx, rec)
		return err
	})
	if err != nil {
		return 0, classify(err, "ledger: record failure")
	}

	l.log.Warn("ingestion failure recorded",
		zap.Int64("ingestion_id", id),
		zap.String("source", meta.Source),
		zap.String("error_kind", string(resilience.KindOf(cause))),
		zap.Error(cause),
	)
	return id, nil
}

func ingestionRecord(meta IngestMeta, status model.IngestionStatus, metadata map[string]any) *model.IngestionRecord {
	at := meta.IngestedAt.UTC()
	rec := &model.IngestionRecord{
		Source:    meta.Source,
		Status:    status,
		StartedAt: at,
		Headers:   meta.Headers,
		Metadata:  metadata,
		CaptureID: meta.CaptureID,
		UpdatedAt: at,
	}
	if meta.ContentDigest != "" {
		d := meta.ContentDigest
		rec.ContentDigest = &d
	}
	return rec
}

func cloneMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+4)
	maps.Copy(out, m)
	return out
}

// classify maps store errors onto the failure taxonomy.
func classify(err error, op string) error {
	var classified *resilience.Error
	if errors.As(err, &classified) {
		return err
	}
	if eris.Is(err, store.ErrConflict) {
		return resilience.E(resilience.KindConflict, op, err)
	}
	return resilience.E(resilience.KindIO, op, err)
}
