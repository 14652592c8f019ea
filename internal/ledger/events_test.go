package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/usage-ledger/internal/model"
	"github.com/sells-group/usage-ledger/internal/resilience"
	"github.com/sells-group/usage-ledger/internal/store"
)

func meta(digest string) IngestMeta {
	return IngestMeta{
		IngestedAt:    runAt,
		Source:        "usage-export",
		ContentDigest: digest,
		Headers:       map[string]string{"content-type": "text/csv"},
		Metadata:      map[string]any{model.MetaPeriodStart: feb.StartDate(), model.MetaPeriodEnd: feb.EndDate()},
		LogicVersion:  1,
	}
}

func TestEventLedger_IdempotentIngestion(t *testing.T) {
	st := newTestStore(t)
	l := NewEventLedger(st)
	ctx := context.Background()
	batch := hashed(t, record("gpt", 1, 10), record("gpt", 2, 20), record("claude", 3, 30))

	first, err := l.Ingest(ctx, batch, meta("d1"))
	require.NoError(t, err)
	assert.Equal(t, 3, first.InsertedCount)
	assert.Equal(t, 0, first.DuplicateCount)
	require.Len(t, first.IdentityHashes, 3)
	assert.Equal(t, batch[0].IdentityHash, first.IdentityHashes[0])

	m := meta("d1")
	m.IngestedAt = runAt.Add(time.Hour)
	second, err := l.Ingest(ctx, batch, m)
	require.NoError(t, err)
	assert.Equal(t, 0, second.InsertedCount)
	assert.Equal(t, 3, second.DuplicateCount)
	assert.Equal(t, first.IngestionID, second.IngestionID)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Events)
	assert.Equal(t, int64(3), stats.Links)
	assert.Equal(t, int64(1), stats.Ingestions[model.IngestionCompleted])
	require.NotNil(t, stats.LatestSeenAt)
	assert.True(t, runAt.Add(time.Hour).Equal(*stats.LatestSeenAt))

	list, err := st.ListIngestions(ctx, store.IngestionFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, runAt.Add(time.Hour).Equal(list[0].StartedAt))
	assert.EqualValues(t, 3, list[0].Metadata[model.MetaRowCount])
	assert.EqualValues(t, 1, list[0].Metadata[model.MetaLogicVersion])
	assert.Equal(t, "2025-02-01", list[0].Metadata[model.MetaPeriodStart])
}

func TestEventLedger_NewRowsAcrossDigests(t *testing.T) {
	st := newTestStore(t)
	l := NewEventLedger(st)
	ctx := context.Background()
	recs := []model.CanonicalRecord{record("gpt", 1, 10), record("gpt", 2, 20), record("claude", 3, 30)}

	_, err := l.Ingest(ctx, hashed(t, recs...), meta("d1"))
	require.NoError(t, err)

	res, err := l.Ingest(ctx, hashed(t, append(recs, record("gpt", 4, 40))...), meta("d2"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.InsertedCount)
	assert.Equal(t, 3, res.DuplicateCount)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Events)
	assert.Equal(t, int64(7), stats.Links)
	assert.Equal(t, int64(2), stats.Ingestions[model.IngestionCompleted])
}

func TestEventLedger_DuplicatesWithinBatch(t *testing.T) {
	st := newTestStore(t)
	l := NewEventLedger(st)
	r := record("gpt", 1, 10)

	res, err := l.Ingest(context.Background(), hashed(t, r, r, record("gpt", 2, 5)), meta(""))
	require.NoError(t, err)
	assert.Equal(t, 2, res.InsertedCount)
	assert.Equal(t, 1, res.DuplicateCount)
	assert.Len(t, res.IdentityHashes, 3)
}

func TestEventLedger_EmptyBatch(t *testing.T) {
	st := newTestStore(t)
	l := NewEventLedger(st)

	res, err := l.Ingest(context.Background(), nil, meta("empty"))
	require.NoError(t, err)
	assert.Zero(t, res.InsertedCount)
	assert.Zero(t, res.DuplicateCount)
	assert.NotZero(t, res.IngestionID)
}

func TestEventLedger_Validation(t *testing.T) {
	l := NewEventLedger(newTestStore(t))
	ctx := context.Background()

	m := meta("d1")
	m.LogicVersion = 0
	_, err := l.Ingest(ctx, hashed(t, record("gpt", 1, 1)), m)
	assert.Equal(t, resilience.KindValidation, resilience.KindOf(err))

	_, err = l.Ingest(ctx, []model.HashedRecord{{Record: record("gpt", 1, 1)}}, meta("d1"))
	assert.Equal(t, resilience.KindValidation, resilience.KindOf(err))
}

func TestEventLedger_RecordFailure(t *testing.T) {
	st := newTestStore(t)
	l := NewEventLedger(st)
	ctx := context.Background()
	cause := resilience.E(resilience.KindCSVParse, "export: parse tabular", errors.New(`bare " in non-quoted field`))

	id1, err := l.RecordFailure(ctx, meta("bad"), cause)
	require.NoError(t, err)
	id2, err := l.RecordFailure(ctx, meta("bad"), cause)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "byte-identical failing retry updates the same record")

	failed, err := st.ListIngestions(ctx, store.IngestionFilter{Status: model.IngestionFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	md := failed[0].Metadata
	assert.EqualValues(t, 0, md[model.MetaRowCount])
	assert.Equal(t, "CSV_PARSE_ERROR", md[model.MetaErrorKind])
	assert.Contains(t, md[model.MetaErrorMessage], "bare")

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Events)
	assert.Zero(t, stats.Links)
}

// brokenTx fails every transaction at the given step.
type brokenTx struct {
	failAt string
}

func (b brokenTx) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return fn(ctx, b)
}

func (b brokenTx) fail(step string) error {
	if b.failAt == step {
		return errors.New(step + " failed")
	}
	return nil
}

func (b brokenTx) UpsertIngestion(context.Context, *model.IngestionRecord) (int64, error) {
	return 1, b.fail("upsert")
}

func (b brokenTx) ExistingEvents(context.Context, []string) (map[string]bool, error) {
	return map[string]bool{}, b.fail("existing")
}

func (b brokenTx) InsertEvents(_ context.Context, events []model.LedgerEvent) ([]string, error) {
	if err := b.fail("insert"); err != nil {
		return nil, err
	}
	if b.failAt == "conflict" {
		return nil, store.ErrConflict
	}
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.IdentityHash
	}
	return out, nil
}

func (b brokenTx) TouchEvents(context.Context, []string, time.Time, int) error {
	return b.fail("touch")
}

func (b brokenTx) LinkEvents(context.Context, int64, []string) error {
	return b.fail("link")
}

func TestEventLedger_StepFailuresAreIOErrors(t *testing.T) {
	batch := hashed(t, record("gpt", 1, 1))
	for _, step := range []string{"upsert", "existing", "insert", "touch", "link"} {
		t.Run(step, func(t *testing.T) {
			_, err := NewEventLedger(brokenTx{failAt: step}).Ingest(context.Background(), batch, meta("d1"))
			require.Error(t, err)
			assert.Equal(t, resilience.KindIO, resilience.KindOf(err))
			assert.Contains(t, err.Error(), step+" failed")
		})
	}

	_, err := NewEventLedger(brokenTx{failAt: "conflict"}).Ingest(context.Background(), batch, meta("d1"))
	assert.Equal(t, resilience.KindConflict, resilience.KindOf(err))
}

// racingTx reports nothing as existing but only inserts some hashes, as if a
// concurrent run inserted the rest first.
type racingTx struct {
	brokenTx
	touched []string
}

func (r *racingTx) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return fn(ctx, r)
}

func (r *racingTx) InsertEvents(_ context.Context, events []model.LedgerEvent) ([]string, error) {
	return []string{events[0].IdentityHash}, nil
}

func (r *racingTx) TouchEvents(_ context.Context, hashes []string, _ time.Time, _ int) error {
	r.touched = hashes
	return nil
}

func TestEventLedger_ConcurrentInsertCountsAsDuplicate(t *testing.T) {
	rt := &racingTx{}
	batch := hashed(t, record("gpt", 1, 1), record("gpt", 2, 2), record("gpt", 3, 3))

	res, err := NewEventLedger(rt).Ingest(context.Background(), batch, meta("d1"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.InsertedCount)
	assert.Equal(t, 2, res.DuplicateCount)
	assert.Len(t, rt.touched, 2)
}
