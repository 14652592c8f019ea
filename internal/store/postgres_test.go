package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/usage-ledger/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return &PostgresStore{pool: mock}, mock
}

func TestPostgresStore_FindCapture_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM raw_captures WHERE content_digest = \$1`).
		WithArgs("d1").
		WillReturnError(pgx.ErrNoRows)

	c, err := s.FindCapture(context.Background(), "d1")
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCapture(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM raw_captures WHERE id = \$1`).
		WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "content_digest", "payload", "compression", "origin_kind", "origin_url", "captured_at", "byte_size", "fetch_method"}).
			AddRow(int64(4), "d1", []byte("zz"), "zstd", "tabular-export", "https://x.test", at, int64(10), "http"))

	c, err := s.GetCapture(context.Background(), 4)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, model.CompressionZstd, c.Compression)
	assert.Equal(t, model.OriginTabular, c.OriginKind)
	assert.Equal(t, int64(10), c.ByteSize)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertCapture_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO raw_captures`).
		WithArgs("d1", pgxmock.AnyArg(), "zstd", "tabular-export", "", pgxmock.AnyArg(), int64(3), "file").
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})

	_, err := s.InsertCapture(context.Background(), &model.RawCapture{
		ContentDigest: "d1", Payload: []byte("abc"), Compression: model.CompressionZstd,
		OriginKind: model.OriginTabular, CapturedAt: time.Now(), ByteSize: 3, FetchMethod: "file",
	})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertCapture_OtherError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO raw_captures`).WillReturnError(errors.New("connection reset"))

	_, err := s.InsertCapture(context.Background(), &model.RawCapture{ContentDigest: "d1"})
	require.Error(t, err)
	assert.False(t, eris.Is(err, ErrConflict))
	assert.Contains(t, err.Error(), "postgres: insert capture")
}

func TestPostgresStore_TrimCaptures(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM raw_captures WHERE id IN \(\s*SELECT id FROM raw_captures ORDER BY captured_at DESC, id DESC OFFSET \$1`).
		WithArgs(5).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := s.TrimCaptures(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RunInTx_Commit(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)
	digest := "d1"

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO ingestions .* ON CONFLICT \(content_digest\) DO UPDATE SET .* RETURNING id`).
		WithArgs("s", "completed", now, &digest, "{}", `{"row_count":3}`, pgxmock.AnyArg(), now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectQuery(`SELECT identity_hash FROM ledger_events WHERE identity_hash = ANY\(\$1\)`).
		WithArgs([]string{"h1", "h2"}).
		WillReturnRows(pgxmock.NewRows([]string{"identity_hash"}).AddRow("h2"))
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_ledger_events"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_ledger_events"}, eventColumns).
		WillReturnResult(1)
	mock.ExpectQuery(`INSERT INTO "ledger_events" .* ON CONFLICT \("identity_hash"\) DO NOTHING RETURNING "identity_hash"`).
		WillReturnRows(pgxmock.NewRows([]string{"identity_hash"}).AddRow("h1"))
	mock.ExpectExec(`UPDATE ledger_events\s+SET last_seen_at = GREATEST`).
		WithArgs(now, 1, []string{"h2"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO event_links .* unnest\(\$1::text\[\]\) .* ON CONFLICT DO NOTHING`).
		WithArgs([]string{"h1", "h2"}, int64(7)).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		id, err := tx.UpsertIngestion(ctx, &model.IngestionRecord{
			Source: "s", Status: model.IngestionCompleted, StartedAt: now, UpdatedAt: now,
			ContentDigest: &digest, Metadata: map[string]any{model.MetaRowCount: 3},
		})
		if err != nil {
			return err
		}
		assert.Equal(t, int64(7), id)

		existing, err := tx.ExistingEvents(ctx, []string{"h1", "h2"})
		if err != nil {
			return err
		}
		assert.Equal(t, map[string]bool{"h2": true}, existing)

		inserted, err := tx.InsertEvents(ctx, []model.LedgerEvent{testEvent("h1", now)})
		if err != nil {
			return err
		}
		assert.Equal(t, []string{"h1"}, inserted)

		if err := tx.TouchEvents(ctx, []string{"h2"}, now, 1); err != nil {
			return err
		}
		return tx.LinkEvents(ctx, id, []string{"h1", "h2", "h1"})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RunInTx_RollbackOnError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE ledger_events`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.TouchEvents(ctx, []string{"h1"}, time.Now(), 1)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: touch events")
	assert.Contains(t, err.Error(), "deadlock detected")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EmptyBatchesSkipQueries(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		existing, err := tx.ExistingEvents(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, existing)
		inserted, err := tx.InsertEvents(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, inserted)
		require.NoError(t, tx.TouchEvents(ctx, nil, time.Now(), 1))
		return tx.LinkEvents(ctx, 1, nil)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountIngestionsSince(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	since := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM ingestions WHERE started_at > \$1`).
		WithArgs(since).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))

	n, err := s.CountIngestionsSince(context.Background(), &since)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestPeriodIngestion_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM ingestions\s+WHERE source = \$1 AND status = \$2\s+AND metadata->>'billing_period_start' = \$3`).
		WithArgs("s", "completed", "2025-02-01", "2025-02-28").
		WillReturnError(pgx.ErrNoRows)

	rec, err := s.LatestPeriodIngestion(context.Background(), "s", feb)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT pg_advisory_lock\(\$1\)`).WithArgs(migrationLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery(`SELECT filename FROM schema_migrations`).
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS raw_captures`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec(`INSERT INTO schema_migrations`).WithArgs("001_ledger.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).WithArgs(migrationLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate_AlreadyApplied(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT pg_advisory_lock`).WithArgs(migrationLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery(`SELECT filename FROM schema_migrations`).
		WillReturnRows(pgxmock.NewRows([]string{"filename"}).AddRow("001_ledger.sql"))
	mock.ExpectExec(`SELECT pg_advisory_unlock`).WithArgs(migrationLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
