package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var eventsCfg = UpsertConfig{
	Table:        "ledger_events",
	Columns:      []string{"identity_hash", "model"},
	ConflictKeys: []string{"identity_hash"},
	Returning:    "identity_hash",
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return mock
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	got, err := BulkUpsert(context.Background(), nil, eventsCfg, nil)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestBulkUpsert_Validation(t *testing.T) {
	rows := [][]any{{"h1", "a"}}
	tests := []struct {
		name string
		cfg  UpsertConfig
		want string
	}{
		{"no columns", UpsertConfig{Table: "t", ConflictKeys: []string{"id"}, Returning: "id"}, "no columns specified"},
		{"no keys", UpsertConfig{Table: "t", Columns: []string{"id"}, Returning: "id"}, "no conflict keys specified"},
		{"no returning", UpsertConfig{Table: "t", Columns: []string{"id"}, ConflictKeys: []string{"id"}}, "no returning column specified"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BulkUpsert(context.Background(), nil, tt.cfg, rows)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBulkUpsert_DoNothingReturnsInserted(t *testing.T) {
	mock := newMock(t)

	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_ledger_events" \(LIKE "ledger_events" INCLUDING DEFAULTS\) ON COMMIT DROP`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_ledger_events"}, []string{"identity_hash", "model"}).
		WillReturnResult(2)
	mock.ExpectQuery(`INSERT INTO "ledger_events" \("identity_hash", "model"\) SELECT .* ON CONFLICT \("identity_hash"\) DO NOTHING RETURNING "identity_hash"`).
		WillReturnRows(pgxmock.NewRows([]string{"identity_hash"}).AddRow("h2"))

	got, err := BulkUpsert(context.Background(), mock, eventsCfg, [][]any{{"h1", "a"}, {"h2", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"h2"}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyError(t *testing.T) {
	mock := newMock(t)

	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_ledger_events"}, []string{"identity_hash", "model"}).
		WillReturnError(fmt.Errorf("copy failed"))

	_, err := BulkUpsert(context.Background(), mock, eventsCfg, [][]any{{"h1", "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table for ledger_events")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSQL_DoUpdate(t *testing.T) {
	cfg := UpsertConfig{
		Table:        "ingestions",
		Columns:      []string{"content_digest", "status"},
		ConflictKeys: []string{"content_digest"},
		UpdateCols:   []string{"status"},
		Returning:    "content_digest",
	}
	sql := upsertSQL(cfg, "_tmp")
	assert.Contains(t, sql, `ON CONFLICT ("content_digest") DO UPDATE SET "status" = EXCLUDED."status"`)
	assert.Contains(t, sql, `RETURNING "content_digest"`)
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"ledger.events", `"ledger"."events"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}

func TestCopyFrom(t *testing.T) {
	n, err := CopyFrom(context.Background(), nil, "event_links", []string{"a"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)

	mock := newMock(t)
	mock.ExpectCopyFrom(pgx.Identifier{"event_links"}, []string{"a", "b"}).WillReturnError(fmt.Errorf("permission denied"))
	_, err = CopyFrom(context.Background(), mock, "event_links", []string{"a", "b"}, [][]any{{1, 2}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO event_links")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsUniqueViolation(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
	assert.False(t, IsUniqueViolation(nil))
}
