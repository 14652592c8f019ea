package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/usage-ledger/internal/model"
)

// sqliteTimeLayout is fixed-width so stored instants order lexicographically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// sqliteChunk bounds the rows per multi-row statement.
const sqliteChunk = 200

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection: SQLite has a single writer and pragmas are per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS raw_captures (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	content_digest TEXT NOT NULL UNIQUE,
	payload        BLOB NOT NULL,
	compression    TEXT NOT NULL,
	origin_kind    TEXT NOT NULL,
	origin_url     TEXT NOT NULL DEFAULT '',
	captured_at    TEXT NOT NULL,
	byte_size      INTEGER NOT NULL,
	fetch_method   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS ingestions (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	source         TEXT NOT NULL,
	status         TEXT NOT NULL,
	started_at     TEXT NOT NULL,
	content_digest TEXT UNIQUE,
	headers        TEXT NOT NULL DEFAULT '{}',
	metadata       TEXT NOT NULL DEFAULT '{}',
	capture_id     INTEGER REFERENCES raw_captures (id) ON DELETE SET NULL,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_events (
	identity_hash       TEXT PRIMARY KEY,
	logic_version       INTEGER NOT NULL,
	source              TEXT NOT NULL,
	period_start        TEXT,
	period_end          TEXT,
	occurred_at         TEXT,
	model               TEXT NOT NULL,
	kind                TEXT,
	mode                TEXT,
	input_with_cache    INTEGER NOT NULL DEFAULT 0,
	input_without_cache INTEGER NOT NULL DEFAULT 0,
	cache_read          INTEGER NOT NULL DEFAULT 0,
	output              INTEGER NOT NULL DEFAULT 0,
	total               INTEGER NOT NULL DEFAULT 0,
	cost_cents          INTEGER NOT NULL DEFAULT 0,
	cost_raw            TEXT NOT NULL DEFAULT '',
	api_cost_cents      INTEGER NOT NULL DEFAULT 0,
	api_cost_raw        TEXT NOT NULL DEFAULT '',
	capture_id          INTEGER REFERENCES raw_captures (id) ON DELETE SET NULL,
	first_seen_at       TEXT NOT NULL,
	last_seen_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS event_links (
	identity_hash TEXT NOT NULL REFERENCES ledger_events (identity_hash),
	ingestion_id  INTEGER NOT NULL REFERENCES ingestions (id) ON DELETE CASCADE,
	PRIMARY KEY (identity_hash, ingestion_id)
);

CREATE INDEX IF NOT EXISTS idx_raw_captures_captured_at ON raw_captures (captured_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_ingestions_source_started ON ingestions (source, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_events_period ON ledger_events (source, period_start, occurred_at);
CREATE INDEX IF NOT EXISTS idx_event_links_ingestion ON event_links (ingestion_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- transactions ---

func (s *SQLiteStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	ctx = context.WithoutCancel(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(ctx, &sqliteTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit tx")
	}
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) UpsertIngestion(ctx context.Context, rec *model.IngestionRecord) (int64, error) {
	headers, err := encodeJSON(rec.Headers)
	if err != nil {
		return 0, err
	}
	meta, err := encodeJSON(rec.Metadata)
	if err != nil {
		return 0, err
	}

	var id int64
	err = t.tx.QueryRowContext(ctx,
		`INSERT INTO ingestions (source, status, started_at, content_digest, headers, metadata, capture_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (content_digest) DO UPDATE SET
			source = excluded.source,
			status = excluded.status,
			started_at = excluded.started_at,
			headers = excluded.headers,
			metadata = excluded.metadata,
			capture_id = COALESCE(excluded.capture_id, ingestions.capture_id),
			updated_at = excluded.updated_at
		 RETURNING id`,
		rec.Source, string(rec.Status), sqliteTS(rec.StartedAt), rec.ContentDigest, headers, meta, rec.CaptureID, sqliteTS(rec.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, sqliteErr(err, "upsert ingestion")
	}
	return id, nil
}

func (t *sqliteTx) ExistingEvents(ctx context.Context, hashes []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	for _, chunk := range chunks(hashes, sqliteChunk) {
		rows, err := t.tx.QueryContext(ctx,
			`SELECT identity_hash FROM ledger_events WHERE identity_hash IN (`+placeholders(len(chunk), 1)+`)`,
			stringArgs(chunk)...)
		if err != nil {
			return nil, sqliteErr(err, "existing events")
		}
		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				rows.Close() //nolint:errcheck
				return nil, sqliteErr(err, "scan existing events")
			}
			existing[h] = true
		}
		err = rows.Err()
		rows.Close() //nolint:errcheck
		if err != nil {
			return nil, sqliteErr(err, "existing events")
		}
	}
	return existing, nil
}

func (t *sqliteTx) InsertEvents(ctx context.Context, events []model.LedgerEvent) ([]string, error) {
	var inserted []string
	for _, chunk := range chunks(events, sqliteChunk) {
		args := make([]any, 0, len(chunk)*len(eventColumns))
		for _, e := range chunk {
			args = append(args, eventValues(e, sqliteTS, sqliteDate)...)
		}
		rows, err := t.tx.QueryContext(ctx,
			`INSERT INTO ledger_events (`+strings.Join(eventColumns, ", ")+`) VALUES `+
				placeholderRows(len(chunk), len(eventColumns))+
				` ON CONFLICT (identity_hash) DO NOTHING RETURNING identity_hash`,
			args...)
		if err != nil {
			return nil, sqliteErr(err, "insert events")
		}
		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				rows.Close() //nolint:errcheck
				return nil, sqliteErr(err, "scan inserted events")
			}
			inserted = append(inserted, h)
		}
		err = rows.Err()
		rows.Close() //nolint:errcheck
		if err != nil {
			return nil, sqliteErr(err, "insert events")
		}
	}
	return inserted, nil
}

func (t *sqliteTx) TouchEvents(ctx context.Context, hashes []string, seenAt time.Time, logicVersion int) error {
	for _, chunk := range chunks(hashes, sqliteChunk) {
		args := append([]any{sqliteTS(seenAt), logicVersion}, stringArgs(chunk)...)
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE ledger_events
			 SET last_seen_at = MAX(last_seen_at, ?), logic_version = MAX(logic_version, ?)
			 WHERE identity_hash IN (`+placeholders(len(chunk), 1)+`)`,
			args...); err != nil {
			return sqliteErr(err, "touch events")
		}
	}
	return nil
}

func (t *sqliteTx) LinkEvents(ctx context.Context, ingestionID int64, hashes []string) error {
	for _, chunk := range chunks(uniqueHashes(hashes), sqliteChunk) {
		args := make([]any, 0, len(chunk)*2)
		for _, h := range chunk {
			args = append(args, h, ingestionID)
		}
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO event_links (identity_hash, ingestion_id) VALUES `+placeholderRows(len(chunk), 2)+
				` ON CONFLICT DO NOTHING`,
			args...); err != nil {
			return sqliteErr(err, "link events")
		}
	}
	return nil
}

// --- raw captures ---

func (s *SQLiteStore) FindCapture(ctx context.Context, digest string) (*model.RawCapture, error) {
	c, err := scanSQLiteCapture(s.db.QueryRowContext(ctx,
		`SELECT `+captureColumns+` FROM raw_captures WHERE content_digest = ?`, digest))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sqliteErr(err, "find capture")
	}
	return c, nil
}

func (s *SQLiteStore) GetCapture(ctx context.Context, id int64) (*model.RawCapture, error) {
	c, err := scanSQLiteCapture(s.db.QueryRowContext(ctx,
		`SELECT `+captureColumns+` FROM raw_captures WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sqliteErr(err, "get capture")
	}
	return c, nil
}

func (s *SQLiteStore) InsertCapture(ctx context.Context, c *model.RawCapture) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO raw_captures (content_digest, payload, compression, origin_kind, origin_url, captured_at, byte_size, fetch_method)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		c.ContentDigest, c.Payload, string(c.Compression), string(c.OriginKind), c.OriginURL, sqliteTS(c.CapturedAt), c.ByteSize, c.FetchMethod,
	).Scan(&id)
	if err != nil {
		return 0, sqliteErr(err, "insert capture")
	}
	return id, nil
}

func (s *SQLiteStore) TrimCaptures(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM raw_captures WHERE id IN (
			SELECT id FROM raw_captures ORDER BY captured_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, keep)
	if err != nil {
		return 0, sqliteErr(err, "trim captures")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, sqliteErr(err, "trim captures rows affected")
	}
	return n, nil
}

func scanSQLiteCapture(row *sql.Row) (*model.RawCapture, error) {
	var c model.RawCapture
	var compression, origin, capturedAt string
	if err := row.Scan(&c.ID, &c.ContentDigest, &c.Payload, &compression, &origin,
		&c.OriginURL, &capturedAt, &c.ByteSize, &c.FetchMethod); err != nil {
		return nil, err
	}
	c.Compression = model.Compression(compression)
	c.OriginKind = model.OriginKind(origin)
	var err error
	if c.CapturedAt, err = parseSQLiteTS(capturedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// --- reads ---

func (s *SQLiteStore) ListIngestions(ctx context.Context, filter IngestionFilter) ([]model.IngestionRecord, error) {
	var where []string
	var args []any
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + ingestionColumns + ` FROM ingestions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqliteErr(err, "list ingestions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.IngestionRecord
	for rows.Next() {
		rec, err := scanSQLiteIngestion(rows)
		if err != nil {
			return nil, sqliteErr(err, "scan ingestion")
		}
		out = append(out, *rec)
	}
	return out, sqliteErr(rows.Err(), "list ingestions")
}

func (s *SQLiteStore) LatestPeriodIngestion(ctx context.Context, source string, period model.Period) (*model.IngestionRecord, error) {
	rec, err := scanSQLiteIngestion(s.db.QueryRowContext(ctx,
		`SELECT `+ingestionColumns+` FROM ingestions
		 WHERE source = ? AND status = ?
		   AND json_extract(metadata, '$.`+model.MetaPeriodStart+`') = ?
		   AND json_extract(metadata, '$.`+model.MetaPeriodEnd+`') = ?
		 ORDER BY started_at DESC, id DESC LIMIT 1`,
		source, string(model.IngestionCompleted), period.StartDate(), period.EndDate(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sqliteErr(err, "latest period ingestion")
	}
	return rec, nil
}

func (s *SQLiteStore) LatestOccurredAt(ctx context.Context, source string, period model.Period) (*time.Time, error) {
	return s.maxTime(ctx, "latest occurred_at",
		`SELECT MAX(occurred_at) FROM ledger_events WHERE source = ? AND period_start = ?`,
		source, period.StartDate())
}

func (s *SQLiteStore) LatestCaptureAt(ctx context.Context) (*time.Time, error) {
	return s.maxTime(ctx, "latest capture", `SELECT MAX(captured_at) FROM raw_captures`)
}

func (s *SQLiteStore) maxTime(ctx context.Context, op, query string, args ...any) (*time.Time, error) {
	var v sql.NullString
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&v); err != nil {
		return nil, sqliteErr(err, op)
	}
	if !v.Valid {
		return nil, nil
	}
	t, err := parseSQLiteTS(v.String)
	if err != nil {
		return nil, sqliteErr(err, op)
	}
	return &t, nil
}

func (s *SQLiteStore) CountIngestionsSince(ctx context.Context, since *time.Time) (int, error) {
	var n int
	var err error
	if since == nil {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingestions`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingestions WHERE started_at > ?`, sqliteTS(*since)).Scan(&n)
	}
	if err != nil {
		return 0, sqliteErr(err, "count ingestions")
	}
	return n, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Ingestions: make(map[model.IngestionStatus]int64)}
	for _, q := range []struct {
		sql string
		dst *int64
	}{
		{`SELECT COUNT(*) FROM ledger_events`, &st.Events},
		{`SELECT COUNT(*) FROM event_links`, &st.Links},
		{`SELECT COUNT(*) FROM raw_captures`, &st.Captures},
	} {
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(q.dst); err != nil {
			return nil, sqliteErr(err, "stats")
		}
	}

	var err error
	if st.LatestCaptureAt, err = s.LatestCaptureAt(ctx); err != nil {
		return nil, err
	}
	if st.LatestSeenAt, err = s.maxTime(ctx, "latest seen", `SELECT MAX(last_seen_at) FROM ledger_events`); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM ingestions GROUP BY status`)
	if err != nil {
		return nil, sqliteErr(err, "stats by status")
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close() //nolint:errcheck
			return nil, sqliteErr(err, "scan stats")
		}
		st.Ingestions[model.IngestionStatus(status)] = n
	}
	err = rows.Err()
	rows.Close() //nolint:errcheck
	if err != nil {
		return nil, sqliteErr(err, "stats by status")
	}

	latest, err := s.ListIngestions(ctx, IngestionFilter{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(latest) > 0 {
		st.LatestIngestion = &latest[0]
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteIngestion(row rowScanner) (*model.IngestionRecord, error) {
	var rec model.IngestionRecord
	var status, startedAt, updatedAt, headers, meta string
	if err := row.Scan(&rec.ID, &rec.Source, &status, &startedAt, &rec.ContentDigest,
		&headers, &meta, &rec.CaptureID, &updatedAt); err != nil {
		return nil, err
	}
	rec.Status = model.IngestionStatus(status)
	var err error
	if rec.StartedAt, err = parseSQLiteTS(startedAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseSQLiteTS(updatedAt); err != nil {
		return nil, err
	}
	if err := decodeIngestionJSON(&rec, []byte(headers), []byte(meta)); err != nil {
		return nil, err
	}
	return &rec, nil
}

// sqliteErr maps unique and primary key violations to ErrConflict.
func sqliteErr(err error, op string) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return eris.Wrapf(ErrConflict, "sqlite: %s", op)
		}
	}
	return eris.Wrapf(err, "sqlite: %s", op)
}

func sqliteTS(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) }

func sqliteDate(t time.Time) any { return t.UTC().Format(model.DateLayout) }

func parseSQLiteTS(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

// placeholders returns "?, ?, ..." for n groups of width values.
func placeholders(n, width int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n*width), ", ")
}

// placeholderRows returns "(?, ?), (?, ?)" for n rows of width values.
func placeholderRows(n, width int) string {
	row := "(" + placeholders(1, width) + ")"
	return strings.TrimSuffix(strings.Repeat(row+", ", n), ", ")
}

func stringArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
