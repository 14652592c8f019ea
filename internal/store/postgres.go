package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/usage-ledger/internal/db"
	"github.com/sells-group/usage-ledger/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migratePostgres(ctx, s.pool)
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- transactions ---

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	ctx = context.WithoutCancel(ctx)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit tx")
	}
	committed = true
	return nil
}

type pgTx struct {
	q db.Querier
}

func (t *pgTx) UpsertIngestion(ctx context.Context, rec *model.IngestionRecord) (int64, error) {
	headers, err := encodeJSON(rec.Headers)
	if err != nil {
		return 0, err
	}
	meta, err := encodeJSON(rec.Metadata)
	if err != nil {
		return 0, err
	}

	var id int64
	err = t.q.QueryRow(ctx,
		`INSERT INTO ingestions (source, status, started_at, content_digest, headers, metadata, capture_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (content_digest) DO UPDATE SET
			source = EXCLUDED.source,
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			headers = EXCLUDED.headers,
			metadata = EXCLUDED.metadata,
			capture_id = COALESCE(EXCLUDED.capture_id, ingestions.capture_id),
			updated_at = EXCLUDED.updated_at
		 RETURNING id`,
		rec.Source, string(rec.Status), rec.StartedAt, rec.ContentDigest, headers, meta, rec.CaptureID, rec.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, pgErr(err, "upsert ingestion")
	}
	return id, nil
}

func (t *pgTx) ExistingEvents(ctx context.Context, hashes []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(hashes) == 0 {
		return existing, nil
	}
	rows, err := t.q.Query(ctx,
		`SELECT identity_hash FROM ledger_events WHERE identity_hash = ANY($1)`, hashes)
	if err != nil {
		return nil, pgErr(err, "existing events")
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, pgErr(err, "scan existing events")
	}
	for _, h := range found {
		existing[h] = true
	}
	return existing, nil
}

func (t *pgTx) InsertEvents(ctx context.Context, events []model.LedgerEvent) ([]string, error) {
	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = eventValues(e, pgTime, pgTime)
	}
	inserted, err := db.BulkUpsert(ctx, t.q, db.UpsertConfig{
		Table:        "ledger_events",
		Columns:      eventColumns,
		ConflictKeys: []string{"identity_hash"},
		Returning:    "identity_hash",
	}, rows)
	if err != nil {
		return nil, pgErr(err, "insert events")
	}
	return inserted, nil
}

func (t *pgTx) TouchEvents(ctx context.Context, hashes []string, seenAt time.Time, logicVersion int) error {
	if len(hashes) == 0 {
		return nil
	}
	_, err := t.q.Exec(ctx,
		`UPDATE ledger_events
		 SET last_seen_at = GREATEST(last_seen_at, $1), logic_version = GREATEST(logic_version, $2)
		 WHERE identity_hash = ANY($3)`,
		seenAt, logicVersion, hashes,
	)
	return pgErr(err, "touch events")
}

func (t *pgTx) LinkEvents(ctx context.Context, ingestionID int64, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO event_links (identity_hash, ingestion_id)
		 SELECT h, $2 FROM unnest($1::text[]) AS h
		 ON CONFLICT DO NOTHING`,
		uniqueHashes(hashes), ingestionID,
	)
	return pgErr(err, "link events")
}

// --- raw captures ---

func (s *PostgresStore) FindCapture(ctx context.Context, digest string) (*model.RawCapture, error) {
	c, err := scanCapture(s.pool.QueryRow(ctx,
		`SELECT `+captureColumns+` FROM raw_captures WHERE content_digest = $1`, digest))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr(err, "find capture")
	}
	return c, nil
}

func (s *PostgresStore) GetCapture(ctx context.Context, id int64) (*model.RawCapture, error) {
	c, err := scanCapture(s.pool.QueryRow(ctx,
		`SELECT `+captureColumns+` FROM raw_captures WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr(err, "get capture")
	}
	return c, nil
}

func (s *PostgresStore) InsertCapture(ctx context.Context, c *model.RawCapture) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO raw_captures (content_digest, payload, compression, origin_kind, origin_url, captured_at, byte_size, fetch_method)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		c.ContentDigest, c.Payload, string(c.Compression), string(c.OriginKind), c.OriginURL, c.CapturedAt.UTC(), c.ByteSize, c.FetchMethod,
	).Scan(&id)
	if err != nil {
		return 0, pgErr(err, "insert capture")
	}
	return id, nil
}

func (s *PostgresStore) TrimCaptures(ctx context.Context, keep int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM raw_captures WHERE id IN (
			SELECT id FROM raw_captures ORDER BY captured_at DESC, id DESC OFFSET $1
		)`, keep)
	if err != nil {
		return 0, pgErr(err, "trim captures")
	}
	return tag.RowsAffected(), nil
}

func scanCapture(row pgx.Row) (*model.RawCapture, error) {
	var c model.RawCapture
	var compression, origin string
	if err := row.Scan(&c.ID, &c.ContentDigest, &c.Payload, &compression, &origin,
		&c.OriginURL, &c.CapturedAt, &c.ByteSize, &c.FetchMethod); err != nil {
		return nil, err
	}
	c.Compression = model.Compression(compression)
	c.OriginKind = model.OriginKind(origin)
	return &c, nil
}

// --- reads ---

func (s *PostgresStore) ListIngestions(ctx context.Context, filter IngestionFilter) ([]model.IngestionRecord, error) {
	var where []string
	var args []any
	if filter.Source != "" {
		args = append(args, filter.Source)
		where = append(where, fmt.Sprintf("source = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + ingestionColumns + ` FROM ingestions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, listLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY started_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, pgErr(err, "list ingestions")
	}
	defer rows.Close()

	var out []model.IngestionRecord
	for rows.Next() {
		rec, err := scanIngestion(rows)
		if err != nil {
			return nil, pgErr(err, "scan ingestion")
		}
		out = append(out, *rec)
	}
	return out, pgErr(rows.Err(), "list ingestions")
}

func (s *PostgresStore) LatestPeriodIngestion(ctx context.Context, source string, period model.Period) (*model.IngestionRecord, error) {
	rec, err := scanIngestion(s.pool.QueryRow(ctx,
		`SELECT `+ingestionColumns+` FROM ingestions
		 WHERE source = $1 AND status = $2
		   AND metadata->>'`+model.MetaPeriodStart+`' = $3
		   AND metadata->>'`+model.MetaPeriodEnd+`' = $4
		 ORDER BY started_at DESC, id DESC LIMIT 1`,
		source, string(model.IngestionCompleted), period.StartDate(), period.EndDate(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr(err, "latest period ingestion")
	}
	return rec, nil
}

func (s *PostgresStore) LatestOccurredAt(ctx context.Context, source string, period model.Period) (*time.Time, error) {
	var t *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(occurred_at) FROM ledger_events WHERE source = $1 AND period_start = $2`,
		source, period.Start,
	).Scan(&t)
	if err != nil {
		return nil, pgErr(err, "latest occurred_at")
	}
	return utcPtr(t), nil
}

func (s *PostgresStore) LatestCaptureAt(ctx context.Context) (*time.Time, error) {
	var t *time.Time
	if err := s.pool.QueryRow(ctx, `SELECT MAX(captured_at) FROM raw_captures`).Scan(&t); err != nil {
		return nil, pgErr(err, "latest capture")
	}
	return utcPtr(t), nil
}

func (s *PostgresStore) CountIngestionsSince(ctx context.Context, since *time.Time) (int, error) {
	var n int
	var err error
	if since == nil {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ingestions`).Scan(&n)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ingestions WHERE started_at > $1`, *since).Scan(&n)
	}
	if err != nil {
		return 0, pgErr(err, "count ingestions")
	}
	return n, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Ingestions: make(map[model.IngestionStatus]int64)}
	err := s.pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM ledger_events),
			(SELECT COUNT(*) FROM event_links),
			(SELECT COUNT(*) FROM raw_captures),
			(SELECT MAX(captured_at) FROM raw_captures),
			(SELECT MAX(last_seen_at) FROM ledger_events)`,
	).Scan(&st.Events, &st.Links, &st.Captures, &st.LatestCaptureAt, &st.LatestSeenAt)
	if err != nil {
		return nil, pgErr(err, "stats")
	}
	st.LatestCaptureAt = utcPtr(st.LatestCaptureAt)
	st.LatestSeenAt = utcPtr(st.LatestSeenAt)

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM ingestions GROUP BY status`)
	if err != nil {
		return nil, pgErr(err, "stats by status")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, pgErr(err, "scan stats")
		}
		st.Ingestions[model.IngestionStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr(err, "stats by status")
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

func scanIngestion(row pgx.Row) (*model.IngestionRecord, error) {
	var rec model.IngestionRecord
	var status string
	var headers, meta []byte
	if err := row.Scan(&rec.ID, &rec.Source, &status, &rec.StartedAt, &rec.ContentDigest,
		&headers, &meta, &rec.CaptureID, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = model.IngestionStatus(status)
	rec.StartedAt = rec.StartedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if err := decodeIngestionJSON(&rec, headers, meta); err != nil {
		return nil, err
	}
	return &rec, nil
}

// pgErr maps unique violations to ErrConflict and wraps everything else.
func pgErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if db.IsUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "postgres: %s", op)
	}
	return eris.Wrapf(err, "postgres: %s", op)
}

func pgTime(t time.Time) any { return t.UTC() }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
