package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert.
type UpsertConfig struct {
	Table        string   // target table
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; empty = DO NOTHING
	Returning    string   // text column reported for every row written
}

// BulkUpsert writes rows through a temp table inside the caller's
// transaction:
//  1. CREATE TEMP TABLE ... (LIKE target) ON COMMIT DROP
//  2. COPY rows into the temp table
//  3. INSERT INTO target SELECT ... FROM temp ON CONFLICT (keys) DO ...
//
// It returns the Returning column of every row the INSERT wrote. With
// DO NOTHING that is exactly the rows that did not already exist, which is
// race-safe against concurrent writers of the same keys. q must be a
// transaction; the temp table can be created once per transaction per
// target table.
func BulkUpsert(ctx context.Context, q Querier, cfg UpsertConfig, rows [][]any) ([]string, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	if len(cfg.Columns) == 0 {
		return nil, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return nil, eris.New("db: upsert: no conflict keys specified")
	}
	if cfg.Returning == "" {
		return nil, eris.New("db: upsert: no returning column specified")
	}

	tempTable := "_tmp_upsert_" + strings.ReplaceAll(cfg.Table, ".", "_")

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := q.Exec(ctx, createSQL); err != nil {
		return nil, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := CopyFrom(ctx, q, tempTable, cfg.Columns, rows); err != nil {
		return nil, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	rs, err := q.Query(ctx, upsertSQL(cfg, tempTable))
	if err != nil {
		return nil, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}
	written, err := pgx.CollectRows(rs, pgx.RowTo[string])
	if err != nil {
		return nil, eris.Wrapf(err, "db: upsert: collect %s", cfg.Returning)
	}
	return written, nil
}

func upsertSQL(cfg UpsertConfig, tempTable string) string {
	colList := quoteAndJoin(cfg.Columns)

	action := "DO NOTHING"
	if len(cfg.UpdateCols) > 0 {
		setClauses := make([]string, len(cfg.UpdateCols))
		for i, col := range cfg.UpdateCols {
			id := pgx.Identifier{col}.Sanitize()
			setClauses[i] = fmt.Sprintf("%s = EXCLUDED.%s", id, id)
		}
		action = "DO UPDATE SET " + strings.Join(setClauses, ", ")
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s RETURNING %s",
		sanitizeTable(cfg.Table),
		colList,
		colList,
		pgx.Identifier{tempTable}.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys),
		action,
		pgx.Identifier{cfg.Returning}.Sanitize(),
	)
}

// sanitizeTable handles schema-qualified table names like "ledger.events".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
