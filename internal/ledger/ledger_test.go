package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/usage-ledger/internal/model"
	"github.com/sells-group/usage-ledger/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var (
	feb   = model.MonthOf(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	day   = func(d int) time.Time { return time.Date(2025, 2, d, 9, 0, 0, 0, time.UTC) }
	runAt = time.Date(2025, 2, 20, 12, 0, 0, 0, time.UTC)
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func record(name string, d int, output int64) model.CanonicalRecord {
	at := day(d)
	return model.CanonicalRecord{
		Period:     &feb,
		OccurredAt: &at,
		Model:      name,
		Kind:       "Included",
		Counters:   model.Counters{Output: output, Total: output},
		Cost:       model.Money{Cents: output, Raw: fmt.Sprintf("$%d.%02d", output/100, output%100)},
		Source:     "usage-export",
	}
}

func hashed(t *testing.T, recs ...model.CanonicalRecord) []model.HashedRecord {
	t.Helper()
	out, err := HashRecords(recs, 1)
	require.NoError(t, err)
	return out
}
