package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/usage-ledger/internal/resilience"
)

func TestFileFetcher(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "usage.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("Date,Model\n"), 0o644))
	jsonPath := filepath.Join(dir, "usage.JSON")
	require.NoError(t, os.WriteFile(jsonPath, []byte("[]"), 0o644))

	exp, err := NewFileFetcher(csvPath).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Date,Model\n", string(exp.Body))
	assert.Equal(t, "text/csv", exp.ContentType)
	assert.Equal(t, "file", exp.Method)
	assert.Contains(t, exp.SourceURL, "file://")
	assert.Contains(t, exp.SourceURL, "usage.csv")

	exp, err = NewFileFetcher(jsonPath).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "application/json", exp.ContentType)
}

func TestFileFetcher_Missing(t *testing.T) {
	_, err := NewFileFetcher(filepath.Join(t.TempDir(), "nope.csv")).Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, resilience.KindFetch, resilience.KindOf(err))

	_, err = NewFileFetcher("").Fetch(context.Background())
	assert.Equal(t, resilience.KindValidation, resilience.KindOf(err))
}
