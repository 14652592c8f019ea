package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/usage-ledger/internal/config"
	"github.com/sells-group/usage-ledger/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const (
	exportHeader = "Date,Kind,Model,Max Mode,Input (w/ Cache Write),Input (w/o Cache Write),Cache Read,Output,Total Tokens,Cost ($)\n"
	exportRow1   = "2025-02-01,Included,claude-4-sonnet,No,100,200,300,40,640,$0.10\n"
	exportRow2   = "2025-02-02,Included,gpt-5,No,10,20,30,4,64,$0.01\n"
)

// testEnv returns a config pointing at a fresh sqlite database and an
// export file, plus the migrated store.
func testEnv(t *testing.T, body string) (*config.Config, store.Store) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "usage.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	c := &config.Config{
		Store:  config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(dir, "ledger.db")},
		Source: config.SourceConfig{Tag: "usage-export", File: path},
		Ingest: config.IngestConfig{LogicVersion: 1},
		Blob:   config.BlobConfig{Cadence: "weekly", Retention: 20},
		Queue:  config.QueueConfig{MaxAttempts: 1, InitialBackoffMs: 1, MaxBackoffMs: 1, PollIntervalSecs: 3600},
		Monitoring: config.MonitoringConfig{
			FailureRateThreshold: 0.5,
			StaleAfterHours:      26,
			LookbackWindowHours:  24,
		},
		Server: config.ServerConfig{Port: 8080},
		Log:    config.LogConfig{Level: "info", Format: "json"},
	}

	st, err := openStore(context.Background(), c, "ingest")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return c, st
}
