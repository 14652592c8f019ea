package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/usage-ledger/internal/config"
	"github.com/sells-group/usage-ledger/internal/fetcher"
	"github.com/sells-group/usage-ledger/internal/pipeline"
	"github.com/sells-group/usage-ledger/internal/queue"
	"github.com/sells-group/usage-ledger/internal/resilience"
	"github.com/sells-group/usage-ledger/internal/store"
)

// openStore validates cfg for mode and opens the configured backend.
func openStore(ctx context.Context, c *config.Config, mode string) (store.Store, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, c.Store.Driver, c.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: c.Store.MaxConns,
		MinConns: c.Store.MinConns,
	})
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	return st, nil
}

// buildFetcher picks the file fetcher when a path is configured, else HTTP.
func buildFetcher(c config.SourceConfig) fetcher.Fetcher {
	if c.File != "" {
		return fetcher.NewFileFetcher(c.File)
	}
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		URL:       c.URL,
		UserAgent: c.UserAgent,
		Headers:   c.Headers,
		Timeout:   time.Duration(c.TimeoutSecs) * time.Second,
		RateLimit: rate.Limit(1),
		Burst:     1,
	})
}

// buildOrchestrator wires the fetcher, store and policy from cfg. A nil
// registerer disables metrics.
func buildOrchestrator(c *config.Config, f fetcher.Fetcher, st store.Store, reg prometheus.Registerer) (*pipeline.Orchestrator, error) {
	cadence, err := pipeline.ParseCadence(c.Blob.Cadence)
	if err != nil {
		return nil, err
	}
	var opts []pipeline.Option
	if reg != nil {
		opts = append(opts, pipeline.WithMetrics(pipeline.NewMetrics(reg)))
	}
	return pipeline.New(f, st, pipeline.Config{
		Source:       c.Source.Tag,
		LogicVersion: c.Ingest.LogicVersion,
		Blob: pipeline.BlobPolicy{
			Cadence:    cadence,
			EveryNRuns: c.Blob.EveryNRuns,
			Retention:  c.Blob.Retention,
		},
	}, opts...), nil
}

// retryConfig maps the queue settings onto bounded retry.
func retryConfig(c config.QueueConfig) resilience.RetryConfig {
	return resilience.FromMillis(c.MaxAttempts, c.InitialBackoffMs, c.MaxBackoffMs)
}

// buildTrigger returns the orchestrator wrapped in bounded retries.
func buildTrigger(c *config.Config, st store.Store, reg prometheus.Registerer) (queue.Trigger, error) {
	orch, err := buildOrchestrator(c, buildFetcher(c.Source), st, reg)
	if err != nil {
		return nil, err
	}
	return queue.NewRetrying(orch, retryConfig(c.Queue)), nil
}
