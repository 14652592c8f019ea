// Package queue delivers "run now" triggers to the ingestion pipeline with
// bounded retries, either in process or through Temporal.
package queue

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/usage-ledger/internal/pipeline"
	"github.com/sells-group/usage-ledger/internal/resilience"
)

// Trigger runs one ingestion. *pipeline.Orchestrator implements it.
type Trigger interface {
	Run(ctx context.Context) (*pipeline.Summary, error)
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(ctx context.Context) (*pipeline.Summary, error)

// Run calls f.
func (f TriggerFunc) Run(ctx context.Context) (*pipeline.Summary, error) {
	return f(ctx)
}

// Retrying re-runs a trigger on retryable failures with doubling backoff.
// Malformed input and misconfiguration are returned after one attempt.
type Retrying struct {
	next Trigger
	cfg  resilience.RetryConfig
}

// NewRetrying wraps next with the given retry bounds.
func NewRetrying(next Trigger, cfg resilience.RetryConfig) *Retrying {
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("queue.run")
	}
	return &Retrying{next: next, cfg: cfg}
}

// Run invokes the wrapped trigger until it succeeds or the attempts run
// out. The summary of the last attempt is returned with its error.
func (r *Retrying) Run(ctx context.Context) (*pipeline.Summary, error) {
	var last *pipeline.Summary
	attempts := 0
	_, err := resilience.DoVal(ctx, r.cfg, func(ctx context.Context) (*pipeline.Summary, error) {
		attempts++
		sum, err := r.next.Run(ctx)
		last = sum
		return sum, err
	})
	if err != nil {
		zap.L().Error("run failed after retries",
			zap.String("component", "queue.retrying"),
			zap.Int("attempts", attempts),
			zap.String("error_kind", string(resilience.KindOf(err))),
			zap.Error(err),
		)
	}
	return last, err
}
