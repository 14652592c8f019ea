// Package temporal delivers ingestion triggers through a Temporal workflow
// so runs survive worker restarts and retry with the server's backoff.
package temporal

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/usage-ledger/internal/pipeline"
	"github.com/sells-group/usage-ledger/internal/queue"
	"github.com/sells-group/usage-ledger/internal/resilience"
)

// WorkflowName is the registered name of IngestWorkflow.
const WorkflowName = "IngestWorkflow"

// NonRetryableKinds are failures a fresh attempt cannot fix.
var NonRetryableKinds = []string{
	string(resilience.KindCSVParse),
	string(resilience.KindNormalize),
	string(resilience.KindValidation),
}

// RetryOptions bounds activity attempts.
type RetryOptions struct {
	MaxAttempts     int32
	InitialInterval time.Duration
	MaximumInterval time.Duration
	Timeout         time.Duration
}

// DefaultRetryOptions returns three attempts starting at one second.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaximumInterval: 30 * time.Second,
		Timeout:         10 * time.Minute,
	}
}

// IngestWorkflow runs the IngestUsage activity once with bounded retries.
func IngestWorkflow(ctx workflow.Context, opts RetryOptions) (*pipeline.Summary, error) {
	def := DefaultRetryOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = def.InitialInterval
	}
	if opts.MaximumInterval <= 0 {
		opts.MaximumInterval = def.MaximumInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: opts.Timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        opts.InitialInterval,
			BackoffCoefficient:     2.0,
			MaximumInterval:        opts.MaximumInterval,
			MaximumAttempts:        opts.MaxAttempts,
			NonRetryableErrorTypes: NonRetryableKinds,
		},
	})

	var a *Activities
	var sum pipeline.Summary
	if err := workflow.ExecuteActivity(ctx, a.IngestUsage).Get(ctx, &sum); err != nil {
		workflow.GetLogger(ctx).Error("ingest activity failed", "error", err)
		return nil, err
	}
	return &sum, nil
}

// Activities exposes the pipeline to Temporal workers.
type Activities struct {
	Trigger queue.Trigger
}

// IngestUsage runs one ingestion. Errors are typed by their failure kind so
// the retry policy can skip the non-retryable ones.
func (a *Activities) IngestUsage(ctx context.Context) (*pipeline.Summary, error) {
	info := activity.GetInfo(ctx)
	activity.GetLogger(ctx).Info("ingest attempt", "attempt", info.Attempt)

	sum, err := a.Trigger.Run(ctx)
	if err != nil {
		kind := resilience.KindOf(err)
		if !resilience.Retryable(err) {
			return nil, temporal.NewNonRetryableApplicationError(resilience.Message(err), string(kind), err)
		}
		return nil, temporal.NewApplicationErrorWithCause(resilience.Message(err), string(kind), err)
	}
	return sum, nil
}
