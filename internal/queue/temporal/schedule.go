package temporal

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"
)

// ScheduleOptions configures the recurring ingestion schedule.
type ScheduleOptions struct {
	ID        string
	TaskQueue string
	Every     time.Duration
	Retry     RetryOptions
}

// EnsureSchedule creates an interval schedule that starts IngestWorkflow,
// leaving an existing schedule with the same id in place.
func EnsureSchedule(ctx context.Context, c client.Client, opts ScheduleOptions) error {
	if opts.ID == "" {
		opts.ID = "usage-ledger-ingest"
	}
	if opts.Every <= 0 {
		opts.Every = time.Hour
	}
	log := zap.L().With(zap.String("component", "queue.temporal"), zap.String("schedule_id", opts.ID))

	_, err := c.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: opts.ID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: opts.Every}},
		},
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
		Action: &client.ScheduleWorkflowAction{
			ID:        opts.ID + "-run",
			Workflow:  WorkflowName,
			Args:      []any{opts.Retry},
			TaskQueue: opts.TaskQueue,
		},
	})
	if errors.Is(err, temporal.ErrScheduleAlreadyRunning) {
		log.Debug("schedule already exists")
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "temporal: create schedule")
	}
	log.Info("schedule created", zap.Duration("every", opts.Every))
	return nil
}

// StartIngest starts one IngestWorkflow execution and returns its run id.
func StartIngest(ctx context.Context, c client.Client, taskQueue string, retry RetryOptions) (string, error) {
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		TaskQueue: taskQueue,
	}, WorkflowName, retry)
	if err != nil {
		return "", eris.Wrap(err, "temporal: start ingest workflow")
	}
	return run.GetRunID(), nil
}

// NewWorker registers the workflow and activities on taskQueue.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(IngestWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivity(acts)
	return w
}
