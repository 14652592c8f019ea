package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/usage-ledger/internal/config"
	"github.com/sells-group/usage-ledger/internal/queue/temporal"
)

var (
	workerSchedule bool
	workerStartNow bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal ingestion worker",
	Long:  "Registers the ingestion workflow and activity on the configured task queue and, optionally, an interval schedule that starts it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, cfg, "worker")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		// Temporal owns retries here, so the orchestrator runs unwrapped.
		orch, err := buildOrchestrator(cfg, buildFetcher(cfg.Source), st, nil)
		if err != nil {
			return err
		}

		c, err := client.Dial(client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
		})
		if err != nil {
			return eris.Wrap(err, "temporal: dial")
		}
		defer c.Close()

		retry := workflowRetry(cfg.Queue)
		if workerSchedule {
			if err := temporal.EnsureSchedule(ctx, c, temporal.ScheduleOptions{
				TaskQueue: cfg.Temporal.TaskQueue,
				Every:     time.Duration(cfg.Queue.PollIntervalSecs) * time.Second,
				Retry:     retry,
			}); err != nil {
				return err
			}
		}
		if workerStartNow {
			runID, err := temporal.StartIngest(ctx, c, cfg.Temporal.TaskQueue, retry)
			if err != nil {
				return err
			}
			zap.L().Info("ingest workflow started", zap.String("run_id", runID))
		}

		w := temporal.NewWorker(c, cfg.Temporal.TaskQueue, &temporal.Activities{Trigger: orch})
		zap.L().Info("starting temporal worker",
			zap.String("host_port", cfg.Temporal.HostPort),
			zap.String("task_queue", cfg.Temporal.TaskQueue),
		)
		return eris.Wrap(w.Run(worker.InterruptCh()), "temporal: worker")
	},
}

func init() {
	workerCmd.Flags().BoolVar(&workerSchedule, "schedule", true, "ensure the interval schedule exists")
	workerCmd.Flags().BoolVar(&workerStartNow, "now", false, "start one ingestion immediately")
	rootCmd.AddCommand(workerCmd)
}

// workflowRetry maps the queue settings onto the activity retry policy.
func workflowRetry(q config.QueueConfig) temporal.RetryOptions {
	opts := temporal.DefaultRetryOptions()
	if q.MaxAttempts > 0 {
		opts.MaxAttempts = int32(q.MaxAttempts) //nolint:gosec
	}
	if q.InitialBackoffMs > 0 {
		opts.InitialInterval = time.Duration(q.InitialBackoffMs) * time.Millisecond
	}
	if q.MaxBackoffMs > 0 {
		opts.MaximumInterval = time.Duration(q.MaxBackoffMs) * time.Millisecond
	}
	return opts
}
