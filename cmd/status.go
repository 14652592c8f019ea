package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/usage-ledger/internal/model"
	"github.com/sells-group/usage-ledger/internal/monitoring"
	"github.com/sells-group/usage-ledger/internal/store"
)

var (
	statusJSON  bool
	statusLimit int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ledger totals and recent ingestions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, cfg, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := monitoring.NewCollector(st).Collect(ctx, cfg.Monitoring.LookbackWindowHours)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}

		recent, err := st.ListIngestions(ctx, store.IngestionFilter{Source: cfg.Source.Tag, Limit: statusLimit})
		if err != nil {
			return eris.Wrap(err, "status: list ingestions")
		}
		formatSnapshot(os.Stdout, snap)
		formatIngestions(os.Stdout, recent)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the snapshot as JSON")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "number of recent ingestions to list")
	rootCmd.AddCommand(statusCmd)
}

// formatSnapshot writes ledger totals to out.
func formatSnapshot(out io.Writer, snap *monitoring.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "EVENTS\t%d\n", snap.Events)
	_, _ = fmt.Fprintf(w, "LINKS\t%d\n", snap.Links)
	_, _ = fmt.Fprintf(w, "CAPTURES\t%d\n", snap.Captures)
	_, _ = fmt.Fprintf(w, "COMPLETED\t%d\n", snap.Ingestions[model.IngestionCompleted])
	_, _ = fmt.Fprintf(w, "FAILED\t%d\n", snap.Ingestions[model.IngestionFailed])
	_, _ = fmt.Fprintf(w, "LAST COMPLETED\t%s\n", formatTime(snap.LastCompletedAt))
	_, _ = fmt.Fprintf(w, "LAST CAPTURE\t%s\n", formatTime(snap.LatestCaptureAt))
	_, _ = fmt.Fprintf(w, "FAIL RATE (%dh)\t%.1f%% of %d\n", snap.LookbackHours, snap.WindowFailRate*100, snap.WindowTotal)
	_ = w.Flush()
	_, _ = fmt.Fprintln(out)
}

// formatIngestions writes a tabular representation of ingestion records to out.
func formatIngestions(out io.Writer, recs []model.IngestionRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tROWS\tDIGEST\tCAPTURE\tERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t-------\t----\t------\t-------\t-----")

	for _, r := range recs {
		digest := "-"
		if r.ContentDigest != nil {
			digest = truncate(*r.ContentDigest, 12)
		}
		capture := "-"
		if r.CaptureID != nil {
			capture = fmt.Sprintf("%d", *r.CaptureID)
		}
		errMsg := ""
		if kind, ok := r.Metadata[model.MetaErrorKind].(string); ok {
			msg, _ := r.Metadata[model.MetaErrorMessage].(string)
			errMsg = truncate(kind+": "+msg, 60)
		}

		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			metaNumber(r.Metadata, model.MetaRowCount),
			digest,
			capture,
			errMsg,
		)
	}
	_ = w.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

// metaNumber renders a numeric metadata value. JSON round trips turn ints
// into float64.
func metaNumber(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case float64:
		return fmt.Sprintf("%.0f", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		return "-"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
