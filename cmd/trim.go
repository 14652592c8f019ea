package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/usage-ledger/internal/ledger"
)

var trimKeep int

var trimCmd = &cobra.Command{
	Use:   "trim",
	Short: "Delete raw captures beyond the retention limit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, cfg, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		keep := trimKeep
		if keep < 0 {
			keep = cfg.Blob.Retention
		}
		deleted, err := ledger.NewBlobLedger(st).TrimRetention(ctx, keep)
		if err != nil {
			return eris.Wrap(err, "trim")
		}

		zap.L().Info("raw captures trimmed", zap.Int("keep", keep), zap.Int64("deleted", deleted))
		return nil
	},
}

func init() {
	trimCmd.Flags().IntVar(&trimKeep, "keep", -1, "captures to keep (default blob.retention)")
	rootCmd.AddCommand(trimCmd)
}
