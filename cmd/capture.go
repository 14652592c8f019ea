package main

import (
	"io"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/usage-ledger/internal/ledger"
)

var captureCmd = &cobra.Command{
	Use:   "capture <id>",
	Short: "Write a raw capture's original bytes to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "capture: invalid id %q", args[0])
		}

		st, err := openStore(ctx, cfg, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rc, body, err := ledger.NewBlobLedger(st).Open(ctx, id)
		if err != nil {
			return eris.Wrap(err, "capture")
		}
		if rc == nil {
			return eris.Errorf("capture %d not found", id)
		}
		zap.L().Debug("capture opened",
			zap.Int64("id", rc.ID),
			zap.String("digest", rc.ContentDigest),
			zap.String("compression", string(rc.Compression)),
		)
		return writeCapture(os.Stdout, body)
	},
}

func init() {
	rootCmd.AddCommand(captureCmd)
}

func writeCapture(out io.Writer, body []byte) error {
	_, err := out.Write(body)
	return eris.Wrap(err, "capture: write")
}
