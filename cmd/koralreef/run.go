package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nathfavour/koralReef/internal/daemon"
)

// runCmd starts the sentinel and the console in the foreground
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sentinel loop and the remote console",
	Long: `Runs the sentinel in the foreground until interrupted.

Demo mode simulates cycles without touching the network or the keypair.
Real mode scans the ledger and closes empty token accounts; with
settings.dry_run enabled it only reports what would be closed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		d, err := daemon.Build(cfg, st, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return d.Run(ctx)
	},
}
