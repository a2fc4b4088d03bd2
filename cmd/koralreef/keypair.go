package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nathfavour/koralReef/internal/rpc"
	"github.com/nathfavour/koralReef/pkg/crypto"
	"github.com/nathfavour/koralReef/pkg/ledger"
)

var keypairShowBalance bool

// maxKeypairInput bounds what import reads; a keypair file is under 300 bytes.
const maxKeypairInput = 64 * 1024

func init() {
	keypairCmd.AddCommand(keypairImportCmd)
	keypairCmd.AddCommand(keypairShowCmd)

	keypairShowCmd.Flags().BoolVar(&keypairShowBalance, "balance", false, "Query the wallet balance from the configured RPC endpoint")
}

var keypairCmd = &cobra.Command{
	Use:   "keypair",
	Short: "Manage the operator signing keypair",
}

// keypairImportCmd stores a keypair encrypted in the secret store
var keypairImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import a keypair into the encrypted store",
	Long: `Imports an operator keypair (a JSON array of 64 byte values, as written by
solana-keygen) into the encrypted secret store.

With a file argument the keypair is read from that file. Otherwise it is read
from standard input; on a terminal the input is not echoed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		tty, interactive := terminalFile(cmd.InOrStdin())
		switch {
		case len(args) == 1:
			data, err = os.ReadFile(args[0])
		case interactive:
			fmt.Fprint(cmd.ErrOrStderr(), "Paste keypair JSON: ")
			data, err = term.ReadPassword(int(tty.Fd()))
			fmt.Fprintln(cmd.ErrOrStderr())
		default:
			data, err = readLimited(cmd.InOrStdin(), maxKeypairInput)
		}
		if err != nil {
			return fmt.Errorf("failed to read keypair: %w", err)
		}
		defer crypto.SecureWipe(data)

		kp, err := ledger.ParseKeypairJSON(data)
		if err != nil {
			return err
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.SaveKeypair(kp); err != nil {
			return fmt.Errorf("failed to save keypair: %w", err)
		}
		if err := st.LogEvent("Keypair imported for " + kp.PublicKey().String()); err != nil {
			return fmt.Errorf("failed to record import: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Keypair stored for %s\n", kp.PublicKey())
		if len(args) == 1 {
			fmt.Fprintf(cmd.OutOrStdout(), "The plaintext file %s is no longer needed by koralreef.\n", args[0])
		}
		return nil
	},
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("input exceeds %d bytes", limit)
	}
	return data, nil
}

// keypairShowCmd prints the operator address
var keypairShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the operator address",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		source := "store"
		kp, ok, err := st.GetKeypair()
		if err != nil {
			return err
		}
		if !ok {
			if cfg.Solana.KeypairPath == "" {
				return fmt.Errorf("no keypair stored and solana.keypair_path is not set; run 'koralreef keypair import'")
			}
			data, err := os.ReadFile(cfg.Solana.KeypairPath)
			if err != nil {
				return fmt.Errorf("failed to read keypair file: %w", err)
			}
			defer crypto.SecureWipe(data)
			if kp, err = ledger.ParseKeypairJSON(data); err != nil {
				return err
			}
			source = cfg.Solana.KeypairPath
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Address: %s\n", kp.PublicKey())
		fmt.Fprintf(out, "Source:  %s\n", source)

		if keypairShowBalance {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := rpc.New(cfg.Solana.RPCURL, rpc.WithCommitment(cfg.Solana.Commitment), rpc.WithLogger(logger))
			lamports, err := client.GetBalance(ctx, kp.PublicKey())
			if err != nil {
				return fmt.Errorf("failed to query balance: %w", err)
			}
			fmt.Fprintf(out, "Balance: %s SOL\n", ledger.FormatSOL(lamports))
		}
		return nil
	},
}
