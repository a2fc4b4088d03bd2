package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var historyLimit int

func init() {
	historyCmd.AddCommand(historyVerifyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of events to show")
}

// historyCmd lists recent history events, newest first
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent sentinel history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		events, err := st.GetRecentHistory(historyLimit)
		if err != nil {
			return fmt.Errorf("failed to read history: %w", err)
		}
		if len(events) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No events recorded yet.")
			return nil
		}

		rows := make([][]string, 0, len(events))
		for _, ev := range events {
			rows = append(rows, []string{
				strconv.FormatInt(ev.Sequence, 10),
				ev.Timestamp.Local().Format(time.DateTime),
				ev.Message,
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable(
			[]string{"#", "Time", "Event"},
			rows,
			[]columnAlignment{alignRight, alignLeft, alignLeft},
		))
		return nil
	},
}

// historyVerifyCmd checks the HMAC chain over the history table
var historyVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify history HMAC chain integrity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Verifying history integrity...")

		result, err := st.VerifyHistory()
		if err != nil {
			return fmt.Errorf("failed to verify history: %w", err)
		}

		if result.Valid {
			fmt.Fprintf(out, "✓ History verified: %d records, chain intact\n", result.RecordsTotal)
		} else {
			fmt.Fprintf(out, "✗ History verification FAILED\n")
			fmt.Fprintf(out, "  Records total: %d\n", result.RecordsTotal)
			fmt.Fprintf(out, "  Records verified: %d\n", result.RecordsVerified)
			fmt.Fprintln(out, "  Errors:")
			for _, e := range result.Errors {
				fmt.Fprintf(out, "    - %s\n", e)
			}
			return fmt.Errorf("history integrity check failed")
		}

		jsonResult, _ := json.Marshal(result)
		fmt.Fprintf(out, "\nJSON: %s\n", string(jsonResult))
		return nil
	},
}
