package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	adminCmd.AddCommand(adminShowCmd)
	adminCmd.AddCommand(adminSetCmd)
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Inspect or register the console administrator",
}

var adminShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the registered administrator",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		id, ok, err := st.GetAdmin()
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "No administrator registered. The first authenticated HTTP console user becomes the administrator.")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Administrator: %d\n", id)
		return nil
	},
}

// adminSetCmd registers the administrator ahead of the first console call.
// Like the console, it never replaces an existing administrator.
var adminSetCmd = &cobra.Command{
	Use:   "set <user-id>",
	Short: "Register the administrator if none is registered yet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id == 0 {
			return fmt.Errorf("invalid user id %q", args[0])
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		registered, err := st.SetAdmin(id)
		if err != nil {
			return err
		}
		if !registered {
			current, _, err := st.GetAdmin()
			if err != nil {
				return err
			}
			return fmt.Errorf("administrator already registered: %d", current)
		}
		if err := st.LogEvent(fmt.Sprintf("Administrator %d registered from CLI", id)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Administrator set to %d\n", id)
		return nil
	},
}
