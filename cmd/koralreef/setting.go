package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nathfavour/koralReef/pkg/store"
)

var settingEncrypt bool

func init() {
	settingCmd.AddCommand(settingGetCmd)
	settingCmd.AddCommand(settingSetCmd)
	settingCmd.AddCommand(settingListCmd)

	settingSetCmd.Flags().BoolVarP(&settingEncrypt, "encrypt", "e", false, "Encrypt the value with the store master key")
}

var settingCmd = &cobra.Command{
	Use:   "setting",
	Short: "Read and write store settings",
}

var settingGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a setting value, decrypting it if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] == store.KeypairSettingKey {
			return fmt.Errorf("%s is not printable; use 'koralreef keypair show'", store.KeypairSettingKey)
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		value, ok, err := st.GetSetting(args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("setting %q not found", args[0])
		}
		fmt.Fprintln(cmd.OutOrStdout(), value)
		return nil
	},
}

var settingSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] == store.KeypairSettingKey {
			return fmt.Errorf("%s is managed by 'koralreef keypair import'", store.KeypairSettingKey)
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.SetSetting(args[0], args[1], settingEncrypt); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Setting %q saved\n", args[0])
		return nil
	},
}

var settingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List setting keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		settings, err := st.ListSettings()
		if err != nil {
			return err
		}
		if len(settings) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No settings stored.")
			return nil
		}

		rows := make([][]string, 0, len(settings))
		for _, s := range settings {
			enc := "no"
			if s.Encrypted {
				enc = "yes"
			}
			rows = append(rows, []string{s.Key, enc})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Key", "Encrypted"}, rows, nil))
		return nil
	},
}
