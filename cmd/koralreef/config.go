package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nathfavour/koralReef/internal/config"
)

var configInitPath string

func init() {
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().StringVarP(&configInitPath, "path", "p", "", "Where to write the sample config (default ~/.koralReef/config.toml)")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config.toml",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configInitPath
		if path == "" {
			path = configPath
		}
		var err error
		if path == "" {
			path, err = config.DefaultConfigPath()
		} else {
			path, err = config.ExpandPath(path)
		}
		if err != nil {
			return err
		}

		if err := config.CreateSample(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sample configuration written to %s\n", path)
		return nil
	},
}
