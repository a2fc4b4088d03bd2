package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nathfavour/koralReef/internal/config"
	"github.com/nathfavour/koralReef/internal/logging"
	"github.com/nathfavour/koralReef/pkg/store"
)

var (
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:          "koralreef",
	Short:        "koralreef reclaims rent from empty SPL token accounts",
	Long:         `A sentinel that finds empty token accounts owned by an operator wallet and closes them to recover their rent.`,
	SilenceUsage: true,
	// PersistentPreRunE loads the configuration and the logger for every
	// subcommand except config init, which must work before a config exists.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd == configInitCmd {
			return nil
		}

		loaded, path, exists, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		logger, err = logging.New(logging.Options{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			File:   cfg.Logging.File,
		})
		if err != nil {
			return err
		}
		if exists {
			logger.Debug("configuration loaded", logging.String("path", path))
		} else {
			logger.Debug("no configuration file, using defaults", logging.String("path", path))
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.toml (default ~/.koralReef/config.toml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(keypairCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(adminCmd)
	rootCmd.AddCommand(settingCmd)
	rootCmd.AddCommand(configCmd)
}

// openStore opens the secret store in the configured data directory.
func openStore() (*store.Store, error) {
	st, err := store.Open(cfg.Paths.DataDir, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", cfg.Paths.DataDir, err)
	}
	return st, nil
}

// isTerminal returns true if the file descriptor is a terminal
func isTerminal(fd int) bool {
	return term.IsTerminal(fd)
}

// terminalFile returns r as a file when it is an interactive terminal.
func terminalFile(r io.Reader) (*os.File, bool) {
	f, ok := r.(*os.File)
	if !ok || !isTerminal(int(f.Fd())) {
		return nil, false
	}
	return f, true
}
