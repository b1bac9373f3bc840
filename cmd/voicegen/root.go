package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/digkill/voicegen/internal/config"
	"github.com/digkill/voicegen/internal/database"
	"github.com/digkill/voicegen/pkg/logger"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "voicegen",
		Short:         "Metered text-to-speech API",
		Long:          "voicegen serves the credit-metered voice generation API and runs its maintenance jobs.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newReconcileCmd(),
		newTokenCmd(),
	)
	return rootCmd
}

// app holds what every subcommand needs before doing its own wiring.
type app struct {
	cfg config.Config
	log *slog.Logger
	db  *database.DB
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	log := logger.New(cfg.LogLevel)

	db, err := database.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("database connect: %w", err)
	}
	if err := database.Migrate(cmd.Context(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migrate: %w", err)
	}
	return &app{cfg: cfg, log: log, db: db}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
