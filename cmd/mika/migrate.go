package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mikabot/mika/internal/config"
	"github.com/mikabot/mika/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(resolveConfigPath())
		if err != nil {
			return err
		}
		db, err := store.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		slog.Info("migrations applied", "path", cfg.Database.Path)
		return nil
	},
}

func init() { rootCmd.AddCommand(migrateCmd) }
