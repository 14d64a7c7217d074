package main

import (
	"fmt"

	"github.com/example/ec-payments/internal/config"
	"github.com/example/ec-payments/internal/infrastructure/store"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema migrations",
		Long: `Apply the embedded schema migrations to DATABASE_URL.

Running it against an up-to-date schema is a no-op.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}

			db, err := store.ConnectPostgres(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
			}
			defer db.Close()

			if err := store.RunMigrations(db); err != nil {
				return err
			}

			version, dirty, err := store.MigrationVersion(db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema at version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
}
