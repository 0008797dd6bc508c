package main

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/PaulFidika/unlockkit/config"
	migrations "github.com/PaulFidika/unlockkit/migrations/postgres"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the unlock and job queue schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("UNLOCKKIT_DATABASE_URL is required")
			}
			ctx := cmd.Context()
			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			defer pool.Close()
			return migrations.Migrate(ctx, pool, cfg.DatabaseSchema, newLogger(cfg))
		},
	}
}
