package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/triage-ai/patrol/internal/store"
)

var migrateTimeout time.Duration

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the patrol archive schema to Postgres",
	Long: `Apply the embedded patrol_archives / patrol_evidence migrations to the
database named by POSTGRES_DSN. Migrations are idempotent; "serve" also
applies them on startup.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn := os.Getenv("POSTGRES_DSN")
		if dsn == "" {
			return fmt.Errorf("POSTGRES_DSN is required")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
		defer cancel()

		db, err := openPostgres(ctx, dsn)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		if err := store.NewStore(db).Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}

		color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "✓ Patrol archive schema is up to date") //nolint:errcheck
		return nil
	},
}

func init() {
	migrateCmd.Flags().DurationVar(&migrateTimeout, "timeout", 30*time.Second, "overall migration timeout")
	rootCmd.AddCommand(migrateCmd)
}
