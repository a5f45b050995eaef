package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/safar/quotesync/internal/config"
	"github.com/safar/quotesync/internal/database"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// openDB loads the config and connects. The caller must close the handle.
func openDB(ctx context.Context) (*sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

var rootCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Manage the quote database schema",
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		if err := database.MigrateUp(db); err != nil {
			return err
		}
		return printStatus(cmd, db)
	},
}

var downSteps int

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations (all of them unless --steps is set)",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		if err := database.MigrateDown(db, downSteps); err != nil {
			return err
		}
		return printStatus(cmd, db)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		return printStatus(cmd, db)
	},
}

func printStatus(cmd *cobra.Command, db *sql.DB) error {
	st, err := database.Status(db)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !st.Applied {
		fmt.Fprintln(out, "No migrations applied")
		return nil
	}
	fmt.Fprintf(out, "Schema version: %d\n", st.Version)
	if st.Dirty {
		fmt.Fprintln(out, "WARNING: schema is dirty; a migration failed part way")
	}
	return nil
}

func init() {
	downCmd.Flags().IntVar(&downSteps, "steps", 0, "number of migrations to roll back (0 = all)")
	rootCmd.AddCommand(upCmd, downCmd, statusCmd)
}
