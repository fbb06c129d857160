package commands

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sundial-hq/sundial/config"
	"github.com/sundial-hq/sundial/db"
	"github.com/sundial-hq/sundial/errors"
	"github.com/sundial-hq/sundial/execution"
	"github.com/sundial-hq/sundial/logger"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the sundial database",
	Long: `Manage database operations including statistics and retention cleanup.

Examples:
  sundial db stats                    # Show execution, schedule, and backfill counts
  sundial db cleanup --older-than 720h  # Delete terminal executions older than 30 days`,
}

var dbCleanupOlderThanFlag time.Duration

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

var dbCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete terminal executions past the retention window",
	RunE:  runDbCleanup,
}

func init() {
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbCleanupCmd)
	dbCleanupCmd.Flags().DurationVar(&dbCleanupOlderThanFlag, "older-than", 30*24*time.Hour, "Delete terminal executions completed before now minus this duration")
}

func openDatabase() (*sql.DB, string, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, "", errors.Wrap(err, "load configuration")
	}
	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, "", errors.Wrap(err, "open database")
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, "", errors.Wrap(err, "migrate database")
	}
	return database, cfg.Database.Path, nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, path, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	counts, err := execution.NewStore(database).StatusCounts()
	if err != nil {
		return err
	}

	var schedules, collections, segments int
	row := database.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM schedules),
			(SELECT COUNT(*) FROM backfill_collections),
			(SELECT COUNT(*) FROM backfill_segments)
	`)
	if err := row.Scan(&schedules, &collections, &segments); err != nil && err != sql.ErrNoRows {
		return errors.Wrap(err, "query table counts")
	}

	fmt.Printf("Database Statistics\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database Path:        %s\n", path)
	fmt.Printf("Schedules:            %d\n", schedules)
	fmt.Printf("Backfill Collections: %d\n", collections)
	fmt.Printf("Backfill Segments:    %d\n", segments)
	fmt.Println()

	total := 0
	fmt.Printf("Executions by status:\n")
	for _, st := range []execution.Status{
		execution.StatusPending, execution.StatusRunning, execution.StatusSuccess,
		execution.StatusFailed, execution.StatusTimeout, execution.StatusCancelled,
	} {
		if counts[st] > 0 {
			fmt.Printf("  %-10s %d\n", st, counts[st])
		}
		total += counts[st]
	}
	fmt.Printf("  %-10s %d\n", "total", total)
	return nil
}

func runDbCleanup(cmd *cobra.Command, args []string) error {
	database, _, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	n, err := execution.NewStore(database).CleanupOldExecutions(dbCleanupOlderThanFlag)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d terminal executions older than %s\n", n, dbCleanupOlderThanFlag)
	return nil
}
