// Command saga-migrate управляет схемой PostgreSQL хранилища саг.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strconv"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/config"
	"github.com/akriventsev/sagaflow/framework/migrations"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	dbURL := flag.String("database-url", config.GetEnv("SAGA_DATABASE_URL", ""), "PostgreSQL connection string")
	verbose := flag.Bool("verbose", false, "Verbose output")
	_ = flag.CommandLine.Parse(os.Args[2:])

	if command == "available" {
		runAvailable()
		return
	}

	if *dbURL == "" {
		fmt.Fprintf(os.Stderr, "Error: --database-url is required\n")
		os.Exit(1)
	}

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}

	db, err := sql.Open("pgx", *dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	migrator := migrations.NewMigrator(db, logger)

	switch command {
	case "up":
		err = runUp(migrator, stepsArg(0))
	case "down":
		err = migrator.Down(stepsArg(1))
		if err == nil {
			fmt.Println("Rollback completed")
		}
	case "status":
		err = runStatus(migrator)
	case "version":
		var version int64
		if version, err = migrator.Version(); err == nil {
			fmt.Printf("Current version: %d\n", version)
		}
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Saga store migration tool")
	fmt.Println()
	fmt.Println("Usage: saga-migrate <command> [flags] [N]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up [N]        - Apply all pending migrations (or N migrations)")
	fmt.Println("  down [N]      - Rollback N migrations (default: 1)")
	fmt.Println("  status        - Show status of all migrations")
	fmt.Println("  version       - Show current schema version")
	fmt.Println("  available     - List embedded migrations")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --database-url - PostgreSQL connection string (default: $SAGA_DATABASE_URL)")
	fmt.Println("  --verbose      - Verbose output")
}

func stepsArg(def int64) int64 {
	if flag.NArg() == 0 {
		return def
	}
	n, err := strconv.ParseInt(flag.Arg(0), 10, 64)
	if err != nil || n < 0 {
		fmt.Fprintf(os.Stderr, "Error: invalid step count %q\n", flag.Arg(0))
		os.Exit(1)
	}
	return n
}

func runUp(migrator *migrations.Migrator, steps int64) error {
	if err := migrator.UpBy(steps); err != nil {
		return err
	}
	fmt.Println("Migrations applied successfully")
	return nil
}

func runStatus(migrator *migrations.Migrator) error {
	statuses, err := migrator.Status()
	if err != nil {
		return err
	}
	fmt.Println("Migration Status:")
	for _, s := range statuses {
		applied := "-"
		if s.AppliedAt != nil {
			applied = s.AppliedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("  %05d  %-8s  %s  %s\n", s.Version, s.Status, applied, s.Name)
	}
	return nil
}

func runAvailable() {
	versions, err := migrations.Available()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	for _, v := range versions {
		fmt.Printf("  %05d\n", v)
	}
}
