package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/whodaniel/fuse-sub035/internal/migration"
)

// =============================================================================
// Snapshot database migration commands
// =============================================================================

// runMigrate parses the connection flags and hands the remaining arguments
// to the migration CLI, e.g. "up", "steps -1", "goto 1".
func runMigrate(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	fs.Usage = func() { printMigrateUsage(fs.Output()) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		printMigrateUsage(stdout)
		return fmt.Errorf("missing migrate subcommand")
	}

	m, err := createMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		return err
	}
	defer m.Close()

	cli := migration.NewCLI(m)
	cli.SetOutput(stdout)
	return cli.Run(ctx, fs.Args())
}

// createMigrator uses --db-type/--db-url when both are given, otherwise the
// database section of the loaded config.
func createMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	logger := zap.NewNop()
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL, logger)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if built, err := cfg.Log.BuildLogger(); err == nil {
		logger = built
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	if dbURL != "" {
		cfg.Database.DSN = dbURL
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
}

func printMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, `Snapshot Database Migration Commands

Usage:
  fuse migrate [options] <subcommand> [arg]

Subcommands:
  up          Apply all pending migrations
  down        Roll back the last migration
  down-all    Roll back all migrations
  steps <n>   Apply (n > 0) or roll back (n < 0) n migrations
  goto <v>    Migrate to a specific version
  force <v>   Force set migration version (use with caution)
  version     Show current migration version
  status      Show migration status
  info        Show migration summary

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)`)
}
