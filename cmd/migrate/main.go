package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/kevin07696/recurring-billing/internal/adapters/postgres"
	"github.com/kevin07696/recurring-billing/internal/adapters/secrets"
	"github.com/kevin07696/recurring-billing/internal/config"
	"github.com/kevin07696/recurring-billing/pkg/observability"
)

var flags = flag.NewFlagSet("migrate", flag.ExitOnError)

func main() {
	flags.Usage = usage
	_ = flags.Parse(os.Args[1:])

	args := flags.Args()
	if len(args) < 1 {
		flags.Usage()
		return
	}
	command := args[0]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewZap(cfg.Server.Environment, cfg.Logger.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if !cfg.Database.UsePostgres() {
		logger.Fatal("DB_HOST is required to run migrations")
	}

	ctx := context.Background()
	password := cfg.Database.Password
	if cfg.Database.PasswordPath != "" {
		store, err := secrets.New(ctx, secrets.ConfigFromSettings(cfg.Secrets), logger)
		if err != nil {
			logger.Fatal("Failed to initialize secret store", zap.Error(err))
		}
		secret, err := store.GetSecret(ctx, cfg.Database.PasswordPath)
		if err != nil {
			logger.Fatal("Failed to resolve database password", zap.Error(err))
		}
		password = secret.Value
	}

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(cfg.Database.ConnectionString(password)), logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool, command, logger, args[1:]...); err != nil {
		logger.Fatal("Migration failed", zap.String("command", command), zap.Error(err))
	}
	logger.Info("Migration complete", zap.String("command", command))
}

func usage() {
	fmt.Print(`Usage: migrate COMMAND

Migrations are embedded in the binary. Connection settings come from the
DB_* environment variables (or .env).

Commands:
    up                   Migrate the DB to the most recent version available
    up-by-one            Migrate the DB up by 1
    up-to VERSION        Migrate the DB to a specific VERSION
    down                 Roll back the version by 1
    down-to VERSION      Roll back to a specific VERSION
    redo                 Re-run the latest migration
    reset                Roll back all migrations
    status               Dump the migration status for the current DB
    version              Print the current version of the database

Examples:
    migrate up
    migrate status
`)
}
