package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/kevin07696/recurring-billing/internal/db/migrations"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

// RunMigrations runs a goose command (up, down, status, ...) against the
// embedded billing schema migrations.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, command string, logger *zap.Logger, args ...string) error {
	// goose needs database/sql; this shares the pool's connections
	db := stdlib.OpenDBFromPool(pool)
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("Failed to close migration connection", zap.Error(err))
		}
	}()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(gooseLogger{logger: logger})

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.RunContext(ctx, command, db, ".", args...); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}

// Migrate applies every pending migration
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	return RunMigrations(ctx, pool, "up", logger)
}

// gooseLogger routes goose's Printf-style output through zap
type gooseLogger struct {
	logger *zap.Logger
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
