// Package database opens the PostgreSQL connection pool and applies the
// embedded schema migrations.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

// Open connects to dsn and verifies the connection with a ping.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("database url is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrator applies the embedded goose migrations.
type Migrator struct {
	db  *sql.DB
	log *slog.Logger
}

// NewMigrator returns a migrator for db.
func NewMigrator(db *sql.DB, log *slog.Logger) (*Migrator, error) {
	if db == nil {
		return nil, errors.New("nil database provided")
	}
	if log == nil {
		log = slog.Default()
	}
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("configure goose: %w", err)
	}
	goose.SetLogger(goose.NopLogger())
	return &Migrator{db: db, log: log}, nil
}

// Up applies pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	m.log.InfoContext(ctx, "applying migrations")
	if err := goose.UpContext(runCtx, m.db, migrationsDir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, err := goose.GetDBVersionContext(runCtx, m.db)
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	m.log.InfoContext(ctx, "migrations applied", "version", version)
	return nil
}

// Status logs the current schema version.
func (m *Migrator) Status(ctx context.Context) error {
	version, err := goose.GetDBVersionContext(ctx, m.db)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	m.log.InfoContext(ctx, "migration status", "version", version)
	return nil
}

// Down rolls back to targetVersion, or one step when targetVersion is zero.
func (m *Migrator) Down(ctx context.Context, targetVersion int64) error {
	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if targetVersion > 0 {
		m.log.InfoContext(ctx, "rolling back migrations", "target", targetVersion)
		if err := goose.DownToContext(runCtx, m.db, migrationsDir, targetVersion); err != nil {
			return fmt.Errorf("roll back migrations: %w", err)
		}
		return nil
	}
	m.log.InfoContext(ctx, "rolling back last migration")
	if err := goose.DownContext(runCtx, m.db, migrationsDir); err != nil {
		return fmt.Errorf("roll back migration: %w", err)
	}
	return nil
}
