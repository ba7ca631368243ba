// Command migrate applies or rolls back the Postgres schema.
//
//	migrate up
//	migrate status
//	migrate down [-to VERSION]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"teamclock/internal/platform/config"
	"teamclock/internal/platform/database"
	"teamclock/internal/platform/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: migrate up|status|down [-to VERSION]")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Store.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	log := logger.New("teamclock-migrate", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	db, err := database.Open(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := database.NewMigrator(db, log)
	if err != nil {
		return err
	}

	switch args[0] {
	case "up":
		return migrator.Up(ctx)
	case "status":
		return migrator.Status(ctx)
	case "down":
		fs := flag.NewFlagSet("down", flag.ExitOnError)
		to := fs.Int64("to", 0, "roll back to this version (default: one step)")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		return migrator.Down(ctx, *to)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}
