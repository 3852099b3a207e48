package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"PerpVAMM/internal/config"
	"PerpVAMM/internal/observability"
	"PerpVAMM/internal/persistence"
	"PerpVAMM/migrations"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|status|to VERSION>")
	fmt.Println("  up          - apply all pending migrations")
	fmt.Println("  down        - roll back the last migration")
	fmt.Println("  status      - list pending migrations")
	fmt.Println("  to VERSION  - apply pending migrations up to VERSION (e.g. 000001)")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  VAMM_DB_DSN      - Postgres connection string")
	fmt.Println("  VAMM_MIGRATIONS  - directory to read instead of the embedded set")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	logger := observability.NewLogger("migrate")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	files := migrations.FS
	migrator := persistence.NewMigrator(db, files, logger)
	if dir := os.Getenv("VAMM_MIGRATIONS"); dir != "" {
		migrator = persistence.NewMigrator(db, os.DirFS(dir), logger)
	}

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		pending, err := migrator.Pending(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		if len(pending) == 0 {
			fmt.Println("up to date")
		}
		for _, f := range pending {
			fmt.Println("pending", f)
		}

	case "to":
		if len(os.Args) < 3 {
			usage()
			os.Exit(1)
		}
		applied, err := migrator.UpTo(ctx, os.Args[2])
		if err != nil {
			logger.Fatal().Err(err).Strs("applied", applied).Msg("migrate to")
		}
		logger.Info().Strs("applied", applied).Str("target", os.Args[2]).Msg("migrated")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
