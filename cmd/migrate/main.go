package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"

	"github.com/riskcore/engine/internal/config"
	"github.com/riskcore/engine/internal/store/migrations"
)

func main() {
	upCmd := flag.Bool("up", false, "Run all pending migrations")
	downCmd := flag.Bool("down", false, "Rollback the last applied migration")
	initCmd := flag.Bool("init", false, "Initialize the migrations tracking table")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("failed to ping database: %v", err)
	}

	migrator := migrations.NewMigrator(db)

	switch {
	case *initCmd:
		if err := migrator.Init(); err != nil {
			log.Fatalf("failed to initialize migrations table: %v", err)
		}
		log.Println("[migrate] migrations table initialized")

	case *upCmd:
		if err := migrator.Init(); err != nil {
			log.Fatalf("failed to initialize migrations table: %v", err)
		}
		if err := migrator.Up(); err != nil {
			log.Fatalf("migration failed: %v", err)
		}
		log.Println("[migrate] all migrations applied")

	case *downCmd:
		if err := migrator.Down(); err != nil {
			log.Fatalf("rollback failed: %v", err)
		}
		log.Println("[migrate] last migration rolled back")

	default:
		fmt.Println("engine migrate - schema migration tool")
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("  migrate -init   Initialize the migrations tracking table")
		fmt.Println("  migrate -up     Run all pending migrations")
		fmt.Println("  migrate -down   Roll back the last applied migration")
		os.Exit(1)
	}
}
