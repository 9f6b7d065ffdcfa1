/**
 * @description
 * Standalone migration runner for the wallet-service schema. It applies the
 * embedded SQL migrations against the configured database and exits. Run it as
 * a release step before starting the service binary.
 *
 * @dependencies
 * - database/sql: Standard library database handle for the migrate driver.
 * - github.com/golang-migrate/migrate/v4: Migration engine (iofs source, postgres driver).
 * - github.com/jackc/pgx/v5/stdlib: database/sql adapter for pgx.
 */

package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/safiri/wallet-service/db/migrations"
	"github.com/safiri/wallet-service/internal/config"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("level=fatal component=migrator msg=\"migration run failed\" err=%v", err)
	}
	log.Println("level=info component=migrator msg=\"migration run finished successfully\"")
}

func run() error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("init postgres driver: %w", err)
	}

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}
