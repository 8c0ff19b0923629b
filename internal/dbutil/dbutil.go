// Package dbutil holds the sqlite-open-plus-migrate boilerplate shared by
// the image store's index and the VM registry, grounded in the same
// sql.Open("sqlite", ...) + PRAGMA pattern the teacher codebase used for its
// own sandbox index, now backed by versioned migrations instead of a single
// embedded schema string.
package dbutil

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "modernc.org/sqlite"
)

// Open opens a sqlite database at path, enables WAL mode and foreign keys,
// and applies every migration in migrations (rooted at migrationsDir) that
// hasn't already run.
func Open(path string, migrations embed.FS, migrationsDir string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("dbutil: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer model: sqlite plus WAL, never more than one writer

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbutil: %s: %w", pragma, err)
		}
	}

	if err := migrateUp(db, migrations, migrationsDir); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func migrateUp(db *sql.DB, migrations embed.FS, dir string) error {
	src, err := iofs.New(migrations, dir)
	if err != nil {
		return fmt.Errorf("dbutil: migration source: %w", err)
	}
	target, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("dbutil: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", target)
	if err != nil {
		return fmt.Errorf("dbutil: migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("dbutil: migrate up: %w", err)
	}
	return nil
}
