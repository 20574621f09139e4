// Package store is the persistence layer: a modernc.org/sqlite-backed
// database, applied via golang-migrate/migrate's embedded-source driver, and
// one repository per table named in spec.md §6 ("Persisted tables").
//
// Grounded on original_source/agentling/persistence/database.py's
// connect/_run_migrations (glob *.sql by version prefix, apply ascending) and
// repositories.py (one repository type per table, field-for-field).
package store

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a handle to the sqlite-backed persistence layer. All methods are
// safe for concurrent use: the underlying *sql.DB serializes writes itself,
// matching spec §5's "single connection handle protected by a mutex around
// connect/disconnect" (here, *sql.DB's own internal pooling/locking plays
// that role — the teacher never hand-rolls a connection mutex either).
type Store struct {
	db *sql.DB

	Sessions      *SessionRepository
	Runs          *RunRepository
	Events        *EventRepository
	GitSnapshots  *GitSnapshotRepository
	Agents        *AgentRepository
	AgentRuns     *AgentRunRepository
	AgentPatterns *AgentPatternRepository
	SessionSnaps  *SessionSnapshotRepository
	RunMemory     *RunMemoryRepository
}

// Open opens (creating if absent) the sqlite database at path and applies
// any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers.

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{
		db:            db,
		Sessions:      &SessionRepository{db: db},
		Runs:          &RunRepository{db: db},
		Events:        &EventRepository{db: db},
		GitSnapshots:  &GitSnapshotRepository{db: db},
		Agents:        &AgentRepository{db: db},
		AgentRuns:     &AgentRunRepository{db: db},
		AgentPatterns: &AgentPatternRepository{db: db},
		SessionSnaps:  &SessionSnapshotRepository{db: db},
		RunMemory:     &RunMemoryRepository{db: db},
	}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("new migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
