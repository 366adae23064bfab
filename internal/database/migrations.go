package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migration is one numbered schema step, e.g. "001_init.sql"
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrator applies embedded schema steps in version order
type Migrator struct {
	db     *sql.DB
	source fs.FS
	log    logrus.FieldLogger
}

// NewMigrator creates a migrator over the embedded migrations
func NewMigrator(db *sql.DB, log logrus.FieldLogger) *Migrator {
	return &Migrator{
		db:     db,
		source: embeddedMigrations,
		log:    log.WithField("component", "migrations"),
	}
}

// Up applies every migration not yet recorded in schema_migrations
func (m *Migrator) Up(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at INTEGER NOT NULL DEFAULT (CAST(strftime('%s', 'now') AS INTEGER) * 1000)
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := m.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	steps, err := m.Pending(current)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if err := m.apply(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// Pending lists the migrations above version, ordered
func (m *Migrator) Pending(version int) ([]Migration, error) {
	files, err := fs.Glob(m.source, "migrations/*.sql")
	if err != nil {
		return nil, err
	}

	var steps []Migration
	for _, file := range files {
		name := strings.TrimSuffix(path.Base(file), ".sql")
		prefix, _, ok := strings.Cut(name, "_")
		v, convErr := strconv.Atoi(prefix)
		if !ok || convErr != nil {
			m.log.WithField("file", file).Warn("migration without numeric prefix ignored")
			continue
		}
		if v <= version {
			continue
		}
		body, err := fs.ReadFile(m.source, file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		steps = append(steps, Migration{Version: v, Name: name, SQL: string(body)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Version < steps[j].Version })
	return steps, nil
}

func (m *Migrator) apply(ctx context.Context, step Migration) error {
	err := Transaction(ctx, m.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, step.SQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, step.Version, step.Name)
		return err
	})
	if err != nil {
		return fmt.Errorf("migration %s: %w", step.Name, err)
	}
	m.log.WithFields(logrus.Fields{"version": step.Version, "name": step.Name}).Info("migration applied")
	return nil
}
