package modules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/anvil/internal/model"

	_ "modernc.org/sqlite"
)

const createModulesTable = `
CREATE TABLE IF NOT EXISTS modules (
    name       TEXT PRIMARY KEY,
    version    TEXT NOT NULL,
    updated_at DATETIME NOT NULL
)`

const createVersionsTable = `
CREATE TABLE IF NOT EXISTS module_versions (
    name       TEXT NOT NULL,
    version    TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (name, version)
)`

// index maps module names to versions in SQLite.
type index struct {
	db *sql.DB
}

func openIndex(path string) (*index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	// Pragmas are per connection; a single connection also serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createModulesTable, createVersionsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate index: %w", err)
		}
	}

	return &index{db: db}, nil
}

func (ix *index) close() error {
	return ix.db.Close()
}

// put points name at version and records it in the name's history.
func (ix *index) put(ctx context.Context, name, version string, at time.Time) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO modules (name, version, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at`,
		name, version, at,
	); err != nil {
		return fmt.Errorf("upsert module: %w", err)
	}

	// Re-saving an old version moves it to the head of the history.
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM module_versions WHERE name = ? AND version = ?", name, version,
	); err != nil {
		return fmt.Errorf("delete module version: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO module_versions (name, version, created_at) VALUES (?, ?, ?)",
		name, version, at,
	); err != nil {
		return fmt.Errorf("insert module version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit module: %w", err)
	}
	return nil
}

func (ix *index) get(ctx context.Context, name string) (model.Module, error) {
	m := model.Module{}
	err := ix.db.QueryRowContext(ctx,
		"SELECT name, version, updated_at FROM modules WHERE name = ?", name,
	).Scan(&m.Name, &m.Version, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, fmt.Errorf("get module: %w", err)
	}
	return m, nil
}

func (ix *index) list(ctx context.Context) ([]model.Module, error) {
	rows, err := ix.db.QueryContext(ctx,
		"SELECT name, version, updated_at FROM modules ORDER BY name",
	)
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	defer rows.Close()

	mods := []model.Module{}
	for rows.Next() {
		var m model.Module
		if err := rows.Scan(&m.Name, &m.Version, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan module: %w", err)
		}
		mods = append(mods, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate modules: %w", err)
	}
	return mods, nil
}

func (ix *index) versions(ctx context.Context, name string) ([]model.ModuleVersion, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT name, version, created_at FROM module_versions
		WHERE name = ? ORDER BY rowid DESC`, name,
	)
	if err != nil {
		return nil, fmt.Errorf("list module versions: %w", err)
	}
	defer rows.Close()

	var vs []model.ModuleVersion
	for rows.Next() {
		var v model.ModuleVersion
		if err := rows.Scan(&v.Name, &v.Version, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan module version: %w", err)
		}
		vs = append(vs, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate module versions: %w", err)
	}
	if len(vs) == 0 {
		return nil, ErrNotFound
	}
	return vs, nil
}
