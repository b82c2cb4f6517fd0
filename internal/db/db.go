// Package db owns the SQLite database: opening, pragmas, schema migrations
// and the restart healing that runs before any service touches state.
package db

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// schemaVersion is bumped when a data migration (beyond plain DDL) is added.
// Version 2 introduced the keyed streams table replacing the legacy
// array-shaped stream list stored under the streams_v1 config key.
const schemaVersion = 2

type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

func New(dbPath string, logger *slog.Logger) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	db := &DB{conn: conn, logger: logger}

	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := db.importLegacyStreams(); err != nil {
		return nil, fmt.Errorf("failed to import legacy streams: %w", err)
	}

	if err := db.healInterruptedStreams(); err != nil && logger != nil {
		logger.Warn("failed to heal interrupted streams", "error", err)
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) Conn() *sql.DB {
	return d.conn
}

func (d *DB) migrate() error {
	_, err := d.conn.Exec(`CREATE TABLE IF NOT EXISTS _migrations (
		name TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	migrations, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, m := range migrations {
		if m.IsDir() {
			continue
		}

		name := m.Name()

		if d.isMigrationApplied(name) {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		if _, err := d.conn.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", name, err)
		}

		if _, err := d.conn.Exec("INSERT INTO _migrations (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}

		if d.logger != nil {
			d.logger.Info("applied migration", "name", name)
		}
	}

	return nil
}

func (d *DB) isMigrationApplied(name string) bool {
	var applied int
	err := d.conn.QueryRow("SELECT 1 FROM _migrations WHERE name = ?", name).Scan(&applied)
	return err == nil && applied == 1
}

// legacyStream is the shape of one entry in the pre-v2 array-shaped stream
// list that older installs persisted as a single JSON config value.
type legacyStream struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Game       string  `json:"game"`
	Date       string  `json:"date"`
	SourcePath string  `json:"sourcePath"`
	State      string  `json:"state"`
	Progress   float64 `json:"progress"`
}

// importLegacyStreams performs the one-time migration of the legacy
// array-shaped stream list into the streams table. It is guarded by the
// schema_version config row, not by sniffing the stored shape, so repeated
// startups are no-ops.
func (d *DB) importLegacyStreams() error {
	var version int
	err := d.conn.QueryRow("SELECT value FROM config WHERE key = 'schema_version'").Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if version >= schemaVersion {
		return nil
	}

	var raw string
	err = d.conn.QueryRow("SELECT value FROM config WHERE key = 'streams_v1'").Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	if raw != "" {
		var legacy []legacyStream
		if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
			return fmt.Errorf("cannot parse legacy stream list: %w", err)
		}

		now := time.Now().Format(time.RFC3339)
		for _, s := range legacy {
			if s.ID == "" {
				continue
			}
			_, err := d.conn.Exec(`
				INSERT INTO streams (id, title, game, date, source_path, state, progress, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO NOTHING
			`, s.ID, s.Title, s.Game, s.Date, s.SourcePath, s.State, s.Progress, now)
			if err != nil {
				return err
			}
		}

		if _, err := d.conn.Exec("DELETE FROM config WHERE key = 'streams_v1'"); err != nil {
			return err
		}

		if d.logger != nil {
			d.logger.Info("imported legacy stream list", "count", len(legacy))
		}
	}

	_, err = d.conn.Exec(`
		INSERT INTO config (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, fmt.Sprintf("%d", schemaVersion))
	return err
}

// healInterruptedStreams force-transitions any stream persisted as detecting
// to canceled. Detection never resumes across restarts; the transition is
// idempotent so further restarts leave the row untouched.
func (d *DB) healInterruptedStreams() error {
	res, err := d.conn.ExecContext(context.Background(),
		`UPDATE streams SET state = 'canceled' WHERE state = 'detecting'`)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 && d.logger != nil {
		d.logger.Info("canceled interrupted detections", "count", n)
	}

	// An export or upload interrupted mid-run never survives a restart either.
	if _, err := d.conn.Exec(`UPDATE export_info SET exporting = 0, cancel_requested = 0 WHERE exporting = 1`); err != nil {
		return err
	}
	_, err = d.conn.Exec(`UPDATE upload_info SET uploading = 0, cancel_requested = 0 WHERE uploading = 1`)
	return err
}
