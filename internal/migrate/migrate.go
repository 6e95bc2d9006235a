// Package migrate applies the embedded SQLite schema. Files are named
// NNNN_name.sql and run once each, in version order, recorded in
// schema_migrations.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
)

//go:embed sql/*.sql
var sqlFS embed.FS

const tableName = "schema_migrations"

var fileRe = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

type Migration struct {
	Version int
	Name    string
	Applied bool
	body    string
}

// Run applies every pending migration, each inside its own transaction.
// It returns how many were applied.
func Run(db *sql.DB, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	all, err := Status(db)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range all {
		if m.Applied {
			continue
		}
		if err := apply(db, m); err != nil {
			return applied, fmt.Errorf("apply %04d_%s: %w", m.Version, m.Name, err)
		}
		applied++
		logger.Info("migration applied", "version", m.Version, "name", m.Name)
	}
	return applied, nil
}

// Status lists the embedded migrations in order, marking the ones the
// database already has.
func Status(db *sql.DB) ([]Migration, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + tableName + ` (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`); err != nil {
		return nil, fmt.Errorf("ensure %s: %w", tableName, err)
	}

	done, err := appliedVersions(db)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}

	embedded, err := load()
	if err != nil {
		return nil, err
	}
	for i := range embedded {
		embedded[i].Applied = done[embedded[i].Version]
	}
	return embedded, nil
}

func load() ([]Migration, error) {
	entries, err := fs.ReadDir(sqlFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	var out []Migration
	for _, e := range entries {
		m := fileRe.FindStringSubmatch(e.Name())
		if e.IsDir() || m == nil {
			continue
		}
		version, _ := strconv.Atoi(m[1])
		body, err := fs.ReadFile(sqlFS, "sql/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: m[2], body: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func appliedVersions(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query(`SELECT version FROM ` + tableName)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func apply(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(m.body); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`INSERT INTO `+tableName+` (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
