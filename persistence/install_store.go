package persistence

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ReleaseCheck records one lookup of a tool's latest published release.
type ReleaseCheck struct {
	Tool      string    `json:"tool"`
	Tag       string    `json:"tag"`
	CheckedAt time.Time `json:"checked_at"`
}

// InstallRecord records a completed tool installation.
type InstallRecord struct {
	ID          int64     `json:"id"`
	Tool        string    `json:"tool"`
	Tag         string    `json:"tag"`
	Asset       string    `json:"asset"`
	Path        string    `json:"path"`
	InstalledAt time.Time `json:"installed_at"`
}

// InstallStore persists release checks and installs in a SQLite database.
type InstallStore struct {
	db *sql.DB
}

// NewInstallStore opens/creates the database at dbPath.
func NewInstallStore(dbPath string) (*InstallStore, error) {
	if dbPath == "" {
		return nil, errors.New("install store path required")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases from splitting per conn.
	db.SetMaxOpenConns(1)
	store := &InstallStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *InstallStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS release_checks (
		tool TEXT PRIMARY KEY,
		tag TEXT NOT NULL,
		checked_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS installs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tool TEXT NOT NULL,
		tag TEXT NOT NULL,
		asset TEXT,
		path TEXT,
		installed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_installs_tool ON installs(tool, installed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *InstallStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordCheck upserts the latest release lookup for a tool.
func (s *InstallStore) RecordCheck(ctx context.Context, check ReleaseCheck) error {
	if check.Tool == "" {
		return errors.New("tool required")
	}
	if check.CheckedAt.IsZero() {
		check.CheckedAt = time.Now()
	}
	query := `
	INSERT INTO release_checks (tool, tag, checked_at) VALUES (?, ?, ?)
	ON CONFLICT(tool) DO UPDATE SET
		tag=excluded.tag,
		checked_at=excluded.checked_at
	`
	_, err := s.db.ExecContext(ctx, query, check.Tool, check.Tag, check.CheckedAt.UTC())
	return err
}

// LastCheck returns the most recent release lookup for tool.
func (s *InstallStore) LastCheck(ctx context.Context, tool string) (*ReleaseCheck, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tool, tag, checked_at FROM release_checks WHERE tool = ?`, tool)
	var check ReleaseCheck
	if err := row.Scan(&check.Tool, &check.Tag, &check.CheckedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &check, true, nil
}

// RecordInstall appends an install entry and returns its id.
func (s *InstallStore) RecordInstall(ctx context.Context, record InstallRecord) (int64, error) {
	if record.Tool == "" {
		return 0, errors.New("tool required")
	}
	if record.InstalledAt.IsZero() {
		record.InstalledAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO installs (tool, tag, asset, path, installed_at) VALUES (?, ?, ?, ?, ?)`,
		record.Tool, record.Tag, record.Asset, record.Path, record.InstalledAt.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListInstalls returns installs for tool, newest first. An empty tool lists
// every install; limit <= 0 means no limit.
func (s *InstallStore) ListInstalls(ctx context.Context, tool string, limit int) ([]InstallRecord, error) {
	query := `SELECT id, tool, tag, asset, path, installed_at FROM installs`
	var args []interface{}
	if tool != "" {
		query += ` WHERE tool = ?`
		args = append(args, tool)
	}
	query += ` ORDER BY installed_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []InstallRecord
	for rows.Next() {
		var rec InstallRecord
		var asset, path sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Tool, &rec.Tag, &asset, &path, &rec.InstalledAt); err != nil {
			return nil, err
		}
		rec.Asset = asset.String
		rec.Path = path.String
		records = append(records, rec)
	}
	return records, rows.Err()
}
