package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed entity store shared by all sync requests.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the database at dbPath, enables WAL
// mode, and applies pending migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction. Pushes and pairing redemptions run
// entirely inside one transaction so concurrent pulls never observe a
// partially-applied batch.
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// CountEntities returns the number of live entities.
func (s *SQLiteStore) CountEntities(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}
	return count, nil
}

// LatestRevision returns the highest allocated revision, 0 when empty.
func (s *SQLiteStore) LatestRevision(ctx context.Context) (int64, error) {
	var rev sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(revision) FROM entity_revisions`).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("latest revision: %w", err)
	}
	if !rev.Valid {
		return 0, nil
	}
	return rev.Int64, nil
}

// GenerateSnapshot writes a consistent copy of the database next to the
// live file using VACUUM INTO. The previous snapshot is replaced.
func (s *SQLiteStore) GenerateSnapshot(ctx context.Context) error {
	path := s.snapshotPath()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale snapshot: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("vacuum into snapshot: %w", err)
	}
	return nil
}

// GetSnapshotPath returns the path of the most recent snapshot file.
func (s *SQLiteStore) GetSnapshotPath(ctx context.Context) (string, error) {
	path := s.snapshotPath()
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("snapshot not generated: %w", ErrNotFound)
	}
	return path, nil
}

func (s *SQLiteStore) snapshotPath() string {
	return s.path + ".snapshot"
}

// timestamp formats t the way every table stores time.
func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTimestamp is the inverse of timestamp; zero time on failure is
// reported by the caller where it matters.
func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
