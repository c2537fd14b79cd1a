// Package catalog indexes snapshots and records operation history in
// SQLite. The archives themselves stay the source of truth; the catalog
// can be lost without losing a snapshot.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rewind/internal/catalog/migrations"
	"rewind/internal/rewind"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteCatalog implements rewind.Catalog using SQLite.
type SQLiteCatalog struct {
	db   *sql.DB
	path string
}

var _ rewind.Catalog = (*SQLiteCatalog)(nil)

// NewSQLiteCatalog opens the catalog at path and migrates it to the latest
// schema. path can be ":memory:".
func NewSQLiteCatalog(path string) (*SQLiteCatalog, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrations.CheckStatus(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteCatalog{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

// Snapshot operations

func (c *SQLiteCatalog) RecordSnapshot(s *rewind.SnapshotRecord) error {
	// Snapshot ids have second granularity; a second backup within the same
	// second replaces the archive on disk, so it replaces the row too.
	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO snapshots
			(id, archive_path, size, created_at, stack_count, partial_count, architecture, hostname, encrypted, kind, pruned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		s.ID, s.ArchivePath, s.Size, s.CreatedAt.UTC(), s.StackCount, s.PartialCount,
		s.Architecture, s.Hostname, s.Encrypted, kindOrDefault(s.Kind))
	if err != nil {
		return fmt.Errorf("recording snapshot: %w", err)
	}
	return nil
}

func (c *SQLiteCatalog) FindSnapshot(id string) (*rewind.SnapshotRecord, error) {
	row := c.db.QueryRow(snapshotColumns+" WHERE id = ?", id)
	s, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding snapshot: %w", err)
	}
	return s, nil
}

// ListSnapshots returns every snapshot, newest first, pruned ones included.
func (c *SQLiteCatalog) ListSnapshots() ([]*rewind.SnapshotRecord, error) {
	rows, err := c.db.Query(snapshotColumns + " ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var out []*rewind.SnapshotRecord
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("listing snapshots: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *SQLiteCatalog) MarkPruned(id string, at time.Time) error {
	if _, err := c.db.Exec("UPDATE snapshots SET pruned_at = ? WHERE id = ?", at.UTC(), id); err != nil {
		return fmt.Errorf("marking snapshot pruned: %w", err)
	}
	return nil
}

const snapshotColumns = `
	SELECT id, archive_path, size, created_at, stack_count, partial_count,
	       architecture, hostname, encrypted, kind, pruned_at
	FROM snapshots`

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r scanner) (*rewind.SnapshotRecord, error) {
	var s rewind.SnapshotRecord
	var pruned sql.NullTime
	err := r.Scan(&s.ID, &s.ArchivePath, &s.Size, &s.CreatedAt, &s.StackCount, &s.PartialCount,
		&s.Architecture, &s.Hostname, &s.Encrypted, &s.Kind, &pruned)
	if err != nil {
		return nil, err
	}
	if pruned.Valid {
		t := pruned.Time
		s.PrunedAt = &t
	}
	return &s, nil
}

func kindOrDefault(kind string) string {
	if kind == "" {
		return rewind.KindScheduled
	}
	return kind
}

// Operation tracking

func (c *SQLiteCatalog) StartOperation(runID, operation, parameters string, at time.Time) (int64, error) {
	res, err := c.db.Exec(
		"INSERT INTO operations (run_id, operation, parameters, started_at) VALUES (?, ?, ?, ?)",
		runID, operation, parameters, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("creating operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("creating operation: %w", err)
	}
	return id, nil
}

func (c *SQLiteCatalog) FinishOperation(id int64, status, summary string, at time.Time) error {
	_, err := c.db.Exec(
		"UPDATE operations SET finished_at = ?, status = ?, summary = ? WHERE id = ?",
		at.UTC(), status, summary, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return nil
}

// ListOperations returns the most recent operations first. A limit of zero
// or less returns all of them.
func (c *SQLiteCatalog) ListOperations(limit int) ([]*rewind.OperationRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := c.db.Query(`
		SELECT id, run_id, operation, parameters, started_at, finished_at, status, summary
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var out []*rewind.OperationRecord
	for rows.Next() {
		var op rewind.OperationRecord
		var finished sql.NullTime
		if err := rows.Scan(&op.ID, &op.RunID, &op.Operation, &op.Parameters, &op.StartedAt, &finished, &op.Status, &op.Summary); err != nil {
			return nil, fmt.Errorf("listing operations: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			op.FinishedAt = &t
		}
		out = append(out, &op)
	}
	return out, rows.Err()
}

// Path returns the catalog file path (or ":memory:").
func (c *SQLiteCatalog) Path() string {
	return c.path
}

// Close closes the database connection.
func (c *SQLiteCatalog) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
