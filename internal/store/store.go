// Package store provides database access for meremail.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql schema_fts.sql
var schemaFS embed.FS

// Store provides database operations for meremail. It is the single
// owner of all persistent entities; writes serialize through SQLite's
// write lock while readers proceed concurrently.
type Store struct {
	db            *sql.DB
	dbPath        string
	fts5Available bool // Whether FTS5 is available for full-text search
}

const defaultSQLiteParams = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"

// ErrorKind classifies storage failures.
type ErrorKind string

const (
	KindConflict   ErrorKind = "conflict"
	KindNotFound   ErrorKind = "not_found"
	KindIO         ErrorKind = "io"
	KindConstraint ErrorKind = "constraint"
)

// StorageError wraps a database or filesystem failure with a kind the
// callers can branch on. A conflict on messages.message_id is the
// canonical dedup signal and is not treated as an error by the importer.
type StorageError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsConflict reports whether err is a uniqueness-violation StorageError.
func IsConflict(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindConflict
}

// IsNotFound reports whether err is a not-found StorageError.
func IsNotFound(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindNotFound
}

// IsConstraint reports whether err is a constraint-violation
// StorageError.
func IsConstraint(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindConstraint
}

// classify wraps err in a StorageError, inspecting the sqlite3 error
// code to distinguish conflicts from other constraint violations.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &StorageError{Kind: KindNotFound, Op: op, Err: err}
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return &StorageError{Kind: KindConflict, Op: op, Err: err}
		}
		if sqliteErr.Code == sqlite3.ErrConstraint {
			return &StorageError{Kind: KindConstraint, Op: op, Err: err}
		}
	}
	return &StorageError{Kind: KindIO, Op: op, Err: err}
}

// isSQLiteError checks if err is a sqlite3.Error with a message containing substr.
func isSQLiteError(err error, substr string) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return strings.Contains(sqliteErr.Error(), substr)
	}
	return false
}

// Open opens or creates the database at the given path.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := dbPath + defaultSQLiteParams
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// FTS5Available reports whether the FTS5 indexes were created.
func (s *Store) FTS5Available() bool {
	return s.fts5Available
}

// withTx executes fn within a database transaction. If fn returns an error,
// the transaction is rolled back; otherwise it is committed.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// InitSchema initializes the database schema, creating all tables if
// they don't exist. The FTS5 indexes are optional: when the SQLite
// build lacks the fts5 module the store falls back to LIKE search.
func (s *Store) InitSchema() error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("read schema.sql: %w", err)
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("execute schema.sql: %w", err)
	}

	ftsSchema, err := schemaFS.ReadFile("schema_fts.sql")
	if err != nil {
		return fmt.Errorf("read schema_fts.sql: %w", err)
	}
	if _, err := s.db.Exec(string(ftsSchema)); err != nil {
		if isSQLiteError(err, "no such module: fts5") {
			s.fts5Available = false
		} else {
			return fmt.Errorf("init fts5 schema: %w", err)
		}
	} else {
		s.fts5Available = true
	}

	return nil
}

// utcSecond normalizes a timestamp to UTC with second precision, the
// resolution everything in the schema is stored at.
func utcSecond(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// nullTime converts a *time.Time into a sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: utcSecond(*t), Valid: true}
}

// timePtr converts a sql.NullTime back into a *time.Time.
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time.UTC()
	return &tt
}

// Stats holds database statistics.
type Stats struct {
	ContactCount    int64
	ThreadCount     int64
	MessageCount    int64
	AttachmentCount int64
	RuleCount       int64
	DatabaseSize    int64
}

// GetStats returns statistics about the database.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{}

	queries := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM contacts", &stats.ContactCount},
		{"SELECT COUNT(*) FROM threads", &stats.ThreadCount},
		{"SELECT COUNT(*) FROM messages", &stats.MessageCount},
		{"SELECT COUNT(*) FROM attachments", &stats.AttachmentCount},
		{"SELECT COUNT(*) FROM rules", &stats.RuleCount},
	}

	for _, q := range queries {
		if err := s.db.QueryRow(q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("get stats %q: %w", q.query, err)
		}
	}

	if info, err := os.Stat(s.dbPath); err == nil {
		stats.DatabaseSize = info.Size()
	}

	return stats, nil
}
