package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Entry records one successfully uploaded content hash.
type Entry struct {
	Hash       string
	Path       string
	Key        string
	Size       int64
	UploadedAt time.Time
}

// ErrInvalidEntry is returned when an entry lacks a hash.
var ErrInvalidEntry = errors.New("registry entry requires a content hash")

// Store is the SQLite-backed registry.
type Store struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	// Fixed width so that text comparison in SQL orders chronologically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// Open initializes or connects to the registry database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure registry directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// synchronous=FULL: a recorded upload must survive power loss, otherwise
	// the file would be uploaded a second time after reboot.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Lookup returns the entry for hash, if any.
func (s *Store) Lookup(ctx context.Context, hash string) (Entry, bool, error) {
	var (
		entry      Entry
		uploadedAt string
	)
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT content_hash, source_path, object_key, size_bytes, uploaded_at
			 FROM uploads WHERE content_hash = ?`, hash,
		).Scan(&entry.Hash, &entry.Path, &entry.Key, &entry.Size, &uploadedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup %s: %w", hash, err)
	}
	entry.UploadedAt = parseTime(uploadedAt)
	return entry, true, nil
}

// Record inserts entry. An existing row for the same hash is left untouched
// and Record reports false.
func (s *Store) Record(ctx context.Context, entry Entry) (bool, error) {
	if strings.TrimSpace(entry.Hash) == "" {
		return false, ErrInvalidEntry
	}
	if entry.UploadedAt.IsZero() {
		entry.UploadedAt = time.Now()
	}
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO uploads (content_hash, source_path, object_key, size_bytes, uploaded_at)
			 VALUES (?, ?, ?, ?, ?)`,
			entry.Hash, entry.Path, entry.Key, entry.Size, entry.UploadedAt.UTC().Format(timeLayout))
		return execErr
	})
	if err != nil {
		return false, fmt.Errorf("record %s: %w", entry.Hash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record %s: %w", entry.Hash, err)
	}
	return n > 0, nil
}

// Count returns the number of recorded hashes.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM uploads").Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count uploads: %w", err)
	}
	return n, nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return []Entry{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_hash, source_path, object_key, size_bytes, uploaded_at
		 FROM uploads ORDER BY uploaded_at DESC, content_hash LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			entry      Entry
			uploadedAt string
		)
		if err := rows.Scan(&entry.Hash, &entry.Path, &entry.Key, &entry.Size, &uploadedAt); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		entry.UploadedAt = parseTime(uploadedAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Prune deletes entries uploaded before cutoff and returns how many were removed.
// Pruned hashes lose dedup protection: identical bytes rediscovered later are
// uploaded again.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, "DELETE FROM uploads WHERE uploaded_at < ?", cutoff.UTC().Format(timeLayout))
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("prune uploads: %w", err)
	}
	return res.RowsAffected()
}

// CheckHealth verifies the database answers queries.
func (s *Store) CheckHealth(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("registry not open")
	}
	return s.db.PingContext(ctx)
}

func parseTime(value string) time.Time {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
