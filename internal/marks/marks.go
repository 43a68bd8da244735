package marks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	currentSchemaVersion = 1
	bucketMeta           = "meta"
	bucketMarks          = "marks"
	keySchemaVersion     = "schema_version"
)

var (
	// ErrEmptyPath rejects marks without a path.
	ErrEmptyPath = errors.New("marks: path must not be empty")

	errUnknownSchema = errors.New("marks: unknown schema version")
)

// Mark schedules deletion of an uploaded file once EligibleAfter has passed.
type Mark struct {
	Path          string    `json:"path"`
	EligibleAfter time.Time `json:"eligible_after"`
	CreatedAt     time.Time `json:"created_at"`
}

// Options configures Open behaviour.
type Options struct {
	// Timeout controls the bbolt file lock timeout. Zero uses a short default.
	Timeout time.Duration
}

// Store persists marks in a bbolt file keyed by path.
type Store struct {
	db *bolt.DB
}

// Open creates (or reopens) the mark store at path.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create marks dir: %w", err)
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Mark stores m. If path is already marked the earlier EligibleAfter wins, so
// re-uploading a rediscovered file never postpones its deletion. The stored
// mark is returned.
func (s *Store) Mark(ctx context.Context, m Mark) (Mark, error) {
	if err := ctx.Err(); err != nil {
		return Mark{}, err
	}
	if strings.TrimSpace(m.Path) == "" {
		return Mark{}, ErrEmptyPath
	}
	var stored Mark
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketMarks))
		if raw := bucket.Get([]byte(m.Path)); raw != nil {
			existing, err := decode(raw)
			if err != nil {
				return err
			}
			if !existing.EligibleAfter.After(m.EligibleAfter) {
				stored = existing
				return nil
			}
			m.CreatedAt = existing.CreatedAt
		}
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode mark: %w", err)
		}
		stored = m
		return bucket.Put([]byte(m.Path), data)
	})
	return stored, err
}

// Get returns the mark for path.
func (s *Store) Get(ctx context.Context, path string) (Mark, bool, error) {
	if err := ctx.Err(); err != nil {
		return Mark{}, false, err
	}
	var (
		m     Mark
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketMarks)).Get([]byte(path))
		if raw == nil {
			return nil
		}
		decoded, err := decode(raw)
		if err != nil {
			return err
		}
		m, found = decoded, true
		return nil
	})
	return m, found, err
}

// Due returns marks whose EligibleAfter is not after now, earliest first.
func (s *Store) Due(ctx context.Context, now time.Time) ([]Mark, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	due := all[:0]
	for _, m := range all {
		if !m.EligibleAfter.After(now) {
			due = append(due, m)
		}
	}
	return due, nil
}

// List returns every mark, earliest EligibleAfter first.
func (s *Store) List(ctx context.Context) ([]Mark, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Mark
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMarks)).ForEach(func(_, raw []byte) error {
			m, err := decode(raw)
			if err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortMarks(out)
	return out, nil
}

// Remove deletes the mark for path. Removing an absent mark is a no-op.
func (s *Store) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMarks)).Delete([]byte(path))
	})
}

// Count returns the number of marks.
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bucketMarks)).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *Store) ensureSchema() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketMarks)); err != nil {
			return fmt.Errorf("ensure marks bucket: %w", err)
		}
		meta, err := tx.CreateBucketIfNotExists([]byte(bucketMeta))
		if err != nil {
			return fmt.Errorf("ensure meta bucket: %w", err)
		}
		versionBytes := meta.Get([]byte(keySchemaVersion))
		if len(versionBytes) == 0 {
			return meta.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
		}
		version, err := strconv.Atoi(string(versionBytes))
		if err != nil {
			return fmt.Errorf("parse schema version: %w", err)
		}
		if version != currentSchemaVersion {
			return fmt.Errorf("%w: %d", errUnknownSchema, version)
		}
		return nil
	})
}

func decode(raw []byte) (Mark, error) {
	var m Mark
	if err := json.Unmarshal(raw, &m); err != nil {
		return Mark{}, fmt.Errorf("decode mark: %w", err)
	}
	return m, nil
}

func sortMarks(marks []Mark) {
	sort.Slice(marks, func(i, j int) bool {
		if !marks[i].EligibleAfter.Equal(marks[j].EligibleAfter) {
			return marks[i].EligibleAfter.Before(marks[j].EligibleAfter)
		}
		return marks[i].Path < marks[j].Path
	})
}
