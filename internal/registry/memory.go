package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process registry with the same semantics as Store.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory returns an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Lookup(_ context.Context, hash string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[hash]
	return entry, ok, nil
}

func (m *Memory) Record(_ context.Context, entry Entry) (bool, error) {
	if strings.TrimSpace(entry.Hash) == "" {
		return false, ErrInvalidEntry
	}
	if entry.UploadedAt.IsZero() {
		entry.UploadedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[entry.Hash]; exists {
		return false, nil
	}
	m.entries[entry.Hash] = entry
	return true, nil
}

func (m *Memory) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *Memory) Recent(_ context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return []Entry{}, nil
	}
	m.mu.RLock()
	entries := make([]Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	m.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].UploadedAt.Equal(entries[j].UploadedAt) {
			return entries[i].UploadedAt.After(entries[j].UploadedAt)
		}
		return entries[i].Hash < entries[j].Hash
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (m *Memory) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for hash, entry := range m.entries {
		if entry.UploadedAt.Before(cutoff) {
			delete(m.entries, hash)
			removed++
		}
	}
	return removed, nil
}
