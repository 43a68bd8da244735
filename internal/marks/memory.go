package marks

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process mark store for tests.
type Memory struct {
	mu    sync.Mutex
	marks map[string]Mark
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{marks: make(map[string]Mark)}
}

func (m *Memory) Mark(_ context.Context, mark Mark) (Mark, error) {
	if strings.TrimSpace(mark.Path) == "" {
		return Mark{}, ErrEmptyPath
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.marks[mark.Path]; ok {
		if !existing.EligibleAfter.After(mark.EligibleAfter) {
			return existing, nil
		}
		mark.CreatedAt = existing.CreatedAt
	}
	m.marks[mark.Path] = mark
	return mark, nil
}

func (m *Memory) Get(_ context.Context, path string) (Mark, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mark, ok := m.marks[path]
	return mark, ok, nil
}

func (m *Memory) Due(ctx context.Context, now time.Time) ([]Mark, error) {
	all, _ := m.List(ctx)
	due := all[:0]
	for _, mark := range all {
		if !mark.EligibleAfter.After(now) {
			due = append(due, mark)
		}
	}
	return due, nil
}

func (m *Memory) List(context.Context) ([]Mark, error) {
	m.mu.Lock()
	out := make([]Mark, 0, len(m.marks))
	for _, mark := range m.marks {
		out = append(out, mark)
	}
	m.mu.Unlock()
	sortMarks(out)
	return out, nil
}

func (m *Memory) Remove(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.marks, path)
	return nil
}

func (m *Memory) Count(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.marks), nil
}
