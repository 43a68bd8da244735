package objectstore

import (
	"context"
	"io"
	"sort"
	"sync"
)

// Memory is an in-process Store for tests and dry runs.
type Memory struct {
	mu        sync.Mutex
	objects   map[string]MemoryObject
	puts      []string
	threshold int64
	putHook   func(ctx context.Context, key string) error
	statHook  func(key string)
	existsErr error
}

// MemoryObject is a stored object.
type MemoryObject struct {
	Data        []byte
	SHA256      string
	ContentType string
	Metadata    map[string]string
	Multipart   bool
}

// NewMemory returns an empty store. Objects at or above threshold report a
// multipart upload; zero disables that.
func NewMemory(threshold int64) *Memory {
	return &Memory{objects: make(map[string]MemoryObject), threshold: threshold}
}

// OnPut installs fn to run before every Put. A non-nil error fails the Put
// without storing anything, like an aborted multipart upload. fn may block
// until ctx is done.
func (m *Memory) OnPut(fn func(ctx context.Context, key string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putHook = fn
}

// OnStat installs fn to run before every Stat and Exists call.
func (m *Memory) OnStat(fn func(key string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statHook = fn
}

// FailExists makes every Exists and Stat call return err.
func (m *Memory) FailExists(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existsErr = err
}

func (m *Memory) Put(ctx context.Context, key string, obj Object) (Result, error) {
	m.mu.Lock()
	m.puts = append(m.puts, key)
	hook := m.putHook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, key); err != nil {
			return Result{}, wrap("put", key, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, wrap("put", key, err)
	}
	data := make([]byte, obj.Size)
	if _, err := obj.Body.ReadAt(data, 0); err != nil && err != io.EOF {
		return Result{}, wrap("put", key, err)
	}
	multipart := m.threshold > 0 && obj.Size >= m.threshold

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = MemoryObject{
		Data:        data,
		SHA256:      obj.SHA256,
		ContentType: obj.ContentType,
		Metadata:    metadata(obj),
		Multipart:   multipart,
	}
	return Result{Key: key, Multipart: multipart, Parts: 1}, nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Stat(ctx, key)
	return ok, err
}

func (m *Memory) Stat(_ context.Context, key string) (Info, bool, error) {
	m.mu.Lock()
	hook := m.statHook
	m.mu.Unlock()
	if hook != nil {
		hook(key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsErr != nil {
		return Info{}, false, wrap("head", key, m.existsErr)
	}
	obj, ok := m.objects[key]
	if !ok {
		return Info{}, false, nil
	}
	return Info{Size: int64(len(obj.Data)), SHA256: obj.Metadata["sha256"]}, true, nil
}

// Seed stores data under key without recording a Put. The object carries no
// digest, like one written by another tool.
func (m *Memory) Seed(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = MemoryObject{Data: append([]byte(nil), data...)}
}

// Object returns the object stored under key.
func (m *Memory) Object(key string) (MemoryObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok
}

// Keys returns every stored key in sorted order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Puts returns the key of every Put call in call order, including failed ones.
func (m *Memory) Puts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.puts...)
}
