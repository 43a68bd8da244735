package uploader_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferry/internal/config"
	"ferry/internal/marks"
	"ferry/internal/metrics"
	"ferry/internal/objectstore"
	"ferry/internal/queue"
	"ferry/internal/registry"
	"ferry/internal/testsupport"
	"ferry/internal/uploader"
)

type harness struct {
	cfg      *config.Config
	queue    *queue.Store
	registry *registry.Memory
	marks    *marks.Memory
	store    *objectstore.Memory
	recorder *metrics.Recorder
	exec     *uploader.Executor
	clock    time.Time
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	h := &harness{
		cfg:      testsupport.NewConfig(t, opts...),
		registry: registry.NewMemory(),
		marks:    marks.NewMemory(),
		store:    objectstore.NewMemory(0),
		recorder: metrics.NewRecorder(),
		clock:    time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	now := func() time.Time { return h.clock }
	h.queue = queue.NewMemory(queue.WithMaxAttempts(h.cfg.Upload.MaxAttempts), queue.WithClock(now))
	exec, err := uploader.New(h.cfg, uploader.Deps{
		Queue:    h.queue,
		Registry: h.registry,
		Marks:    h.marks,
		Store:    h.store,
		Sink:     h.recorder,
		Clock:    now,
	})
	require.NoError(t, err)
	h.exec = exec
	return h
}

// useRegistry rebuilds the executor around reg.
func (h *harness) useRegistry(t *testing.T, reg uploader.Registry) {
	t.Helper()
	now := func() time.Time { return h.clock }
	exec, err := uploader.New(h.cfg, uploader.Deps{
		Queue:    h.queue,
		Registry: reg,
		Marks:    h.marks,
		Store:    h.store,
		Sink:     h.recorder,
		Clock:    now,
	})
	require.NoError(t, err)
	h.exec = exec
}

// flakyRegistry fails the first failures Record calls.
type flakyRegistry struct {
	*registry.Memory
	mu       sync.Mutex
	failures int
}

func (r *flakyRegistry) Record(ctx context.Context, entry registry.Entry) (bool, error) {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return false, errors.New("database is locked")
	}
	r.mu.Unlock()
	return r.Memory.Record(ctx, entry)
}

func digest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (h *harness) source(name string) string {
	return filepath.Join(h.cfg.Sources[0].Dir, name)
}

func (h *harness) enqueue(t *testing.T, name, content string) string {
	t.Helper()
	path := h.source(name)
	testsupport.WriteContent(t, path, content)
	_, _, err := h.queue.Enqueue(path, "can")
	require.NoError(t, err)
	return path
}

func TestIdenticalContentUploadedOnce(t *testing.T) {
	h := newHarness(t)
	first := h.enqueue(t, "can.log.1", "same bytes")
	second := h.enqueue(t, "can.log.2", "same bytes")

	report := h.exec.RunCycle(context.Background())
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 1, report.Uploaded)
	assert.Equal(t, 1, report.Deduplicated)
	assert.Len(t, h.store.Puts(), 1)

	count, err := h.registry.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, h.queue.Len())

	successes := h.recorder.Successes()
	require.Len(t, successes, 2)
	dedup := 0
	for _, s := range successes {
		if s.Deduplicated {
			dedup++
		}
		assert.Contains(t, []string{first, second}, s.Path)
	}
	assert.Equal(t, 1, dedup)
}

func TestRetryScenario(t *testing.T) {
	h := newHarness(t)
	a := h.enqueue(t, "a.log", "alpha")
	b := h.enqueue(t, "b.log", "bravo")
	c := h.enqueue(t, "c.log", "charlie")

	var mu sync.Mutex
	bFailures := 0
	h.store.OnPut(func(_ context.Context, key string) error {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case strings.HasSuffix(key, "/b.log") && bFailures < 2:
			bFailures++
			return errors.New("503 slow down")
		case strings.HasSuffix(key, "/c.log"):
			return errors.New("connection reset by peer")
		}
		return nil
	})

	for i := 0; i < 20 && h.queue.Len() > 0; i++ {
		h.exec.RunCycle(context.Background())
		h.clock = h.clock.Add(time.Minute)
	}

	assert.Equal(t, 0, h.queue.Len())
	ctx := context.Background()
	for _, path := range []string{a, b} {
		found := false
		for _, s := range h.recorder.Successes() {
			if s.Path == path {
				found = true
			}
		}
		assert.True(t, found, "expected success for %s", path)
	}
	count, err := h.registry.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	terminal := h.recorder.TerminalFailures()
	require.Len(t, terminal, 1)
	assert.Equal(t, c, terminal[0].Path)
	assert.Equal(t, metrics.ReasonExhausted, terminal[0].Reason)
	assert.Equal(t, queue.DefaultMaxAttempts, terminal[0].Attempts)
}

func TestVanishedFileFailsPermanently(t *testing.T) {
	h := newHarness(t)
	path := h.enqueue(t, "gone.log", "data")
	require.NoError(t, os.Remove(path))

	report := h.exec.RunCycle(context.Background())
	assert.Equal(t, 1, report.Failed)
	assert.False(t, h.queue.Has(path))
	assert.Empty(t, h.store.Puts())

	terminal := h.recorder.TerminalFailures()
	require.Len(t, terminal, 1)
	assert.Equal(t, metrics.ReasonPermanent, terminal[0].Reason)
}

func TestExistingKeyIsNeverOverwritten(t *testing.T) {
	h := newHarness(t)
	path := h.enqueue(t, "can.log.1", "new content")
	natural := objectstore.BuildKey("test-vehicle", h.clock, "can", path)
	h.store.Seed(natural, []byte("earlier upload"))

	report := h.exec.RunCycle(context.Background())
	require.Equal(t, 1, report.Uploaded)

	obj, ok := h.store.Object(natural)
	require.True(t, ok)
	assert.Equal(t, "earlier upload", string(obj.Data))

	successes := h.recorder.Successes()
	require.Len(t, successes, 1)
	assert.NotEqual(t, natural, successes[0].Key)
	stored, ok := h.store.Object(successes[0].Key)
	require.True(t, ok)
	assert.Equal(t, "new content", string(stored.Data))
}

func TestUploadMarksFileForDeferredDeletion(t *testing.T) {
	h := newHarness(t)
	path := h.enqueue(t, "can.log.1", "payload")

	h.exec.RunCycle(context.Background())

	mark, ok, err := h.marks.Get(context.Background(), path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, h.clock.Add(7*24*time.Hour), mark.EligibleAfter)
}

func TestDeferredDisabledSkipsMarks(t *testing.T) {
	h := newHarness(t, testsupport.WithConfig(func(c *config.Config) {
		c.Retention.Deferred.Enabled = false
	}))
	h.enqueue(t, "can.log.1", "payload")
	h.exec.RunCycle(context.Background())

	n, err := h.marks.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSingleFlightAcrossOverlappingCycles(t *testing.T) {
	h := newHarness(t)
	path := h.enqueue(t, "slow.log", "slow")

	started := make(chan struct{})
	release := make(chan struct{})
	h.store.OnPut(func(context.Context, string) error {
		close(started)
		<-release
		return nil
	})

	done := make(chan uploader.CycleReport)
	go func() { done <- h.exec.RunCycle(context.Background()) }()
	<-started

	assert.True(t, h.exec.InFlight(path))
	overlap := h.exec.RunCycle(context.Background())
	assert.Zero(t, overlap.Attempted)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Uploaded)
	assert.False(t, h.exec.InFlight(path))
	assert.Len(t, h.store.Puts(), 1)
}

func TestShutdownLeavesEntryUntouched(t *testing.T) {
	h := newHarness(t, testsupport.WithConfig(func(c *config.Config) {
		c.Upload.ShutdownGraceSeconds = 0
	}))
	path := h.enqueue(t, "big.log", "bytes")

	ctx, cancel := context.WithCancel(context.Background())
	h.store.OnPut(func(putCtx context.Context, _ string) error {
		cancel()
		<-putCtx.Done()
		return putCtx.Err()
	})

	report := h.exec.RunCycle(ctx)
	assert.Equal(t, 1, report.Canceled)

	entry, ok := h.queue.Get(path)
	require.True(t, ok)
	assert.Zero(t, entry.Attempts)
	assert.Empty(t, h.recorder.Failures())
}

func TestBackoffDefersRetries(t *testing.T) {
	h := newHarness(t, testsupport.WithConfig(func(c *config.Config) {
		c.Upload.BaseRetrySeconds = 30
	}))
	h.enqueue(t, "flaky.log", "x")
	h.store.OnPut(func(context.Context, string) error { return errors.New("timeout") })

	first := h.exec.RunCycle(context.Background())
	assert.Equal(t, 1, first.Retried)

	h.clock = h.clock.Add(10 * time.Second)
	assert.Zero(t, h.exec.RunCycle(context.Background()).Attempted)

	// 30s doubled once plus at most 25% jitter.
	h.clock = h.clock.Add(80 * time.Second)
	assert.Equal(t, 1, h.exec.RunCycle(context.Background()).Attempted)
}

func TestDrainStopsWhenNothingIsDue(t *testing.T) {
	h := newHarness(t)
	for _, name := range []string{"a.log", "b.log", "c.log"} {
		h.enqueue(t, name, name)
	}
	total := h.exec.Drain(context.Background())
	assert.Equal(t, 3, total.Uploaded)
	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, 0, h.recorder.Totals().QueueDepth)
}

func TestVanishedTwinDoesNotFailSurvivor(t *testing.T) {
	h := newHarness(t, testsupport.WithConfig(func(c *config.Config) {
		c.Upload.Concurrency = 2
	}))
	a := h.enqueue(t, "a.log", "identical frames")
	b := h.enqueue(t, "b.log", "identical frames")

	// The first path to reach the store loses its file while its twin waits
	// on the shared transfer.
	var (
		once    sync.Once
		removed string
	)
	h.store.OnStat(func(key string) {
		once.Do(func() {
			removed = h.source(filepath.Base(key))
			assert.NoError(t, os.Remove(removed))
			time.Sleep(50 * time.Millisecond)
		})
	})

	h.exec.RunCycle(context.Background())

	require.Contains(t, []string{a, b}, removed)
	survivor := a
	if removed == a {
		survivor = b
	}
	_, err := os.Stat(survivor)
	require.NoError(t, err)
	assert.False(t, h.queue.Has(survivor), "survivor should be uploaded and dequeued")
	assert.False(t, h.queue.Has(removed))

	count, err := h.registry.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.Len(t, h.store.Puts(), 1)
	assert.Equal(t, filepath.Base(survivor), filepath.Base(h.store.Puts()[0]))

	terminal := h.recorder.TerminalFailures()
	require.Len(t, terminal, 1)
	assert.Equal(t, removed, terminal[0].Path)
	assert.Equal(t, metrics.ReasonPermanent, terminal[0].Reason)
}

func TestRegisteredContentWithLiveEntryIsDeduplicated(t *testing.T) {
	h := newHarness(t)
	path := h.enqueue(t, "can.log.1", "payload")
	_, err := h.registry.Record(context.Background(), registry.Entry{
		Hash: digest("payload"),
		Path: path,
		Key:  "test-vehicle/2026-06-01/can/can.log.1",
		Size: 7,
	})
	require.NoError(t, err)

	report := h.exec.RunCycle(context.Background())
	assert.Equal(t, 1, report.Deduplicated)
	assert.Empty(t, h.store.Puts())
	assert.False(t, h.queue.Has(path))

	_, marked, err := h.marks.Get(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, marked)
}

func TestStoredObjectWithoutRegistryRowIsNotUploadedAgain(t *testing.T) {
	h := newHarness(t)
	path := h.enqueue(t, "can.log.1", "payload")
	natural := objectstore.BuildKey("test-vehicle", h.clock, "can", path)
	_, err := h.store.Put(context.Background(), natural, objectstore.Object{
		Body:   strings.NewReader("payload"),
		Size:   7,
		SHA256: digest("payload"),
	})
	require.NoError(t, err)

	report := h.exec.RunCycle(context.Background())
	assert.Equal(t, 1, report.Deduplicated)
	assert.Equal(t, []string{natural}, h.store.Puts())
	assert.Equal(t, []string{natural}, h.store.Keys())

	entry, found, err := h.registry.Lookup(context.Background(), digest("payload"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, natural, entry.Key)
	assert.False(t, h.queue.Has(path))
}

func TestRegistryWriteFailureRetriesWithoutSecondUpload(t *testing.T) {
	h := newHarness(t)
	reg := &flakyRegistry{Memory: h.registry, failures: 1}
	h.useRegistry(t, reg)
	path := h.enqueue(t, "can.log.1", "payload")

	first := h.exec.RunCycle(context.Background())
	assert.Equal(t, 1, first.Retried)
	entry, ok := h.queue.Get(path)
	require.True(t, ok)
	assert.Zero(t, entry.Attempts)
	assert.Equal(t, 1, h.recorder.ErrorCount("uploader", "registry_record"))

	second := h.exec.RunCycle(context.Background())
	assert.Equal(t, 1, second.Deduplicated)
	assert.Zero(t, second.Uploaded)
	assert.Len(t, h.store.Puts(), 1)
	assert.Len(t, h.store.Keys(), 1)
	assert.False(t, h.queue.Has(path))

	count, err := h.registry.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
