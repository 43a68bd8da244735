package queue_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"ferry/internal/metrics"
	"ferry/internal/queue"
	"ferry/internal/testsupport"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "can.log.1")
	testsupport.WriteFile(t, path, 128)

	q := queue.NewMemory()
	first, created, err := q.Enqueue(path, "can")
	if err != nil || !created {
		t.Fatalf("first enqueue: created=%v err=%v", created, err)
	}
	second, created, err := q.Enqueue(path, "can")
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if created {
		t.Fatal("expected second enqueue to be a no-op")
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("entry changed on re-enqueue (-first +second):\n%s", diff)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", q.Len())
	}
	if first.Size != 128 || first.SourceTag != "can" {
		t.Fatalf("unexpected entry %+v", first)
	}
}

func TestEnqueueRejectsInvalidInput(t *testing.T) {
	dir := t.TempDir()
	q := queue.NewMemory()

	tests := []struct {
		name string
		path string
		want error
	}{
		{"empty", "", queue.ErrInvalidPath},
		{"whitespace", "  \t ", queue.ErrInvalidPath},
		{"directory", dir, queue.ErrIsDirectory},
		{"missing", filepath.Join(dir, "nope.log"), queue.ErrNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, created, err := q.Enqueue(tc.path, "can")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !queue.IsInputError(err) {
				t.Fatalf("expected input error classification for %v", err)
			}
			if created {
				t.Fatal("expected no entry to be created")
			}
		})
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d entries", q.Len())
	}
}

func TestRejectionsAndDropsAreCounted(t *testing.T) {
	dir := t.TempDir()
	rec := metrics.NewRecorder()
	q, err := queue.Open(filepath.Join(dir, "queue.json"), queue.WithSink(rec))
	if err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{"", dir, filepath.Join(dir, "nope.log")} {
		if _, _, err := q.Enqueue(path, "can"); err == nil {
			t.Fatalf("expected %q to be rejected", path)
		}
	}
	if got := rec.ErrorCount("queue", "enqueue_rejected"); got != 3 {
		t.Fatalf("expected 3 counted rejections, got %d", got)
	}

	gone := filepath.Join(dir, "gone.log")
	testsupport.WriteFile(t, gone, 1)
	if _, _, err := q.Enqueue(gone, "can"); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(gone); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := rec.ErrorCount("queue", "reconcile_drop"); got != 1 {
		t.Fatalf("expected 1 counted reconcile drop, got %d", got)
	}
}

func TestDequeueBatchOrderingAndClamp(t *testing.T) {
	dir := t.TempDir()
	clock := newClock()
	q := queue.NewMemory(queue.WithClock(clock.Now))

	names := []string{"c.log", "a.log", "b.log"}
	for _, name := range names {
		path := filepath.Join(dir, name)
		testsupport.WriteFile(t, path, 1)
		if _, _, err := q.Enqueue(path, "sys"); err != nil {
			t.Fatalf("enqueue %s: %v", name, err)
		}
		clock.Advance(time.Second)
	}

	for _, limit := range []int{0, -1, -100} {
		if batch := q.DequeueBatch(limit); batch == nil || len(batch) != 0 {
			t.Fatalf("DequeueBatch(%d) = %v, want empty non-nil", limit, batch)
		}
	}

	batch := q.DequeueBatch(2)
	got := []string{filepath.Base(batch[0].Path), filepath.Base(batch[1].Path)}
	if diff := cmp.Diff([]string{"c.log", "a.log"}, got); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
	if q.Len() != 3 {
		t.Fatal("dequeue must not remove entries")
	}

	// Existence is not checked on dequeue.
	if err := os.Remove(filepath.Join(dir, "c.log")); err != nil {
		t.Fatal(err)
	}
	if all := q.DequeueBatch(10); len(all) != 3 {
		t.Fatalf("expected 3 entries including vanished file, got %d", len(all))
	}

	due := q.DequeueDue(10, func(e queue.Entry) bool { return filepath.Base(e.Path) != "a.log" })
	if len(due) != 2 || filepath.Base(due[1].Path) != "b.log" {
		t.Fatalf("unexpected due batch %+v", due)
	}
}

func TestRecordFailureExhaustsExactlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flaky.log")
	testsupport.WriteFile(t, path, 1)

	var exhausted []queue.Entry
	q := queue.NewMemory(queue.WithExhaustedHook(func(e queue.Entry) { exhausted = append(exhausted, e) }))
	if _, _, err := q.Enqueue(path, "can"); err != nil {
		t.Fatal(err)
	}

	cause := errors.New("timeout")
	for i := 1; i <= 9; i++ {
		entry, done, err := q.RecordFailure(path, cause)
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if done {
			t.Fatalf("exhausted early at attempt %d", i)
		}
		if entry.Attempts != i || entry.LastError != "timeout" {
			t.Fatalf("unexpected entry after attempt %d: %+v", i, entry)
		}
	}
	entry, done, err := q.RecordFailure(path, cause)
	if err != nil || !done {
		t.Fatalf("tenth failure: done=%v err=%v", done, err)
	}
	if entry.Attempts != queue.DefaultMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", queue.DefaultMaxAttempts, entry.Attempts)
	}
	if q.Has(path) {
		t.Fatal("expected exhausted entry to be removed")
	}
	if _, _, err := q.RecordFailure(path, cause); !errors.Is(err, queue.ErrNotQueued) {
		t.Fatalf("expected ErrNotQueued after removal, got %v", err)
	}
	if len(exhausted) != 1 {
		t.Fatalf("expected exactly one exhausted event, got %d", len(exhausted))
	}
}

func TestRemoveIsNoOpForAbsentPath(t *testing.T) {
	q := queue.NewMemory()
	removed, err := q.Remove("/not/queued")
	if err != nil || removed {
		t.Fatalf("expected no-op, removed=%v err=%v", removed, err)
	}
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state", "queue.json")
	clock := newClock()

	q, err := queue.Open(statePath, queue.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var paths []string
	for _, name := range []string{"a.log", "b.log", "c.log"} {
		path := filepath.Join(dir, name)
		testsupport.WriteFile(t, path, 10)
		if _, _, err := q.Enqueue(path, "can"); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, path)
		clock.Advance(time.Minute)
	}
	if _, _, err := q.RecordFailure(paths[1], errors.New("503 slow down")); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Remove(paths[0]); err != nil {
		t.Fatal(err)
	}
	before := q.List()

	// Simulate a crash: drop q without any shutdown step and reopen.
	reopened, err := queue.Open(statePath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if diff := cmp.Diff(before, reopened.List()); diff != "" {
		t.Fatalf("state differs after restart (-before +after):\n%s", diff)
	}
}

func TestOpenRejectsCorruptSnapshot(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "queue.json")
	if err := os.WriteFile(statePath, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := queue.Open(statePath); !errors.Is(err, queue.ErrCorruptSnapshot) {
		t.Fatalf("expected ErrCorruptSnapshot, got %v", err)
	}
}

func TestReconcileDropsVanishedFiles(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "queue.json")
	keep := filepath.Join(dir, "keep.log")
	gone := filepath.Join(dir, "gone.log")
	testsupport.WriteFile(t, keep, 1)
	testsupport.WriteFile(t, gone, 1)

	q, err := queue.Open(statePath)
	if err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{keep, gone} {
		if _, _, err := q.Enqueue(path, "can"); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Remove(gone); err != nil {
		t.Fatal(err)
	}

	dropped, err := q.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if diff := cmp.Diff([]string{gone}, dropped); diff != "" {
		t.Fatalf("unexpected drops (-want +got):\n%s", diff)
	}
	reopened, err := queue.Open(statePath)
	if err != nil {
		t.Fatal(err)
	}
	if !reopened.Has(keep) || reopened.Has(gone) {
		t.Fatalf("reconcile not persisted: %+v", reopened.List())
	}
}
