package retention_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferry/internal/config"
	"ferry/internal/marks"
	"ferry/internal/metrics"
	"ferry/internal/queue"
	"ferry/internal/retention"
	"ferry/internal/testsupport"
)

const day = 24 * time.Hour

type flights map[string]bool

func (f flights) InFlight(path string) bool { return f[path] }

// fakeDisk reports a floor plus a fixed weight for every weighted file that
// still exists, so deletions lower usage deterministically.
type fakeDisk struct {
	floor   float64
	weights map[string]float64
}

func (d *fakeDisk) UsedPercent(context.Context, string) (float64, error) {
	used := d.floor
	for path, w := range d.weights {
		if _, err := os.Stat(path); err == nil {
			used += w
		}
	}
	return used, nil
}

type harness struct {
	cfg      *config.Config
	queue    *queue.Store
	marks    *marks.Memory
	flights  flights
	disk     *fakeDisk
	recorder *metrics.Recorder
	engine   *retention.Engine
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	h := &harness{
		cfg:      testsupport.NewConfig(t, opts...),
		queue:    queue.NewMemory(),
		marks:    marks.NewMemory(),
		flights:  flights{},
		disk:     &fakeDisk{weights: map[string]float64{}},
		recorder: metrics.NewRecorder(),
	}
	engine, err := retention.New(h.cfg, retention.Deps{
		Queue:    h.queue,
		InFlight: h.flights,
		Marks:    h.marks,
		Usage:    h.disk,
		Sink:     h.recorder,
	})
	require.NoError(t, err)
	h.engine = engine
	return h
}

func (h *harness) file(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	testsupport.WriteFile(t, path, 100)
	testsupport.Age(t, path, age)
	return path
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func TestEmergencyStopsOnceBelowThreshold(t *testing.T) {
	h := newHarness(t)
	dir := h.cfg.Sources[0].Dir
	oldest := h.file(t, dir, "a.log", 10*day)
	middle := h.file(t, dir, "b.log", 5*day)
	newest := h.file(t, dir, "c.log", 1*day)
	h.disk.floor = 83
	for _, p := range []string{oldest, middle, newest} {
		h.disk.weights[p] = 3
	}

	res := h.engine.Emergency(context.Background())

	assert.True(t, res.Triggered)
	assert.InDelta(t, 92, res.UsageBefore, 0.001)
	assert.InDelta(t, 89, res.UsageAfter, 0.001)
	assert.Equal(t, 1, res.FilesDeleted)
	assert.Equal(t, int64(100), res.BytesFreed)
	assert.False(t, res.Exhausted)
	assert.False(t, exists(oldest))
	assert.True(t, exists(middle))
	assert.True(t, exists(newest))

	events := h.recorder.Emergencies()
	require.Len(t, events, 1)
	assert.True(t, events[0].Resolved)
}

func TestEmergencyDeletesOldestFirstAcrossSources(t *testing.T) {
	h := newHarness(t, testsupport.WithSource("sys", false, "*.log"))
	canDir, sysDir := h.cfg.Sources[0].Dir, h.cfg.Sources[1].Dir
	tenDays := h.file(t, sysDir, "x.log", 10*day)
	fiveDays := h.file(t, canDir, "y.log", 5*day)
	oneDay := h.file(t, sysDir, "z.log", 1*day)
	h.disk.floor = 87
	for _, p := range []string{tenDays, fiveDays, oneDay} {
		h.disk.weights[p] = 2
	}
	// Queued files are fair game in an emergency.
	_, _, err := h.queue.Enqueue(fiveDays, "can")
	require.NoError(t, err)

	res := h.engine.Emergency(context.Background())

	assert.Equal(t, 2, res.FilesDeleted)
	assert.False(t, exists(tenDays))
	assert.False(t, exists(fiveDays))
	assert.True(t, exists(oneDay))
	assert.Less(t, res.UsageAfter, 90.0)
}

func TestEmergencyExhaustedReportsUnresolved(t *testing.T) {
	h := newHarness(t)
	dir := h.cfg.Sources[0].Dir
	a := h.file(t, dir, "a.log", 3*day)
	b := h.file(t, dir, "b.log", 2*day)
	h.disk.floor = 95
	h.disk.weights[a], h.disk.weights[b] = 1, 1

	res := h.engine.Emergency(context.Background())

	assert.Equal(t, 2, res.FilesDeleted)
	assert.True(t, res.Exhausted)
	assert.InDelta(t, 95, res.UsageAfter, 0.001)
	events := h.recorder.Emergencies()
	require.Len(t, events, 1)
	assert.False(t, events[0].Resolved)
}

func TestEmergencyBelowThresholdDoesNothing(t *testing.T) {
	h := newHarness(t)
	path := h.file(t, h.cfg.Sources[0].Dir, "a.log", 100*day)
	h.disk.floor = 50

	res := h.engine.Emergency(context.Background())
	assert.False(t, res.Triggered)
	assert.Zero(t, res.FilesDeleted)
	assert.True(t, exists(path))
	assert.Empty(t, h.recorder.Emergencies())
}

func TestEmergencySkipsInFlightFiles(t *testing.T) {
	h := newHarness(t)
	dir := h.cfg.Sources[0].Dir
	busy := h.file(t, dir, "busy.log", 9*day)
	idle := h.file(t, dir, "idle.log", 1*day)
	h.flights[busy] = true
	h.disk.floor = 85
	h.disk.weights[busy], h.disk.weights[idle] = 5, 5

	res := h.engine.Emergency(context.Background())
	assert.Equal(t, 1, res.Skipped)
	assert.True(t, exists(busy))
	assert.False(t, exists(idle))
}

func TestAgeBasedStaysInsideItsDirectory(t *testing.T) {
	h := newHarness(t, testsupport.WithSource("sys", false, "*.log"))
	canDir, sysDir := h.cfg.Sources[0].Dir, h.cfg.Sources[1].Dir
	base := testsupport.BaseDir(h.cfg)

	oldCan := h.file(t, canDir, "x.log", 40*day)
	newSys := h.file(t, sysDir, "x.log", 1*day)
	outside := h.file(t, filepath.Join(base, "sources", "other"), "x.log", 40*day)
	link := filepath.Join(canDir, "link.log")
	require.NoError(t, os.Symlink(outside, link))

	res := h.engine.AgeBased(context.Background())

	assert.Equal(t, 1, res.FilesDeleted)
	assert.False(t, exists(oldCan))
	assert.True(t, exists(newSys))
	assert.True(t, exists(outside))
	assert.True(t, exists(link))
}

func TestAgeBasedSkipsQueuedAndUnmatched(t *testing.T) {
	h := newHarness(t)
	dir := h.cfg.Sources[0].Dir
	queued := h.file(t, dir, "queued.log", 40*day)
	other := h.file(t, dir, "notes.txt", 40*day)
	_, _, err := h.queue.Enqueue(queued, "can")
	require.NoError(t, err)

	res := h.engine.AgeBased(context.Background())
	assert.Zero(t, res.FilesDeleted)
	assert.Equal(t, 1, res.Skipped)
	assert.True(t, exists(queued))
	assert.True(t, exists(other))
}

func TestAgeBasedRecursion(t *testing.T) {
	flat := newHarness(t)
	nested := flat.file(t, filepath.Join(flat.cfg.Sources[0].Dir, "sub"), "old.log", 40*day)
	flat.engine.AgeBased(context.Background())
	assert.True(t, exists(nested), "non-recursive source must not descend")

	deep := newHarness(t, testsupport.WithConfig(func(c *config.Config) {
		c.Sources[0].Recursive = true
	}))
	nested = deep.file(t, filepath.Join(deep.cfg.Sources[0].Dir, "sub"), "old.log", 40*day)
	deep.engine.AgeBased(context.Background())
	assert.False(t, exists(nested))
}

func TestAgeBasedConsumesMarks(t *testing.T) {
	h := newHarness(t)
	path := h.file(t, h.cfg.Sources[0].Dir, "old.log", 40*day)
	_, err := h.marks.Mark(context.Background(), marks.Mark{Path: path, EligibleAfter: time.Now().Add(day)})
	require.NoError(t, err)

	h.engine.AgeBased(context.Background())
	n, err := h.marks.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeferredDeletesExpiredMarks(t *testing.T) {
	h := newHarness(t)
	dir := h.cfg.Sources[0].Dir
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	expired := h.file(t, dir, "expired.log", 0)
	queued := h.file(t, dir, "queued.log", 0)
	pending := h.file(t, dir, "pending.log", 0)
	gone := filepath.Join(dir, "gone.log")
	_, _, err := h.queue.Enqueue(queued, "can")
	require.NoError(t, err)
	for _, p := range []string{expired, queued, gone} {
		_, err := h.marks.Mark(ctx, marks.Mark{Path: p, EligibleAfter: past})
		require.NoError(t, err)
	}
	_, err = h.marks.Mark(ctx, marks.Mark{Path: pending, EligibleAfter: time.Now().Add(day)})
	require.NoError(t, err)

	res := h.engine.Deferred(ctx)

	assert.Equal(t, 1, res.FilesDeleted)
	assert.Equal(t, 2, res.Skipped)
	assert.False(t, exists(expired))
	assert.True(t, exists(queued))
	assert.True(t, exists(pending))

	remaining, err := h.marks.List(ctx)
	require.NoError(t, err)
	var paths []string
	for _, m := range remaining {
		paths = append(paths, m.Path)
	}
	assert.ElementsMatch(t, []string{queued, pending}, paths)
}

func TestDeleteErrorsDoNotAbortPass(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	h := newHarness(t, testsupport.WithSource("sys", false, "*.log"))
	locked := h.file(t, h.cfg.Sources[0].Dir, "locked.log", 40*day)
	free := h.file(t, h.cfg.Sources[1].Dir, "free.log", 40*day)
	require.NoError(t, os.Chmod(h.cfg.Sources[0].Dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(h.cfg.Sources[0].Dir, 0o755) })

	res := h.engine.AgeBased(context.Background())
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.FilesDeleted)
	assert.True(t, exists(locked))
	assert.False(t, exists(free))
	assert.Equal(t, 1, h.recorder.ErrorCount("retention", "delete"))
}

func TestRunRejectsUnknownPass(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Run(context.Background(), "bogus")
	require.ErrorIs(t, err, retention.ErrUnknownPass)

	results, err := h.engine.Run(context.Background(), retention.PassAll)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestDisabledPassesAreNoOps(t *testing.T) {
	h := newHarness(t, testsupport.WithConfig(func(c *config.Config) {
		c.Retention.AgeBased.Enabled = false
	}))
	path := h.file(t, h.cfg.Sources[0].Dir, "old.log", 400*day)
	res := h.engine.AgeBased(context.Background())
	assert.True(t, res.Disabled)
	assert.True(t, exists(path))
}
