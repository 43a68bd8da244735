package daemon_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferry/internal/config"
	"ferry/internal/daemon"
	"ferry/internal/discovery"
	"ferry/internal/logging"
	"ferry/internal/metrics"
	"ferry/internal/objectstore"
	"ferry/internal/retention"
	"ferry/internal/schedule"
	"ferry/internal/testsupport"
)

func openDaemon(t *testing.T, cfg *config.Config, store *objectstore.Memory, extra ...daemon.Option) *daemon.Daemon {
	t.Helper()
	opts := append([]daemon.Option{
		daemon.WithObjectStore(store),
		daemon.WithUsageProbe(retention.UsageFunc(func(context.Context, string) (float64, error) { return 10, nil })),
		daemon.WithDiscoveryOptions(discovery.WithStability(50*time.Millisecond), discovery.WithTick(10*time.Millisecond)),
		daemon.WithScheduleOptions(schedule.WithCadence(schedule.Interval{Every: time.Hour})),
	}, extra...)
	d, err := daemon.Open(context.Background(), cfg, logging.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDaemonDiscoversAndUploads(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := objectstore.NewMemory(0)
	d := openDaemon(t, cfg, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	assert.Error(t, d.Start(ctx), "second start must fail")

	path := filepath.Join(cfg.Sources[0].Dir, "can.log.1")
	testsupport.WriteFile(t, path, 512)

	require.Eventually(t, func() bool { return len(d.ListQueue()) == 1 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, d.UploadNow(true))
	require.Eventually(t, func() bool { return len(store.Keys()) == 1 && len(d.ListQueue()) == 0 },
		3*time.Second, 10*time.Millisecond)

	key := store.Keys()[0]
	assert.Contains(t, key, "test-vehicle/")
	assert.Contains(t, key, "/can/can.log.1")

	status := d.Status(ctx)
	assert.True(t, status.Running)
	assert.Equal(t, 1, status.RegistryEntries)
	assert.Equal(t, 1, status.PendingMarks)
	assert.Equal(t, 1, status.Totals.Uploaded)

	d.Stop()
	assert.False(t, d.Status(ctx).Running)
	assert.Error(t, d.UploadNow(false))
}

func TestDaemonIsSingleInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	openDaemon(t, cfg, objectstore.NewMemory(0))

	_, err := daemon.Open(context.Background(), cfg, logging.NewNop(), daemon.WithObjectStore(objectstore.NewMemory(0)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestAddFileInfersSourceTag(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := openDaemon(t, cfg, objectstore.NewMemory(0))

	inSource := filepath.Join(cfg.Sources[0].Dir, "can.log.7")
	outside := filepath.Join(testsupport.BaseDir(cfg), "adhoc.bin")
	testsupport.WriteFile(t, inSource, 8)
	testsupport.WriteFile(t, outside, 8)

	entry, created, err := d.AddFile(inSource, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "can", entry.SourceTag)

	entry, _, err = d.AddFile(outside, "")
	require.NoError(t, err)
	assert.Equal(t, daemon.ManualSourceTag, entry.SourceTag)

	_, _, err = d.AddFile(filepath.Join(testsupport.BaseDir(cfg), "missing"), "")
	assert.Error(t, err)
}

func TestAddFileTagsDotPrefixedNames(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := openDaemon(t, cfg, objectstore.NewMemory(0))

	path := filepath.Join(cfg.Sources[0].Dir, "..frames.log")
	testsupport.WriteFile(t, path, 8)

	entry, _, err := d.AddFile(path, "")
	require.NoError(t, err)
	assert.Equal(t, "can", entry.SourceTag)
}

func TestRejectedEnqueuesAreCounted(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	rec := metrics.NewRecorder()
	d := openDaemon(t, cfg, objectstore.NewMemory(0), daemon.WithSink(rec))

	_, _, err := d.AddFile(cfg.Sources[0].Dir, "")
	require.Error(t, err)
	_, _, err = d.AddFile(filepath.Join(cfg.Sources[0].Dir, "missing.log"), "")
	require.Error(t, err)
	_, _, err = d.AddFile("   ", "")
	require.Error(t, err)

	assert.Equal(t, 3, rec.ErrorCount("queue", "enqueue_rejected"))
	assert.Empty(t, d.ListQueue())
}

func TestDiscoveryTriggersUploadInsideWindow(t *testing.T) {
	tests := []struct {
		name     string
		hour     int
		uploaded bool
	}{
		{"inside operational hours", 12, true},
		{"outside operational hours", 22, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testsupport.NewConfig(t, testsupport.WithConfig(func(c *config.Config) {
				c.Schedule.UploadOnDiscovery = true
				c.Schedule.OperationalHours = config.OperationalHours{Enabled: true, Start: "08:00", End: "20:00"}
			}))
			store := objectstore.NewMemory(0)
			clock := time.Date(2026, 6, 1, tc.hour, 0, 0, 0, time.Local)
			d := openDaemon(t, cfg, store, daemon.WithScheduleOptions(
				schedule.WithClock(func() time.Time { return clock }),
			))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			require.NoError(t, d.Start(ctx))

			testsupport.WriteFile(t, filepath.Join(cfg.Sources[0].Dir, "can.log.1"), 64)

			if tc.uploaded {
				require.Eventually(t, func() bool { return len(store.Keys()) == 1 && len(d.ListQueue()) == 0 },
					3*time.Second, 10*time.Millisecond)
				return
			}
			require.Eventually(t, func() bool { return len(d.ListQueue()) == 1 }, 3*time.Second, 10*time.Millisecond)
			assert.Never(t, func() bool { return len(store.Keys()) > 0 }, 300*time.Millisecond, 20*time.Millisecond)
		})
	}
}

func TestRunRetentionRecordsResults(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := openDaemon(t, cfg, objectstore.NewMemory(0))

	results, err := d.RunRetention(context.Background(), retention.PassAll)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Len(t, d.Status(context.Background()).LastRetention, 3)

	_, err = d.RunRetention(context.Background(), "bogus")
	assert.ErrorIs(t, err, retention.ErrUnknownPass)
}
