package discovery_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferry/internal/config"
	"ferry/internal/discovery"
	"ferry/internal/testsupport"
)

func startWatcher(t *testing.T, cfg *config.Config, opts ...discovery.Option) *discovery.Watcher {
	t.Helper()
	opts = append([]discovery.Option{
		discovery.WithStability(100 * time.Millisecond),
		discovery.WithTick(10 * time.Millisecond),
	}, opts...)
	w := discovery.New(cfg, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return w
}

func next(t *testing.T, w *discovery.Watcher) discovery.Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for discovery event")
		return discovery.Event{}
	}
}

func assertQuiet(t *testing.T, w *discovery.Watcher, d time.Duration) {
	t.Helper()
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(d):
	}
}

func TestStartupScanEmitsExistingFiles(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	path := filepath.Join(cfg.Sources[0].Dir, "can.log.1")
	testsupport.WriteFile(t, path, 64)
	testsupport.WriteFile(t, filepath.Join(cfg.Sources[0].Dir, "notes.txt"), 64)

	w := startWatcher(t, cfg)

	ev := next(t, w)
	assert.Equal(t, path, ev.Path)
	assert.Equal(t, "can", ev.SourceTag)
	assertQuiet(t, w, 300*time.Millisecond)
}

func TestStartupScanDisabled(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithConfig(func(c *config.Config) {
		c.Discovery.ScanOnStart = false
	}))
	testsupport.WriteFile(t, filepath.Join(cfg.Sources[0].Dir, "can.log.1"), 64)

	w := startWatcher(t, cfg)
	assertQuiet(t, w, 300*time.Millisecond)
}

func TestNewFileEmittedOnceStable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	w := startWatcher(t, cfg)
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(cfg.Sources[0].Dir, "can.log.2")
	f, err := os.Create(path)
	require.NoError(t, err)
	// Keep growing the file for longer than the stability window.
	for range 5 {
		_, err := f.Write([]byte("frame\n"))
		require.NoError(t, err)
		select {
		case ev := <-w.Events():
			t.Fatalf("file emitted while still growing: %+v", ev)
		case <-time.After(60 * time.Millisecond):
		}
	}
	require.NoError(t, f.Close())

	ev := next(t, w)
	assert.Equal(t, path, ev.Path)
	assertQuiet(t, w, 250*time.Millisecond)
}

func TestRecursiveSourcePicksUpNewSubdirectories(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSource("sys", true, "*.log"))
	sys := cfg.Sources[1].Dir
	w := startWatcher(t, cfg)
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(sys, "2026", "05", "kernel.log")
	testsupport.WriteFile(t, path, 10)

	ev := next(t, w)
	assert.Equal(t, path, ev.Path)
	assert.Equal(t, "sys", ev.SourceTag)
}

func TestNonRecursiveSourceIgnoresSubdirectories(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.WriteFile(t, filepath.Join(cfg.Sources[0].Dir, "old", "can.log.9"), 10)
	w := startWatcher(t, cfg)
	time.Sleep(50 * time.Millisecond)

	testsupport.WriteFile(t, filepath.Join(cfg.Sources[0].Dir, "nested", "can.log.3"), 10)
	assertQuiet(t, w, 400*time.Millisecond)
}

func TestRemovedCandidateIsDropped(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	w := startWatcher(t, cfg, discovery.WithStability(300*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(cfg.Sources[0].Dir, "can.log.4")
	testsupport.WriteFile(t, path, 10)
	require.Eventually(t, func() bool { return w.Pending() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, os.Remove(path))

	assertQuiet(t, w, 500*time.Millisecond)
	assert.Zero(t, w.Pending())
}

func TestMissingSourceDirectoryIsNotFatal(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Sources = append(cfg.Sources, config.Source{
		Tag:      "gone",
		Dir:      filepath.Join(testsupport.BaseDir(cfg), "does-not-exist"),
		Patterns: []string{"*"},
	})
	path := filepath.Join(cfg.Sources[0].Dir, "can.log.5")
	testsupport.WriteFile(t, path, 10)

	w := startWatcher(t, cfg)
	assert.Equal(t, path, next(t, w).Path)
}
