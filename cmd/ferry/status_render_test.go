package main

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"ferry/internal/ipc"
	"ferry/internal/retention"
	"ferry/internal/uploader"
)

func TestRenderStatusLineNoColor(t *testing.T) {
	got := renderStatusLine("Ferry", statusError, "Not running", false)
	want := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Ferry:", "[ERROR] Not running")
	if got != want {
		t.Fatalf("renderStatusLine mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestRenderStatusLineWithColor(t *testing.T) {
	got := renderStatusLine("Ferry", statusOK, "Running", true)
	if !strings.HasPrefix(got, ansiGreen) {
		t.Fatalf("expected green prefix, got %q", got)
	}
	if !strings.HasSuffix(got, ansiReset) {
		t.Fatalf("expected reset suffix, got %q", got)
	}
}

func TestRenderStatusSections(t *testing.T) {
	st := &ipc.StatusResponse{
		Running:    true,
		PID:        4242,
		VehicleID:  "truck-7",
		Backend:    "s3",
		Bucket:     "fleet-logs",
		StartedAt:  time.Now().Add(-time.Hour),
		QueueDepth: 3,
		LastCycle: uploader.CycleReport{
			Started:  time.Now().Add(-time.Minute),
			Uploaded: 2,
			Failed:   1,
			Bytes:    2048,
		},
		LastRetention: []retention.Result{
			{Pass: retention.PassDeferred, FilesDeleted: 4, BytesFreed: 4096},
			{Pass: retention.PassAgeBased, Disabled: true},
			{Pass: retention.PassEmergency, Triggered: true, Exhausted: true, UsageBefore: 97, UsageAfter: 95.5},
		},
	}
	out := strings.Join(renderStatus(st, false), "\n")

	requireContains(t, out, "== Daemon ==")
	requireContains(t, out, "[OK] Running (pid 4242")
	requireContains(t, out, "s3://fleet-logs")
	requireContains(t, out, "[INFO] 3")
	requireContains(t, out, "[WARN]")
	requireContains(t, out, "2 uploaded")
	requireContains(t, out, "4 deleted, 4.1 kB freed")
	requireContains(t, out, "[INFO] disabled")
	requireContains(t, out, "usage 97.0% -> 95.5%; nothing left to delete")
}

func TestRenderStatusNotRunning(t *testing.T) {
	lines := renderStatus(&ipc.StatusResponse{}, false)
	if !strings.Contains(lines[2], "[ERROR] Not running") {
		t.Fatalf("expected not running line, got %q", lines[2])
	}
	out := strings.Join(lines, "\n")
	requireContains(t, out, "never")
	if strings.Contains(out, "Last cycle") {
		t.Fatalf("expected no last cycle line before any cycle ran:\n%s", out)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("  short  ", 10); got != "short" {
		t.Fatalf("truncate short = %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Fatalf("truncate long = %q", got)
	}
}

func TestRenderTablePadsShortRows(t *testing.T) {
	got := renderTable([]column{{title: "File"}, {title: "Size", right: true}}, [][]string{{"can.log.1"}})
	if !strings.Contains(got, "can.log.1") || !strings.Contains(got, "SIZE") {
		t.Fatalf("unexpected table:\n%s", got)
	}
	if renderTable(nil, [][]string{{"x"}}) != "" {
		t.Fatal("expected empty output without columns")
	}
}
