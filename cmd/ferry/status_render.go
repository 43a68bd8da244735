package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"ferry/internal/ipc"
	"ferry/internal/retention"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 20
	statusIndent     = "  "
)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func renderStatus(st *ipc.StatusResponse, colorize bool) []string {
	lines := renderSectionHeader("Daemon", colorize)
	if st.Running {
		lines = append(lines, renderStatusLine("Ferry", statusOK, fmt.Sprintf("Running (pid %d, up since %s)", st.PID, humanize.Time(st.StartedAt)), colorize))
	} else {
		lines = append(lines, renderStatusLine("Ferry", statusError, "Not running", colorize))
	}
	lines = append(lines,
		renderStatusLine("Vehicle", statusInfo, st.VehicleID, colorize),
		renderStatusLine("Storage", statusInfo, fmt.Sprintf("%s://%s", st.Backend, st.Bucket), colorize),
		renderStatusLine("Connectivity watch", boolKind(st.Connectivity, statusInfo), yesNo(st.Connectivity), colorize),
		"",
	)

	lines = append(lines, renderSectionHeader("Uploads", colorize)...)
	queueKind := statusOK
	if st.QueueDepth > 0 {
		queueKind = statusInfo
	}
	lines = append(lines,
		renderStatusLine("Queue depth", queueKind, humanize.Comma(int64(st.QueueDepth)), colorize),
		renderStatusLine("Awaiting stability", statusInfo, humanize.Comma(int64(st.PendingDiscovery)), colorize),
		renderStatusLine("Schedule", statusInfo, st.Schedule.Cadence, colorize),
		renderStatusLine("Next scheduled", statusInfo, relative(st.Schedule.NextScheduled), colorize),
		renderStatusLine("Window open", boolKind(st.Schedule.WindowOpen, statusWarn), yesNo(st.Schedule.WindowOpen), colorize),
	)
	if st.Schedule.Uploading {
		lines = append(lines, renderStatusLine("Cycle", statusInfo, "in progress", colorize))
	}
	if !st.LastCycle.Started.IsZero() {
		c := st.LastCycle
		kind := statusOK
		if c.Failed > 0 {
			kind = statusWarn
		}
		lines = append(lines, renderStatusLine("Last cycle", kind, fmt.Sprintf("%s: %d uploaded, %d deduplicated, %d retried, %d failed (%s)",
			relative(c.Started), c.Uploaded, c.Deduplicated, c.Retried, c.Failed, humanize.Bytes(uint64(max(c.Bytes, 0)))), colorize))
	}
	t := st.Totals
	lines = append(lines,
		renderStatusLine("Since start", statusInfo, fmt.Sprintf("%d uploaded (%s), %d deduplicated, %d terminal failures",
			t.Uploaded, humanize.Bytes(uint64(max(t.BytesUploaded, 0))), t.Deduplicated, t.TerminalFailed), colorize),
		renderStatusLine("Registry entries", statusInfo, humanize.Comma(int64(st.RegistryEntries)), colorize),
		"",
	)

	lines = append(lines, renderSectionHeader("Retention", colorize)...)
	lines = append(lines, renderStatusLine("Pending deletions", statusInfo, humanize.Comma(int64(st.PendingMarks)), colorize))
	for _, r := range st.LastRetention {
		lines = append(lines, renderStatusLine(passLabel(r.Pass), retentionKind(r), retentionSummary(r), colorize))
	}
	return lines
}

func retentionKind(r retention.Result) statusKind {
	switch {
	case r.Disabled:
		return statusInfo
	case r.Exhausted:
		return statusError
	case r.Errors > 0 || r.Triggered:
		return statusWarn
	default:
		return statusOK
	}
}

func boolKind(ok bool, otherwise statusKind) statusKind {
	if ok {
		return statusOK
	}
	return otherwise
}

func relative(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func passLabel(pass string) string {
	switch pass {
	case retention.PassDeferred:
		return "Deferred pass"
	case retention.PassAgeBased:
		return "Age-based pass"
	case retention.PassEmergency:
		return "Emergency pass"
	default:
		return pass
	}
}

func retentionSummary(r retention.Result) string {
	if r.Disabled {
		return "disabled"
	}
	msg := fmt.Sprintf("%d deleted, %s freed, %d skipped, %d errors",
		r.FilesDeleted, humanize.Bytes(uint64(max(r.BytesFreed, 0))), r.Skipped, r.Errors)
	if r.Pass == retention.PassEmergency && (r.Triggered || r.UsageBefore > 0) {
		msg += fmt.Sprintf(" (usage %.1f%% -> %.1f%%)", r.UsageBefore, r.UsageAfter)
	}
	if r.Exhausted {
		msg += "; nothing left to delete"
	}
	return msg
}
