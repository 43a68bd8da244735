package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Options describes logger construction parameters.
type Options struct {
	Level  string
	Format string
	// Outputs lists destinations: "stdout", "stderr" or a file path. Files
	// are opened for append; a repeated destination is written once.
	// Empty means stdout.
	Outputs []string
	// Source adds file:line to records. Debug level always includes it.
	Source bool
}

// New constructs a slog logger. The returned close func releases the log
// files New opened; it never closes stdout or stderr.
func New(opts Options) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(parseLevel(opts.Level))
	addSource := opts.Source || level.Level() <= slog.LevelDebug

	var build func(io.Writer, *slog.LevelVar, bool) slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "console":
		build = newPrettyHandler
	case "json":
		build = newJSONHandler
	default:
		return nil, nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}

	out, files, err := openOutputs(opts.Outputs)
	if err != nil {
		return nil, nil, err
	}
	closeFiles := func() error {
		var errs []error
		for _, f := range files {
			errs = append(errs, f.Close())
		}
		return errors.Join(errs...)
	}
	return slog.New(build(out, level, addSource)), closeFiles, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openOutputs resolves destinations into one writer plus the files it opened.
func openOutputs(destinations []string) (io.Writer, []*os.File, error) {
	var (
		writers []io.Writer
		files   []*os.File
	)
	seen := make(map[string]bool)
	for _, dest := range destinations {
		dest = strings.TrimSpace(dest)
		if dest == "" || seen[dest] {
			continue
		}
		seen[dest] = true

		switch dest {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				closeAll(files)
				return nil, nil, fmt.Errorf("create log directory for %s: %w", dest, err)
			}
			f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				closeAll(files)
				return nil, nil, fmt.Errorf("open log file %s: %w", dest, err)
			}
			files = append(files, f)
			writers = append(writers, f)
		}
	}

	switch len(writers) {
	case 0:
		return os.Stdout, nil, nil
	case 1:
		return writers[0], files, nil
	default:
		return io.MultiWriter(writers...), files, nil
	}
}

func closeAll(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
