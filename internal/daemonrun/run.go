package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"ferry/internal/config"
	"ferry/internal/daemon"
	"ferry/internal/ipc"
	"ferry/internal/logging"
	"ferry/internal/objectstore"
	"ferry/internal/preflight"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// ConfigPath is re-validated on SIGHUP.
	ConfigPath string
	// SkipPreflight starts the daemon even when a fatal check fails.
	SkipPreflight bool
}

// Run starts the ferry daemon and blocks until SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("ferry-%s.log", runID))

	level := opts.LogLevel
	if strings.TrimSpace(level) == "" {
		level = cfg.Logging.Level
	}
	logger, closeLogs, err := logging.New(logging.Options{
		Level:   level,
		Format:  cfg.Logging.Format,
		Outputs: []string{"stdout", logPath},
		Source:  opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLogs()
	logger = logger.With(logging.String(logging.FieldRunID, runID))

	if err := ensureCurrentLogPointer(cfg.CurrentLogPath(), logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update ferry.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "ferry-*.log", Exclude: []string{logPath}},
	)
	logConfigSnapshot(logger, cfg)

	store, err := objectstore.New(signalCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create object store: %w", err)
	}
	if err := runPreflight(signalCtx, logger, cfg, store, opts.SkipPreflight); err != nil {
		_ = objectstore.Close(store)
		return err
	}

	d, err := daemon.Open(signalCtx, cfg, logger, daemon.WithObjectStore(store))
	if err != nil {
		_ = objectstore.Close(store)
		return fmt.Errorf("open daemon: %w", err)
	}
	defer d.Close()

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if prom := d.Prometheus(); prom != nil {
		go func() {
			if err := prom.Serve(signalCtx, cfg.Metrics.Listen, logger); err != nil {
				logging.WarnWithContext(logger, "metrics listener stopped", "metrics_listener_failed",
					logging.Error(err),
					logging.String("listen", cfg.Metrics.Listen),
					logging.String(logging.FieldErrorHint, "check metrics.listen for address conflicts"),
					logging.String(logging.FieldImpact, "prometheus scrapes will fail"),
				)
			}
		}()
	}

	if err := d.Start(signalCtx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-signalCtx.Done():
			logger.Info("ferry daemon shutting down",
				logging.String(logging.FieldEventType, "daemon_shutdown"),
				logging.Duration("grace", cfg.ShutdownGrace()),
			)
			d.Stop()
			return nil
		case <-hup:
			revalidate(logger, opts.ConfigPath)
		}
	}
}

// revalidate checks the config file on disk. Policy is never swapped at
// runtime; a restart applies the new file.
func revalidate(logger *slog.Logger, path string) {
	if _, resolved, _, err := config.Load(path); err != nil {
		logging.WarnWithContext(logger, "configuration on disk is invalid", "config_reload_invalid",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "fix the file before restarting the daemon"),
			logging.String(logging.FieldImpact, "running daemon keeps its current configuration"),
		)
	} else {
		logger.Info("configuration on disk is valid; restart to apply changes",
			logging.String(logging.FieldEventType, "config_reload_valid"),
			logging.String(logging.FieldPath, resolved),
		)
	}
}

func runPreflight(ctx context.Context, logger *slog.Logger, cfg *config.Config, store objectstore.Store, skip bool) error {
	results := preflight.RunAll(ctx, cfg, preflight.Options{Store: store})
	for _, r := range results {
		switch {
		case r.Passed:
			logger.Debug("preflight passed", logging.String("check", r.Name), logging.String("detail", r.Detail))
		case r.Warning:
			logging.WarnWithContext(logger, "preflight warning", "preflight_warning",
				logging.String("check", r.Name),
				logging.String("detail", r.Detail),
				logging.String(logging.FieldImpact, "daemon starts in a degraded state"),
			)
		default:
			logging.ErrorWithContext(logger, "preflight failed", "preflight_failed",
				logging.String("check", r.Name),
				logging.String("detail", r.Detail),
			)
		}
	}
	failed := preflight.Failed(results)
	if len(failed) == 0 || skip {
		return nil
	}
	names := make([]string, 0, len(failed))
	for _, r := range failed {
		names = append(names, r.Name)
	}
	return errors.New("preflight failed: " + strings.Join(names, ", "))
}

func ensureCurrentLogPointer(current, target string) error {
	if current == "" || target == "" {
		return nil
	}
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config) {
	tags := make([]string, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		tags = append(tags, src.Tag)
	}
	logger.Info("configuration snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("vehicle_id", cfg.Vehicle.ID),
		logging.String("backend", cfg.Storage.Backend),
		logging.String("bucket", cfg.Storage.Bucket),
		logging.String("sources", strings.Join(tags, ",")),
		logging.String("schedule_mode", cfg.Schedule.Mode),
		logging.Bool("operational_hours", cfg.Schedule.OperationalHours.Enabled),
		logging.Bool("deferred_retention", cfg.Retention.Deferred.Enabled),
		logging.Bool("age_retention", cfg.Retention.AgeBased.Enabled),
		logging.Bool("emergency_retention", cfg.Retention.Emergency.Enabled),
		logging.Bool("metrics", cfg.Metrics.Enabled),
		logging.Bool("connectivity_monitor", cfg.Connectivity.Enabled),
	)
}
