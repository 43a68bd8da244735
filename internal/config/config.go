package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Vehicle identifies the device whose logs are shipped.
type Vehicle struct {
	ID string `toml:"id"`
}

// Paths contains state and log directory configuration.
type Paths struct {
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
}

// Source is one monitored log directory.
type Source struct {
	Tag       string   `toml:"tag"`
	Dir       string   `toml:"dir"`
	Patterns  []string `toml:"patterns"`
	Recursive bool     `toml:"recursive"`
}

// Discovery controls how stable files are detected.
type Discovery struct {
	StabilitySeconds int  `toml:"stability_seconds"`
	EventBuffer      int  `toml:"event_buffer"`
	ScanOnStart      bool `toml:"scan_on_start"`
}

// OperationalHours is the local-time window in which opportunistic uploads may run.
// Start and End use 24h "HH:MM"; a window whose end precedes its start wraps midnight.
type OperationalHours struct {
	Enabled bool   `toml:"enabled"`
	Start   string `toml:"start"`
	End     string `toml:"end"`
}

// Schedule controls when upload cycles run.
type Schedule struct {
	Mode             string           `toml:"mode"`
	DailyTime        string           `toml:"daily_time"`
	IntervalHours    int              `toml:"interval_hours"`
	OperationalHours OperationalHours `toml:"operational_hours"`

	// UploadOnDiscovery raises an opportunistic cycle whenever discovery
	// queues a new file.
	UploadOnDiscovery bool `toml:"upload_on_discovery"`
}

// Upload contains executor tuning.
type Upload struct {
	BatchSize            int   `toml:"batch_size"`
	MaxAttempts          int   `toml:"max_attempts"`
	Concurrency          int   `toml:"concurrency"`
	BaseRetrySeconds     int   `toml:"base_retry_seconds"`
	MaxRetrySeconds      int   `toml:"max_retry_seconds"`
	MultipartThresholdMB int   `toml:"multipart_threshold_mb"`
	PartSizeMB           int   `toml:"part_size_mb"`
	MaxBytesPerSecond    int64 `toml:"max_bytes_per_second"`
	ShutdownGraceSeconds int   `toml:"shutdown_grace_seconds"`
}

// Storage selects and configures the object-store backend.
type Storage struct {
	Backend              string `toml:"backend"`
	Bucket               string `toml:"bucket"`
	Region               string `toml:"region"`
	Endpoint             string `toml:"endpoint"`
	AccessKeyID          string `toml:"access_key_id"`
	SecretAccessKey      string `toml:"secret_access_key"`
	UsePathStyle         bool   `toml:"use_path_style"`
	CredentialsFile      string `toml:"credentials_file"`
	MultipartExpireHours int    `toml:"multipart_expire_hours"`
}

// DeferredRetention deletes uploaded files a fixed number of days after upload.
type DeferredRetention struct {
	Enabled  bool `toml:"enabled"`
	KeepDays int  `toml:"keep_days"`
}

// AgeBasedRetention deletes files older than MaxAgeDays regardless of upload status.
type AgeBasedRetention struct {
	Enabled    bool `toml:"enabled"`
	MaxAgeDays int  `toml:"max_age_days"`
}

// EmergencyRetention deletes oldest files while disk usage is at or above ThresholdPercent.
type EmergencyRetention struct {
	Enabled          bool    `toml:"enabled"`
	ThresholdPercent float64 `toml:"threshold_percent"`
}

// Retention is the read-only deletion policy.
type Retention struct {
	IntervalMinutes int                `toml:"interval_minutes"`
	Deferred        DeferredRetention  `toml:"deferred"`
	AgeBased        AgeBasedRetention  `toml:"age_based"`
	Emergency       EmergencyRetention `toml:"emergency"`
}

// Registry controls the uploaded-content ledger.
type Registry struct {
	// PruneAfterDays drops ledger rows older than this many days. Zero keeps rows forever.
	PruneAfterDays int `toml:"prune_after_days"`
}

// Connectivity configures the network-interface monitor that raises opportunistic uploads.
type Connectivity struct {
	Enabled    bool     `toml:"enabled"`
	Interfaces []string `toml:"interfaces"`
}

// Metrics configures the Prometheus listener.
type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// Notifications configures operator alerts published to an ntfy topic.
type Notifications struct {
	// NtfyTopic is the full topic URL, e.g. https://ntfy.sh/fleet-alerts. Empty disables alerts.
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	// MinIntervalSeconds spaces consecutive alerts; bursts beyond it are dropped.
	MinIntervalSeconds int `toml:"min_interval_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for ferry.
//
// The daemon loads it once at startup and never mutates it afterwards;
// a reload signal only re-runs validation against the file on disk.
type Config struct {
	Vehicle       Vehicle       `toml:"vehicle"`
	Paths         Paths         `toml:"paths"`
	Sources       []Source      `toml:"sources"`
	Discovery     Discovery     `toml:"discovery"`
	Schedule      Schedule      `toml:"schedule"`
	Upload        Upload        `toml:"upload"`
	Storage       Storage       `toml:"storage"`
	Retention     Retention     `toml:"retention"`
	Registry      Registry      `toml:"registry"`
	Connectivity  Connectivity  `toml:"connectivity"`
	Metrics       Metrics       `toml:"metrics"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("ferry.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the state and log directories.
// Source directories are never created; a missing source is reported by preflight.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// QueuePath is the durable queue snapshot.
func (c *Config) QueuePath() string { return filepath.Join(c.Paths.StateDir, "queue.json") }

// RegistryPath is the SQLite ledger of uploaded content hashes.
func (c *Config) RegistryPath() string { return filepath.Join(c.Paths.StateDir, "registry.db") }

// MarksPath is the bbolt file holding deferred-deletion marks.
func (c *Config) MarksPath() string { return filepath.Join(c.Paths.StateDir, "marks.db") }

// LockPath is the single-instance lock file.
func (c *Config) LockPath() string { return filepath.Join(c.Paths.StateDir, "ferry.lock") }

// SocketPath is the control socket used by the CLI.
func (c *Config) SocketPath() string { return filepath.Join(c.Paths.StateDir, "ferry.sock") }

// PIDPath is the daemon PID file.
func (c *Config) PIDPath() string { return filepath.Join(c.Paths.StateDir, "ferry.pid") }

// CurrentLogPath is the link to the running daemon's log file.
func (c *Config) CurrentLogPath() string { return filepath.Join(c.Paths.LogDir, "ferry.log") }

// StabilityWindow is how long a file must stay unchanged before it is queued.
func (c *Config) StabilityWindow() time.Duration {
	return time.Duration(c.Discovery.StabilitySeconds) * time.Second
}

// RetryBase is the first backoff delay.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.Upload.BaseRetrySeconds) * time.Second
}

// RetryCap bounds the backoff delay.
func (c *Config) RetryCap() time.Duration {
	return time.Duration(c.Upload.MaxRetrySeconds) * time.Second
}

// MultipartThreshold is the size at or above which uploads are split into parts.
func (c *Config) MultipartThreshold() int64 {
	return int64(c.Upload.MultipartThresholdMB) << 20
}

// PartSize is the multipart chunk size.
func (c *Config) PartSize() int64 {
	return int64(c.Upload.PartSizeMB) << 20
}

// ShutdownGrace bounds how long in-flight uploads may run after shutdown starts.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Upload.ShutdownGraceSeconds) * time.Second
}

// NotifyTimeout returns the per-request timeout for alert delivery.
func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.Notifications.RequestTimeoutSeconds) * time.Second
}

// NotifyInterval returns the minimum spacing between alerts.
func (c *Config) NotifyInterval() time.Duration {
	return time.Duration(c.Notifications.MinIntervalSeconds) * time.Second
}

// RetentionInterval is the cadence of retention passes.
func (c *Config) RetentionInterval() time.Duration {
	return time.Duration(c.Retention.IntervalMinutes) * time.Minute
}

// SourceDirs lists monitored directories in configuration order.
func (c *Config) SourceDirs() []string {
	dirs := make([]string, 0, len(c.Sources))
	for _, src := range c.Sources {
		dirs = append(dirs, src.Dir)
	}
	return dirs
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	expanded, err := homedir.Expand(pathValue)
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	cleaned := filepath.Clean(expanded)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// ParseClock parses a 24h "HH:MM" value.
func ParseClock(value string) (hour, minute int, err error) {
	trimmed := strings.TrimSpace(value)
	parsed, err := time.Parse("15:04", trimmed)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock value %q (want HH:MM)", value)
	}
	return parsed.Hour(), parsed.Minute(), nil
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
