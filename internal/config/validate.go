package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateVehicle(); err != nil {
		return err
	}
	if err := c.validateSources(); err != nil {
		return err
	}
	if err := c.validateDiscovery(); err != nil {
		return err
	}
	if err := c.validateSchedule(); err != nil {
		return err
	}
	if err := c.validateUpload(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateRetention(); err != nil {
		return err
	}
	if err := c.validateConnectivity(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateVehicle() error {
	if c.Vehicle.ID == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = defaultConfigPath
		}
		return fmt.Errorf("vehicle.id is required. Set FERRY_VEHICLE_ID env var or edit %s (create with 'ferry config init')", defaultPath)
	}
	if strings.ContainsAny(c.Vehicle.ID, "/\\") {
		return errors.New("vehicle.id must not contain path separators")
	}
	return nil
}

func (c *Config) validateSources() error {
	if len(c.Sources) == 0 {
		return errors.New("at least one [[sources]] entry is required")
	}
	tags := make(map[string]int, len(c.Sources))
	for i, src := range c.Sources {
		if src.Tag == "" {
			return fmt.Errorf("sources[%d].tag must be set", i)
		}
		if strings.ContainsAny(src.Tag, "/\\") {
			return fmt.Errorf("sources[%d].tag must not contain path separators", i)
		}
		if prev, ok := tags[src.Tag]; ok {
			return fmt.Errorf("sources[%d].tag %q duplicates sources[%d]", i, src.Tag, prev)
		}
		tags[src.Tag] = i
		if src.Dir == "" {
			return fmt.Errorf("sources[%d].dir must be set", i)
		}
		for _, pattern := range src.Patterns {
			if _, err := filepath.Match(pattern, ""); err != nil {
				return fmt.Errorf("sources[%d].patterns: invalid pattern %q", i, pattern)
			}
		}
	}
	// Age-based retention and discovery both work per directory, so one source
	// may not live inside another.
	for i, a := range c.Sources {
		for j, b := range c.Sources {
			if i == j {
				continue
			}
			if a.Dir == b.Dir || isWithin(b.Dir, a.Dir) {
				return fmt.Errorf("sources[%d].dir %q overlaps sources[%d].dir %q", i, a.Dir, j, b.Dir)
			}
		}
	}
	return nil
}

func (c *Config) validateDiscovery() error {
	if c.Discovery.StabilitySeconds < 0 {
		return errors.New("discovery.stability_seconds must not be negative")
	}
	if c.Discovery.EventBuffer <= 0 {
		return errors.New("discovery.event_buffer must be positive")
	}
	return nil
}

func (c *Config) validateSchedule() error {
	switch c.Schedule.Mode {
	case ScheduleDaily:
		if _, _, err := ParseClock(c.Schedule.DailyTime); err != nil {
			return fmt.Errorf("schedule.daily_time: %w", err)
		}
	case ScheduleInterval:
		if c.Schedule.IntervalHours <= 0 {
			return errors.New("schedule.interval_hours must be positive")
		}
	default:
		return fmt.Errorf("schedule.mode must be %q or %q", ScheduleDaily, ScheduleInterval)
	}
	if c.Schedule.OperationalHours.Enabled {
		if _, _, err := ParseClock(c.Schedule.OperationalHours.Start); err != nil {
			return fmt.Errorf("schedule.operational_hours.start: %w", err)
		}
		if _, _, err := ParseClock(c.Schedule.OperationalHours.End); err != nil {
			return fmt.Errorf("schedule.operational_hours.end: %w", err)
		}
		if c.Schedule.OperationalHours.Start == c.Schedule.OperationalHours.End {
			return errors.New("schedule.operational_hours.start and end must differ")
		}
	}
	return nil
}

func (c *Config) validateUpload() error {
	if err := ensurePositiveMap(map[string]int{
		"upload.batch_size":             c.Upload.BatchSize,
		"upload.max_attempts":           c.Upload.MaxAttempts,
		"upload.concurrency":            c.Upload.Concurrency,
		"upload.multipart_threshold_mb": c.Upload.MultipartThresholdMB,
		"upload.part_size_mb":           c.Upload.PartSizeMB,
		"upload.shutdown_grace_seconds": c.Upload.ShutdownGraceSeconds,
	}); err != nil {
		return err
	}
	if c.Upload.BaseRetrySeconds < 0 {
		return errors.New("upload.base_retry_seconds must not be negative")
	}
	if c.Upload.MaxRetrySeconds < c.Upload.BaseRetrySeconds {
		return errors.New("upload.max_retry_seconds must be at least upload.base_retry_seconds")
	}
	// S3 rejects non-final parts smaller than 5 MiB.
	if c.Upload.PartSizeMB < 5 {
		return errors.New("upload.part_size_mb must be at least 5")
	}
	if c.Upload.MultipartThresholdMB < c.Upload.PartSizeMB {
		return errors.New("upload.multipart_threshold_mb must be at least upload.part_size_mb")
	}
	if c.Upload.MaxBytesPerSecond < 0 {
		return errors.New("upload.max_bytes_per_second must not be negative")
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case BackendS3, BackendGCS:
	default:
		return fmt.Errorf("storage.backend must be %q or %q", BackendS3, BackendGCS)
	}
	if c.Storage.Bucket == "" {
		return errors.New("storage.bucket must be set")
	}
	if (c.Storage.AccessKeyID == "") != (c.Storage.SecretAccessKey == "") {
		return errors.New("storage.access_key_id and storage.secret_access_key must be set together")
	}
	if c.Storage.MultipartExpireHours < 0 {
		return errors.New("storage.multipart_expire_hours must not be negative")
	}
	return nil
}

func (c *Config) validateRetention() error {
	if c.Retention.IntervalMinutes <= 0 {
		return errors.New("retention.interval_minutes must be positive")
	}
	if c.Retention.Deferred.Enabled && c.Retention.Deferred.KeepDays < 0 {
		return errors.New("retention.deferred.keep_days must not be negative")
	}
	if c.Retention.AgeBased.Enabled && c.Retention.AgeBased.MaxAgeDays <= 0 {
		return errors.New("retention.age_based.max_age_days must be positive")
	}
	if c.Retention.Emergency.Enabled {
		pct := c.Retention.Emergency.ThresholdPercent
		if pct <= 0 || pct > 100 {
			return errors.New("retention.emergency.threshold_percent must be in (0, 100]")
		}
	}
	if c.Registry.PruneAfterDays < 0 {
		return errors.New("registry.prune_after_days must not be negative")
	}
	return nil
}

func (c *Config) validateConnectivity() error {
	if c.Connectivity.Enabled && len(c.Connectivity.Interfaces) == 0 {
		return errors.New("connectivity.interfaces must list at least one interface when connectivity.enabled is true")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return errors.New("metrics.listen must be set when metrics.enabled is true")
	}
	if topic := c.Notifications.NtfyTopic; topic != "" {
		u, err := url.Parse(topic)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("notifications.ntfy_topic must be an http(s) URL, got %q", topic)
		}
	}
	if c.Notifications.MinIntervalSeconds < 0 {
		return errors.New("notifications.min_interval_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must not be negative")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

// isWithin reports whether path is strictly inside dir.
func isWithin(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
