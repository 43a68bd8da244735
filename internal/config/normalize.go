package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	c.normalizeVehicle()
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeSources(); err != nil {
		return err
	}
	c.normalizeSchedule()
	if err := c.normalizeStorage(); err != nil {
		return err
	}
	c.normalizeConnectivity()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizeVehicle() {
	c.Vehicle.ID = strings.TrimSpace(c.Vehicle.ID)
	if c.Vehicle.ID == "" {
		if value, ok := os.LookupEnv("FERRY_VEHICLE_ID"); ok {
			c.Vehicle.ID = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeSources() error {
	for i := range c.Sources {
		src := &c.Sources[i]
		src.Tag = strings.TrimSpace(src.Tag)
		dir, err := expandPath(strings.TrimSpace(src.Dir))
		if err != nil {
			return fmt.Errorf("sources[%d].dir: %w", i, err)
		}
		src.Dir = dir
		patterns := src.Patterns[:0]
		for _, pattern := range src.Patterns {
			if trimmed := strings.TrimSpace(pattern); trimmed != "" {
				patterns = append(patterns, trimmed)
			}
		}
		src.Patterns = patterns
	}
	return nil
}

func (c *Config) normalizeSchedule() {
	c.Schedule.Mode = strings.ToLower(strings.TrimSpace(c.Schedule.Mode))
	if c.Schedule.Mode == "" {
		c.Schedule.Mode = defaultScheduleMode
	}
	c.Schedule.DailyTime = strings.TrimSpace(c.Schedule.DailyTime)
	c.Schedule.OperationalHours.Start = strings.TrimSpace(c.Schedule.OperationalHours.Start)
	c.Schedule.OperationalHours.End = strings.TrimSpace(c.Schedule.OperationalHours.End)
}

func (c *Config) normalizeStorage() error {
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = defaultStorageBackend
	}
	c.Storage.Bucket = strings.TrimSpace(c.Storage.Bucket)
	c.Storage.Endpoint = strings.TrimSpace(c.Storage.Endpoint)
	c.Storage.Region = strings.TrimSpace(c.Storage.Region)
	if c.Storage.Region == "" {
		if value, ok := os.LookupEnv("AWS_REGION"); ok {
			c.Storage.Region = strings.TrimSpace(value)
		}
	}
	if c.Storage.AccessKeyID == "" {
		if value, ok := os.LookupEnv("FERRY_ACCESS_KEY_ID"); ok {
			c.Storage.AccessKeyID = value
		}
	}
	if c.Storage.SecretAccessKey == "" {
		if value, ok := os.LookupEnv("FERRY_SECRET_ACCESS_KEY"); ok {
			c.Storage.SecretAccessKey = value
		}
	}
	if strings.TrimSpace(c.Storage.CredentialsFile) != "" {
		path, err := expandPath(strings.TrimSpace(c.Storage.CredentialsFile))
		if err != nil {
			return fmt.Errorf("storage.credentials_file: %w", err)
		}
		c.Storage.CredentialsFile = path
	}
	return nil
}

func (c *Config) normalizeConnectivity() {
	ifaces := c.Connectivity.Interfaces[:0]
	for _, name := range c.Connectivity.Interfaces {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			ifaces = append(ifaces, trimmed)
		}
	}
	c.Connectivity.Interfaces = ifaces
	c.Metrics.Listen = strings.TrimSpace(c.Metrics.Listen)
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeoutSeconds <= 0 {
		c.Notifications.RequestTimeoutSeconds = defaultNotifyTimeoutSeconds
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
