package config

const (
	defaultConfigPath            = "~/.config/ferry/config.toml"
	defaultStateDir              = "~/.local/share/ferry"
	defaultLogDir                = "~/.local/share/ferry/logs"
	defaultLogRetentionDays      = 30
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultStabilitySeconds      = 60
	defaultEventBuffer           = 256
	defaultScheduleMode          = ScheduleDaily
	defaultDailyTime             = "02:00"
	defaultIntervalHours         = 6
	defaultOperationalStart      = "08:00"
	defaultOperationalEnd        = "20:00"
	defaultBatchSize             = 50
	defaultMaxAttempts           = 10
	defaultConcurrency           = 2
	defaultBaseRetrySeconds      = 30
	defaultMaxRetrySeconds       = 3600
	defaultMultipartThresholdMB  = 64
	defaultPartSizeMB            = 16
	defaultShutdownGraceSeconds  = 30
	defaultStorageBackend        = BackendS3
	defaultMultipartExpireHours  = 24
	defaultRetentionInterval     = 60
	defaultDeferredKeepDays      = 7
	defaultAgeBasedMaxAgeDays    = 30
	defaultEmergencyThresholdPct = 90
	defaultMetricsListen         = "127.0.0.1:9464"
	defaultNotifyTimeoutSeconds  = 10
	defaultNotifyIntervalSeconds = 60
)

// Schedule modes.
const (
	ScheduleDaily    = "daily"
	ScheduleInterval = "interval"
)

// Storage backends.
const (
	BackendS3  = "s3"
	BackendGCS = "gcs"
)

// Default returns a Config populated with repository defaults.
// Sources and the vehicle ID have no sensible default and must be configured.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
		Discovery: Discovery{
			StabilitySeconds: defaultStabilitySeconds,
			EventBuffer:      defaultEventBuffer,
			ScanOnStart:      true,
		},
		Schedule: Schedule{
			Mode:          defaultScheduleMode,
			DailyTime:     defaultDailyTime,
			IntervalHours: defaultIntervalHours,
			OperationalHours: OperationalHours{
				Start: defaultOperationalStart,
				End:   defaultOperationalEnd,
			},
		},
		Upload: Upload{
			BatchSize:            defaultBatchSize,
			MaxAttempts:          defaultMaxAttempts,
			Concurrency:          defaultConcurrency,
			BaseRetrySeconds:     defaultBaseRetrySeconds,
			MaxRetrySeconds:      defaultMaxRetrySeconds,
			MultipartThresholdMB: defaultMultipartThresholdMB,
			PartSizeMB:           defaultPartSizeMB,
			ShutdownGraceSeconds: defaultShutdownGraceSeconds,
		},
		Storage: Storage{
			Backend:              defaultStorageBackend,
			MultipartExpireHours: defaultMultipartExpireHours,
		},
		Retention: Retention{
			IntervalMinutes: defaultRetentionInterval,
			Deferred: DeferredRetention{
				Enabled:  true,
				KeepDays: defaultDeferredKeepDays,
			},
			AgeBased: AgeBasedRetention{
				Enabled:    true,
				MaxAgeDays: defaultAgeBasedMaxAgeDays,
			},
			Emergency: EmergencyRetention{
				Enabled:          true,
				ThresholdPercent: defaultEmergencyThresholdPct,
			},
		},
		Metrics: Metrics{
			Listen: defaultMetricsListen,
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: defaultNotifyTimeoutSeconds,
			MinIntervalSeconds:    defaultNotifyIntervalSeconds,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
