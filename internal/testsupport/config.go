package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"ferry/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a valid config seeded with unique temp directories per
// test: a state dir, a log dir and one source directory tagged "can".
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Vehicle.ID = "test-vehicle"
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Storage.Bucket = "test-bucket"
	cfgVal.Metrics.Listen = "127.0.0.1:0"
	cfgVal.Upload.BaseRetrySeconds = 0
	cfgVal.Sources = []config.Source{{
		Tag:      "can",
		Dir:      filepath.Join(base, "sources", "can"),
		Patterns: []string{"*.log*"},
	}}

	builder := &configBuilder{t: t, baseDir: base, cfg: &cfgVal}
	for _, opt := range opts {
		opt(builder)
	}
	for _, src := range builder.cfg.Sources {
		if err := os.MkdirAll(src.Dir, 0o755); err != nil {
			t.Fatalf("mkdir source %s: %v", src.Dir, err)
		}
	}
	return builder.cfg
}

// WithSource adds another monitored directory under the temp base.
func WithSource(tag string, recursive bool, patterns ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Sources = append(b.cfg.Sources, config.Source{
			Tag:       tag,
			Dir:       filepath.Join(b.baseDir, "sources", tag),
			Patterns:  patterns,
			Recursive: recursive,
		})
	}
}

// WithConfig applies an arbitrary mutation.
func WithConfig(fn func(*config.Config)) ConfigOption {
	return func(b *configBuilder) { fn(b.cfg) }
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
