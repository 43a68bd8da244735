package preflight

import (
	"context"
	"fmt"

	"ferry/internal/config"
	"ferry/internal/objectstore"
	"ferry/internal/retention"
)

// Result reports the outcome of a single preflight check. A check that did
// not pass but only degrades operation sets Warning instead of failing the
// startup.
type Result struct {
	Name    string
	Passed  bool
	Warning bool
	Detail  string
}

// Fatal reports whether the result should stop the daemon from starting.
func (r Result) Fatal() bool { return !r.Passed && !r.Warning }

// Options carries optional collaborators. A nil Store skips the bucket check;
// a nil Usage falls back to the host disk probe.
type Options struct {
	Store objectstore.Store
	Usage retention.UsageProbe
}

// RunAll executes every applicable check for cfg.
func RunAll(ctx context.Context, cfg *config.Config, opts Options) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
	}
	for _, src := range cfg.Sources {
		results = append(results, CheckSourceAccess(fmt.Sprintf("Source %q", src.Tag), src.Dir))
	}

	usage := opts.Usage
	if usage == nil {
		usage = retention.DiskUsage{}
	}
	if cfg.Retention.Emergency.Enabled {
		for _, dir := range cfg.SourceDirs() {
			results = append(results, CheckDiskUsage(ctx, usage, dir, cfg.Retention.Emergency.ThresholdPercent))
		}
	}

	if opts.Store != nil {
		results = append(results, CheckBucket(ctx, opts.Store, cfg.Vehicle.ID))
	}
	return results
}

// Failed returns the results that should block startup.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if r.Fatal() {
			failed = append(failed, r)
		}
	}
	return failed
}
