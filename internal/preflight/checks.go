package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"ferry/internal/objectstore"
	"ferry/internal/retention"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckSourceAccess verifies a monitored directory. A missing directory is a
// warning since the logger may create it later; the daemon needs write access
// only for retention to delete files.
func CheckSourceAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Warning: true, Detail: fmt.Sprintf("%s (warning: does not exist yet)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: not readable: %v)", path, err)}
	}
	if err := unix.Access(path, unix.W_OK); err != nil {
		return Result{Name: name, Warning: true, Detail: fmt.Sprintf("%s (warning: read-only, retention cannot delete)", path)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckDiskUsage reports how full the filesystem holding path is. Usage at
// or above threshold is a warning: emergency retention will act on it.
func CheckDiskUsage(ctx context.Context, probe retention.UsageProbe, path string, threshold float64) Result {
	name := "Disk usage " + path
	used, err := probe.UsedPercent(ctx, path)
	if err != nil {
		return Result{Name: name, Warning: true, Detail: fmt.Sprintf("unavailable (%v)", err)}
	}
	detail := fmt.Sprintf("%s used (threshold %s)", humanize.FtoaWithDigits(used, 1)+"%", humanize.FtoaWithDigits(threshold, 1)+"%")
	if used >= threshold {
		return Result{Name: name, Warning: true, Detail: detail + "; emergency retention will run"}
	}
	return Result{Name: name, Passed: true, Detail: detail}
}

// CheckBucket probes the object store with a metadata request for a key
// under the vehicle prefix. A missing object is the expected answer.
func CheckBucket(ctx context.Context, store objectstore.Store, vehicleID string) Result {
	const name = "Object store"

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := store.Exists(checkCtx, vehicleID+"/.ferry-preflight"); err != nil {
		// Vehicles are offline most of the time; an unreachable bucket only
		// delays uploads.
		return Result{Name: name, Warning: !objectstore.IsPermanent(err), Detail: summarizeStoreError(err)}
	}
	return Result{Name: name, Passed: true, Detail: "reachable"}
}

func summarizeStoreError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "probe timed out (object store unreachable)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "probe timed out (network unreachable)"
	}
	return err.Error()
}
