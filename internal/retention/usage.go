package retention

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/disk"
)

// UsageProbe reports how full the filesystem holding path is, in percent.
type UsageProbe interface {
	UsedPercent(ctx context.Context, path string) (float64, error)
}

// DiskUsage reads filesystem statistics from the host.
type DiskUsage struct{}

func (DiskUsage) UsedPercent(ctx context.Context, path string) (float64, error) {
	stat, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("disk usage %s: %w", path, err)
	}
	return stat.UsedPercent, nil
}

// UsageFunc adapts a function to UsageProbe.
type UsageFunc func(ctx context.Context, path string) (float64, error)

func (f UsageFunc) UsedPercent(ctx context.Context, path string) (float64, error) {
	return f(ctx, path)
}
