package uploader

import (
	"hash/fnv"
	"strconv"
	"time"

	"ferry/internal/queue"
)

// maxJitter is the largest fraction of the delay added as jitter.
const maxJitter = 0.25

// Backoff returns the wait after attempts failures of path: base doubled
// per attempt, capped at limit, plus up to 25% jitter. The jitter is derived
// from path and attempts so a restarted daemon computes the same schedule.
func Backoff(base, limit time.Duration, path string, attempts int) time.Duration {
	if attempts <= 0 || base <= 0 {
		return 0
	}
	delay := limit
	if attempts < 32 {
		if d := base << attempts; d > 0 && (limit <= 0 || d < limit) {
			delay = d
		}
	}
	if delay <= 0 {
		return 0
	}
	return delay + time.Duration(float64(delay)*jitterFraction(path, attempts))
}

func jitterFraction(path string, attempts int) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.Itoa(attempts)))
	return float64(h.Sum64()%1000) / 1000 * maxJitter
}

// NextAttempt returns when entry becomes eligible again. Entries that never
// failed are eligible immediately.
func NextAttempt(entry queue.Entry, base, limit time.Duration) time.Time {
	if entry.Attempts == 0 || entry.LastAttemptAt.IsZero() {
		return time.Time{}
	}
	return entry.LastAttemptAt.Add(Backoff(base, limit, entry.Path, entry.Attempts))
}

// Due reports whether entry may be attempted at now.
func Due(entry queue.Entry, now time.Time, base, limit time.Duration) bool {
	return !now.Before(NextAttempt(entry, base, limit))
}
