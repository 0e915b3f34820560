package poll

import (
	"time"

	"github.com/robfig/cron/v3"
)

// backoff tracks consecutive fetch failures of one target. After n failures
// in a row the target sits out 2^(n-1)-1 cycles, bounded by maxBackoff.
type backoff struct {
	failures int
	skip     int // Cycles left to sit out
}

// skipCycles returns how many cycles to sit out after the given number of
// consecutive failures.
func skipCycles(failures int, interval, maxBackoff time.Duration) int {
	if failures <= 1 {
		return 0
	}
	limit := 0
	if interval > 0 && maxBackoff > interval {
		limit = int(maxBackoff/interval) - 1
	}

	skip := 1
	for i := 2; i < failures; i++ {
		skip = skip*2 + 1
		if skip >= limit {
			return limit
		}
	}
	return min(skip, limit)
}

// cycleGap is the time between the next two scheduled cycles after now.
// It falls back to interval when the schedule yields no usable gap.
func cycleGap(schedule cron.Schedule, now time.Time, interval time.Duration) time.Duration {
	if schedule == nil {
		return interval
	}
	first := schedule.Next(now)
	if first.IsZero() {
		return interval
	}
	if gap := schedule.Next(first).Sub(first); gap > 0 {
		return gap
	}
	return interval
}
