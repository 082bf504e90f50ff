package ingest

import (
	"sync"
	"time"

	"github.com/kalambet/clipvault/internal/metrics"
)

// StartLimiter admits at most limit job starts in any rolling window.
type StartLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	starts []time.Time // oldest first, all within the last window
	now    func() time.Time
}

func NewStartLimiter(limit int, window time.Duration) *StartLimiter {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &StartLimiter{
		limit:  limit,
		window: window,
		starts: make([]time.Time, 0, limit),
		now:    time.Now,
	}
}

// Admit runs claim under the limiter's lock when a start slot is free and
// records a start if claim reports one. When the window is full claim is not
// called and wait is the time until the oldest start leaves the window.
func (l *StartLimiter) Admit(claim func() bool) (started bool, wait time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.starts) && !l.starts[i].After(cutoff) {
		i++
	}
	l.starts = append(l.starts[:0], l.starts[i:]...)
	defer func() { metrics.StartsInWindow.Set(float64(len(l.starts))) }()

	if len(l.starts) >= l.limit {
		return false, l.starts[0].Add(l.window).Sub(now)
	}
	if !claim() {
		return false, 0
	}
	l.starts = append(l.starts, now)
	return true, 0
}
