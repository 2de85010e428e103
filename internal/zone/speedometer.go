// Package zone implements the Zone Worker (§4.1), Speedometer (§4.2), and
// IP Pool Selector (§4.3): the per-zone scheduling loop and its two
// stateful collaborators.
//
// Grounded on internal/limiters.Rate's token-bucket structure, reworked
// from a fixed-burst refill timer into a sliding-window scheduler so the
// "at no steady interval of length=unit does admitted count exceed N"
// property holds for bursty arrival patterns too (the rate limiter the
// teacher ships refills a fixed burst once per interval, which permits a
// 2N burst straddling a refill boundary).
package zone

import (
	"context"
	"sync"
	"time"

	"github.com/relaymta/relaymta/internal/zoneconfig"
)

// Speedometer admits at most N deliveries per rolling window of length
// unit, across all concurrent callers sharing one instance.
type Speedometer struct {
	mu     sync.Mutex
	n      int
	window time.Duration
	times  []time.Time // admission timestamps within the trailing window, oldest first
}

func NewSpeedometer(rate zoneconfig.RateLimit) *Speedometer {
	return &Speedometer{
		n:      rate.N,
		window: rate.Unit.Duration(),
	}
}

// Wait blocks the caller until issuing one more token keeps the
// last-window admission count at or below N, then records the admission.
// It returns early with ctx.Err() if ctx is cancelled first.
func (s *Speedometer) Wait(ctx context.Context) error {
	if s.n <= 0 {
		return nil // unlimited
	}
	for {
		s.mu.Lock()
		now := time.Now()
		s.evictOlderThan(now)

		if len(s.times) < s.n {
			s.times = append(s.times, now)
			s.mu.Unlock()
			return nil
		}

		// The window is full; the earliest moment a new admission is
		// legal is when the oldest admission ages out.
		wait := s.times[0].Add(s.window).Sub(now)
		s.mu.Unlock()

		if wait <= 0 {
			continue
		}

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// evictOlderThan drops admission timestamps that have aged out of the
// window. Caller holds s.mu.
func (s *Speedometer) evictOlderThan(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.times) && !s.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.times = s.times[i:]
	}
}
