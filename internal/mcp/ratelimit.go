package mcp

import (
	"context"
	"sync"
	"time"
)

// RateLimiter enforces a per-second and a per-minute ceiling on request
// admission. Callers block in Wait until their slot arrives; requests are
// never dropped, and admission order is FIFO: slots are assigned in arrival
// order under the mutex, so a later caller can never be admitted before an
// earlier one.
type RateLimiter struct {
	mu          sync.Mutex
	perSecond   int
	perMinute   int
	minInterval time.Duration // spacing for fractional per-second rates
	slots       []time.Time   // assigned admission times, oldest first

	now   func() time.Time                                 // injectable clock for testing
	sleep func(ctx context.Context, d time.Duration) error // injectable for testing
}

// NewRateLimiter creates a limiter allowing requestsPerSecond and
// requestsPerMinute admissions. A fractional requestsPerSecond below 1.0 is
// enforced as a minimum spacing between consecutive requests.
func NewRateLimiter(requestsPerSecond float64, requestsPerMinute int) *RateLimiter {
	rl := &RateLimiter{
		perMinute: requestsPerMinute,
		now:       time.Now,
		sleep:     sleepContext,
	}
	if requestsPerSecond >= 1 {
		rl.perSecond = int(requestsPerSecond)
	} else if requestsPerSecond > 0 {
		rl.perSecond = 1
		rl.minInterval = time.Duration(float64(time.Second) / requestsPerSecond)
	}
	return rl
}

// Wait blocks until the caller may proceed, or until ctx is cancelled.
// The returned error is non-nil only on cancellation.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	delay := rl.reserve()
	if delay <= 0 {
		return nil
	}
	return rl.sleep(ctx, delay)
}

// reserve assigns the caller the earliest admission slot satisfying both
// ceilings and returns how long the caller must wait for it.
func (rl *RateLimiter) reserve() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	slot := now

	if rl.perSecond > 0 && len(rl.slots) >= rl.perSecond {
		if t := rl.slots[len(rl.slots)-rl.perSecond].Add(time.Second); t.After(slot) {
			slot = t
		}
	}
	if rl.perMinute > 0 && len(rl.slots) >= rl.perMinute {
		if t := rl.slots[len(rl.slots)-rl.perMinute].Add(time.Minute); t.After(slot) {
			slot = t
		}
	}
	if rl.minInterval > 0 && len(rl.slots) > 0 {
		if t := rl.slots[len(rl.slots)-1].Add(rl.minInterval); t.After(slot) {
			slot = t
		}
	}

	rl.slots = append(rl.slots, slot)

	// Only the most recent max(perSecond, perMinute) slots matter.
	keep := rl.perMinute
	if rl.perSecond > keep {
		keep = rl.perSecond
	}
	if keep < 1 {
		keep = 1
	}
	if len(rl.slots) > keep {
		rl.slots = rl.slots[len(rl.slots)-keep:]
	}

	return slot.Sub(now)
}

// sleepContext sleeps for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
