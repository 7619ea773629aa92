package dapi

import (
	"context"
	"sync"
	"time"

	"github.com/Thejuampi/dapi-client-go/dapi/internal/clock"
)

const (
	DefaultGlobalLimit  = 50
	DefaultGlobalWindow = time.Second
)

// GlobalLimiter is the quota shared by every bucket that consumes the global
// limit.
type GlobalLimiter interface {
	// Wait blocks until one unit of global quota is available and takes it.
	Wait(ctx context.Context) error
	// Block rejects every Wait until the given time.
	Block(until time.Time)
}

// MemoryGlobalLimiter is a fixed-window GlobalLimiter local to the process.
type MemoryGlobalLimiter struct {
	lock         sync.Mutex
	clock        clock.Clock
	limit        int
	window       time.Duration
	windowStart  time.Time
	used         int
	blockedUntil time.Time
}

// NewMemoryGlobalLimiter returns a limiter admitting limit requests per
// window. Non-positive values fall back to 50 per second.
func NewMemoryGlobalLimiter(limit int, window time.Duration) *MemoryGlobalLimiter {
	return newMemoryGlobalLimiter(clock.Real(), limit, window)
}

func newMemoryGlobalLimiter(source clock.Clock, limit int, window time.Duration) *MemoryGlobalLimiter {
	if limit <= 0 {
		limit = DefaultGlobalLimit
	}
	if window <= 0 {
		window = DefaultGlobalWindow
	}
	return &MemoryGlobalLimiter{clock: source, limit: limit, window: window}
}

// Wait takes one unit of quota, sleeping until a window or lockout allows it.
func (limiter *MemoryGlobalLimiter) Wait(ctx context.Context) error {
	for {
		delay, ok := limiter.take()
		if ok {
			return nil
		}
		if err := clock.Sleep(ctx, limiter.clock, delay); err != nil {
			return err
		}
	}
}

// take consumes a unit if available, else reports the wait until the next
// window or the end of a lockout.
func (limiter *MemoryGlobalLimiter) take() (time.Duration, bool) {
	limiter.lock.Lock()
	defer limiter.lock.Unlock()

	now := limiter.clock.Now()
	if now.Before(limiter.blockedUntil) {
		return limiter.blockedUntil.Sub(now), false
	}
	if limiter.windowStart.IsZero() || !now.Before(limiter.windowStart.Add(limiter.window)) {
		limiter.windowStart = now
		limiter.used = 0
	}
	if limiter.used < limiter.limit {
		limiter.used++
		return 0, true
	}
	return limiter.windowStart.Add(limiter.window).Sub(now), false
}

// Block executes the exported block operation.
func (limiter *MemoryGlobalLimiter) Block(until time.Time) {
	limiter.lock.Lock()
	defer limiter.lock.Unlock()
	if until.After(limiter.blockedUntil) {
		limiter.blockedUntil = until
	}
}

// Used returns the units consumed in the current window.
func (limiter *MemoryGlobalLimiter) Used() int {
	limiter.lock.Lock()
	defer limiter.lock.Unlock()
	if limiter.windowStart.IsZero() || !limiter.clock.Now().Before(limiter.windowStart.Add(limiter.window)) {
		return 0
	}
	return limiter.used
}
