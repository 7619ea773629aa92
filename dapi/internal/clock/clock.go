package clock

import (
	"context"
	"time"
)

// Clock abstracts the time operations needed for pacing.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTimer returns a Timer that delivers the fire time on C after d.
	// If d <= 0 the timer fires immediately.
	NewTimer(d time.Duration) *Timer
}

// Timer is a one-shot timer. Stop releases it; a stopped timer never
// delivers on C.
type Timer struct {
	C <-chan time.Time

	stopFunc func() bool
}

// Stop prevents the Timer from firing. Returns false if the timer already
// fired or was stopped.
func (timer *Timer) Stop() bool {
	if timer == nil || timer.stopFunc == nil {
		return false
	}
	return timer.stopFunc()
}

// Sleep blocks for d or until ctx is done, whichever happens first. It
// returns ctx.Err() when the context ends the wait.
func Sleep(ctx context.Context, source Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := source.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Until returns the duration until deadline measured on source.
func Until(source Clock, deadline time.Time) time.Duration {
	return deadline.Sub(source.Now())
}
