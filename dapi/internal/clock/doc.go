// Package clock provides the injectable time source used by the request
// scheduler, the global limiter and the gateway heartbeat.
//
// Production code uses Real(). Tests use Fake() and move time forward with
// Advance; WaitForTimers blocks until the goroutine under test has armed
// the expected number of timers, which removes the race between arming a
// timer and advancing past it:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go scheduler.Do(ctx, request)
//	fake.WaitForTimers(1)
//	fake.Advance(1500 * time.Millisecond)
package clock
