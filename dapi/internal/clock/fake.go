package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time moves only when Advance is
// called. It is safe for concurrent use.
type FakeClock struct {
	lock    sync.Mutex
	current time.Time
	waiters []*fakeWaiter
	changed *sync.Cond
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{current: initial}
	fake.changed = sync.NewCond(&fake.lock)
	return fake
}

// Now returns the current fake time.
func (fake *FakeClock) Now() time.Time {
	fake.lock.Lock()
	defer fake.lock.Unlock()
	return fake.current
}

// NewTimer registers a waiter that fires once the clock reaches now+d.
func (fake *FakeClock) NewTimer(d time.Duration) *Timer {
	fake.lock.Lock()
	defer fake.lock.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- fake.current
		return &Timer{C: channel, stopFunc: func() bool { return false }}
	}

	waiter := &fakeWaiter{deadline: fake.current.Add(d), channel: channel}
	fake.waiters = append(fake.waiters, waiter)
	fake.changed.Broadcast()

	return &Timer{
		C: channel,
		stopFunc: func() bool {
			fake.lock.Lock()
			defer fake.lock.Unlock()
			if waiter.stopped || waiter.fired {
				return false
			}
			waiter.stopped = true
			fake.changed.Broadcast()
			return true
		},
	}
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline is reached, in deadline order.
func (fake *FakeClock) Advance(d time.Duration) {
	fake.lock.Lock()
	fake.current = fake.current.Add(d)
	target := fake.current

	var due []*fakeWaiter
	remaining := fake.waiters[:0]
	for _, waiter := range fake.waiters {
		switch {
		case waiter.stopped:
		case !waiter.deadline.After(target):
			waiter.fired = true
			due = append(due, waiter)
		default:
			remaining = append(remaining, waiter)
		}
	}
	fake.waiters = remaining
	fake.changed.Broadcast()
	fake.lock.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, waiter := range due {
		select {
		case waiter.channel <- target:
		default:
		}
	}
}

// WaitForTimers blocks until at least n timers are armed.
func (fake *FakeClock) WaitForTimers(n int) {
	fake.lock.Lock()
	defer fake.lock.Unlock()
	for fake.pendingLocked() < n {
		fake.changed.Wait()
	}
}

// PendingCount returns the number of armed timers.
func (fake *FakeClock) PendingCount() int {
	fake.lock.Lock()
	defer fake.lock.Unlock()
	return fake.pendingLocked()
}

func (fake *FakeClock) pendingLocked() int {
	count := 0
	for _, waiter := range fake.waiters {
		if !waiter.stopped {
			count++
		}
	}
	return count
}
