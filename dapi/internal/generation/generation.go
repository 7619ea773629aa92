// Package generation tags per-connection goroutines so that work started
// for an older connection can recognize itself as stale.
package generation

import "sync/atomic"

// Counter hands out monotonically increasing generations.
type Counter struct {
	current atomic.Uint64
}

// Next starts a new generation and returns it.
func (counter *Counter) Next() uint64 {
	if counter == nil {
		return 0
	}
	return counter.current.Add(1)
}

// Current returns the active generation.
func (counter *Counter) Current() uint64 {
	if counter == nil {
		return 0
	}
	return counter.current.Load()
}

// IsCurrent reports whether generation is still the active one.
func (counter *Counter) IsCurrent(generation uint64) bool {
	return counter != nil && generation != 0 && counter.current.Load() == generation
}
