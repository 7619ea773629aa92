package dapi

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// ReconnectDelayStrategy decides how long the session waits before dialing
// again.
type ReconnectDelayStrategy interface {
	GetConnectWaitDuration(uri string) (time.Duration, error)
	Reset()
}

// FixedDelayStrategy stores reconnect delay parameters.
type FixedDelayStrategy struct {
	Delay time.Duration
}

// NewFixedDelayStrategy returns a new FixedDelayStrategy.
func NewFixedDelayStrategy(delay time.Duration) *FixedDelayStrategy {
	if delay < 0 {
		delay = 0
	}
	return &FixedDelayStrategy{Delay: delay}
}

// GetConnectWaitDuration returns the current connect wait duration value.
func (strategy *FixedDelayStrategy) GetConnectWaitDuration(uri string) (time.Duration, error) {
	if strategy == nil {
		return 0, nil
	}
	return strategy.Delay, nil
}

// Reset executes the exported reset operation.
func (strategy *FixedDelayStrategy) Reset() {}

// ExponentialDelayStrategy grows the delay by Factor per consecutive attempt
// up to MaxDelay. Jitter spreads each delay over [delay*(1-Jitter), delay].
type ExponentialDelayStrategy struct {
	lock      sync.Mutex
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
	Jitter    float64
	attempts  uint32
	random    func() float64
}

// NewExponentialDelayStrategy returns a new ExponentialDelayStrategy.
func NewExponentialDelayStrategy(baseDelay time.Duration, maxDelay time.Duration, factor float64) *ExponentialDelayStrategy {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	if factor < 1 {
		factor = 2
	}
	return &ExponentialDelayStrategy{
		BaseDelay: baseDelay,
		MaxDelay:  maxDelay,
		Factor:    factor,
		Jitter:    0.5,
		random:    rand.Float64,
	}
}

// SetJitter sets the jitter fraction, clamped to [0, 1].
func (strategy *ExponentialDelayStrategy) SetJitter(jitter float64) *ExponentialDelayStrategy {
	strategy.lock.Lock()
	defer strategy.lock.Unlock()
	strategy.Jitter = math.Max(0, math.Min(1, jitter))
	return strategy
}

// GetConnectWaitDuration returns the current connect wait duration value.
func (strategy *ExponentialDelayStrategy) GetConnectWaitDuration(uri string) (time.Duration, error) {
	if strategy == nil {
		return 0, nil
	}

	strategy.lock.Lock()
	defer strategy.lock.Unlock()

	attempt := strategy.attempts
	strategy.attempts = attempt + 1

	delayFloat := float64(strategy.BaseDelay) * math.Pow(strategy.Factor, float64(attempt))
	if delayFloat > float64(strategy.MaxDelay) || math.IsInf(delayFloat, 0) {
		delayFloat = float64(strategy.MaxDelay)
	}
	if strategy.Jitter > 0 && strategy.random != nil {
		delayFloat -= delayFloat * strategy.Jitter * strategy.random()
	}
	delay := time.Duration(delayFloat)
	if delay < 0 {
		delay = 0
	}
	return delay, nil
}

// Attempts returns the consecutive attempts since the last Reset.
func (strategy *ExponentialDelayStrategy) Attempts() uint32 {
	strategy.lock.Lock()
	defer strategy.lock.Unlock()
	return strategy.attempts
}

// Reset executes the exported reset operation.
func (strategy *ExponentialDelayStrategy) Reset() {
	if strategy == nil {
		return
	}
	strategy.lock.Lock()
	strategy.attempts = 0
	strategy.lock.Unlock()
}
