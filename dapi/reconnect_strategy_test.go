package dapi

import (
	"testing"
	"time"
)

func TestFixedDelayStrategy(t *testing.T) {
	strategy := NewFixedDelayStrategy(250 * time.Millisecond)
	delay1, err := strategy.GetConnectWaitDuration("wss://gateway.test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	delay2, _ := strategy.GetConnectWaitDuration("wss://gateway.test")
	if delay1 != 250*time.Millisecond || delay2 != 250*time.Millisecond {
		t.Fatalf("expected fixed delay of 250ms, got %v and %v", delay1, delay2)
	}
	if NewFixedDelayStrategy(-time.Second).Delay != 0 {
		t.Fatalf("expected negative delay to clamp to zero")
	}
}

func TestExponentialDelayStrategy(t *testing.T) {
	strategy := NewExponentialDelayStrategy(50*time.Millisecond, 400*time.Millisecond, 2).SetJitter(0)

	var delays []time.Duration
	for i := 0; i < 5; i++ {
		delay, _ := strategy.GetConnectWaitDuration("a")
		delays = append(delays, delay)
	}
	want := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 400 * time.Millisecond}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("expected delays %v, got %v", want, delays)
		}
	}
	if strategy.Attempts() != 5 {
		t.Fatalf("expected 5 attempts, got %d", strategy.Attempts())
	}

	strategy.Reset()
	reset, _ := strategy.GetConnectWaitDuration("a")
	if reset != 50*time.Millisecond {
		t.Fatalf("expected reset delay to return to 50ms, got %v", reset)
	}
}

func TestExponentialDelayStrategyJitter(t *testing.T) {
	strategy := NewExponentialDelayStrategy(time.Second, time.Minute, 2)
	strategy.random = func() float64 { return 1 }

	first, _ := strategy.GetConnectWaitDuration("a")
	if first != 500*time.Millisecond {
		t.Fatalf("expected full jitter to halve the delay, got %v", first)
	}

	strategy.random = func() float64 { return 0 }
	second, _ := strategy.GetConnectWaitDuration("a")
	if second != 2*time.Second {
		t.Fatalf("expected unjittered second delay of 2s, got %v", second)
	}

	if NewExponentialDelayStrategy(0, 0, 0).SetJitter(3).Jitter != 1 {
		t.Fatalf("expected jitter to clamp to 1")
	}
	defaults := NewExponentialDelayStrategy(0, 0, 0)
	if defaults.BaseDelay != time.Second || defaults.MaxDelay != time.Minute || defaults.Factor != 2 {
		t.Fatalf("unexpected defaults %+v", defaults)
	}
}
