package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeTimerFiresOnlyAfterDeadline(t *testing.T) {
	fake := Fake(epoch)
	timer := fake.NewTimer(time.Second)

	fake.Advance(999 * time.Millisecond)
	select {
	case <-timer.C:
		t.Fatalf("expected timer to stay armed before its deadline")
	default:
	}

	fake.Advance(time.Millisecond)
	select {
	case fired := <-timer.C:
		if !fired.Equal(epoch.Add(time.Second)) {
			t.Fatalf("unexpected fire time: %v", fired)
		}
	default:
		t.Fatalf("expected timer to fire at its deadline")
	}
	if fake.PendingCount() != 0 {
		t.Fatalf("expected no pending timers, got %d", fake.PendingCount())
	}
}

func TestFakeTimerStop(t *testing.T) {
	fake := Fake(epoch)
	timer := fake.NewTimer(time.Second)
	if !timer.Stop() {
		t.Fatalf("expected first stop to report an armed timer")
	}
	if timer.Stop() {
		t.Fatalf("expected second stop to report false")
	}
	fake.Advance(2 * time.Second)
	select {
	case <-timer.C:
		t.Fatalf("stopped timer must not fire")
	default:
	}
}

func TestFakeNonPositiveTimerFiresImmediately(t *testing.T) {
	fake := Fake(epoch)
	timer := fake.NewTimer(0)
	select {
	case <-timer.C:
	default:
		t.Fatalf("expected zero-duration timer to fire immediately")
	}
}

func TestSleepWithFakeClock(t *testing.T) {
	fake := Fake(epoch)
	done := make(chan error, 1)
	go func() {
		done <- Sleep(context.Background(), fake, 5*time.Second)
	}()

	fake.WaitForTimers(1)
	fake.Advance(5 * time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected sleep error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("sleep did not return after advance")
	}
}

func TestSleepCancelled(t *testing.T) {
	fake := Fake(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Sleep(ctx, fake, time.Hour)
	}()

	fake.WaitForTimers(1)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("sleep did not observe cancellation")
	}
	if fake.PendingCount() != 0 {
		t.Fatalf("expected cancelled sleep to release its timer")
	}
}

func TestRealClock(t *testing.T) {
	source := Real()
	before := time.Now()
	if source.Now().Before(before) {
		t.Fatalf("expected real clock to be at or after wall time")
	}
	if err := Sleep(context.Background(), source, time.Millisecond); err != nil {
		t.Fatalf("unexpected sleep error: %v", err)
	}
	if Until(source, time.Now().Add(time.Hour)) <= 0 {
		t.Fatalf("expected positive duration until a future deadline")
	}
}
