package attempt

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestAnchorRemaining(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	anchor := Anchor{StartedAt: start, Duration: 60 * time.Second}

	tests := []struct {
		name    string
		elapsed time.Duration
		want    time.Duration
	}{
		{name: "at start", elapsed: 0, want: 60 * time.Second},
		{name: "mid exam", elapsed: 10 * time.Second, want: 50 * time.Second},
		{name: "one second left", elapsed: 59 * time.Second, want: time.Second},
		{name: "exactly expired", elapsed: 60 * time.Second, want: 0},
		{name: "long past deadline", elapsed: time.Hour, want: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := anchor.Remaining(start.Add(tc.elapsed))
			if got != tc.want {
				t.Fatalf("Remaining() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAnchorRemainingNeverNegative(t *testing.T) {
	anchor := Anchor{StartedAt: time.Now().Add(-2 * time.Hour), Duration: time.Minute}
	if got := anchor.Remaining(time.Now()); got != 0 {
		t.Fatalf("Remaining() = %v, want 0", got)
	}
	if !anchor.Expired(time.Now()) {
		t.Fatal("Expired() = false, want true")
	}
}

func TestClockExpiresImmediatelyWhenPastDeadline(t *testing.T) {
	expired := make(chan struct{})
	anchor := Anchor{StartedAt: time.Now().Add(-time.Hour), Duration: time.Minute}

	clock := NewClock(anchor, nil, func() { close(expired) })
	clock.Start()

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("expiry did not fire for an already-expired anchor")
	}
}

func TestClockFiresExpireExactlyOnce(t *testing.T) {
	var fired atomic.Int32
	anchor := Anchor{StartedAt: time.Now(), Duration: 30 * time.Millisecond}

	clock := NewClock(anchor, nil, func() { fired.Add(1) })
	clock.interval = 10 * time.Millisecond
	clock.Start()

	time.Sleep(200 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("expiry fired %d times, want 1", got)
	}
}

func TestClockTicksWithDerivedRemaining(t *testing.T) {
	ticks := make(chan time.Duration, 16)
	anchor := Anchor{StartedAt: time.Now(), Duration: time.Minute}

	clock := NewClock(anchor, func(rem time.Duration) { ticks <- rem }, func() {})
	clock.interval = 10 * time.Millisecond
	clock.Start()
	defer clock.Stop()

	select {
	case rem := <-ticks:
		if rem <= 0 || rem > time.Minute {
			t.Fatalf("tick remaining = %v, want within (0, 1m]", rem)
		}
	case <-time.After(time.Second):
		t.Fatal("no tick received")
	}
}

func TestClockStopPreventsExpiry(t *testing.T) {
	var fired atomic.Int32
	anchor := Anchor{StartedAt: time.Now(), Duration: 50 * time.Millisecond}

	clock := NewClock(anchor, nil, func() { fired.Add(1) })
	clock.interval = 10 * time.Millisecond
	clock.Start()
	clock.Stop()

	time.Sleep(150 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("expiry fired %d times after Stop, want 0", got)
	}
	// Remaining is still derived from the anchor after Stop.
	if clock.Remaining() != 0 {
		// Deadline has passed in wall-clock terms by now.
		t.Fatalf("Remaining() = %v, want 0", clock.Remaining())
	}
}
