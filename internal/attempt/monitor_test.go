package attempt

import (
	"sync/atomic"
	"testing"
	"time"
)

func newTestMonitor(escalated *atomic.Int32) *Monitor {
	m := NewMonitor(nil, func() { escalated.Add(1) }, nil)
	m.grace = 10 * time.Millisecond
	m.warnFor = 20 * time.Millisecond
	return m
}

func TestMonitorCountsEveryRawSignal(t *testing.T) {
	var escalated atomic.Int32
	m := newTestMonitor(&escalated)

	// Blur and visibility-hidden for the same episode both count.
	m.Report()
	if got := m.Report(); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}
}

func TestMonitorEscalatesExactlyOnceAtThreshold(t *testing.T) {
	var escalated atomic.Int32
	m := newTestMonitor(&escalated)

	for i := 0; i < ViolationThreshold; i++ {
		m.Report()
	}
	if !m.Escalated() {
		t.Fatal("escalation not scheduled at threshold")
	}

	// Further violations after the threshold must not re-trigger.
	for i := 0; i < 5; i++ {
		m.Report()
	}

	time.Sleep(100 * time.Millisecond)
	if got := escalated.Load(); got != 1 {
		t.Fatalf("escalation fired %d times, want 1", got)
	}
	if got := m.Count(); got != ViolationThreshold+5 {
		t.Fatalf("count = %d, want %d", got, ViolationThreshold+5)
	}
}

func TestMonitorEscalationWaitsForGrace(t *testing.T) {
	var escalated atomic.Int32
	m := NewMonitor(nil, func() { escalated.Add(1) }, nil)
	m.grace = 50 * time.Millisecond

	for i := 0; i < ViolationThreshold; i++ {
		m.Report()
	}
	if got := escalated.Load(); got != 0 {
		t.Fatal("escalation fired before the grace delay")
	}

	time.Sleep(120 * time.Millisecond)
	if got := escalated.Load(); got != 1 {
		t.Fatalf("escalation fired %d times after grace, want 1", got)
	}
}

func TestMonitorWarningSelfClears(t *testing.T) {
	var escalated atomic.Int32
	m := newTestMonitor(&escalated)

	m.Report()
	if !m.WarningVisible() {
		t.Fatal("warning not visible after report")
	}

	time.Sleep(80 * time.Millisecond)
	if m.WarningVisible() {
		t.Fatal("warning did not self-clear")
	}
}

func TestMonitorWarningSupersededByNewViolation(t *testing.T) {
	var escalated atomic.Int32
	m := newTestMonitor(&escalated)

	m.Report()
	time.Sleep(10 * time.Millisecond)
	m.Report() // re-arms the clear timer

	time.Sleep(15 * time.Millisecond)
	if !m.WarningVisible() {
		t.Fatal("warning cleared despite being superseded by a newer violation")
	}
}

func TestMonitorDisarmStopsEscalationAndReports(t *testing.T) {
	var escalated atomic.Int32
	m := newDisarmTestMonitor(&escalated)

	for i := 0; i < ViolationThreshold; i++ {
		m.Report()
	}
	m.Disarm()

	time.Sleep(100 * time.Millisecond)
	if got := escalated.Load(); got != 0 {
		t.Fatalf("escalation fired %d times after disarm, want 0", got)
	}

	before := m.Count()
	if got := m.Report(); got != before {
		t.Fatalf("disarmed Report() changed count: %d -> %d", before, got)
	}
}

func newDisarmTestMonitor(escalated *atomic.Int32) *Monitor {
	m := NewMonitor(nil, func() { escalated.Add(1) }, nil)
	m.grace = 30 * time.Millisecond
	m.warnFor = 20 * time.Millisecond
	return m
}

func TestMonitorRestoreAtThresholdReArmsEscalation(t *testing.T) {
	var escalated atomic.Int32
	m := NewMonitor(nil, func() { escalated.Add(1) }, nil)
	m.grace = 10 * time.Millisecond

	// A resumed attempt whose persisted count already crossed the threshold
	// must not survive just because the process died before the forced
	// submission went through.
	m.Restore(ViolationThreshold)

	time.Sleep(60 * time.Millisecond)
	if got := escalated.Load(); got != 1 {
		t.Fatalf("escalation fired %d times after restore, want 1", got)
	}

	// Fresh reports must not schedule a second escalation.
	m.Report()
	time.Sleep(60 * time.Millisecond)
	if got := escalated.Load(); got != 1 {
		t.Fatalf("escalation fired %d times, want 1", got)
	}
}

func TestMonitorRestoreBelowThresholdDoesNotEscalate(t *testing.T) {
	var escalated atomic.Int32
	m := newTestMonitor(&escalated)

	m.Restore(ViolationThreshold - 1)
	time.Sleep(60 * time.Millisecond)
	if got := escalated.Load(); got != 0 {
		t.Fatalf("escalation fired %d times after restore, want 0", got)
	}
}

func TestMonitorNotifyFailureDoesNotAffectCount(t *testing.T) {
	var escalated atomic.Int32
	notified := make(chan int, 8)
	m := NewMonitor(func(count int) { notified <- count }, func() { escalated.Add(1) }, nil)
	m.grace = 10 * time.Millisecond

	if got := m.Report(); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("notifier was not invoked")
	}
}
