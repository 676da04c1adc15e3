package attempt

import (
	"sync"
	"time"
)

const (
	// ViolationThreshold is the count at which forced submission is scheduled.
	ViolationThreshold = 3
	// EscalationGrace is the delay between reaching the threshold and the
	// forced submission firing, so the warning can be perceived.
	EscalationGrace = 3 * time.Second
	// WarningVisible is how long the transient violation warning stays up
	// unless superseded by a new violation.
	WarningVisible = 3 * time.Second
)

// Monitor counts anomaly signals (focus lost, tab hidden) for one attempt
// and escalates to forced submission past a fixed threshold. Every raw
// signal counts as a violation: overlapping blur and visibility events for
// one underlying episode are not deduplicated, which over-counts but keeps
// the policy simple and observable.
type Monitor struct {
	mu sync.Mutex

	count     int
	threshold int
	grace     time.Duration
	warnFor   time.Duration

	escalated bool
	disarmed  bool
	warning   bool

	warnTimer     *time.Timer
	escalateTimer *time.Timer

	// notify is invoked asynchronously on every violation; failures inside
	// it must not affect the local count.
	notify func(count int)
	// escalate fires once, EscalationGrace after the threshold is reached.
	escalate func()
	// onWarning reports warning visibility changes; may be nil.
	onWarning func(count int, visible bool)
}

// NewMonitor creates an armed monitor. escalate must not be nil; notify and
// onWarning may be.
func NewMonitor(notify func(int), escalate func(), onWarning func(int, bool)) *Monitor {
	return &Monitor{
		threshold: ViolationThreshold,
		grace:     EscalationGrace,
		warnFor:   WarningVisible,
		notify:    notify,
		escalate:  escalate,
		onWarning: onWarning,
	}
}

// Restore seeds the count from persisted state when resuming an attempt. A
// count already at or past the threshold re-arms the forced submission: the
// process may have died between scheduling the escalation and carrying it
// out, and an attempt must not outlive its threshold by crashing.
func (m *Monitor) Restore(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count = count
	if count >= m.threshold && !m.escalated && !m.disarmed {
		m.escalated = true
		m.escalateTimer = time.AfterFunc(m.grace, m.escalate)
	}
}

// Report registers one violation signal and returns the new count. It is a
// no-op returning the frozen count once the monitor is disarmed.
func (m *Monitor) Report() int {
	m.mu.Lock()
	if m.disarmed {
		count := m.count
		m.mu.Unlock()
		return count
	}

	m.count++
	count := m.count

	// Raise (or re-arm) the transient warning.
	m.warning = true
	if m.warnTimer != nil {
		m.warnTimer.Stop()
	}
	m.warnTimer = time.AfterFunc(m.warnFor, func() { m.clearWarning() })

	// One-shot escalation: further violations never reschedule it.
	if count >= m.threshold && !m.escalated {
		m.escalated = true
		m.escalateTimer = time.AfterFunc(m.grace, m.escalate)
	}
	m.mu.Unlock()

	if m.onWarning != nil {
		m.onWarning(count, true)
	}
	if m.notify != nil {
		go m.notify(count)
	}
	return count
}

func (m *Monitor) clearWarning() {
	m.mu.Lock()
	if m.disarmed || !m.warning {
		m.mu.Unlock()
		return
	}
	m.warning = false
	count := m.count
	m.mu.Unlock()

	if m.onWarning != nil {
		m.onWarning(count, false)
	}
}

// Count returns the current violation count.
func (m *Monitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// WarningVisible reports whether the transient warning is currently shown.
func (m *Monitor) WarningVisible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warning
}

// Escalated reports whether forced submission has been scheduled.
func (m *Monitor) Escalated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.escalated
}

// Disarm stops all timers and ignores further reports. A pending escalation
// is cancelled; the lifecycle controller's latch handles the race where it
// already fired.
func (m *Monitor) Disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disarmed {
		return
	}
	m.disarmed = true
	m.warning = false
	if m.warnTimer != nil {
		m.warnTimer.Stop()
	}
	if m.escalateTimer != nil {
		m.escalateTimer.Stop()
	}
}
