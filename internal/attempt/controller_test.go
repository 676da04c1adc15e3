package attempt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/examgate/examgate-backend/internal/model"
)

// fakeSubmitter counts submissions and records the snapshots it received.
type fakeSubmitter struct {
	mu    sync.Mutex
	calls []FinalSnapshot
	err   error
	delay time.Duration
	// hook, when set, runs at the top of every call. Set before first use.
	hook func()
}

func (f *fakeSubmitter) SubmitAttempt(_ context.Context, snap FinalSnapshot) error {
	if f.hook != nil {
		f.hook()
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, snap)
	return nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSubmitter) last() FinalSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeSubmitter) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newTestController(t *testing.T, duration time.Duration, sub *fakeSubmitter) (*Controller, []model.Question) {
	t.Helper()
	qs := makeQuestions(3)
	att := &model.ExamAttempt{
		ID:              uuid.New(),
		ExamID:          uuid.New(),
		StudentID:       uuid.New(),
		Status:          model.AttemptStatusInProgress,
		StartedAt:       time.Now(),
		DurationSeconds: int(duration.Seconds()),
	}
	c := NewController(Config{
		Attempt:   att,
		Anchor:    Anchor{StartedAt: att.StartedAt, Duration: duration},
		Questions: qs,
		Mirror:    newFakeMirror(),
		Submitter: sub,
		Log:       zerolog.Nop(),
	})
	t.Cleanup(c.Close)
	return c, qs
}

func TestControllerManualSubmitWins(t *testing.T) {
	sub := &fakeSubmitter{}
	c, qs := newTestController(t, time.Minute, sub)

	if err := c.SetAnswer(qs[0].ID, "B"); err != nil {
		t.Fatal(err)
	}
	if err := c.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if got := c.Status(); got != model.AttemptStatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", got)
	}
	if sub.count() != 1 {
		t.Fatalf("submit calls = %d, want 1", sub.count())
	}
	snap := sub.last()
	if snap.Status != model.AttemptStatusSubmitted || snap.Answers[qs[0].ID] != "B" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestControllerSecondSubmitRejected(t *testing.T) {
	sub := &fakeSubmitter{}
	c, _ := newTestController(t, time.Minute, sub)

	if err := c.Submit(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Submit(context.Background()); !errors.Is(err, ErrAttemptTerminal) {
		t.Fatalf("second Submit = %v, want ErrAttemptTerminal", err)
	}
	if sub.count() != 1 {
		t.Fatalf("submit calls = %d, want 1", sub.count())
	}
}

func TestControllerRacingTriggersProduceOneTerminalState(t *testing.T) {
	sub := &fakeSubmitter{delay: 20 * time.Millisecond}
	c, _ := newTestController(t, time.Minute, sub)

	// Fire the timeout and violation finalizers at the same instant.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.autoFinalize(model.AttemptStatusTimeout)
	}()
	go func() {
		defer wg.Done()
		c.autoFinalize(model.AttemptStatusViolationThreshold)
	}()
	wg.Wait()

	if sub.count() != 1 {
		t.Fatalf("submit calls = %d, want exactly 1", sub.count())
	}
	status := c.Status()
	if status != model.AttemptStatusTimeout && status != model.AttemptStatusViolationThreshold {
		t.Fatalf("status = %s, want one of the two auto-submitted states", status)
	}
	if sub.last().Status != status {
		t.Fatalf("snapshot status %s != controller status %s", sub.last().Status, status)
	}
}

func TestControllerClockExpiryAutoSubmits(t *testing.T) {
	sub := &fakeSubmitter{}
	c, _ := newTestController(t, 30*time.Millisecond, sub)
	c.clock.interval = 10 * time.Millisecond
	c.Start()

	waitFor(t, func() bool { return c.Status() == model.AttemptStatusTimeout })
	if sub.count() != 1 {
		t.Fatalf("submit calls = %d, want 1", sub.count())
	}
}

func TestControllerExpiredAnchorSubmitsImmediately(t *testing.T) {
	sub := &fakeSubmitter{}
	qs := makeQuestions(1)
	att := &model.ExamAttempt{
		ID:              uuid.New(),
		ExamID:          uuid.New(),
		StudentID:       uuid.New(),
		Status:          model.AttemptStatusInProgress,
		StartedAt:       time.Now().Add(-time.Hour),
		DurationSeconds: 60,
	}
	c := NewController(Config{
		Attempt:   att,
		Anchor:    Anchor{StartedAt: att.StartedAt, Duration: time.Minute},
		Questions: qs,
		Mirror:    newFakeMirror(),
		Submitter: sub,
		Log:       zerolog.Nop(),
	})
	t.Cleanup(c.Close)

	c.Start()
	waitFor(t, func() bool { return c.Status() == model.AttemptStatusTimeout })
}

func TestControllerViolationEscalationAutoSubmits(t *testing.T) {
	sub := &fakeSubmitter{}
	c, _ := newTestController(t, time.Minute, sub)
	c.monitor.grace = 10 * time.Millisecond

	for i := 0; i < ViolationThreshold+2; i++ {
		if _, err := c.ReportViolation(); err != nil && !errors.Is(err, ErrAttemptTerminal) {
			t.Fatalf("ReportViolation: %v", err)
		}
	}

	waitFor(t, func() bool { return c.Status() == model.AttemptStatusViolationThreshold })
	if sub.count() != 1 {
		t.Fatalf("submit calls = %d, want exactly 1", sub.count())
	}
	if snap := sub.last(); snap.ViolationCount < ViolationThreshold {
		t.Fatalf("snapshot violation count = %d, want >= %d", snap.ViolationCount, ViolationThreshold)
	}
}

func TestControllerManualSubmitFailureIsRetryable(t *testing.T) {
	sub := &fakeSubmitter{}
	sub.setErr(errors.New("network down"))
	c, qs := newTestController(t, time.Minute, sub)

	if err := c.Submit(context.Background()); err == nil {
		t.Fatal("Submit succeeded, want error")
	}

	// The attempt is still in progress and answers were not lost.
	if got := c.Status(); got != model.AttemptStatusInProgress {
		t.Fatalf("status after failed submit = %s, want IN_PROGRESS", got)
	}
	if err := c.SetAnswer(qs[0].ID, "A"); err != nil {
		t.Fatalf("SetAnswer after failed submit: %v", err)
	}

	sub.setErr(nil)
	if err := c.Submit(context.Background()); err != nil {
		t.Fatalf("retry Submit: %v", err)
	}
	if got := c.Status(); got != model.AttemptStatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", got)
	}
	if snap := sub.last(); snap.Answers[qs[0].ID] != "A" {
		t.Fatalf("retry snapshot lost answers: %+v", snap.Answers)
	}
}

func TestControllerFailedSubmitReplaysMissedExpiry(t *testing.T) {
	sub := &fakeSubmitter{delay: 150 * time.Millisecond}
	sub.setErr(errors.New("network down"))
	c, qs := newTestController(t, 30*time.Millisecond, sub)
	c.clock.interval = 10 * time.Millisecond
	c.Start()

	// The deadline passes while the failing submission is in flight, so the
	// expiry loses the latch race and its ticker goroutine is gone for good.
	// The unwind must replay it rather than reopen the attempt.
	if err := c.Submit(context.Background()); err == nil {
		t.Fatal("Submit succeeded, want error")
	}

	if got := c.Status(); got != model.AttemptStatusTimeout {
		t.Fatalf("status after failed submit past deadline = %s, want AUTO_SUBMITTED_TIMEOUT", got)
	}
	if err := c.SetAnswer(qs[0].ID, "A"); !errors.Is(err, ErrAttemptTerminal) {
		t.Fatalf("SetAnswer past deadline = %v, want ErrAttemptTerminal", err)
	}
}

func TestControllerFailedSubmitReplaysMissedEscalation(t *testing.T) {
	sub := &fakeSubmitter{}
	c, _ := newTestController(t, time.Minute, sub)

	// The escalation timer fires while the manual submission is executing
	// and the submission then fails.
	fired := false
	sub.hook = func() {
		if fired {
			return
		}
		fired = true
		sub.setErr(errors.New("network down"))
		c.autoFinalize(model.AttemptStatusViolationThreshold)
	}

	if err := c.Submit(context.Background()); err == nil {
		t.Fatal("Submit succeeded, want error")
	}

	if got := c.Status(); got != model.AttemptStatusViolationThreshold {
		t.Fatalf("status after failed submit = %s, want AUTO_SUBMITTED_VIOLATION", got)
	}
}

func TestControllerRejectsMutationsAfterTerminal(t *testing.T) {
	sub := &fakeSubmitter{}
	c, qs := newTestController(t, time.Minute, sub)

	if err := c.Submit(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := c.SetAnswer(qs[0].ID, "A"); !errors.Is(err, ErrAttemptTerminal) {
		t.Fatalf("SetAnswer after terminal = %v, want ErrAttemptTerminal", err)
	}
	if err := c.SetReview(qs[0].ID, true); !errors.Is(err, ErrAttemptTerminal) {
		t.Fatalf("SetReview after terminal = %v, want ErrAttemptTerminal", err)
	}
	if _, err := c.ReportViolation(); !errors.Is(err, ErrAttemptTerminal) {
		t.Fatalf("ReportViolation after terminal = %v, want ErrAttemptTerminal", err)
	}
}

func TestControllerEmitsFinalizedEvent(t *testing.T) {
	sub := &fakeSubmitter{}
	c, _ := newTestController(t, time.Minute, sub)

	events := c.Events()
	if err := c.Submit(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event stream closed without a finalized event")
			}
			if ev.Type == EventFinalized {
				if ev.Status != model.AttemptStatusSubmitted {
					t.Fatalf("finalized status = %s", ev.Status)
				}
				return
			}
		case <-deadline:
			t.Fatal("no finalized event received")
		}
	}
}

func TestManagerResolvesConcurrentOpens(t *testing.T) {
	m := NewManager()
	sub := &fakeSubmitter{}
	c1, _ := newTestController(t, time.Minute, sub)
	c2, _ := newTestController(t, time.Minute, sub)
	id := uuid.New()

	got1, fresh1 := m.Put(id, c1)
	got2, fresh2 := m.Put(id, c2)

	if !fresh1 || fresh2 {
		t.Fatalf("fresh flags = %v, %v; want true, false", fresh1, fresh2)
	}
	if got1 != c1 || got2 != c1 {
		t.Fatal("second Put did not resolve to the existing runtime")
	}

	m.Close(id)
	if _, ok := m.Get(id); ok {
		t.Fatal("runtime still registered after Close")
	}
	// Close is idempotent.
	m.Close(id)
}
