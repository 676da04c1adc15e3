package attempt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/examgate/examgate-backend/internal/model"
)

var (
	// ErrAttemptTerminal is returned for any operation on an attempt that
	// has already reached a terminal status.
	ErrAttemptTerminal = errors.New("attempt is already terminal")
	// ErrAlreadyFinalizing is returned when a second trigger loses the
	// finalization race; the winning trigger's outcome stands.
	ErrAlreadyFinalizing = errors.New("attempt is already finalizing")
)

// FinalSnapshot is the complete record handed to the grading collaborator
// at finalization. It carries the full answer and violation state so that
// previously dropped mirror writes cannot corrupt the final record.
type FinalSnapshot struct {
	AttemptID       uuid.UUID
	ExamID          uuid.UUID
	StudentID       uuid.UUID
	Status          model.AttemptStatus
	Answers         map[uuid.UUID]string
	MarkedForReview []uuid.UUID
	ViolationCount  int
	Elapsed         time.Duration
}

// Submitter performs the one-and-only terminal submission for an attempt.
type Submitter interface {
	SubmitAttempt(ctx context.Context, snap FinalSnapshot) error
}

// EventType identifies runtime events pushed to attached clients.
type EventType string

const (
	EventTick      EventType = "tick"
	EventWarning   EventType = "warning"
	EventFinalized EventType = "finalized"
)

// Event is a runtime notification for the live attempt stream.
type Event struct {
	Type             EventType           `json:"event"`
	RemainingSeconds int                 `json:"remaining_seconds,omitempty"`
	ViolationCount   int                 `json:"violation_count,omitempty"`
	WarningVisible   bool                `json:"warning_visible,omitempty"`
	Status           model.AttemptStatus `json:"status,omitempty"`
}

// Config carries everything needed to build a Controller.
type Config struct {
	Attempt   *model.ExamAttempt
	Anchor    Anchor
	Questions []model.Question
	Sections  []model.Section
	Mirror    Mirror
	// Notify is the best-effort per-violation reporter (queue push);
	// failures inside it never block the local count.
	Notify    func(count int)
	Submitter Submitter
	Log       zerolog.Logger
}

const autoSubmitTimeout = 10 * time.Second

// Controller is the top-level state machine for one active attempt. It owns
// the attempt status and guards the terminal transition with a single
// finalizing latch: a manual submit, a clock expiry, and a violation
// escalation racing at the same instant produce exactly one terminal state
// and exactly one submission call.
type Controller struct {
	attempt *model.ExamAttempt

	clock   *Clock
	monitor *Monitor
	ledger  *Ledger

	submitter Submitter
	log       zerolog.Logger

	// latch serializes finalization. Held only for short critical sections;
	// the submission call itself runs outside it.
	latch      chan struct{}
	finalizing bool
	status     model.AttemptStatus
	// pending records an auto trigger that fired while a manual submit held
	// the latch. The trigger's one-shot timer is spent by then, so a failed
	// manual submit must replay it on unwind.
	pending model.AttemptStatus

	events    chan Event
	evMu      sync.Mutex
	evClosed  bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewController wires the clock, monitor, and ledger for an attempt. The
// caller must invoke Start to begin the countdown.
func NewController(cfg Config) *Controller {
	c := &Controller{
		attempt:   cfg.Attempt,
		submitter: cfg.Submitter,
		log: cfg.Log.With().
			Str("component", "attempt_controller").
			Str("attempt_id", cfg.Attempt.ID.String()).
			Logger(),
		latch:  make(chan struct{}, 1),
		status: cfg.Attempt.Status,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	c.ledger = NewLedger(cfg.Attempt.ID, cfg.Questions, cfg.Sections, cfg.Mirror, cfg.Log)
	c.monitor = NewMonitor(
		cfg.Notify,
		func() { c.autoFinalize(model.AttemptStatusViolationThreshold) },
		func(count int, visible bool) {
			c.emit(Event{Type: EventWarning, ViolationCount: count, WarningVisible: visible})
		},
	)
	c.clock = NewClock(
		cfg.Anchor,
		func(remaining time.Duration) {
			c.emit(Event{Type: EventTick, RemainingSeconds: int(remaining.Seconds())})
		},
		func() { c.autoFinalize(model.AttemptStatusTimeout) },
	)
	// Restore last: a persisted count past the threshold re-arms escalation,
	// which needs the clock in place when it fires.
	c.monitor.Restore(cfg.Attempt.ViolationCount)

	return c
}

// Start begins the countdown. If the attempt's deadline already passed
// (reopened past expiry), the timeout path fires immediately.
func (c *Controller) Start() {
	c.clock.Start()
}

// Status returns the attempt's current status.
func (c *Controller) Status() model.AttemptStatus {
	c.acquire()
	defer c.release()
	return c.status
}

// Remaining returns the derived remaining time.
func (c *Controller) Remaining() time.Duration {
	return c.clock.Remaining()
}

// Ledger exposes the attempt's answer ledger.
func (c *Controller) Ledger() *Ledger {
	return c.ledger
}

// ViolationCount returns the current violation count.
func (c *Controller) ViolationCount() int {
	return c.monitor.Count()
}

// Events returns the runtime event stream for live clients. The channel is
// closed when the attempt reaches a terminal state or the runtime is torn
// down.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// SetAnswer records an answer while the attempt is in progress.
func (c *Controller) SetAnswer(qid uuid.UUID, answer string) error {
	if err := c.requireInProgress(); err != nil {
		return err
	}
	return c.ledger.SetAnswer(qid, answer)
}

// SetReview sets a question's review flag while the attempt is in progress.
func (c *Controller) SetReview(qid uuid.UUID, marked bool) error {
	if err := c.requireInProgress(); err != nil {
		return err
	}
	return c.ledger.SetReview(qid, marked)
}

// ReportViolation registers one anomaly signal and returns the new count.
func (c *Controller) ReportViolation() (int, error) {
	if err := c.requireInProgress(); err != nil {
		return c.monitor.Count(), err
	}
	return c.monitor.Report(), nil
}

func (c *Controller) requireInProgress() error {
	c.acquire()
	defer c.release()
	if c.finalizing || c.status.Terminal() {
		return ErrAttemptTerminal
	}
	return nil
}

// Submit performs the user-confirmed manual submission. Unlike the two
// automatic paths, a failed submission here releases the latch, leaves the
// attempt in progress, and returns the error so the caller can retry.
func (c *Controller) Submit(ctx context.Context) error {
	c.acquire()
	if c.status.Terminal() {
		c.release()
		return ErrAttemptTerminal
	}
	if c.finalizing {
		c.release()
		return ErrAlreadyFinalizing
	}
	c.finalizing = true
	c.release()

	c.ledger.Freeze()
	snap := c.snapshot(model.AttemptStatusSubmitted)

	if err := c.submitter.SubmitAttempt(ctx, snap); err != nil {
		// Manual path is recoverable: unwind and let the student retry.
		c.ledger.Unfreeze()
		c.acquire()
		c.finalizing = false
		pending := c.pending
		c.pending = ""
		c.release()
		c.log.Error().Err(err).Msg("Manual submission failed, submit re-enabled")
		if pending != "" {
			// The clock or monitor fired during the failed submission and
			// lost the latch race. Replay it so the attempt cannot outlive
			// its deadline through a submit failure.
			c.autoFinalize(pending)
		}
		return err
	}

	c.acquire()
	c.status = model.AttemptStatusSubmitted
	c.release()
	c.teardown(model.AttemptStatusSubmitted)
	return nil
}

// autoFinalize is the shared path for clock expiry and violation
// escalation. Whichever trigger acquires the latch first wins; a loser
// racing another finalizer is a no-op, while one arriving during a manual
// submission is recorded for replay should that submission fail. Submission
// failure on these paths is logged but the terminal state stands: the
// time/violation condition is itself terminal regardless of network outcome.
func (c *Controller) autoFinalize(status model.AttemptStatus) {
	c.acquire()
	if c.status.Terminal() {
		c.release()
		return
	}
	if c.finalizing {
		c.pending = status
		c.release()
		return
	}
	c.finalizing = true
	c.status = status
	c.release()

	c.ledger.Freeze()
	snap := c.snapshot(status)

	ctx, cancel := context.WithTimeout(context.Background(), autoSubmitTimeout)
	defer cancel()
	if err := c.submitter.SubmitAttempt(ctx, snap); err != nil {
		c.log.Error().Err(err).Str("status", string(status)).
			Msg("Auto submission failed; terminal state stands")
	}

	c.teardown(status)
}

func (c *Controller) snapshot(status model.AttemptStatus) FinalSnapshot {
	ls := c.ledger.Snapshot()
	elapsed := c.clock.Anchor().Duration - c.clock.Remaining()
	return FinalSnapshot{
		AttemptID:       c.attempt.ID,
		ExamID:          c.attempt.ExamID,
		StudentID:       c.attempt.StudentID,
		Status:          status,
		Answers:         ls.Answers,
		MarkedForReview: ls.MarkedForReview,
		ViolationCount:  c.monitor.Count(),
		Elapsed:         elapsed,
	}
}

// teardown stops the clock, disarms the monitor, emits the terminal event,
// and closes the event stream. Idempotent.
func (c *Controller) teardown(status model.AttemptStatus) {
	c.closeOnce.Do(func() {
		c.clock.Stop()
		c.monitor.Disarm()
		c.emit(Event{Type: EventFinalized, Status: status, ViolationCount: c.monitor.Count()})
		c.closeEvents()
		close(c.done)
	})
}

// Close tears down timers without finalizing: used when the student
// navigates away. The persisted anchor survives, so the attempt resumes
// with the correct remaining time.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.clock.Stop()
		c.monitor.Disarm()
		c.closeEvents()
		close(c.done)
	})
}

// Done is closed when the runtime has been torn down.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) emit(ev Event) {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if c.evClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
		// Slow or absent consumer; drop rather than block a timer goroutine.
	}
}

func (c *Controller) closeEvents() {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if !c.evClosed {
		c.evClosed = true
		close(c.events)
	}
}

func (c *Controller) acquire() { c.latch <- struct{}{} }
func (c *Controller) release() { <-c.latch }
