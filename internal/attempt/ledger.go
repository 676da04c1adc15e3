package attempt

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/examgate/examgate-backend/internal/model"
)

var (
	// ErrUnknownQuestion is returned for a question ID not in the exam.
	ErrUnknownQuestion = errors.New("question not in exam")
	// ErrLedgerFrozen is returned for mutations after finalization began.
	ErrLedgerFrozen = errors.New("ledger is frozen")
	// ErrUnknownSection is returned for an out-of-range section index.
	ErrUnknownSection = errors.New("section index out of range")
)

// Mirror receives best-effort asynchronous copies of ledger mutations.
// A Mirror failure is logged and never retried; the in-memory ledger stays
// authoritative for the rest of the session.
type Mirror interface {
	SaveAnswer(ctx context.Context, attemptID, questionID uuid.UUID, answer string) error
	SetReviewFlag(ctx context.Context, attemptID, questionID uuid.UUID, marked bool) error
}

// Progress summarizes the current section's answer state.
type Progress struct {
	Total           int `json:"total"`
	Answered        int `json:"answered"`
	Skipped         int `json:"skipped"`
	MarkedForReview int `json:"marked_for_review"`
	Percent         int `json:"percent"`
}

// Snapshot is a frozen copy of the ledger's state, carried whole into the
// final submission so dropped mirror writes cannot corrupt the record.
type Snapshot struct {
	Answers         map[uuid.UUID]string
	MarkedForReview []uuid.UUID
}

const mirrorTimeout = 5 * time.Second

// Ledger holds the authoritative per-question answer and review-flag state
// for one in-progress attempt, partitioned by section.
type Ledger struct {
	mu sync.Mutex

	attemptID uuid.UUID
	questions []model.Question
	sections  []model.Section
	byID      map[uuid.UUID]int

	answers map[uuid.UUID]string
	review  map[uuid.UUID]struct{}
	section int
	frozen  bool

	mirror Mirror
	log    zerolog.Logger
}

// NewLedger builds a ledger over the exam's questions. When the exam
// defines no sections, all questions form a single implicit section.
func NewLedger(attemptID uuid.UUID, questions []model.Question, sections []model.Section, mirror Mirror, log zerolog.Logger) *Ledger {
	byID := make(map[uuid.UUID]int, len(questions))
	for i, q := range questions {
		byID[q.ID] = i
	}
	return &Ledger{
		attemptID: attemptID,
		questions: questions,
		sections:  sections,
		byID:      byID,
		answers:   make(map[uuid.UUID]string),
		review:    make(map[uuid.UUID]struct{}),
		mirror:    mirror,
		log:       log.With().Str("component", "ledger").Str("attempt_id", attemptID.String()).Logger(),
	}
}

// Restore loads previously persisted answers and review flags, used when
// resuming an attempt after a reload. Unknown question IDs are dropped.
func (l *Ledger) Restore(answers map[uuid.UUID]string, review []uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for qid, ans := range answers {
		if _, ok := l.byID[qid]; ok {
			l.answers[qid] = ans
		}
	}
	for _, qid := range review {
		if _, ok := l.byID[qid]; ok {
			l.review[qid] = struct{}{}
		}
	}
}

// SetAnswer records the selected option for a question, overwriting any
// prior value (last write wins), and mirrors it best-effort.
func (l *Ledger) SetAnswer(qid uuid.UUID, answer string) error {
	l.mu.Lock()
	if l.frozen {
		l.mu.Unlock()
		return ErrLedgerFrozen
	}
	if _, ok := l.byID[qid]; !ok {
		l.mu.Unlock()
		return ErrUnknownQuestion
	}
	l.answers[qid] = answer
	l.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := l.mirror.SaveAnswer(ctx, l.attemptID, qid, answer); err != nil {
			l.log.Warn().Err(err).Str("question_id", qid.String()).Msg("Answer mirror write failed")
		}
	}()
	return nil
}

// SetReview sets the review flag to an explicit state. Both transports send
// the desired state rather than a toggle, so repeated deliveries of the same
// message are idempotent.
func (l *Ledger) SetReview(qid uuid.UUID, marked bool) error {
	l.mu.Lock()
	if l.frozen {
		l.mu.Unlock()
		return ErrLedgerFrozen
	}
	if _, ok := l.byID[qid]; !ok {
		l.mu.Unlock()
		return ErrUnknownQuestion
	}
	if marked {
		l.review[qid] = struct{}{}
	} else {
		delete(l.review, qid)
	}
	l.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := l.mirror.SetReviewFlag(ctx, l.attemptID, qid, marked); err != nil {
			l.log.Warn().Err(err).Str("question_id", qid.String()).Msg("Review flag mirror write failed")
		}
	}()
	return nil
}

// Answer returns the recorded answer for a question, if any.
func (l *Ledger) Answer(qid uuid.UUID) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ans, ok := l.answers[qid]
	return ans, ok
}

// SectionCount returns the number of sections (at least 1; exams without
// sections have a single implicit one).
func (l *Ledger) SectionCount() int {
	if len(l.sections) == 0 {
		return 1
	}
	return len(l.sections)
}

// SetSection switches the current section.
func (l *Ledger) SetSection(i int) error {
	count := l.SectionCount()
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= count {
		return ErrUnknownSection
	}
	l.section = i
	return nil
}

// CurrentSection returns the current section index.
func (l *Ledger) CurrentSection() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.section
}

// SectionQuestions returns section i's questions in the section's
// question_ids order, independent of upload order. For exams without
// sections, index 0 returns all questions in display order.
func (l *Ledger) SectionQuestions(i int) ([]model.Question, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sectionQuestionsLocked(i)
}

func (l *Ledger) sectionQuestionsLocked(i int) ([]model.Question, error) {
	if len(l.sections) == 0 {
		if i != 0 {
			return nil, ErrUnknownSection
		}
		out := make([]model.Question, len(l.questions))
		copy(out, l.questions)
		return out, nil
	}
	if i < 0 || i >= len(l.sections) {
		return nil, ErrUnknownSection
	}
	ids := l.sections[i].QuestionIDs
	out := make([]model.Question, 0, len(ids))
	for _, qid := range ids {
		if idx, ok := l.byID[qid]; ok {
			out = append(out, l.questions[idx])
		}
	}
	return out, nil
}

// Progress summarizes the current section only. A question counts as
// skipped when it has neither an answer nor a review flag.
func (l *Ledger) Progress() Progress {
	l.mu.Lock()
	defer l.mu.Unlock()

	qs, err := l.sectionQuestionsLocked(l.section)
	if err != nil {
		return Progress{}
	}

	p := Progress{Total: len(qs)}
	for _, q := range qs {
		_, answered := l.answers[q.ID]
		_, marked := l.review[q.ID]
		if answered {
			p.Answered++
		}
		if marked {
			p.MarkedForReview++
		}
		if !answered && !marked {
			p.Skipped++
		}
	}
	if p.Total > 0 {
		p.Percent = int(math.Round(float64(p.Answered) / float64(p.Total) * 100))
	}
	return p
}

// Freeze rejects all further mutations. Called once finalization begins.
func (l *Ledger) Freeze() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frozen = true
}

// Unfreeze re-enables mutations after a failed manual submission.
func (l *Ledger) Unfreeze() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frozen = false
}

// Snapshot returns a deep copy of the answer and review state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{
		Answers:         make(map[uuid.UUID]string, len(l.answers)),
		MarkedForReview: make([]uuid.UUID, 0, len(l.review)),
	}
	for qid, ans := range l.answers {
		snap.Answers[qid] = ans
	}
	// Keep review flags in display order for a stable record.
	for _, q := range l.questions {
		if _, ok := l.review[q.ID]; ok {
			snap.MarkedForReview = append(snap.MarkedForReview, q.ID)
		}
	}
	return snap
}
