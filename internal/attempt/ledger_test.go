package attempt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/examgate/examgate-backend/internal/model"
)

// fakeMirror records mirror writes; it can be told to fail everything.
type fakeMirror struct {
	mu      sync.Mutex
	answers map[string]string
	reviews map[string]bool
	fail    bool
	calls   int
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{
		answers: make(map[string]string),
		reviews: make(map[string]bool),
	}
}

func (f *fakeMirror) SaveAnswer(_ context.Context, _, qid uuid.UUID, answer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return context.DeadlineExceeded
	}
	f.answers[qid.String()] = answer
	return nil
}

func (f *fakeMirror) SetReviewFlag(_ context.Context, _, qid uuid.UUID, marked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return context.DeadlineExceeded
	}
	f.reviews[qid.String()] = marked
	return nil
}

func (f *fakeMirror) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func makeQuestions(n int) []model.Question {
	qs := make([]model.Question, n)
	for i := range qs {
		qs[i] = model.Question{
			ID:            uuid.New(),
			DisplayNumber: i + 1,
			Prompt:        "prompt",
			Options: []model.Option{
				{Letter: "A", Value: "first"},
				{Letter: "B", Value: "second"},
			},
		}
	}
	return qs
}

func newTestLedger(qs []model.Question, sections []model.Section) (*Ledger, *fakeMirror) {
	mirror := newFakeMirror()
	l := NewLedger(uuid.New(), qs, sections, mirror, zerolog.Nop())
	return l, mirror
}

func TestLedgerLastWriteWins(t *testing.T) {
	qs := makeQuestions(1)
	l, _ := newTestLedger(qs, nil)

	for _, ans := range []string{"A", "B", "A", "C"} {
		if err := l.SetAnswer(qs[0].ID, ans); err != nil {
			t.Fatalf("SetAnswer: %v", err)
		}
	}

	got, ok := l.Answer(qs[0].ID)
	if !ok || got != "C" {
		t.Fatalf("Answer() = %q, %v; want C, true", got, ok)
	}
}

func TestLedgerRejectsUnknownQuestion(t *testing.T) {
	l, _ := newTestLedger(makeQuestions(2), nil)

	if err := l.SetAnswer(uuid.New(), "A"); err != ErrUnknownQuestion {
		t.Fatalf("SetAnswer unknown = %v, want ErrUnknownQuestion", err)
	}
	if err := l.SetReview(uuid.New(), true); err != ErrUnknownQuestion {
		t.Fatalf("SetReview unknown = %v, want ErrUnknownQuestion", err)
	}
}

func TestLedgerSectionPartitioning(t *testing.T) {
	qs := makeQuestions(6)
	// Section 1 lists its questions in reverse of upload order to verify
	// the section's own ordering wins.
	sections := []model.Section{
		{ID: uuid.New(), Name: "Part A", Position: 0, QuestionIDs: []uuid.UUID{qs[0].ID, qs[1].ID, qs[2].ID}},
		{ID: uuid.New(), Name: "Part B", Position: 1, QuestionIDs: []uuid.UUID{qs[5].ID, qs[4].ID, qs[3].ID}},
	}
	l, _ := newTestLedger(qs, sections)

	got, err := l.SectionQuestions(1)
	if err != nil {
		t.Fatalf("SectionQuestions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("section 1 has %d questions, want 3", len(got))
	}
	wantOrder := []uuid.UUID{qs[5].ID, qs[4].ID, qs[3].ID}
	for i, q := range got {
		if q.ID != wantOrder[i] {
			t.Fatalf("section 1 question %d = %s, want %s", i, q.ID, wantOrder[i])
		}
	}

	if _, err := l.SectionQuestions(2); err != ErrUnknownSection {
		t.Fatalf("out-of-range section err = %v, want ErrUnknownSection", err)
	}
}

func TestLedgerImplicitSingleSection(t *testing.T) {
	qs := makeQuestions(4)
	l, _ := newTestLedger(qs, nil)

	if got := l.SectionCount(); got != 1 {
		t.Fatalf("SectionCount() = %d, want 1", got)
	}
	got, err := l.SectionQuestions(0)
	if err != nil {
		t.Fatalf("SectionQuestions: %v", err)
	}
	if len(got) != len(qs) {
		t.Fatalf("implicit section has %d questions, want %d", len(got), len(qs))
	}
}

func TestLedgerProgressOverCurrentSection(t *testing.T) {
	qs := makeQuestions(6)
	sections := []model.Section{
		{ID: uuid.New(), Name: "Part A", Position: 0, QuestionIDs: []uuid.UUID{qs[0].ID, qs[1].ID, qs[2].ID}},
		{ID: uuid.New(), Name: "Part B", Position: 1, QuestionIDs: []uuid.UUID{qs[3].ID, qs[4].ID, qs[5].ID}},
	}
	l, _ := newTestLedger(qs, sections)

	// Answer one question in each section, mark one in section 0.
	if err := l.SetAnswer(qs[0].ID, "A"); err != nil {
		t.Fatal(err)
	}
	if err := l.SetAnswer(qs[3].ID, "B"); err != nil {
		t.Fatal(err)
	}
	if err := l.SetReview(qs[1].ID, true); err != nil {
		t.Fatal(err)
	}

	p := l.Progress()
	if p.Total != 3 || p.Answered != 1 || p.MarkedForReview != 1 || p.Skipped != 1 {
		t.Fatalf("section 0 progress = %+v", p)
	}
	if p.Percent != 33 {
		t.Fatalf("percent = %d, want 33", p.Percent)
	}

	if err := l.SetSection(1); err != nil {
		t.Fatal(err)
	}
	p = l.Progress()
	if p.Total != 3 || p.Answered != 1 || p.MarkedForReview != 0 || p.Skipped != 2 {
		t.Fatalf("section 1 progress = %+v", p)
	}
}

func TestLedgerProgressEmptySection(t *testing.T) {
	l, _ := newTestLedger(nil, nil)
	p := l.Progress()
	if p.Percent != 0 || p.Total != 0 {
		t.Fatalf("empty progress = %+v, want zeros", p)
	}
}

func TestLedgerMirrorFailureKeepsLocalState(t *testing.T) {
	qs := makeQuestions(1)
	l, mirror := newTestLedger(qs, nil)
	mirror.mu.Lock()
	mirror.fail = true
	mirror.mu.Unlock()

	if err := l.SetAnswer(qs[0].ID, "B"); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	// Local value is authoritative regardless of the mirror outcome.
	if got, _ := l.Answer(qs[0].ID); got != "B" {
		t.Fatalf("Answer() = %q, want B", got)
	}

	waitFor(t, func() bool { return mirror.callCount() == 1 })
}

func TestLedgerFreezeRejectsMutations(t *testing.T) {
	qs := makeQuestions(1)
	l, _ := newTestLedger(qs, nil)
	l.Freeze()

	if err := l.SetAnswer(qs[0].ID, "A"); err != ErrLedgerFrozen {
		t.Fatalf("SetAnswer frozen = %v, want ErrLedgerFrozen", err)
	}
	if err := l.SetReview(qs[0].ID, true); err != ErrLedgerFrozen {
		t.Fatalf("SetReview frozen = %v, want ErrLedgerFrozen", err)
	}

	l.Unfreeze()
	if err := l.SetAnswer(qs[0].ID, "A"); err != nil {
		t.Fatalf("SetAnswer after Unfreeze: %v", err)
	}
}

func TestLedgerSnapshotIsDeepCopy(t *testing.T) {
	qs := makeQuestions(2)
	l, _ := newTestLedger(qs, nil)

	if err := l.SetAnswer(qs[0].ID, "A"); err != nil {
		t.Fatal(err)
	}
	if err := l.SetReview(qs[1].ID, true); err != nil {
		t.Fatal(err)
	}

	snap := l.Snapshot()
	snap.Answers[qs[0].ID] = "Z"

	if got, _ := l.Answer(qs[0].ID); got != "A" {
		t.Fatalf("mutating snapshot leaked into ledger: %q", got)
	}
	if len(snap.MarkedForReview) != 1 || snap.MarkedForReview[0] != qs[1].ID {
		t.Fatalf("snapshot review flags = %v", snap.MarkedForReview)
	}
}

func TestLedgerRestoreDropsUnknownIDs(t *testing.T) {
	qs := makeQuestions(2)
	l, _ := newTestLedger(qs, nil)

	l.Restore(map[uuid.UUID]string{
		qs[0].ID:   "B",
		uuid.New(): "A", // not in this exam
	}, []uuid.UUID{qs[1].ID, uuid.New()})

	if got, _ := l.Answer(qs[0].ID); got != "B" {
		t.Fatalf("restored answer = %q, want B", got)
	}
	snap := l.Snapshot()
	if len(snap.Answers) != 1 || len(snap.MarkedForReview) != 1 {
		t.Fatalf("restore kept unknown IDs: %+v", snap)
	}
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
