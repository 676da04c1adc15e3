package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/examgate/examgate-backend/internal/model"
)

// ErrAttemptFinalized is returned when a finalize races against an attempt
// that has already reached a terminal status on another instance.
var ErrAttemptFinalized = errors.New("attempt already finalized")

// AttemptRepository handles exam attempt data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// Create opens an attempt for the student if none exists yet. The
// (exam_id, student_id) unique constraint makes concurrent opens converge on
// a single row: the losing insert returns the existing attempt instead.
func (r *AttemptRepository) Create(ctx context.Context, examID, studentID uuid.UUID, durationSeconds int) (*model.ExamAttempt, bool, error) {
	a := &model.ExamAttempt{
		ExamID:          examID,
		StudentID:       studentID,
		Status:          model.AttemptStatusInProgress,
		DurationSeconds: durationSeconds,
	}

	err := r.pool.QueryRow(ctx,
		`INSERT INTO exam_attempts (exam_id, student_id, status, duration_seconds)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (exam_id, student_id) DO NOTHING
		 RETURNING id, started_at, violation_count`,
		examID, studentID, a.Status, durationSeconds,
	).Scan(&a.ID, &a.StartedAt, &a.ViolationCount)
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	existing, err := r.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetByID retrieves an attempt by ID.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamAttempt, error) {
	return r.scanOne(r.pool.QueryRow(ctx,
		`SELECT id, exam_id, student_id, status, started_at, duration_seconds, violation_count, finished_at
		 FROM exam_attempts
		 WHERE id = $1`, id))
}

// GetByExamAndStudent retrieves a student's attempt on an exam, if any.
func (r *AttemptRepository) GetByExamAndStudent(ctx context.Context, examID, studentID uuid.UUID) (*model.ExamAttempt, error) {
	return r.scanOne(r.pool.QueryRow(ctx,
		`SELECT id, exam_id, student_id, status, started_at, duration_seconds, violation_count, finished_at
		 FROM exam_attempts
		 WHERE exam_id = $1 AND student_id = $2`, examID, studentID))
}

func (r *AttemptRepository) scanOne(row pgx.Row) (*model.ExamAttempt, error) {
	a := &model.ExamAttempt{}
	err := row.Scan(&a.ID, &a.ExamID, &a.StudentID, &a.Status, &a.StartedAt,
		&a.DurationSeconds, &a.ViolationCount, &a.FinishedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// FinalizeInput carries everything a terminal transition persists in one
// transaction.
type FinalizeInput struct {
	AttemptID       uuid.UUID
	Status          model.AttemptStatus
	Answers         map[string]string
	MarkedForReview []string
	ViolationCount  int
}

// Finalize moves an attempt to a terminal status and persists its answer set.
// The conditional update only matches IN_PROGRESS rows, so of any number of
// racing finalizers across instances exactly one commits; the rest get
// ErrAttemptFinalized.
func (r *AttemptRepository) Finalize(ctx context.Context, in FinalizeInput) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE exam_attempts
		 SET status = $1, violation_count = GREATEST(violation_count, $2), finished_at = $3
		 WHERE id = $4 AND status = $5`,
		in.Status, in.ViolationCount, time.Now(), in.AttemptID, model.AttemptStatusInProgress)
	if err != nil {
		return fmt.Errorf("finalize attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptFinalized
	}

	reviewed := make(map[string]bool, len(in.MarkedForReview))
	for _, id := range in.MarkedForReview {
		reviewed[id] = true
	}
	for questionID, answer := range in.Answers {
		qid, err := uuid.Parse(questionID)
		if err != nil {
			return fmt.Errorf("invalid question id %q: %w", questionID, err)
		}
		if err := upsertAnswer(ctx, tx, in.AttemptID, qid, answer, reviewed[questionID]); err != nil {
			return err
		}
		delete(reviewed, questionID)
	}
	// Flags on unanswered questions still get a row.
	for questionID := range reviewed {
		qid, err := uuid.Parse(questionID)
		if err != nil {
			return fmt.Errorf("invalid question id %q: %w", questionID, err)
		}
		if err := upsertAnswer(ctx, tx, in.AttemptID, qid, "", true); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func upsertAnswer(ctx context.Context, tx pgx.Tx, attemptID, questionID uuid.UUID, answer string, review bool) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO attempt_answers (attempt_id, question_id, answer, marked_for_review, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (attempt_id, question_id)
		 DO UPDATE SET answer = EXCLUDED.answer, marked_for_review = EXCLUDED.marked_for_review, updated_at = NOW()`,
		attemptID, questionID, answer, review)
	if err != nil {
		return fmt.Errorf("upsert answer %s: %w", questionID, err)
	}
	return nil
}

// UpsertAnswer persists a single answer row outside finalization. Used by the
// background persistence worker as its per-row fallback path.
func (r *AttemptRepository) UpsertAnswer(ctx context.Context, attemptID, questionID uuid.UUID, answer string, review bool) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempt_answers (attempt_id, question_id, answer, marked_for_review, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (attempt_id, question_id)
		 DO UPDATE SET answer = EXCLUDED.answer, marked_for_review = EXCLUDED.marked_for_review, updated_at = NOW()`,
		attemptID, questionID, answer, review)
	return err
}

// GetAnswers loads an attempt's persisted answers and review flags.
func (r *AttemptRepository) GetAnswers(ctx context.Context, attemptID uuid.UUID) (map[string]string, []string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, answer, marked_for_review
		 FROM attempt_answers
		 WHERE attempt_id = $1`, attemptID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	answers := make(map[string]string)
	var review []string
	for rows.Next() {
		var questionID uuid.UUID
		var answer string
		var marked bool
		if err := rows.Scan(&questionID, &answer, &marked); err != nil {
			return nil, nil, err
		}
		if answer != "" {
			answers[questionID.String()] = answer
		}
		if marked {
			review = append(review, questionID.String())
		}
	}
	return answers, review, rows.Err()
}

// SetViolationCount updates the persisted violation tally. Monotonic so a
// stale worker batch cannot roll the count back.
func (r *AttemptRepository) SetViolationCount(ctx context.Context, attemptID uuid.UUID, count int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_attempts SET violation_count = GREATEST(violation_count, $1) WHERE id = $2`,
		count, attemptID)
	return err
}

// ListByExam retrieves all attempts for an exam, newest first.
func (r *AttemptRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]model.ExamAttempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, student_id, status, started_at, duration_seconds, violation_count, finished_at
		 FROM exam_attempts
		 WHERE exam_id = $1
		 ORDER BY started_at DESC`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []model.ExamAttempt
	for rows.Next() {
		a := model.ExamAttempt{}
		if err := rows.Scan(&a.ID, &a.ExamID, &a.StudentID, &a.Status, &a.StartedAt,
			&a.DurationSeconds, &a.ViolationCount, &a.FinishedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
