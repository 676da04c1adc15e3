package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/examgate/examgate-backend/internal/attempt"
	"github.com/examgate/examgate-backend/internal/config"
	"github.com/examgate/examgate-backend/internal/model"
	"github.com/examgate/examgate-backend/internal/repository"
)

// Domain errors.
var (
	ErrAttemptCompleted = errors.New("attempt already completed")
	ErrAttemptNotFound  = errors.New("no attempt for this exam")
)

// AttemptService owns the full attempt lifecycle: opening, in-memory runtime,
// state reloads, and the single terminal submission.
type AttemptService struct {
	attemptRepo *repository.AttemptRepository
	examSvc     *ExamService
	anchors     attempt.AnchorStore
	manager     *attempt.Manager
	rdb         *redis.Client
	log         zerolog.Logger
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(
	attemptRepo *repository.AttemptRepository,
	examSvc *ExamService,
	rdb *redis.Client,
	log zerolog.Logger,
) *AttemptService {
	return &AttemptService{
		attemptRepo: attemptRepo,
		examSvc:     examSvc,
		anchors:     attempt.NewRedisAnchorStore(rdb),
		manager:     attempt.NewManager(),
		rdb:         rdb,
		log:         log.With().Str("component", "attempt_service").Logger(),
	}
}

// Shutdown tears down all live runtimes.
func (s *AttemptService) Shutdown() {
	s.manager.CloseAll()
}

// StartAttempt opens (or reopens) the student's single attempt on an exam and
// ensures a live runtime for it. Concurrent opens from the same student
// converge on one attempt row and one runtime.
func (s *AttemptService) StartAttempt(ctx context.Context, examID, studentID uuid.UUID) (*model.ExamAttempt, *attempt.Controller, error) {
	payload, err := s.examSvc.GetPayload(ctx, examID)
	if err != nil {
		return nil, nil, err
	}

	duration := payload.Exam.TimeLimitMinutes * 60
	att, created, err := s.attemptRepo.Create(ctx, examID, studentID, duration)
	if err != nil {
		return nil, nil, fmt.Errorf("open attempt: %w", err)
	}
	if att.Status.Terminal() {
		return att, nil, ErrAttemptCompleted
	}

	anchor := attempt.Anchor{
		StartedAt: att.StartedAt,
		Duration:  time.Duration(att.DurationSeconds) * time.Second,
	}
	if created {
		if err := s.anchors.Save(ctx, att.ID, anchor); err != nil {
			// The DB row remains the source of truth for the anchor.
			s.log.Warn().Err(err).Str("attempt_id", att.ID.String()).Msg("Failed to cache anchor")
		}
		s.log.Info().
			Str("attempt_id", att.ID.String()).
			Str("exam_id", examID.String()).
			Str("student_id", studentID.String()).
			Int("duration_seconds", duration).
			Msg("Attempt opened")
	}

	runtime, err := s.ensureRuntime(ctx, att, payload)
	if err != nil {
		return nil, nil, err
	}
	return att, runtime, nil
}

// Runtime returns the live runtime for an attempt the student owns,
// rebuilding it from persisted state if this instance does not hold one.
func (s *AttemptService) Runtime(ctx context.Context, examID, studentID uuid.UUID) (*model.ExamAttempt, *attempt.Controller, error) {
	att, err := s.attemptRepo.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil {
		return nil, nil, ErrAttemptNotFound
	}
	if att.Status.Terminal() {
		return att, nil, ErrAttemptCompleted
	}

	if runtime, ok := s.manager.Get(att.ID); ok {
		return att, runtime, nil
	}

	payload, err := s.examSvc.GetPayload(ctx, examID)
	if err != nil {
		return nil, nil, err
	}
	runtime, err := s.ensureRuntime(ctx, att, payload)
	if err != nil {
		return nil, nil, err
	}
	return att, runtime, nil
}

// ensureRuntime builds the in-memory runtime for an in-progress attempt and
// registers it; if another goroutine won the registration race, theirs is
// returned and the fresh one is discarded.
func (s *AttemptService) ensureRuntime(ctx context.Context, att *model.ExamAttempt, payload *model.ExamPayload) (*attempt.Controller, error) {
	anchor, err := s.loadAnchor(ctx, att)
	if err != nil {
		return nil, err
	}

	ctrl := attempt.NewController(attempt.Config{
		Attempt:   att,
		Anchor:    anchor,
		Questions: payload.Questions,
		Sections:  payload.Sections,
		Mirror:    &redisMirror{rdb: s.rdb},
		Notify:    s.violationNotifier(att),
		Submitter: s,
		Log:       s.log,
	})

	existing, replaced := s.manager.Put(att.ID, ctrl)
	if !replaced {
		return existing, nil
	}

	if answers, review, err := s.loadMirroredState(ctx, att.ID); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", att.ID.String()).Msg("Failed to restore mirrored answers")
	} else {
		ctrl.Ledger().Restore(answers, review)
	}

	ctrl.Start()
	return ctrl, nil
}

// loadAnchor reads the timing anchor from Redis, falling back to the attempt
// row and self-healing the cache on a miss. The anchor is never recomputed
// from the current wall clock, so a reload never restarts the countdown.
func (s *AttemptService) loadAnchor(ctx context.Context, att *model.ExamAttempt) (attempt.Anchor, error) {
	anchor, ok, err := s.anchors.Load(ctx, att.ID)
	if err != nil {
		return attempt.Anchor{}, fmt.Errorf("load anchor: %w", err)
	}
	if ok {
		return anchor, nil
	}

	anchor = attempt.Anchor{
		StartedAt: att.StartedAt,
		Duration:  time.Duration(att.DurationSeconds) * time.Second,
	}
	if err := s.anchors.Save(ctx, att.ID, anchor); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", att.ID.String()).Msg("Failed to self-heal anchor cache")
	}
	return anchor, nil
}

// loadMirroredState restores answers and review flags, preferring the Redis
// mirror and falling back to PostgreSQL.
func (s *AttemptService) loadMirroredState(ctx context.Context, attemptID uuid.UUID) (map[uuid.UUID]string, []uuid.UUID, error) {
	raw, err := s.rdb.HGetAll(ctx, config.CacheKey.AttemptAnswersKey(attemptID.String())).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("read answer mirror: %w", err)
	}
	rawReview, err := s.rdb.SMembers(ctx, config.CacheKey.AttemptReviewKey(attemptID.String())).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("read review mirror: %w", err)
	}

	if len(raw) == 0 && len(rawReview) == 0 {
		dbAnswers, dbReview, err := s.attemptRepo.GetAnswers(ctx, attemptID)
		if err != nil {
			return nil, nil, fmt.Errorf("read persisted answers: %w", err)
		}
		raw = dbAnswers
		rawReview = dbReview
	}

	answers := make(map[uuid.UUID]string, len(raw))
	for k, v := range raw {
		qid, err := uuid.Parse(k)
		if err != nil {
			continue
		}
		answers[qid] = v
	}
	review := make([]uuid.UUID, 0, len(rawReview))
	for _, k := range rawReview {
		qid, err := uuid.Parse(k)
		if err != nil {
			continue
		}
		review = append(review, qid)
	}
	return answers, review, nil
}

// GetState returns the reload view of an in-progress attempt: persisted
// answers, review flags, and the derived remaining time.
func (s *AttemptService) GetState(ctx context.Context, examID, studentID uuid.UUID) (*model.AttemptState, error) {
	att, runtime, err := s.Runtime(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, ErrAttemptCompleted) {
			return &model.AttemptState{
				AttemptID:        att.ID,
				ExamID:           att.ExamID,
				Status:           att.Status,
				RemainingSeconds: 0,
				ViolationCount:   att.ViolationCount,
				Answers:          map[string]string{},
				MarkedForReview:  []string{},
			}, nil
		}
		return nil, err
	}

	snap := runtime.Ledger().Snapshot()
	answers := make(map[string]string, len(snap.Answers))
	for qid, ans := range snap.Answers {
		answers[qid.String()] = ans
	}
	review := make([]string, 0, len(snap.MarkedForReview))
	for _, qid := range snap.MarkedForReview {
		review = append(review, qid.String())
	}

	return &model.AttemptState{
		AttemptID:        att.ID,
		ExamID:           att.ExamID,
		Status:           runtime.Status(),
		RemainingSeconds: int(runtime.Remaining().Seconds()),
		ViolationCount:   runtime.ViolationCount(),
		Answers:          answers,
		MarkedForReview:  review,
	}, nil
}

// SaveAnswer records an answer through the attempt's runtime.
func (s *AttemptService) SaveAnswer(ctx context.Context, examID, studentID, questionID uuid.UUID, answer string) error {
	_, runtime, err := s.Runtime(ctx, examID, studentID)
	if err != nil {
		return err
	}
	return runtime.SetAnswer(questionID, answer)
}

// SetReview sets a question's review flag through the attempt's runtime.
func (s *AttemptService) SetReview(ctx context.Context, examID, studentID, questionID uuid.UUID, marked bool) error {
	_, runtime, err := s.Runtime(ctx, examID, studentID)
	if err != nil {
		return err
	}
	return runtime.SetReview(questionID, marked)
}

// ReportViolation registers one anomaly signal and returns the new count.
func (s *AttemptService) ReportViolation(ctx context.Context, examID, studentID uuid.UUID) (int, error) {
	_, runtime, err := s.Runtime(ctx, examID, studentID)
	if err != nil {
		return 0, err
	}
	return runtime.ReportViolation()
}

// Submit performs the student-initiated submission. A failure leaves the
// attempt in progress so the student can retry.
func (s *AttemptService) Submit(ctx context.Context, examID, studentID uuid.UUID) error {
	_, runtime, err := s.Runtime(ctx, examID, studentID)
	if err != nil {
		return err
	}
	return runtime.Submit(ctx)
}

// violationNotifier builds the best-effort per-violation side channel: it
// mirrors the running count, queues the event for batch persistence, and
// feeds the live proctor stream. None of these can block or fail the count.
func (s *AttemptService) violationNotifier(att *model.ExamAttempt) func(int) {
	attemptID := att.ID
	examID := att.ExamID
	studentID := att.StudentID
	return func(count int) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		job := model.ViolationJob{
			AttemptID: attemptID.String(),
			ExamID:    examID.String(),
			StudentID: studentID.String(),
			Count:     count,
			Timestamp: time.Now().Unix(),
		}
		raw, err := json.Marshal(job)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to encode violation job")
			return
		}

		pipe := s.rdb.Pipeline()
		pipe.Set(ctx, config.CacheKey.AttemptViolationsKey(attemptID.String()), count, 0)
		pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, raw)
		pipe.Publish(ctx, config.CacheKey.ExamMonitorChannel(examID.String()), raw)
		if _, err := pipe.Exec(ctx); err != nil {
			s.log.Warn().
				Err(err).
				Str("attempt_id", attemptID.String()).
				Int("count", count).
				Msg("Violation side channel write failed, local count stands")
		}
	}
}

// SubmitAttempt persists the terminal transition. It is invoked exactly once
// per finalization winner; a cross-instance race surfacing as an
// already-finalized row is treated as settled, not as a failure.
func (s *AttemptService) SubmitAttempt(ctx context.Context, snap attempt.FinalSnapshot) error {
	answers := make(map[string]string, len(snap.Answers))
	for qid, ans := range snap.Answers {
		answers[qid.String()] = ans
	}
	review := make([]string, 0, len(snap.MarkedForReview))
	for _, qid := range snap.MarkedForReview {
		review = append(review, qid.String())
	}

	err := s.attemptRepo.Finalize(ctx, repository.FinalizeInput{
		AttemptID:       snap.AttemptID,
		Status:          snap.Status,
		Answers:         answers,
		MarkedForReview: review,
		ViolationCount:  snap.ViolationCount,
	})
	if err != nil {
		if errors.Is(err, repository.ErrAttemptFinalized) {
			s.log.Warn().
				Str("attempt_id", snap.AttemptID.String()).
				Str("status", string(snap.Status)).
				Msg("Attempt already finalized on another instance")
		} else {
			return fmt.Errorf("finalize attempt: %w", err)
		}
	}

	s.cleanupAttemptKeys(ctx, snap.AttemptID)
	s.log.Info().
		Str("attempt_id", snap.AttemptID.String()).
		Str("status", string(snap.Status)).
		Int("answers", len(answers)).
		Int("violations", snap.ViolationCount).
		Dur("elapsed", snap.Elapsed).
		Msg("Attempt finalized")
	return nil
}

// cleanupAttemptKeys drops the attempt's transient Redis state after the
// terminal record is durable in PostgreSQL.
func (s *AttemptService) cleanupAttemptKeys(ctx context.Context, attemptID uuid.UUID) {
	id := attemptID.String()
	keys := []string{
		config.CacheKey.AttemptAnswersKey(id),
		config.CacheKey.AttemptReviewKey(id),
		config.CacheKey.AttemptViolationsKey(id),
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", id).Msg("Failed to clean attempt keys")
	}
	if err := s.anchors.Delete(ctx, attemptID); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", id).Msg("Failed to delete anchor")
	}
}

// ListResults retrieves all attempts for an exam for the admin results view.
func (s *AttemptService) ListResults(ctx context.Context, examID uuid.UUID) ([]model.ExamAttempt, error) {
	attempts, err := s.attemptRepo.ListByExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if attempts == nil {
		attempts = []model.ExamAttempt{}
	}
	return attempts, nil
}

// redisMirror is the best-effort async copy of the in-memory ledger. It keeps
// the reload state hot in Redis and queues each write for batch persistence.
type redisMirror struct {
	rdb *redis.Client
}

func (m *redisMirror) SaveAnswer(ctx context.Context, attemptID, questionID uuid.UUID, answer string) error {
	job, err := json.Marshal(model.AnswerJob{
		AttemptID:  attemptID.String(),
		QuestionID: questionID.String(),
		Answer:     answer,
	})
	if err != nil {
		return err
	}
	pipe := m.rdb.Pipeline()
	pipe.HSet(ctx, config.CacheKey.AttemptAnswersKey(attemptID.String()), questionID.String(), answer)
	pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, job)
	_, err = pipe.Exec(ctx)
	return err
}

func (m *redisMirror) SetReviewFlag(ctx context.Context, attemptID, questionID uuid.UUID, marked bool) error {
	job, err := json.Marshal(model.AnswerJob{
		AttemptID:  attemptID.String(),
		QuestionID: questionID.String(),
		Review:     &marked,
	})
	if err != nil {
		return err
	}
	key := config.CacheKey.AttemptReviewKey(attemptID.String())
	pipe := m.rdb.Pipeline()
	if marked {
		pipe.SAdd(ctx, key, questionID.String())
	} else {
		pipe.SRem(ctx, key, questionID.String())
	}
	pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, job)
	_, err = pipe.Exec(ctx)
	return err
}
