package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/examgate/examgate-backend/internal/config"
	"github.com/examgate/examgate-backend/internal/model"
	"github.com/examgate/examgate-backend/internal/repository"
)

// Domain errors.
var (
	ErrNoQuestions      = errors.New("exam has no questions, cannot publish")
	ErrExamNotPublished = errors.New("exam is not published")
)

// ExamService handles exam authoring and the Redis payload cache that serves
// the student paper.
type ExamService struct {
	examRepo *repository.ExamRepository
	rdb      *redis.Client
	log      zerolog.Logger
}

// NewExamService creates a new ExamService.
func NewExamService(examRepo *repository.ExamRepository, rdb *redis.Client, log zerolog.Logger) *ExamService {
	return &ExamService{
		examRepo: examRepo,
		rdb:      rdb,
		log:      log.With().Str("component", "exam_service").Logger(),
	}
}

// GetByID retrieves an exam by its UUID.
func (s *ExamService) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	return s.examRepo.GetByID(ctx, id)
}

// List retrieves exams; students only ever see published ones.
func (s *ExamService) List(ctx context.Context, publishedOnly bool) ([]model.Exam, error) {
	exams, err := s.examRepo.List(ctx, publishedOnly)
	if err != nil {
		return nil, err
	}
	if exams == nil {
		exams = []model.Exam{}
	}
	return exams, nil
}

// Create inserts a new exam in unpublished state.
func (s *ExamService) Create(ctx context.Context, exam *model.Exam) error {
	return s.examRepo.Create(ctx, exam)
}

// ReplaceQuestions swaps an exam's question set and drops any cached payload,
// which was built from the old set.
func (s *ExamService) ReplaceQuestions(ctx context.Context, examID uuid.UUID, questions []model.QuestionInput) error {
	if err := s.examRepo.ReplaceQuestions(ctx, examID, questions); err != nil {
		return err
	}
	return s.invalidateCache(ctx, examID)
}

// ReplaceSections swaps an exam's section layout and drops any cached payload.
func (s *ExamService) ReplaceSections(ctx context.Context, examID uuid.UUID, sections []model.SectionInput) error {
	if err := s.examRepo.ReplaceSections(ctx, examID, sections); err != nil {
		return err
	}
	return s.invalidateCache(ctx, examID)
}

func (s *ExamService) invalidateCache(ctx context.Context, examID uuid.UUID) error {
	if err := s.rdb.Del(ctx, config.CacheKey.ExamPayloadKey(examID.String())).Err(); err != nil {
		return fmt.Errorf("invalidate payload cache: %w", err)
	}
	return nil
}

// Publish makes an exam visible to students and prewarms its payload cache.
func (s *ExamService) Publish(ctx context.Context, examID uuid.UUID) error {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return fmt.Errorf("get exam: %w", err)
	}

	if err := s.WarmExamCache(ctx, exam); err != nil {
		return err
	}

	if err := s.examRepo.SetPublished(ctx, examID, true); err != nil {
		return fmt.Errorf("set published: %w", err)
	}

	s.log.Info().Str("exam_id", examID.String()).Msg("Exam published")
	return nil
}

// Unpublish hides an exam and drops its cached payload.
func (s *ExamService) Unpublish(ctx context.Context, examID uuid.UUID) error {
	if err := s.examRepo.SetPublished(ctx, examID, false); err != nil {
		return fmt.Errorf("set published: %w", err)
	}
	if err := s.invalidateCache(ctx, examID); err != nil {
		return err
	}
	s.log.Info().Str("exam_id", examID.String()).Msg("Exam unpublished")
	return nil
}

// WarmExamCache builds the student-facing payload from PostgreSQL and caches
// it in Redis. The cached copy never carries correct answers.
func (s *ExamService) WarmExamCache(ctx context.Context, exam *model.Exam) error {
	payload, err := s.buildPayload(ctx, exam)
	if err != nil {
		return err
	}

	if err := s.cachePayload(ctx, exam.ID, payload); err != nil {
		return err
	}

	s.log.Debug().
		Str("exam_id", exam.ID.String()).
		Int("questions", len(payload.Questions)).
		Int("sections", len(payload.Sections)).
		Msg("Cache warmed")
	return nil
}

func (s *ExamService) cachePayload(ctx context.Context, examID uuid.UUID, payload *model.ExamPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	key := config.CacheKey.ExamPayloadKey(examID.String())
	if err := s.rdb.Set(ctx, key, payloadJSON, 0).Err(); err != nil {
		return fmt.Errorf("cache to redis: %w", err)
	}
	return nil
}

func (s *ExamService) buildPayload(ctx context.Context, exam *model.Exam) (*model.ExamPayload, error) {
	questions, err := s.examRepo.GetQuestions(ctx, exam.ID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}

	sections, err := s.examRepo.GetSections(ctx, exam.ID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}

	studentQuestions := make([]model.Question, len(questions))
	for i, q := range questions {
		studentQuestions[i] = q.ForStudent()
	}

	return &model.ExamPayload{
		Exam:      *exam,
		Sections:  sections,
		Questions: studentQuestions,
	}, nil
}

// PrewarmAllCaches loads every published exam into Redis on startup so the
// first wave of students never hits PostgreSQL for the paper.
func (s *ExamService) PrewarmAllCaches(ctx context.Context) error {
	exams, err := s.examRepo.List(ctx, true)
	if err != nil {
		return fmt.Errorf("list published exams: %w", err)
	}

	if len(exams) == 0 {
		s.log.Info().Msg("No published exams to prewarm")
		return nil
	}

	warmed := 0
	for i := range exams {
		if err := s.WarmExamCache(ctx, &exams[i]); err != nil {
			s.log.Warn().
				Err(err).
				Str("exam_id", exams[i].ID.String()).
				Msg("Failed to warm exam, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().
		Int("warmed", warmed).
		Int("total", len(exams)).
		Msg("Prewarming complete")
	return nil
}

// GetPayload retrieves the cached student payload, rebuilding and re-caching
// it from PostgreSQL on a miss.
func (s *ExamService) GetPayload(ctx context.Context, examID uuid.UUID) (*model.ExamPayload, error) {
	key := config.CacheKey.ExamPayloadKey(examID.String())
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var payload model.ExamPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		return &payload, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get payload: %w", err)
	}

	// Cache miss: rebuild from the source of truth and self-heal the cache.
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	if !exam.Published {
		return nil, ErrExamNotPublished
	}
	payload, err := s.buildPayload(ctx, exam)
	if err != nil {
		return nil, err
	}
	if err := s.cachePayload(ctx, examID, payload); err != nil {
		return nil, err
	}
	s.log.Debug().Str("exam_id", examID.String()).Msg("Payload cache self-healed")
	return payload, nil
}
