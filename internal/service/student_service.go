package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/examgate/examgate-backend/internal/model"
	"github.com/examgate/examgate-backend/internal/repository"
)

// ErrRollNumberTaken is returned when registering a duplicate roll number.
var ErrRollNumberTaken = errors.New("roll number already registered")

// StudentService handles student account management.
type StudentService struct {
	repo *repository.StudentRepository
	auth *AuthService
	log  zerolog.Logger
}

// NewStudentService creates a new StudentService.
func NewStudentService(repo *repository.StudentRepository, auth *AuthService, log zerolog.Logger) *StudentService {
	return &StudentService{
		repo: repo,
		auth: auth,
		log:  log.With().Str("component", "student_service").Logger(),
	}
}

// Register creates a student account with a hashed password.
func (s *StudentService) Register(ctx context.Context, req *model.StudentRegisterRequest) (*model.Student, error) {
	hash, err := s.auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	student := &model.Student{
		RollNumber:   req.RollNumber,
		Name:         req.Name,
		PasswordHash: hash,
	}
	if err := s.repo.Create(ctx, student); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrRollNumberTaken
		}
		return nil, err
	}

	s.log.Info().Str("roll_number", student.RollNumber).Msg("Student registered")
	return student, nil
}

// Authenticate verifies a student's credentials and returns the account.
func (s *StudentService) Authenticate(ctx context.Context, rollNumber, password string) (*model.Student, error) {
	student, err := s.repo.GetByRollNumber(ctx, rollNumber)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := s.auth.CheckPassword(student.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	return student, nil
}

// GetByID retrieves a student account.
func (s *StudentService) GetByID(ctx context.Context, id uuid.UUID) (*model.Student, error) {
	return s.repo.GetByID(ctx, id)
}
