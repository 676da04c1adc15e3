package service

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/examgate/examgate-backend/internal/model"
	"github.com/examgate/examgate-backend/internal/repository"
)

// AdminService handles admin account management.
type AdminService struct {
	repo *repository.AdminRepository
	auth *AuthService
	log  zerolog.Logger
}

// NewAdminService creates a new AdminService.
func NewAdminService(repo *repository.AdminRepository, auth *AuthService, log zerolog.Logger) *AdminService {
	return &AdminService{
		repo: repo,
		auth: auth,
		log:  log.With().Str("component", "admin_service").Logger(),
	}
}

// Create adds an admin account with a hashed password.
func (s *AdminService) Create(ctx context.Context, email, name, password string) (*model.Admin, error) {
	hash, err := s.auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	admin := &model.Admin{
		Email:        email,
		Name:         name,
		PasswordHash: hash,
	}
	if err := s.repo.Create(ctx, admin); err != nil {
		return nil, err
	}
	s.log.Info().Str("email", email).Msg("Admin created")
	return admin, nil
}

// Authenticate verifies an admin's credentials and returns the account.
func (s *AdminService) Authenticate(ctx context.Context, email, password string) (*model.Admin, error) {
	admin, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := s.auth.CheckPassword(admin.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	return admin, nil
}
