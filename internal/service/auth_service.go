package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/examgate/examgate-backend/internal/config"
)

// Common auth errors.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDeviceConflict     = errors.New("an active session exists on another device")
	ErrSessionSuperseded  = errors.New("session superseded by a newer login")
	ErrNoActiveSession    = errors.New("no active session")
)

// TokenType distinguishes student vs admin tokens.
type TokenType string

const (
	TokenTypeStudent TokenType = "student"
	TokenTypeAdmin   TokenType = "admin"
)

// Claims extends JWT standard claims with app-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	TokenType TokenType `json:"token_type"`
	UserID    uuid.UUID `json:"user_id"`
}

// SessionRegistry tracks which token (by JTI) owns a student's single active
// session. Bind unconditionally overwrites so the most recent confirmed login
// always wins.
type SessionRegistry interface {
	Active(ctx context.Context, studentID uuid.UUID) (jti string, ok bool, err error)
	Bind(ctx context.Context, studentID uuid.UUID, jti string, ttl time.Duration) error
	Release(ctx context.Context, studentID uuid.UUID) error
}

type redisSessionRegistry struct {
	rdb *redis.Client
}

// NewRedisSessionRegistry creates a SessionRegistry backed by Redis.
func NewRedisSessionRegistry(rdb *redis.Client) SessionRegistry {
	return &redisSessionRegistry{rdb: rdb}
}

func (r *redisSessionRegistry) Active(ctx context.Context, studentID uuid.UUID) (string, bool, error) {
	jti, err := r.rdb.Get(ctx, config.CacheKey.StudentSessionKey(studentID.String())).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("check session: %w", err)
	}
	return jti, true, nil
}

func (r *redisSessionRegistry) Bind(ctx context.Context, studentID uuid.UUID, jti string, ttl time.Duration) error {
	return r.rdb.Set(ctx, config.CacheKey.StudentSessionKey(studentID.String()), jti, ttl).Err()
}

func (r *redisSessionRegistry) Release(ctx context.Context, studentID uuid.UUID) error {
	return r.rdb.Del(ctx, config.CacheKey.StudentSessionKey(studentID.String())).Err()
}

// AuthService handles authentication, JWT, and single-device sessions.
type AuthService struct {
	cfg      *config.Config
	sessions SessionRegistry
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config, sessions SessionRegistry) *AuthService {
	return &AuthService{cfg: cfg, sessions: sessions}
}

// HashPassword hashes a password with the configured bcrypt cost.
func (s *AuthService) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	return string(hash), err
}

// CheckPassword compares a plaintext password against a bcrypt hash.
func (s *AuthService) CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// GrantStudentToken creates a JWT for a student and registers the session.
// If another device already holds the session, no token is issued and
// ErrDeviceConflict is returned; the caller must go through
// SupersedeStudentSession to take over.
func (s *AuthService) GrantStudentToken(ctx context.Context, studentID uuid.UUID) (string, error) {
	_, active, err := s.sessions.Active(ctx, studentID)
	if err != nil {
		return "", err
	}
	if active {
		return "", ErrDeviceConflict
	}
	return s.issueStudentToken(ctx, studentID)
}

// SupersedeStudentSession issues a fresh token and rebinds the session to it.
// Any token issued earlier fails the JTI check on its next request, so at
// most one token stays valid no matter how the confirmations interleave.
func (s *AuthService) SupersedeStudentSession(ctx context.Context, studentID uuid.UUID) (string, error) {
	return s.issueStudentToken(ctx, studentID)
}

func (s *AuthService) issueStudentToken(ctx context.Context, studentID uuid.UUID) (string, error) {
	jti := uuid.New().String()
	now := time.Now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   studentID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTExpiry)),
		},
		TokenType: TokenTypeStudent,
		UserID:    studentID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	// Session lives exactly as long as the JWT.
	if err := s.sessions.Bind(ctx, studentID, jti, s.cfg.JWTExpiry); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return signed, nil
}

// GenerateAdminToken creates a JWT for an admin. Admin sessions are not
// single-device bound.
func (s *AuthService) GenerateAdminToken(adminID uuid.UUID) (string, error) {
	now := time.Now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   adminID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTExpiry)),
		},
		TokenType: TokenTypeAdmin,
		UserID:    adminID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecret))
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// ValidateStudentSession checks that the token's JTI still owns the session.
// A mismatch means a later login superseded this device.
func (s *AuthService) ValidateStudentSession(ctx context.Context, studentID uuid.UUID, jti string) error {
	stored, active, err := s.sessions.Active(ctx, studentID)
	if err != nil {
		return err
	}
	if !active {
		return ErrNoActiveSession
	}
	if stored != jti {
		return ErrSessionSuperseded
	}
	return nil
}

// Logout releases the student's session so a fresh login needs no supersede.
func (s *AuthService) Logout(ctx context.Context, studentID uuid.UUID) error {
	return s.sessions.Release(ctx, studentID)
}
