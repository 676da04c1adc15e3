package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/examgate/examgate-backend/internal/config"
)

type fakeRegistry struct {
	sessions map[uuid.UUID]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{sessions: make(map[uuid.UUID]string)}
}

func (f *fakeRegistry) Active(_ context.Context, studentID uuid.UUID) (string, bool, error) {
	jti, ok := f.sessions[studentID]
	return jti, ok, nil
}

func (f *fakeRegistry) Bind(_ context.Context, studentID uuid.UUID, jti string, _ time.Duration) error {
	f.sessions[studentID] = jti
	return nil
}

func (f *fakeRegistry) Release(_ context.Context, studentID uuid.UUID) error {
	delete(f.sessions, studentID)
	return nil
}

func newTestAuthService(reg SessionRegistry) *AuthService {
	return NewAuthService(&config.Config{
		JWTSecret:  "test-secret",
		JWTExpiry:  time.Hour,
		BcryptCost: 4,
	}, reg)
}

func TestGrantStudentTokenRejectsSecondDevice(t *testing.T) {
	reg := newFakeRegistry()
	svc := newTestAuthService(reg)
	studentID := uuid.New()

	token, err := svc.GrantStudentToken(context.Background(), studentID)
	if err != nil {
		t.Fatalf("first login failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected a token on first login")
	}

	_, err = svc.GrantStudentToken(context.Background(), studentID)
	if !errors.Is(err, ErrDeviceConflict) {
		t.Fatalf("expected ErrDeviceConflict, got %v", err)
	}
}

func TestSupersedeInvalidatesEarlierToken(t *testing.T) {
	reg := newFakeRegistry()
	svc := newTestAuthService(reg)
	studentID := uuid.New()

	first, err := svc.GrantStudentToken(context.Background(), studentID)
	if err != nil {
		t.Fatalf("first login failed: %v", err)
	}
	second, err := svc.SupersedeStudentSession(context.Background(), studentID)
	if err != nil {
		t.Fatalf("supersede failed: %v", err)
	}

	firstClaims, err := svc.ValidateToken(first)
	if err != nil {
		t.Fatalf("first token no longer parses: %v", err)
	}
	secondClaims, err := svc.ValidateToken(second)
	if err != nil {
		t.Fatalf("second token does not parse: %v", err)
	}

	if err := svc.ValidateStudentSession(context.Background(), studentID, firstClaims.ID); !errors.Is(err, ErrSessionSuperseded) {
		t.Fatalf("expected superseded error for first token, got %v", err)
	}
	if err := svc.ValidateStudentSession(context.Background(), studentID, secondClaims.ID); err != nil {
		t.Fatalf("second token should be valid: %v", err)
	}
}

func TestConcurrentSupersedesLeaveOneWinner(t *testing.T) {
	reg := newFakeRegistry()
	svc := newTestAuthService(reg)
	studentID := uuid.New()

	tokens := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		tok, err := svc.SupersedeStudentSession(context.Background(), studentID)
		if err != nil {
			t.Fatalf("supersede %d failed: %v", i, err)
		}
		tokens = append(tokens, tok)
	}

	valid := 0
	for _, tok := range tokens {
		claims, err := svc.ValidateToken(tok)
		if err != nil {
			t.Fatalf("token no longer parses: %v", err)
		}
		if svc.ValidateStudentSession(context.Background(), studentID, claims.ID) == nil {
			valid++
		}
	}
	if valid != 1 {
		t.Fatalf("expected exactly 1 valid session, got %d", valid)
	}
}

func TestLogoutFreesSession(t *testing.T) {
	reg := newFakeRegistry()
	svc := newTestAuthService(reg)
	studentID := uuid.New()

	if _, err := svc.GrantStudentToken(context.Background(), studentID); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if err := svc.Logout(context.Background(), studentID); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if _, err := svc.GrantStudentToken(context.Background(), studentID); err != nil {
		t.Fatalf("login after logout should succeed: %v", err)
	}
}

func TestValidateTokenRejectsTampering(t *testing.T) {
	svc := newTestAuthService(newFakeRegistry())
	other := newTestAuthService(newFakeRegistry())
	other.cfg.JWTSecret = "different-secret"

	token, err := other.GenerateAdminToken(uuid.New())
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := svc.ValidateToken(token); err == nil {
		t.Fatal("expected validation failure for foreign signature")
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	svc := newTestAuthService(newFakeRegistry())

	hash, err := svc.HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if err := svc.CheckPassword(hash, "s3cret"); err != nil {
		t.Fatalf("correct password rejected: %v", err)
	}
	if err := svc.CheckPassword(hash, "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}
