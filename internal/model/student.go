package model

import (
	"time"

	"github.com/google/uuid"
)

// Student represents a registered test-taker.
type Student struct {
	ID           uuid.UUID `json:"id"`
	RollNumber   string    `json:"roll_number"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// StudentRegisterRequest is the payload for creating a student account.
type StudentRegisterRequest struct {
	RollNumber string `json:"roll_number" binding:"required,min=3,max=32"`
	Name       string `json:"name" binding:"required,min=2,max=100"`
	Password   string `json:"password" binding:"required,min=6,max=128"`
}

// StudentLoginRequest is the payload for student authentication.
type StudentLoginRequest struct {
	RollNumber string `json:"roll_number" binding:"required,min=3,max=32"`
	Password   string `json:"password" binding:"required,min=6,max=128"`
}

// ConfirmDeviceLoginRequest resolves an active-session conflict. When
// ConfirmContinue is true the prior device's session is superseded.
type ConfirmDeviceLoginRequest struct {
	RollNumber      string `json:"roll_number" binding:"required,min=3,max=32"`
	Password        string `json:"password" binding:"required,min=6,max=128"`
	ConfirmContinue *bool  `json:"confirm_continue" binding:"required"`
}

// StudentLoginResponse is returned after successful student login.
type StudentLoginResponse struct {
	Token   string  `json:"token"`
	Student Student `json:"student"`
}
