package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates exam attempt states. All values except
// IN_PROGRESS are terminal: once an attempt leaves IN_PROGRESS no further
// transition is permitted.
type AttemptStatus string

const (
	AttemptStatusInProgress         AttemptStatus = "IN_PROGRESS"
	AttemptStatusSubmitted          AttemptStatus = "SUBMITTED"
	AttemptStatusTimeout            AttemptStatus = "AUTO_SUBMITTED_TIMEOUT"
	AttemptStatusViolationThreshold AttemptStatus = "AUTO_SUBMITTED_VIOLATION"
)

// Terminal reports whether the status permits no further transitions.
func (s AttemptStatus) Terminal() bool {
	return s != AttemptStatusInProgress
}

// ExamAttempt represents one student's single run at one exam.
// StartedAt and DurationSeconds together form the countdown anchor;
// remaining time is always derived from them, never stored separately.
type ExamAttempt struct {
	ID              uuid.UUID     `json:"id"`
	ExamID          uuid.UUID     `json:"exam_id"`
	StudentID       uuid.UUID     `json:"student_id"`
	Status          AttemptStatus `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	DurationSeconds int           `json:"duration_seconds"`
	ViolationCount  int           `json:"violation_count"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
}

// AttemptState is the reload/resume view of an in-progress attempt: the
// remaining time derived from the anchor plus everything the student has
// recorded so far.
type AttemptState struct {
	AttemptID        uuid.UUID         `json:"attempt_id"`
	ExamID           uuid.UUID         `json:"exam_id"`
	Status           AttemptStatus     `json:"status"`
	RemainingSeconds int               `json:"remaining_seconds"`
	Answers          map[string]string `json:"answers"`
	MarkedForReview  []string          `json:"marked_for_review"`
	ViolationCount   int               `json:"violation_count"`
}

// SaveAnswerRequest is the payload for recording a selected option.
type SaveAnswerRequest struct {
	QuestionID string `json:"question_id" binding:"required,uuid"`
	Answer     string `json:"answer" binding:"required,min=1,max=10"`
}

// MarkReviewRequest is the payload for setting a question's review flag.
type MarkReviewRequest struct {
	QuestionID string `json:"question_id" binding:"required,uuid"`
	Mark       *bool  `json:"mark" binding:"required"`
}
