package model

import (
	"time"

	"github.com/google/uuid"
)

// Exam represents an exam entity as authored by an admin.
type Exam struct {
	ID               uuid.UUID `json:"id"`
	Subject          string    `json:"subject"`
	Branch           string    `json:"branch,omitempty"`
	Year             int       `json:"year,omitempty"`
	Semester         int       `json:"semester,omitempty"`
	TimeLimitMinutes int       `json:"time_limit_minutes"`
	Published        bool      `json:"published"`
	CreatedBy        uuid.UUID `json:"created_by"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Section is an ordered partition of an exam's questions. QuestionIDs is the
// authoritative order of the section's questions, independent of the order
// questions were uploaded in.
type Section struct {
	ID          uuid.UUID   `json:"id"`
	ExamID      uuid.UUID   `json:"exam_id"`
	Name        string      `json:"name"`
	Position    int         `json:"position"`
	QuestionIDs []uuid.UUID `json:"question_ids"`
}

// ExamPayload is the cached student-facing view of an exam: questions
// without correct answers, plus section ordering.
type ExamPayload struct {
	Exam      Exam       `json:"exam"`
	Sections  []Section  `json:"sections"`
	Questions []Question `json:"questions"`
}

// CreateExamRequest is the payload for creating a new exam.
type CreateExamRequest struct {
	Subject          string `json:"subject" binding:"required,min=2,max=255"`
	Branch           string `json:"branch" binding:"omitempty,max=100"`
	Year             int    `json:"year" binding:"omitempty,min=1,max=6"`
	Semester         int    `json:"semester" binding:"omitempty,min=1,max=2"`
	TimeLimitMinutes int    `json:"time_limit_minutes" binding:"required,min=1,max=480"`
}

// SectionInput describes one section in a ReplaceSectionsRequest.
type SectionInput struct {
	Name        string   `json:"name" binding:"required,min=1,max=100"`
	QuestionIDs []string `json:"question_ids" binding:"required,dive,uuid"`
}

// ReplaceSectionsRequest is the payload for bulk replacing an exam's sections.
type ReplaceSectionsRequest struct {
	Sections []SectionInput `json:"sections" binding:"dive"`
}
