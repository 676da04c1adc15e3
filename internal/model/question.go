package model

import (
	"github.com/google/uuid"
)

// Option is one selectable answer for a question.
type Option struct {
	Letter string `json:"letter"`
	Value  string `json:"value"`
}

// Question represents a single exam question. CodeSnippet and ImageURL are
// explicit optional fields; empty string means absent.
type Question struct {
	ID            uuid.UUID `json:"id"`
	ExamID        uuid.UUID `json:"exam_id"`
	SectionID     uuid.UUID `json:"section_id,omitempty"`
	DisplayNumber int       `json:"display_number"`
	Prompt        string    `json:"prompt"`
	CodeSnippet   string    `json:"code_snippet,omitempty"`
	ImageURL      string    `json:"image_url,omitempty"`
	Options       []Option  `json:"options"`
	CorrectOption string    `json:"correct_option,omitempty"`
}

// ForStudent returns a copy with the correct option stripped.
func (q Question) ForStudent() Question {
	q.CorrectOption = ""
	return q
}

// QuestionInput is the payload for one question in a bulk replace.
type QuestionInput struct {
	DisplayNumber int      `json:"display_number" binding:"min=0"`
	Prompt        string   `json:"prompt" binding:"required,min=1,max=4000"`
	CodeSnippet   string   `json:"code_snippet" binding:"omitempty,max=8000"`
	ImageURL      string   `json:"image_url" binding:"omitempty,url,max=2000"`
	Options       []Option `json:"options" binding:"required,min=2,dive"`
	CorrectOption string   `json:"correct_option" binding:"required,max=10"`
}

// ReplaceQuestionsRequest is the payload for bulk replacing an exam's questions.
type ReplaceQuestionsRequest struct {
	Questions []QuestionInput `json:"questions" binding:"dive"`
}
