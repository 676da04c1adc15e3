package websocket

import "github.com/examgate/examgate-backend/internal/model"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave  Action = "autosave"
	ActionReview    Action = "review"
	ActionViolation Action = "violation"
	ActionSubmit    Action = "submit"
	ActionPing      Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// AutosaveRequest is sent by the client to save a single answer.
type AutosaveRequest struct {
	Action Action `json:"action"`
	QID    string `json:"q_id"`
	Answer string `json:"ans"`
}

// ReviewRequest is sent by the client to set a question's review flag.
type ReviewRequest struct {
	Action Action `json:"action"`
	QID    string `json:"q_id"`
	Mark   bool   `json:"mark"`
}

// ViolationRequest is sent by the client to report one anomaly signal.
// The raw kind is recorded but never weighted: every signal counts as one.
type ViolationRequest struct {
	Action Action `json:"action"`
	Kind   string `json:"kind"`
}

// SubmitRequest is sent by the client to finish the attempt.
type SubmitRequest struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError     Event = "error"
	EventSuccess   Event = "success"
	EventTick      Event = "tick"
	EventWarning   Event = "warning"
	EventFinalized Event = "finalized"
	EventPong      Event = "pong"
)

type AckResponse struct {
	Event  Event  `json:"event"`
	Action Action `json:"action"`
	Status string `json:"status"`
}

// ViolationAck carries the updated count back to the reporting client.
type ViolationAck struct {
	Event          Event  `json:"event"`
	Action         Action `json:"action"`
	Status         string `json:"status"`
	ViolationCount int    `json:"violation_count"`
}

// TickEvent is pushed every second with the derived remaining time.
type TickEvent struct {
	Event            Event `json:"event"`
	RemainingSeconds int   `json:"remaining_seconds"`
}

// WarningEvent toggles the anomaly warning banner.
type WarningEvent struct {
	Event          Event `json:"event"`
	ViolationCount int   `json:"violation_count"`
	Visible        bool  `json:"visible"`
}

// FinalizedEvent announces the attempt's terminal status. The connection is
// closed right after it is sent.
type FinalizedEvent struct {
	Event  Event               `json:"event"`
	Status model.AttemptStatus `json:"status"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
