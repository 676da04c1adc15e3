package model

// AnswerJob is one queued answer/review mutation awaiting batch persistence.
// Review is a pointer so an answer write and a flag write share one shape.
type AnswerJob struct {
	AttemptID  string `json:"attempt_id"`
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer,omitempty"`
	Review     *bool  `json:"review,omitempty"`
}

// ViolationJob is one queued anomaly signal awaiting batch persistence. The
// same payload feeds the live proctor channel.
type ViolationJob struct {
	AttemptID string `json:"attempt_id"`
	ExamID    string `json:"exam_id"`
	StudentID string `json:"student_id"`
	Count     int    `json:"count"`
	Timestamp int64  `json:"timestamp"`
}
