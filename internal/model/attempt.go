package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates exam attempt states.
type AttemptStatus string

const (
	AttemptStatusPending    AttemptStatus = "pending"
	AttemptStatusInProgress AttemptStatus = "in_progress"
	AttemptStatusSubmitted  AttemptStatus = "submitted"
	AttemptStatusGraded     AttemptStatus = "graded"
)

// Closed reports whether the status is terminal for the student.
func (s AttemptStatus) Closed() bool {
	return s == AttemptStatusSubmitted || s == AttemptStatusGraded
}

// SubmitTrigger records which path ended an attempt.
type SubmitTrigger string

const (
	SubmitTriggerManual     SubmitTrigger = "manual"
	SubmitTriggerTimer      SubmitTrigger = "timer"
	SubmitTriggerViolations SubmitTrigger = "violations"
)

func (t SubmitTrigger) Valid() bool {
	switch t {
	case SubmitTriggerManual, SubmitTriggerTimer, SubmitTriggerViolations:
		return true
	}
	return false
}

// Attempt is one student's take of one exam.
type Attempt struct {
	ID              uuid.UUID      `json:"id"`
	ExamID          uuid.UUID      `json:"exam_id"`
	StudentID       int            `json:"student_id"`
	StudentName     string         `json:"student_name"`
	Status          AttemptStatus  `json:"status"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	DurationSeconds int            `json:"duration_seconds"`
	ViolationCount  int            `json:"violation_count"`
	SubmittedAt     *time.Time     `json:"submitted_at,omitempty"`
	SubmitTrigger   *SubmitTrigger `json:"submit_trigger,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// IsClosed is true once the attempt can no longer be started or mutated.
func (a *Attempt) IsClosed() bool {
	return a.Status.Closed() || a.SubmittedAt != nil
}

// Deadline returns started_at + duration. ok is false before the attempt starts.
func (a *Attempt) Deadline() (deadline time.Time, ok bool) {
	if a.StartedAt == nil {
		return time.Time{}, false
	}
	return a.StartedAt.Add(time.Duration(a.DurationSeconds) * time.Second), true
}

// Remaining returns the time left at now, clamped at zero.
func (a *Attempt) Remaining(now time.Time) time.Duration {
	deadline, ok := a.Deadline()
	if !ok {
		return time.Duration(a.DurationSeconds) * time.Second
	}
	if left := deadline.Sub(now); left > 0 {
		return left
	}
	return 0
}

// StartAttemptResponse is returned by the start-attempt call.
type StartAttemptResponse struct {
	Attempt             Attempt   `json:"attempt"`
	ServerNow           time.Time `json:"server_now"`
	RemainingSeconds    int       `json:"remaining_seconds"`
	QuestionCount       int       `json:"question_count"`
	AnsweredQuestionIDs []string  `json:"answered_question_ids"`
}

// SaveAnswerRequest upserts one answer.
type SaveAnswerRequest struct {
	QuestionID string `json:"question_id" binding:"required,uuid"`
	Answer     string `json:"answer" binding:"max=20000"`
}

// SubmitAttemptRequest is the payload for ending an attempt.
type SubmitAttemptRequest struct {
	Trigger SubmitTrigger `json:"trigger" binding:"required,submit_trigger"`
}

// SubmitAttemptResponse reports whether this call performed the submission.
type SubmitAttemptResponse struct {
	Attempt          Attempt `json:"attempt"`
	AlreadySubmitted bool    `json:"already_submitted"`
}

// ReportViolationRequest is the payload for report-violation.
type ReportViolationRequest struct {
	EventID        string          `json:"event_id" binding:"required,uuid"`
	EventType      EventType       `json:"event_type" binding:"required,event_type"`
	Severity       Severity        `json:"severity" binding:"omitempty,oneof=low medium high"`
	DetectedAt     time.Time       `json:"detected_at" binding:"required"`
	ViolationCount int             `json:"violation_count" binding:"min=0"`
	Details        json.RawMessage `json:"details"`
}

// ActiveSubmission is the registration of a live attempt in an exam room.
type ActiveSubmission struct {
	AttemptID      uuid.UUID `json:"attemptId"`
	ExamID         uuid.UUID `json:"examId"`
	StudentID      int       `json:"studentId"`
	StudentName    string    `json:"studentName"`
	ViolationCount int       `json:"violationCount"`
	RegisteredAt   time.Time `json:"registeredAt"`
}

// AnswerJob is the persist_answers_queue payload.
type AnswerJob struct {
	AttemptID  uuid.UUID `json:"attempt_id"`
	QuestionID uuid.UUID `json:"question_id"`
	Answer     string    `json:"answer"`
}
