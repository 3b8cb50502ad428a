package websocket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/oem-proctor/internal/model"
)

// Envelope is the frame shape in both directions.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Event string

// ─── Client → Server ────────────────────────────────────────────────

const (
	EventRegisterSubmission Event = "student:register-submission"
	EventStudentViolation   Event = "student:violation"
	EventJoinExam           Event = "instructor:join-exam"
	EventPing               Event = "ping"

	// Log streaming is acknowledged but not served.
	EventAdminJoinLogs  Event = "admin:join-logs"
	EventAdminLeaveLogs Event = "admin:leave-logs"
)

// ─── Server → Client ────────────────────────────────────────────────

const (
	EventRegistered         Event = "student:registered"
	EventActiveSubmissions  Event = "instructor:active-submissions"
	EventCheatingDetected   Event = "cheating:detected"
	EventSubmissionFinished Event = "student:submission-finished"
	EventPong               Event = "pong"
	EventError              Event = "error"
)

// RegisterSubmission announces a live attempt in its exam room.
type RegisterSubmission struct {
	AttemptID   uuid.UUID `json:"attemptId"`
	StudentID   int       `json:"studentId"`
	ExamID      uuid.UUID `json:"examId"`
	StudentName string    `json:"studentName"`
}

// ViolationReport is the channel leg of a violation report.
type ViolationReport struct {
	EventID        uuid.UUID       `json:"eventId"`
	AttemptID      uuid.UUID       `json:"attemptId"`
	ExamID         uuid.UUID       `json:"examId"`
	EventType      model.EventType `json:"eventType"`
	Severity       model.Severity  `json:"severity"`
	DetectedAt     time.Time       `json:"detectedAt"`
	ViolationCount int             `json:"violationCount"`
	Details        json.RawMessage `json:"details,omitempty"`
}

// NewViolationReport converts an accepted event to its wire form.
func NewViolationReport(ev model.ViolationEvent) (ViolationReport, error) {
	details := json.RawMessage("{}")
	if ev.Details != nil {
		raw, err := json.Marshal(ev.Details)
		if err != nil {
			return ViolationReport{}, err
		}
		details = raw
	}
	return ViolationReport{
		EventID:        ev.ID,
		AttemptID:      ev.AttemptID,
		ExamID:         ev.ExamID,
		EventType:      ev.Type,
		Severity:       ev.Severity,
		DetectedAt:     ev.DetectedAt,
		ViolationCount: ev.ViolationCount,
		Details:        details,
	}, nil
}

type JoinExam struct {
	ExamID uuid.UUID `json:"examId"`
}

type Registered struct {
	AttemptID uuid.UUID `json:"attemptId"`
	ExamID    uuid.UUID `json:"examId"`
}

type ActiveSubmissions struct {
	ExamID      uuid.UUID                `json:"examId"`
	Submissions []model.ActiveSubmission `json:"submissions"`
}

// CheatingDetected is relayed to every instructor in the exam room.
type CheatingDetected struct {
	EventID        uuid.UUID       `json:"eventId"`
	AttemptID      uuid.UUID       `json:"attemptId"`
	ExamID         uuid.UUID       `json:"examId"`
	StudentID      int             `json:"studentId"`
	StudentName    string          `json:"studentName"`
	EventType      model.EventType `json:"eventType"`
	Severity       model.Severity  `json:"severity"`
	DetectedAt     time.Time       `json:"detectedAt"`
	ViolationCount int             `json:"violationCount"`
	Details        json.RawMessage `json:"details,omitempty"`
}

type SubmissionFinished struct {
	AttemptID uuid.UUID           `json:"attemptId"`
	ExamID    uuid.UUID           `json:"examId"`
	StudentID int                 `json:"studentId"`
	Trigger   model.SubmitTrigger `json:"trigger"`
}

type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Encode builds an Envelope for event with data marshaled as its payload.
func Encode(event Event, data interface{}) (Envelope, error) {
	env := Envelope{Event: event}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = raw
	return env, nil
}
