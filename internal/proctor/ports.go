package proctor

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/stemsi/oem-proctor/internal/model"
	ws "github.com/stemsi/oem-proctor/internal/websocket"
)

var (
	// ErrReverify means the attempt cannot be (re)entered and the student must go back through room verification.
	ErrReverify = errors.New("attempt is closed, re-verification required")
	// ErrRetryable means the backend could not be reached. The user may retry.
	ErrRetryable       = errors.New("backend unreachable, retry")
	ErrAlreadyStarted  = errors.New("session already started")
	ErrNotInProgress   = errors.New("attempt is not in progress")
	ErrSubmitCanceled  = errors.New("submit canceled by user")
	ErrMissingAPI      = errors.New("proctor: API is required")
	ErrMissingNotifier = errors.New("proctor: Notifier is required")
	ErrMissingReporter = errors.New("proctor: Reporter is required")
)

// API is the backend reporting contract.
// Errors caused by the attempt state, rather than the transport, implement interface{ Reverify() bool }.
type API interface {
	AttemptStatus(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error)
	StartAttempt(ctx context.Context, attemptID uuid.UUID) (*model.StartAttemptResponse, error)
	SaveAnswer(ctx context.Context, attemptID uuid.UUID, req model.SaveAnswerRequest) error
	ReportViolation(ctx context.Context, ev model.ViolationEvent) error
	SubmitAttempt(ctx context.Context, attemptID uuid.UUID, trigger model.SubmitTrigger) (*model.SubmitAttemptResponse, error)
}

// Channel is the real-time connection.
type Channel interface {
	// Join registers a message that is sent now and again after every reconnect.
	Join(event ws.Event, data interface{})
	Emit(event ws.Event, data interface{}) error
	Close() error
}

// Notifier is the user-facing surface. Calls are made while the session is locked,
// so implementations must return promptly and must not push signals synchronously.
type Notifier interface {
	Toast(message string, urgency Urgency)
	// Alert surfaces a tier change with more weight than a toast.
	Alert(tier Tier, count int)
	// RequestFullscreen asks the platform to re-enter fullscreen. It may fail without a user gesture.
	RequestFullscreen() error
	// ConfirmSubmit asks the student to confirm submitting with unanswered questions.
	// It is called without the session lock held.
	ConfirmSubmit(unanswered int) bool
	Submitted(result SubmitResult)
}

// Reporter ships accepted violations. Report must never block.
type Reporter interface {
	Report(ev model.ViolationEvent)
}

// Intake is where sensors deliver signals.
type Intake interface {
	Push(sig Signal)
}

// Sensor is a platform event tap. Attach and Detach are called with the session locked:
// they must not block and must not deliver signals synchronously. Detach must release every
// platform listener; a push racing with it is ignored by the session.
type Sensor interface {
	Attach(in Intake)
	Detach()
}

// FlagStore persists the monitoring-active flag outside the session's memory.
type FlagStore interface {
	SetMonitoring(attemptID uuid.UUID, active bool)
	Monitoring(attemptID uuid.UUID) bool
}

// MemoryFlags is a process-local FlagStore.
type MemoryFlags struct {
	mu     sync.RWMutex
	active map[uuid.UUID]bool
}

func NewMemoryFlags() *MemoryFlags {
	return &MemoryFlags{active: make(map[uuid.UUID]bool)}
}

func (f *MemoryFlags) SetMonitoring(attemptID uuid.UUID, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if active {
		f.active[attemptID] = true
		return
	}
	delete(f.active, attemptID)
}

func (f *MemoryFlags) Monitoring(attemptID uuid.UUID) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.active[attemptID]
}

// SubmitResult is handed to Notifier.Submitted once the backend call settles.
type SubmitResult struct {
	Trigger  model.SubmitTrigger
	Response *model.SubmitAttemptResponse
	Err      error
}

func reverify(err error) bool {
	var r interface{ Reverify() bool }
	return errors.As(err, &r) && r.Reverify()
}
