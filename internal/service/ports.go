package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/oem-proctor/internal/model"
)

// AttemptStore is implemented by repository.AttemptRepository.
type AttemptStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
	MarkStarted(ctx context.Context, id uuid.UUID, now time.Time) (*model.Attempt, error)
	MarkSubmitted(ctx context.Context, id uuid.UUID, trigger model.SubmitTrigger, now time.Time) (*model.Attempt, bool, error)
	RaiseViolationCount(ctx context.Context, id uuid.UUID, reported int) (int, bool, error)
	ListInProgressByExam(ctx context.Context, examID uuid.UUID) ([]model.Attempt, error)
}

// AnswerStore is implemented by repository.AnswerRepository.
type AnswerStore interface {
	ListQuestionIDs(ctx context.Context, attemptID uuid.UUID) ([]string, error)
}

// ExamStore is implemented by repository.ExamRepository.
type ExamStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error)
	ListByInstructor(ctx context.Context, instructorID int) ([]model.ExamSummary, error)
}

// ViolationStore is implemented by repository.ViolationRepository.
type ViolationStore interface {
	ListRecentByExam(ctx context.Context, examID uuid.UUID, since time.Time) ([]model.StoredViolation, error)
}
