package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stemsi/oem-proctor/internal/clock"
	"github.com/stemsi/oem-proctor/internal/model"
)

// DefaultViolationWindow is how far back ListRecentViolations looks when no window is given.
const DefaultViolationWindow = 5 * time.Minute

// InstructorService serves the read side of live proctoring for exam owners.
type InstructorService struct {
	exams      ExamStore
	attempts   AttemptStore
	violations ViolationStore
	relay      *RelayService
	clk        clock.Clock
}

// NewInstructorService creates a new InstructorService.
func NewInstructorService(exams ExamStore, attempts AttemptStore, violations ViolationStore, relay *RelayService, clk clock.Clock) *InstructorService {
	return &InstructorService{
		exams:      exams,
		attempts:   attempts,
		violations: violations,
		relay:      relay,
		clk:        clk,
	}
}

// ListOwnedExams returns the exams owned by instructorID.
func (s *InstructorService) ListOwnedExams(ctx context.Context, instructorID int) ([]model.ExamSummary, error) {
	exams, err := s.exams.ListByInstructor(ctx, instructorID)
	if err != nil {
		return nil, fmt.Errorf("list exams: %w", err)
	}
	return exams, nil
}

// OwnedExam loads an exam and checks that instructorID owns it.
func (s *InstructorService) OwnedExam(ctx context.Context, instructorID int, examID uuid.UUID) (*model.Exam, error) {
	e, err := s.exams.GetByID(ctx, examID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrExamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	if e.InstructorID != instructorID {
		return nil, ErrNotExamOwner
	}
	return e, nil
}

// ListRecentViolations returns violations of an owned exam detected within window, oldest first.
func (s *InstructorService) ListRecentViolations(ctx context.Context, instructorID int, examID uuid.UUID, window time.Duration) ([]model.StoredViolation, error) {
	if _, err := s.OwnedExam(ctx, instructorID, examID); err != nil {
		return nil, err
	}
	if window <= 0 {
		window = DefaultViolationWindow
	}
	vs, err := s.violations.ListRecentByExam(ctx, examID, s.clk.Now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	return vs, nil
}

// Active returns the live registrations of an owned exam. When no student has registered
// through the channel yet, in-progress attempts from the database stand in.
func (s *InstructorService) Active(ctx context.Context, instructorID int, examID uuid.UUID) ([]model.ActiveSubmission, error) {
	if _, err := s.OwnedExam(ctx, instructorID, examID); err != nil {
		return nil, err
	}
	return s.active(ctx, examID)
}

func (s *InstructorService) active(ctx context.Context, examID uuid.UUID) ([]model.ActiveSubmission, error) {
	subs, err := s.relay.Active(ctx, examID)
	if err != nil {
		return nil, err
	}
	if len(subs) > 0 {
		return subs, nil
	}

	attempts, err := s.attempts.ListInProgressByExam(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("list in-progress attempts: %w", err)
	}
	for _, a := range attempts {
		sub := model.ActiveSubmission{
			AttemptID:      a.ID,
			ExamID:         a.ExamID,
			StudentID:      a.StudentID,
			StudentName:    a.StudentName,
			ViolationCount: a.ViolationCount,
		}
		if a.StartedAt != nil {
			sub.RegisteredAt = *a.StartedAt
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// JoinExam checks ownership, adds p to the exam room and returns the current active list.
func (s *InstructorService) JoinExam(ctx context.Context, instructorID int, examID uuid.UUID, p Peer) ([]model.ActiveSubmission, error) {
	if _, err := s.OwnedExam(ctx, instructorID, examID); err != nil {
		return nil, err
	}
	s.relay.Join(examID, p)
	return s.active(ctx, examID)
}
