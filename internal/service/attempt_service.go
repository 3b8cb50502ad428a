package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/clock"
	"github.com/stemsi/oem-proctor/internal/config"
	"github.com/stemsi/oem-proctor/internal/model"
	"github.com/stemsi/oem-proctor/internal/observability"
	ws "github.com/stemsi/oem-proctor/internal/websocket"
)

// AttemptService guards the attempt lifecycle: start, status, answers and submit.
type AttemptService struct {
	attempts AttemptStore
	answers  AnswerStore
	exams    ExamStore
	relay    *RelayService
	rdb      *redis.Client
	clk      clock.Clock
	grace    time.Duration
	log      zerolog.Logger
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(
	attempts AttemptStore,
	answers AnswerStore,
	exams ExamStore,
	relay *RelayService,
	rdb *redis.Client,
	cfg *config.Config,
	clk clock.Clock,
	log zerolog.Logger,
) *AttemptService {
	return &AttemptService{
		attempts: attempts,
		answers:  answers,
		exams:    exams,
		relay:    relay,
		rdb:      rdb,
		clk:      clk,
		grace:    cfg.AnswerGrace,
		log:      log.With().Str("component", "attempt_service").Logger(),
	}
}

func ownedAttempt(ctx context.Context, store AttemptStore, studentID int, id uuid.UUID) (*model.Attempt, error) {
	a, err := store.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if a.StudentID != studentID {
		return nil, ErrNotAttemptOwner
	}
	return a, nil
}

func (s *AttemptService) exam(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e, err := s.exams.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrExamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	return e, nil
}

// Status returns the caller's attempt.
func (s *AttemptService) Status(ctx context.Context, studentID int, attemptID uuid.UUID) (*model.Attempt, error) {
	return ownedAttempt(ctx, s.attempts, studentID, attemptID)
}

// Start opens or resumes an attempt. The first start must fall inside the exam window;
// a resume keeps the original started_at and fails once the attempt's time is used up.
func (s *AttemptService) Start(ctx context.Context, studentID int, attemptID uuid.UUID) (*model.StartAttemptResponse, error) {
	a, err := ownedAttempt(ctx, s.attempts, studentID, attemptID)
	if err != nil {
		return nil, err
	}
	if a.IsClosed() {
		return nil, ErrAttemptClosed
	}

	exam, err := s.exam(ctx, a.ExamID)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	if a.StartedAt == nil {
		if !exam.WindowOpen(now) {
			return nil, ErrExamWindowClosed
		}
	} else if a.Remaining(now) <= 0 {
		return nil, ErrTimeUp
	}

	started, err := s.attempts.MarkStarted(ctx, a.ID, now)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttemptClosed
	}
	if err != nil {
		return nil, fmt.Errorf("mark started: %w", err)
	}

	answered, err := s.answeredIDs(ctx, a.ID)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("attempt_id", a.ID.String()).
		Int("student_id", studentID).
		Bool("resumed", a.StartedAt != nil).
		Msg("Attempt started")

	return &model.StartAttemptResponse{
		Attempt:             *started,
		ServerNow:           now,
		RemainingSeconds:    int(started.Remaining(now) / time.Second),
		QuestionCount:       exam.QuestionCount,
		AnsweredQuestionIDs: answered,
	}, nil
}

// answeredIDs merges persisted answers with ones still waiting in the Redis hash.
func (s *AttemptService) answeredIDs(ctx context.Context, attemptID uuid.UUID) ([]string, error) {
	persisted, err := s.answers.ListQuestionIDs(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	cached, err := s.rdb.HGetAll(ctx, config.CacheKey.AttemptAnswersKey(attemptID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("read cached answers: %w", err)
	}

	set := make(map[string]struct{}, len(persisted)+len(cached))
	for _, id := range persisted {
		set[id] = struct{}{}
	}
	for id, ans := range cached {
		if ans == "" {
			delete(set, id)
			continue
		}
		set[id] = struct{}{}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveAnswer upserts one answer into the attempt's Redis hash and queues it for PostgreSQL.
func (s *AttemptService) SaveAnswer(ctx context.Context, studentID int, attemptID uuid.UUID, req model.SaveAnswerRequest) error {
	a, err := ownedAttempt(ctx, s.attempts, studentID, attemptID)
	if err != nil {
		return err
	}
	switch {
	case a.IsClosed():
		return ErrAttemptClosed
	case a.Status != model.AttemptStatusInProgress:
		return ErrAttemptNotStarted
	}

	deadline, _ := a.Deadline()
	if s.clk.Now().After(deadline.Add(s.grace)) {
		return ErrTimeUp
	}

	questionID, err := uuid.Parse(req.QuestionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
	}

	job, err := json.Marshal(model.AnswerJob{AttemptID: a.ID, QuestionID: questionID, Answer: req.Answer})
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, config.CacheKey.AttemptAnswersKey(a.ID.String()), questionID.String(), req.Answer)
		pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, job)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save answer: %w", err)
	}
	return nil
}

// Submit closes the attempt. Only the first call changes state; later calls report AlreadySubmitted.
func (s *AttemptService) Submit(ctx context.Context, studentID int, attemptID uuid.UUID, trigger model.SubmitTrigger) (*model.SubmitAttemptResponse, error) {
	a, err := ownedAttempt(ctx, s.attempts, studentID, attemptID)
	if err != nil {
		observability.Submissions().WithLabelValues(string(trigger), "rejected").Inc()
		return nil, err
	}
	if a.Status == model.AttemptStatusPending {
		observability.Submissions().WithLabelValues(string(trigger), "rejected").Inc()
		return nil, ErrAttemptNotStarted
	}

	updated, changed, err := s.attempts.MarkSubmitted(ctx, a.ID, trigger, s.clk.Now())
	if err != nil {
		return nil, fmt.Errorf("mark submitted: %w", err)
	}
	if !changed {
		observability.Submissions().WithLabelValues(string(trigger), "already_submitted").Inc()
		return &model.SubmitAttemptResponse{Attempt: *updated, AlreadySubmitted: true}, nil
	}
	observability.Submissions().WithLabelValues(string(trigger), "submitted").Inc()

	if err := s.relay.Unregister(ctx, a.ExamID, a.ID); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("Failed to drop registration")
	}
	err = s.relay.Broadcast(ctx, a.ExamID, ws.EventSubmissionFinished, ws.SubmissionFinished{
		AttemptID: a.ID,
		ExamID:    a.ExamID,
		StudentID: a.StudentID,
		Trigger:   trigger,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("Failed to announce submission")
	}

	s.log.Info().
		Str("attempt_id", a.ID.String()).
		Str("trigger", string(trigger)).
		Msg("Attempt submitted")

	return &model.SubmitAttemptResponse{Attempt: *updated}, nil
}

// RegisterSubmission announces a live attempt in its exam room.
func (s *AttemptService) RegisterSubmission(ctx context.Context, studentID int, reg ws.RegisterSubmission) (*model.ActiveSubmission, error) {
	a, err := ownedAttempt(ctx, s.attempts, studentID, reg.AttemptID)
	if err != nil {
		return nil, err
	}
	if reg.ExamID != uuid.Nil && reg.ExamID != a.ExamID {
		return nil, ErrExamMismatch
	}
	switch {
	case a.IsClosed():
		return nil, ErrAttemptClosed
	case a.Status != model.AttemptStatusInProgress:
		return nil, ErrAttemptNotStarted
	}

	name := a.StudentName
	if name == "" {
		name = reg.StudentName
	}
	sub := model.ActiveSubmission{
		AttemptID:      a.ID,
		ExamID:         a.ExamID,
		StudentID:      a.StudentID,
		StudentName:    name,
		ViolationCount: a.ViolationCount,
		RegisteredAt:   s.clk.Now(),
	}
	if err := s.relay.Register(ctx, sub); err != nil {
		return nil, err
	}
	return &sub, nil
}
