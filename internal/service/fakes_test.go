package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/clock"
	"github.com/stemsi/oem-proctor/internal/config"
	"github.com/stemsi/oem-proctor/internal/model"
	ws "github.com/stemsi/oem-proctor/internal/websocket"
	"github.com/stretchr/testify/require"
)

// ─── Stores ────────────────────────────────────────────────────────

type fakeAttempts struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]*model.Attempt
	raiseErr error
}

func newFakeAttempts(as ...*model.Attempt) *fakeAttempts {
	f := &fakeAttempts{byID: make(map[uuid.UUID]*model.Attempt)}
	for _, a := range as {
		f.byID[a.ID] = a
	}
	return f
}

func (f *fakeAttempts) get(id uuid.UUID) model.Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.byID[id]
}

func (f *fakeAttempts) GetByID(_ context.Context, id uuid.UUID) (*model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAttempts) MarkStarted(_ context.Context, id uuid.UUID, now time.Time) (*model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok || a.IsClosed() {
		return nil, pgx.ErrNoRows
	}
	if a.StartedAt == nil {
		t := now
		a.StartedAt = &t
	}
	a.Status = model.AttemptStatusInProgress
	cp := *a
	return &cp, nil
}

func (f *fakeAttempts) MarkSubmitted(_ context.Context, id uuid.UUID, trigger model.SubmitTrigger, now time.Time) (*model.Attempt, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return nil, false, pgx.ErrNoRows
	}
	changed := a.Status == model.AttemptStatusInProgress
	if changed {
		t, tr := now, trigger
		a.Status = model.AttemptStatusSubmitted
		a.SubmittedAt = &t
		a.SubmitTrigger = &tr
	}
	cp := *a
	return &cp, changed, nil
}

func (f *fakeAttempts) RaiseViolationCount(_ context.Context, id uuid.UUID, reported int) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.raiseErr != nil {
		return 0, false, f.raiseErr
	}
	a, ok := f.byID[id]
	if !ok || a.Status != model.AttemptStatusInProgress {
		return 0, false, nil
	}
	if reported > a.ViolationCount {
		a.ViolationCount = reported
	}
	return a.ViolationCount, true, nil
}

func (f *fakeAttempts) ListInProgressByExam(_ context.Context, examID uuid.UUID) ([]model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Attempt
	for _, a := range f.byID {
		if a.ExamID == examID && a.Status == model.AttemptStatusInProgress {
			out = append(out, *a)
		}
	}
	return out, nil
}

type fakeAnswers map[uuid.UUID][]string

func (f fakeAnswers) ListQuestionIDs(_ context.Context, id uuid.UUID) ([]string, error) {
	return f[id], nil
}

type fakeExams map[uuid.UUID]*model.Exam

func (f fakeExams) GetByID(_ context.Context, id uuid.UUID) (*model.Exam, error) {
	e, ok := f[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *e
	return &cp, nil
}

func (f fakeExams) ListByInstructor(_ context.Context, instructorID int) ([]model.ExamSummary, error) {
	out := make([]model.ExamSummary, 0)
	for _, e := range f {
		if e.InstructorID == instructorID {
			out = append(out, model.ExamSummary{ID: e.ID, Title: e.Title})
		}
	}
	return out, nil
}

type fakeViolations struct {
	since time.Time
	rows  []model.StoredViolation
}

func (f *fakeViolations) ListRecentByExam(_ context.Context, examID uuid.UUID, since time.Time) ([]model.StoredViolation, error) {
	f.since = since
	out := make([]model.StoredViolation, 0)
	for _, v := range f.rows {
		if v.ExamID == examID && !v.DetectedAt.Before(since) {
			out = append(out, v)
		}
	}
	return out, nil
}

// ─── Peers ─────────────────────────────────────────────────────────

type fakePeer struct {
	mu     sync.Mutex
	frames []ws.Envelope
}

func (p *fakePeer) Send(env ws.Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, env)
	return true
}

func (p *fakePeer) events(event ws.Event) []ws.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ws.Envelope
	for _, f := range p.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func decode[T any](t *testing.T, env ws.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

// ─── Fixture ───────────────────────────────────────────────────────

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const (
	studentID    = 42
	instructorID = 7
)

type fixture struct {
	mr          *miniredis.Miniredis
	rdb         *redis.Client
	clk         *clock.Fake
	cfg         *config.Config
	exam        *model.Exam
	attempt     *model.Attempt
	attempts    *fakeAttempts
	answers     fakeAnswers
	exams       fakeExams
	violations  *fakeViolations
	relay       *RelayService
	attemptSvc  *AttemptService
	reportSvc   *ViolationService
	instructors *InstructorService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		AnswerGrace:    15 * time.Second,
		RelayDedupeTTL: time.Minute,
		JWTSecret:      "test-secret",
		JWTExpiry:      time.Hour,
	}
	start := testNow.Add(-time.Hour)
	end := testNow.Add(3 * time.Hour)
	exam := &model.Exam{
		ID:              uuid.New(),
		Title:           "Algorithms midterm",
		InstructorID:    instructorID,
		StartsAt:        &start,
		EndsAt:          &end,
		DurationMinutes: 60,
		QuestionCount:   20,
	}
	attempt := &model.Attempt{
		ID:              uuid.New(),
		ExamID:          exam.ID,
		StudentID:       studentID,
		StudentName:     "Student One",
		Status:          model.AttemptStatusPending,
		DurationSeconds: 3600,
	}

	f := &fixture{
		mr:         mr,
		rdb:        rdb,
		clk:        clock.NewFake(testNow),
		cfg:        cfg,
		exam:       exam,
		attempt:    attempt,
		attempts:   newFakeAttempts(attempt),
		answers:    fakeAnswers{},
		exams:      fakeExams{exam.ID: exam},
		violations: &fakeViolations{},
	}
	log := zerolog.Nop()
	f.relay = NewRelayService(rdb, cfg, log)
	f.attemptSvc = NewAttemptService(f.attempts, f.answers, f.exams, f.relay, rdb, cfg, f.clk, log)
	f.reportSvc = NewViolationService(f.attempts, f.relay, rdb, f.clk, log)
	f.instructors = NewInstructorService(f.exams, f.attempts, f.violations, f.relay, f.clk)
	return f
}

// inProgress marks the fixture attempt as started `ago` before now.
func (f *fixture) inProgress(ago time.Duration) {
	f.attempts.mu.Lock()
	defer f.attempts.mu.Unlock()
	started := testNow.Add(-ago)
	f.attempt.StartedAt = &started
	f.attempt.Status = model.AttemptStatusInProgress
}

func (f *fixture) submitted() {
	f.attempts.mu.Lock()
	defer f.attempts.mu.Unlock()
	started := testNow.Add(-10 * time.Minute)
	submitted := testNow.Add(-time.Minute)
	f.attempt.StartedAt = &started
	f.attempt.SubmittedAt = &submitted
	f.attempt.Status = model.AttemptStatusSubmitted
}

func (f *fixture) queue(t *testing.T, name string) []string {
	t.Helper()
	items, err := f.rdb.LRange(context.Background(), name, 0, -1).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	require.NoError(t, err)
	return items
}
