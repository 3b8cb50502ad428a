package proctor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/clock"
	"github.com/stemsi/oem-proctor/internal/config"
	"github.com/stemsi/oem-proctor/internal/model"
	ws "github.com/stemsi/oem-proctor/internal/websocket"
	"github.com/stretchr/testify/require"
)

type reverifyErr struct{}

func (reverifyErr) Error() string  { return "attempt closed" }
func (reverifyErr) Reverify() bool { return true }

type fakeAPI struct {
	mu        sync.Mutex
	status    model.Attempt
	statusErr error
	start     model.StartAttemptResponse
	startErr  error
	saveErr   error
	reportErr error
	saves     []model.SaveAnswerRequest
	reports   []model.ViolationEvent
	submits   []model.SubmitTrigger
}

func (a *fakeAPI) AttemptStatus(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.statusErr != nil {
		return nil, a.statusErr
	}
	st := a.status
	return &st, nil
}

func (a *fakeAPI) StartAttempt(ctx context.Context, attemptID uuid.UUID) (*model.StartAttemptResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return nil, a.startErr
	}
	resp := a.start
	return &resp, nil
}

func (a *fakeAPI) SaveAnswer(ctx context.Context, attemptID uuid.UUID, req model.SaveAnswerRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.saveErr != nil {
		return a.saveErr
	}
	a.saves = append(a.saves, req)
	return nil
}

func (a *fakeAPI) ReportViolation(ctx context.Context, ev model.ViolationEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, ev)
	return a.reportErr
}

func (a *fakeAPI) SubmitAttempt(ctx context.Context, attemptID uuid.UUID, trigger model.SubmitTrigger) (*model.SubmitAttemptResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submits = append(a.submits, trigger)
	att := a.start.Attempt
	att.Status = model.AttemptStatusSubmitted
	return &model.SubmitAttemptResponse{Attempt: att}, nil
}

func (a *fakeAPI) submitCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.submits)
}

func (a *fakeAPI) reportCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reports)
}

type toast struct {
	msg     string
	urgency Urgency
}

type fakeNotifier struct {
	mu            sync.Mutex
	toasts        []toast
	alerts        []Tier
	fullscreenErr error
	restores      int
	confirm       bool
	confirmAsks   []int
	submitted     []SubmitResult
}

func (n *fakeNotifier) Toast(message string, urgency Urgency) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toasts = append(n.toasts, toast{message, urgency})
}

func (n *fakeNotifier) Alert(tier Tier, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, tier)
}

func (n *fakeNotifier) RequestFullscreen() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.restores++
	return n.fullscreenErr
}

func (n *fakeNotifier) ConfirmSubmit(unanswered int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmAsks = append(n.confirmAsks, unanswered)
	return n.confirm
}

func (n *fakeNotifier) Submitted(result SubmitResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.submitted = append(n.submitted, result)
}

func (n *fakeNotifier) countUrgency(u Urgency) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, t := range n.toasts {
		if t.urgency == u {
			c++
		}
	}
	return c
}

func (n *fakeNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toasts = nil
	n.restores = 0
}

type fakeReporter struct {
	mu     sync.Mutex
	events []model.ViolationEvent
}

func (r *fakeReporter) Report(ev model.ViolationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *fakeReporter) snapshot() []model.ViolationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ViolationEvent(nil), r.events...)
}

func (r *fakeReporter) types() []model.EventType {
	var out []model.EventType
	for _, ev := range r.snapshot() {
		out = append(out, ev.Type)
	}
	return out
}

type fakeChannel struct {
	mu      sync.Mutex
	joins   []ws.Event
	emits   []ws.Event
	emitErr error
	closed  bool
}

func (c *fakeChannel) Join(event ws.Event, data interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins = append(c.joins, event)
}

func (c *fakeChannel) Emit(event ws.Event, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emitErr != nil {
		return c.emitErr
	}
	c.emits = append(c.emits, event)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeSensor struct {
	mu       sync.Mutex
	in       Intake
	attached int
	detached int
}

func (f *fakeSensor) Attach(in Intake) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.in = in
	f.attached++
}

func (f *fakeSensor) Detach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.in = nil
	f.detached++
}

type harness struct {
	s        *Session
	clk      *clock.Fake
	cfg      config.ProctorConfig
	api      *fakeAPI
	notifier *fakeNotifier
	reporter *fakeReporter
	channel  *fakeChannel
	sensor   *fakeSensor
	attempt  model.Attempt
	// graceEnd is the fake time at which monitoring became active.
	graceEnd time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.DefaultProctor()
	attempt := model.Attempt{
		ID:              uuid.New(),
		ExamID:          uuid.New(),
		StudentID:       7,
		StudentName:     "Ana",
		Status:          model.AttemptStatusInProgress,
		DurationSeconds: 3600,
	}
	h := &harness{
		clk: clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		cfg: cfg,
		api: &fakeAPI{
			status: attempt,
			start: model.StartAttemptResponse{
				Attempt:          attempt,
				RemainingSeconds: 3600,
				QuestionCount:    3,
			},
		},
		notifier: &fakeNotifier{confirm: true},
		reporter: &fakeReporter{},
		channel:  &fakeChannel{},
		sensor:   &fakeSensor{},
		attempt:  attempt,
	}

	s, err := NewSession(Options{
		AttemptID:   attempt.ID,
		Config:      cfg,
		Clock:       h.clk,
		API:         h.api,
		Channel:     h.channel,
		Notifier:    h.notifier,
		Reporter:    h.reporter,
		Sensors:     []Sensor{h.sensor},
		Logger:      zerolog.Nop(),
		Synchronous: true,
	})
	require.NoError(t, err)
	h.s = s
	return h
}

// begin starts the attempt and lets the grace period run out.
func (h *harness) begin(t *testing.T) {
	t.Helper()
	require.NoError(t, h.s.Start(context.Background()))
	h.clk.Advance(h.cfg.GracePeriod)
	h.graceEnd = h.clk.Now()
	h.notifier.reset()
}

// at advances the fake clock to graceEnd+d and pushes sig.
func (h *harness) at(d time.Duration, sig Signal) {
	if target := h.graceEnd.Add(d); target.After(h.clk.Now()) {
		h.clk.Advance(target.Sub(h.clk.Now()))
	}
	h.s.Push(sig)
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("submission did not settle")
	}
}

var errDial = errors.New("dial tcp: connection refused")
