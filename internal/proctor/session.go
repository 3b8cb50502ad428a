package proctor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/clock"
	"github.com/stemsi/oem-proctor/internal/config"
	"github.com/stemsi/oem-proctor/internal/model"
	ws "github.com/stemsi/oem-proctor/internal/websocket"
)

// Phase is the submission lifecycle state.
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseStarting
	PhaseInProgress
	PhaseSubmitted
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseStarting:
		return "starting"
	case PhaseInProgress:
		return "in_progress"
	case PhaseSubmitted:
		return "submitted"
	}
	return "unknown"
}

// Options configures a Session. API, Notifier and Reporter are required.
type Options struct {
	AttemptID uuid.UUID
	Config    config.ProctorConfig
	Clock     clock.Clock
	API       API
	Channel   Channel
	Notifier  Notifier
	Reporter  Reporter
	Flags     FlagStore
	Sensors   []Sensor
	Logger    zerolog.Logger
	// Synchronous handles every message on the goroutine that produced it instead of through Run.
	Synchronous bool
	// SubmitRetries bounds extra submit attempts after a transport failure.
	SubmitRetries int
	SubmitTimeout time.Duration
	IntakeBuffer  int
}

// Session owns all client-local proctoring state for one attempt. Sensors, timers and
// network completions reach it only as messages, which it handles one at a time.
type Session struct {
	attemptID uuid.UUID
	cfg       config.ProctorConfig
	clk       clock.Clock
	api       API
	channel   Channel
	notifier  Notifier
	reporter  Reporter
	flags     FlagStore
	sensors   []Sensor
	log       zerolog.Logger

	submitRetries int
	submitTimeout time.Duration

	intake  chan message
	done    chan struct{}
	stopped chan struct{}
	stopOne sync.Once

	// attached mirrors "sensors are live" for ShouldSuppressDefault, which sensors call without the lock.
	attached atomic.Bool

	mu sync.Mutex

	phase   Phase
	attempt model.Attempt
	// gen invalidates every outstanding timer message when bumped.
	gen uint64

	monitoring      bool
	graceTimer      clock.Timer
	examTimer       clock.Timer
	inactivityTimer clock.Timer
	lastInteraction time.Time
	idleWarned      bool

	count         int
	tier          Tier
	criticalFired bool
	throttle      *throttle
	keyOffenses   *offenseBook
	fsExits       *offenseBook
	fullscreen    bool
	splitActive   bool

	questionCount int
	answered      map[string]struct{}

	submitting bool
	result     *SubmitResult
}

type message interface{}

type (
	signalMsg      struct{ sig Signal }
	graceEnded     struct{ gen uint64 }
	inactivityTick struct{ gen uint64 }
	examTimeUp     struct{ gen uint64 }
	submitRequest  struct{ trigger model.SubmitTrigger }
	submitSettled  struct{ result SubmitResult }
)

// NewSession validates opts and builds an idle Session.
func NewSession(opts Options) (*Session, error) {
	if opts.API == nil {
		return nil, ErrMissingAPI
	}
	if opts.Notifier == nil {
		return nil, ErrMissingNotifier
	}
	if opts.Reporter == nil {
		return nil, ErrMissingReporter
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("proctor config: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Flags == nil {
		opts.Flags = NewMemoryFlags()
	}
	if opts.SubmitRetries < 0 {
		opts.SubmitRetries = 0
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 30 * time.Second
	}
	if opts.IntakeBuffer <= 0 {
		opts.IntakeBuffer = 256
	}

	s := &Session{
		attemptID:     opts.AttemptID,
		cfg:           opts.Config,
		clk:           opts.Clock,
		api:           opts.API,
		channel:       opts.Channel,
		notifier:      opts.Notifier,
		reporter:      opts.Reporter,
		flags:         opts.Flags,
		sensors:       opts.Sensors,
		submitRetries: opts.SubmitRetries,
		submitTimeout: opts.SubmitTimeout,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
		throttle:      newThrottle(opts.Config.TypeThrottle, opts.Config.FocusGroupThrottle),
		keyOffenses:   newOffenseBook(opts.Config.ForgiveWindow),
		fsExits:       newOffenseBook(opts.Config.ForgiveWindow),
		answered:      make(map[string]struct{}),
		log: opts.Logger.With().
			Str("component", "proctor_session").
			Str("attempt_id", opts.AttemptID.String()).
			Logger(),
	}
	if !opts.Synchronous {
		s.intake = make(chan message, opts.IntakeBuffer)
	}
	return s, nil
}

// Run drains the intake until the attempt is submitted or ctx ends.
// It is not used in synchronous mode.
func (s *Session) Run(ctx context.Context) error {
	defer s.stopOne.Do(func() { close(s.stopped) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case m := <-s.intake:
			s.dispatch(m)
		}
	}
}

// Push delivers a sensor signal.
func (s *Session) Push(sig Signal) {
	s.post(signalMsg{sig: sig})
}

// Done is closed once the submission has settled.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result returns the settled submission, or nil before Done closes.
func (s *Session) Result() *SubmitResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) Tier() Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tier
}

// ViolationCount is the local, authoritative count.
func (s *Session) ViolationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// ShouldSuppressDefault tells a sensor, synchronously, whether to cancel the platform default
// for sig before pushing it. Safe to call from any goroutine.
func (s *Session) ShouldSuppressDefault(sig Signal) bool {
	if !s.attached.Load() {
		return false
	}
	switch v := sig.(type) {
	case KeyDown:
		_, ok := MonitoredIdentity(v)
		return ok
	case ContextMenu:
		return true
	case Clipboard:
		return true
	}
	return false
}

// Start verifies the attempt with the backend, then activates monitoring.
// It returns ErrReverify when the attempt is already closed and ErrRetryable when the backend is unreachable.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseNotStarted {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.phase = PhaseStarting
	s.mu.Unlock()

	resp, err := s.enter(ctx)
	if err != nil {
		s.mu.Lock()
		s.phase = PhaseNotStarted
		s.mu.Unlock()
		s.log.Warn().Err(err).Msg("Start rejected")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.activate(resp)
	return nil
}

func (s *Session) enter(ctx context.Context) (*model.StartAttemptResponse, error) {
	status, err := s.api.AttemptStatus(ctx, s.attemptID)
	if err != nil {
		return nil, startError(err)
	}
	if status.IsClosed() {
		return nil, ErrReverify
	}

	resp, err := s.api.StartAttempt(ctx, s.attemptID)
	if err != nil {
		return nil, startError(err)
	}
	if resp.Attempt.IsClosed() {
		return nil, ErrReverify
	}
	return resp, nil
}

func startError(err error) error {
	if reverify(err) {
		return fmt.Errorf("%w: %v", ErrReverify, err)
	}
	return fmt.Errorf("%w: %v", ErrRetryable, err)
}

func (s *Session) activate(resp *model.StartAttemptResponse) {
	s.attempt = resp.Attempt
	s.phase = PhaseInProgress
	s.questionCount = resp.QuestionCount
	for _, id := range resp.AnsweredQuestionIDs {
		s.answered[id] = struct{}{}
	}

	remaining := time.Duration(resp.RemainingSeconds) * time.Second
	s.examTimer = s.after(remaining, func(gen uint64) message { return examTimeUp{gen: gen} })

	s.fullscreen = s.requestFullscreen()

	s.attached.Store(true)
	for _, sn := range s.sensors {
		sn.Attach(s)
	}
	s.graceTimer = s.after(s.cfg.GracePeriod, func(gen uint64) message { return graceEnded{gen: gen} })

	if s.channel != nil {
		s.channel.Join(ws.EventRegisterSubmission, ws.RegisterSubmission{
			AttemptID:   s.attempt.ID,
			StudentID:   s.attempt.StudentID,
			ExamID:      s.attempt.ExamID,
			StudentName: s.attempt.StudentName,
		})
	}

	s.log.Info().
		Dur("remaining", remaining).
		Int("questions", s.questionCount).
		Int("answered", len(s.answered)).
		Msg("Attempt in progress")
}

// SaveAnswer upserts one answer. It is refused once the attempt has left InProgress.
func (s *Session) SaveAnswer(ctx context.Context, questionID, answer string) error {
	s.mu.Lock()
	if s.phase != PhaseInProgress {
		s.mu.Unlock()
		return ErrNotInProgress
	}
	s.mu.Unlock()

	err := s.api.SaveAnswer(ctx, s.attemptID, model.SaveAnswerRequest{QuestionID: questionID, Answer: answer})
	if err != nil {
		return fmt.Errorf("save answer: %w", err)
	}

	s.mu.Lock()
	if s.phase == PhaseInProgress {
		s.answered[questionID] = struct{}{}
	}
	s.mu.Unlock()
	return nil
}

// RequestSubmit is the manual submit path. With unanswered questions the student must confirm first.
func (s *Session) RequestSubmit() error {
	s.mu.Lock()
	if s.phase != PhaseInProgress || s.submitting {
		s.mu.Unlock()
		return ErrNotInProgress
	}
	unanswered := s.questionCount - len(s.answered)
	s.mu.Unlock()

	if unanswered > 0 && !s.notifier.ConfirmSubmit(unanswered) {
		return ErrSubmitCanceled
	}
	s.post(submitRequest{trigger: model.SubmitTriggerManual})
	return nil
}

func (s *Session) post(m message) {
	if s.intake == nil {
		s.dispatch(m)
		return
	}
	select {
	case s.intake <- m:
	case <-s.done:
	case <-s.stopped:
	}
}

func (s *Session) dispatch(m message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch m := m.(type) {
	case signalMsg:
		s.classify(m.sig)
	case graceEnded:
		s.endGrace(m.gen)
	case inactivityTick:
		s.checkInactivity(m.gen)
	case offenseReset:
		if s.phase == PhaseInProgress {
			m.book.reset(m)
		}
	case examTimeUp:
		if m.gen == s.gen {
			s.log.Info().Msg("Time is up")
			s.beginSubmit(model.SubmitTriggerTimer)
		}
	case submitRequest:
		s.beginSubmit(m.trigger)
	case submitSettled:
		s.settle(m.result)
	}
}

// after arms a timer whose message is tagged with the current generation.
func (s *Session) after(d time.Duration, mk func(gen uint64) message) clock.Timer {
	gen := s.gen
	return s.clk.AfterFunc(d, func() { s.post(mk(gen)) })
}

// beginSubmit is the single entry to Submitted. Only the first trigger gets through.
func (s *Session) beginSubmit(trigger model.SubmitTrigger) bool {
	if s.submitting || s.phase != PhaseInProgress {
		return false
	}
	s.submitting = true
	s.phase = PhaseSubmitted
	s.tier = TierSubmitted
	s.teardown()

	s.log.Info().
		Str("trigger", string(trigger)).
		Int("violations", s.count).
		Msg("Submitting attempt")

	snapshot := s.attempt
	go s.finishSubmit(trigger, snapshot)
	return true
}

func (s *Session) teardown() {
	s.attached.Store(false)
	s.monitoring = false
	s.flags.SetMonitoring(s.attemptID, false)
	s.gen++

	for _, t := range []*clock.Timer{&s.graceTimer, &s.examTimer, &s.inactivityTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
	s.keyOffenses.stopAll()
	s.fsExits.stopAll()

	for _, sn := range s.sensors {
		sn.Detach()
	}
	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Channel close failed")
		}
	}
}

func (s *Session) finishSubmit(trigger model.SubmitTrigger, attempt model.Attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), s.submitTimeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectMin
	bo.MaxInterval = s.cfg.ReconnectMax
	bo.MaxElapsedTime = 0

	result := SubmitResult{Trigger: trigger}
	for try := 0; ; try++ {
		resp, err := s.api.SubmitAttempt(ctx, s.attemptID, trigger)
		if err == nil {
			result.Response = resp
			break
		}
		if reverify(err) {
			// Already closed server-side; the earlier submit won.
			result.Response = &model.SubmitAttemptResponse{Attempt: attempt, AlreadySubmitted: true}
			break
		}
		if try >= s.submitRetries {
			result.Err = err
			s.log.Error().Err(err).Msg("Submit failed")
			break
		}
		wait := bo.NextBackOff()
		s.log.Warn().Err(err).Dur("retry_in", wait).Msg("Submit failed, retrying")
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			result.Err = ctx.Err()
		case <-t.C:
			continue
		}
		break
	}

	s.post(submitSettled{result: result})
}

func (s *Session) settle(result SubmitResult) {
	if s.result != nil {
		return
	}
	s.result = &result
	s.notifier.Submitted(result)
	close(s.done)
}
