package alertqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/model"
	ws "github.com/stemsi/oem-proctor/internal/websocket"
)

// ExamLister returns the exams owned by the signed-in instructor.
type ExamLister interface {
	ListOwnedExams(ctx context.Context) ([]model.ExamSummary, error)
}

// Subscriber is the instructor side of the real-time channel.
type Subscriber interface {
	Join(event ws.Event, data interface{})
	On(event ws.Event, h func(data json.RawMessage))
}

// Sink receives relayed violations.
type Sink interface {
	Push(cd ws.CheatingDetected)
}

// Monitor joins every owned exam room and feeds relayed violations into a Sink.
type Monitor struct {
	lister ExamLister
	sub    Subscriber
	sink   Sink
	log    zerolog.Logger

	mu     sync.Mutex
	exams  []model.ExamSummary
	active map[uuid.UUID]map[uuid.UUID]model.ActiveSubmission
}

func NewMonitor(lister ExamLister, sub Subscriber, sink Sink, log zerolog.Logger) *Monitor {
	return &Monitor{
		lister: lister,
		sub:    sub,
		sink:   sink,
		log:    log.With().Str("component", "exam_monitor").Logger(),
		active: make(map[uuid.UUID]map[uuid.UUID]model.ActiveSubmission),
	}
}

// Start fetches the owned exams once and joins each room. The channel replays the joins after reconnects.
func (m *Monitor) Start(ctx context.Context) error {
	m.sub.On(ws.EventCheatingDetected, m.onCheating)
	m.sub.On(ws.EventActiveSubmissions, m.onActive)
	m.sub.On(ws.EventSubmissionFinished, m.onFinished)
	m.sub.On(ws.EventError, func(data json.RawMessage) {
		var p ws.ErrorPayload
		_ = json.Unmarshal(data, &p)
		m.log.Warn().Str("code", p.Code).Str("message", p.Message).Msg("Relay reported an error")
	})

	exams, err := m.lister.ListOwnedExams(ctx)
	if err != nil {
		return fmt.Errorf("list owned exams: %w", err)
	}

	m.mu.Lock()
	m.exams = exams
	m.mu.Unlock()

	for _, e := range exams {
		m.sub.Join(ws.EventJoinExam, ws.JoinExam{ExamID: e.ID})
	}
	m.log.Info().Int("exams", len(exams)).Msg("Watching exams")
	return nil
}

func (m *Monitor) Exams() []model.ExamSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.ExamSummary(nil), m.exams...)
}

// Active lists the attempts currently registered in an exam room.
func (m *Monitor) Active(examID uuid.UUID) []model.ActiveSubmission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ActiveSubmission, 0, len(m.active[examID]))
	for _, s := range m.active[examID] {
		out = append(out, s)
	}
	return out
}

func (m *Monitor) onCheating(data json.RawMessage) {
	var cd ws.CheatingDetected
	if err := json.Unmarshal(data, &cd); err != nil {
		m.log.Error().Err(err).Msg("Discarding malformed violation relay")
		return
	}

	m.mu.Lock()
	if room, ok := m.active[cd.ExamID]; ok {
		if s, ok := room[cd.AttemptID]; ok && cd.ViolationCount > s.ViolationCount {
			s.ViolationCount = cd.ViolationCount
			room[cd.AttemptID] = s
		}
	}
	m.mu.Unlock()

	m.sink.Push(cd)
}

func (m *Monitor) onActive(data json.RawMessage) {
	var p ws.ActiveSubmissions
	if err := json.Unmarshal(data, &p); err != nil {
		m.log.Error().Err(err).Msg("Discarding malformed active list")
		return
	}
	room := make(map[uuid.UUID]model.ActiveSubmission, len(p.Submissions))
	for _, s := range p.Submissions {
		room[s.AttemptID] = s
	}

	m.mu.Lock()
	m.active[p.ExamID] = room
	m.mu.Unlock()
	m.log.Info().Str("exam_id", p.ExamID.String()).Int("active", len(room)).Msg("Active submissions")
}

func (m *Monitor) onFinished(data json.RawMessage) {
	var p ws.SubmissionFinished
	if err := json.Unmarshal(data, &p); err != nil {
		m.log.Error().Err(err).Msg("Discarding malformed submission notice")
		return
	}

	m.mu.Lock()
	delete(m.active[p.ExamID], p.AttemptID)
	m.mu.Unlock()
	m.log.Info().
		Str("attempt_id", p.AttemptID.String()).
		Str("trigger", string(p.Trigger)).
		Msg("Submission finished")
}
