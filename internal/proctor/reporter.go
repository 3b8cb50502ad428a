package proctor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/model"
	ws "github.com/stemsi/oem-proctor/internal/websocket"
)

// AsyncReporter delivers violations over HTTP and the real-time channel. Each leg has its
// own buffer and goroutine, so a stalled backend never delays the channel and vice versa.
type AsyncReporter struct {
	api     API
	channel Channel
	timeout time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
	legs   []*reportLeg
	wg     sync.WaitGroup
}

// reportLeg is one delivery path with its own queue.
type reportLeg struct {
	name    string
	queue   chan model.ViolationEvent
	deliver func(model.ViolationEvent)
}

// NewAsyncReporter starts one delivery goroutine per leg. channel may be nil.
// buffer bounds each leg separately.
func NewAsyncReporter(api API, channel Channel, buffer int, log zerolog.Logger) *AsyncReporter {
	if buffer <= 0 {
		buffer = 64
	}
	r := &AsyncReporter{
		api:     api,
		channel: channel,
		timeout: 10 * time.Second,
		log:     log.With().Str("component", "violation_reporter").Logger(),
	}
	r.legs = append(r.legs, &reportLeg{name: "http", queue: make(chan model.ViolationEvent, buffer), deliver: r.deliverHTTP})
	if channel != nil {
		r.legs = append(r.legs, &reportLeg{name: "channel", queue: make(chan model.ViolationEvent, buffer), deliver: r.deliverChannel})
	}
	for _, leg := range r.legs {
		r.wg.Add(1)
		go r.run(leg)
	}
	return r
}

// Report enqueues ev on every leg. A full leg drops the event with a warning; the other leg still gets it.
func (r *AsyncReporter) Report(ev model.ViolationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for _, leg := range r.legs {
		select {
		case leg.queue <- ev:
		default:
			r.log.Warn().Str("event_id", ev.ID.String()).Str("leg", leg.name).Msg("Report buffer full, dropping")
		}
	}
}

// Close stops intake and waits for queued events to be delivered or ctx to end.
func (r *AsyncReporter) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		for _, leg := range r.legs {
			close(leg.queue)
		}
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *AsyncReporter) run(leg *reportLeg) {
	defer r.wg.Done()
	for ev := range leg.queue {
		leg.deliver(ev)
	}
}

func (r *AsyncReporter) eventLog(ev model.ViolationEvent) zerolog.Logger {
	return r.log.With().
		Str("event_id", ev.ID.String()).
		Str("event_type", string(ev.Type)).
		Logger()
}

func (r *AsyncReporter) deliverChannel(ev model.ViolationEvent) {
	report, err := ws.NewViolationReport(ev)
	if err == nil {
		err = r.channel.Emit(ws.EventStudentViolation, report)
	}
	if err != nil {
		evLog := r.eventLog(ev)
		evLog.Warn().Err(err).Msg("Channel relay failed")
	}
}

func (r *AsyncReporter) deliverHTTP(ev model.ViolationEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	evLog := r.eventLog(ev)
	if err := r.api.ReportViolation(ctx, ev); err != nil {
		evLog.Warn().Err(err).Msg("HTTP report failed")
		return
	}
	evLog.Debug().Msg("Violation delivered")
}
