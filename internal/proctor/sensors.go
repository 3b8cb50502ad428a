package proctor

import (
	"bufio"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ViewportPoller samples the viewport on a fixed interval.
type ViewportPoller struct {
	interval time.Duration
	measure  func() (ViewportSample, bool)

	mu   sync.Mutex
	stop chan struct{}
}

// NewViewportPoller polls measure every interval. measure returns false when no sample is available.
func NewViewportPoller(interval time.Duration, measure func() (ViewportSample, bool)) *ViewportPoller {
	return &ViewportPoller{interval: interval, measure: measure}
}

func (p *ViewportPoller) Attach(in Intake) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}
	stop := make(chan struct{})
	p.stop = stop

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sample, ok := p.measure()
				if !ok {
					continue
				}
				select {
				case <-stop:
					return
				default:
					in.Push(sample)
				}
			}
		}
	}()
}

func (p *ViewportPoller) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

// StreamSensor reads newline-delimited JSON signals (see DecodeSignal) from r.
// Lines read after Detach are discarded.
type StreamSensor struct {
	r   io.Reader
	log zerolog.Logger
	// Tap sees every decoded signal first. Returning false swallows it.
	Tap func(Signal) bool
	// Suppress is asked whether the platform default should be canceled.
	Suppress func(Signal) bool

	mu       sync.Mutex
	in       Intake
	started  bool
	detached bool
	eof      chan struct{}
}

func NewStreamSensor(r io.Reader, log zerolog.Logger) *StreamSensor {
	return &StreamSensor{
		r:   r,
		log: log.With().Str("component", "stream_sensor").Logger(),
		eof: make(chan struct{}),
	}
}

// EOF is closed when the input ends.
func (s *StreamSensor) EOF() <-chan struct{} { return s.eof }

func (s *StreamSensor) Attach(in Intake) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.in = in
	s.detached = false
	if s.started {
		return
	}
	s.started = true
	go s.read()
}

func (s *StreamSensor) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
	s.in = nil
}

func (s *StreamSensor) read() {
	defer close(s.eof)
	scanner := bufio.NewScanner(s.r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		sig, err := DecodeSignal(line)
		if err != nil {
			s.log.Warn().Err(err).Msg("Skipping unreadable signal")
			continue
		}
		if s.Tap != nil && !s.Tap(sig) {
			continue
		}

		s.mu.Lock()
		in, detached := s.in, s.detached
		s.mu.Unlock()
		if detached || in == nil {
			continue
		}
		if s.Suppress != nil && s.Suppress(sig) {
			s.log.Debug().Msg("Default action canceled")
		}
		in.Push(sig)
	}
	if err := scanner.Err(); err != nil {
		s.log.Warn().Err(err).Msg("Signal stream ended")
	}
}
