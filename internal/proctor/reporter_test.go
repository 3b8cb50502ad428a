package proctor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/model"
	ws "github.com/stemsi/oem-proctor/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func violation(n int) model.ViolationEvent {
	return model.ViolationEvent{
		ID:             uuid.New(),
		AttemptID:      uuid.New(),
		ExamID:         uuid.New(),
		Type:           model.EventTabSwitch,
		Severity:       model.SeverityMedium,
		DetectedAt:     time.Date(2026, 3, 1, 9, 0, n, 0, time.UTC),
		ViolationCount: n,
		Details:        model.FocusDetails{Kind: model.EventTabSwitch},
	}
}

func TestAsyncReporterDeliversBothLegs(t *testing.T) {
	api := &fakeAPI{}
	ch := &fakeChannel{}
	r := NewAsyncReporter(api, ch, 8, zerolog.Nop())

	for i := 1; i <= 3; i++ {
		r.Report(violation(i))
	}
	require.NoError(t, r.Close(context.Background()))

	require.Len(t, api.reports, 3)
	for i, ev := range api.reports {
		assert.Equal(t, i+1, ev.ViolationCount)
	}
	assert.Equal(t, []ws.Event{ws.EventStudentViolation, ws.EventStudentViolation, ws.EventStudentViolation}, ch.emits)

	// Reports after Close are discarded.
	r.Report(violation(4))
	assert.Len(t, api.reports, 3)
}

func TestAsyncReporterLegsAreIndependent(t *testing.T) {
	t.Run("channel down", func(t *testing.T) {
		api := &fakeAPI{}
		ch := &fakeChannel{emitErr: errors.New("not connected")}
		r := NewAsyncReporter(api, ch, 8, zerolog.Nop())
		r.Report(violation(1))
		require.NoError(t, r.Close(context.Background()))
		assert.Len(t, api.reports, 1)
	})

	t.Run("http down", func(t *testing.T) {
		api := &fakeAPI{reportErr: errDial}
		ch := &fakeChannel{}
		r := NewAsyncReporter(api, ch, 8, zerolog.Nop())
		r.Report(violation(1))
		r.Report(violation(2))
		require.NoError(t, r.Close(context.Background()))
		assert.Len(t, ch.emits, 2)
		assert.Len(t, api.reports, 2)
	})

	t.Run("no channel", func(t *testing.T) {
		api := &fakeAPI{}
		r := NewAsyncReporter(api, nil, 8, zerolog.Nop())
		r.Report(violation(1))
		require.NoError(t, r.Close(context.Background()))
		assert.Len(t, api.reports, 1)
	})
}

// blockingAPI parks ReportViolation until release is closed.
type blockingAPI struct {
	*fakeAPI
	release chan struct{}
}

func (a *blockingAPI) ReportViolation(ctx context.Context, ev model.ViolationEvent) error {
	<-a.release
	return a.fakeAPI.ReportViolation(ctx, ev)
}

func TestAsyncReporterNeverBlocks(t *testing.T) {
	api := &blockingAPI{fakeAPI: &fakeAPI{}, release: make(chan struct{})}
	r := NewAsyncReporter(api, nil, 1, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			r.Report(violation(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Report blocked on a stalled backend")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.Close(ctx), context.DeadlineExceeded)

	close(api.release)
	require.NoError(t, r.Close(context.Background()))
	assert.LessOrEqual(t, api.reportCount(), 2)
}

func TestAsyncReporterChannelOutrunsStalledHTTP(t *testing.T) {
	api := &blockingAPI{fakeAPI: &fakeAPI{}, release: make(chan struct{})}
	ch := &fakeChannel{}
	r := NewAsyncReporter(api, ch, 8, zerolog.Nop())

	for i := 1; i <= 3; i++ {
		r.Report(violation(i))
	}

	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return len(ch.emits) == 3
	}, time.Second, 5*time.Millisecond, "channel leg waited on the HTTP leg")
	assert.Equal(t, 0, api.reportCount())

	close(api.release)
	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 3, api.reportCount())
}

type chanIntake struct {
	ch chan Signal
}

func (c chanIntake) Push(sig Signal) { c.ch <- sig }

func TestStreamSensorPushesDecodedSignals(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"key_down","key":"F5"}`,
		``,
		`garbage`,
		`{"type":"viewport","width":10,"screen_width":100}`,
		`{"type":"tab_switch"}`,
	}, "\n")

	var mu sync.Mutex
	var tapped, suppressed int
	s := NewStreamSensor(strings.NewReader(input), zerolog.Nop())
	s.Tap = func(sig Signal) bool {
		mu.Lock()
		defer mu.Unlock()
		tapped++
		_, isViewport := sig.(ViewportSample)
		return !isViewport
	}
	s.Suppress = func(sig Signal) bool {
		mu.Lock()
		defer mu.Unlock()
		suppressed++
		return true
	}

	in := chanIntake{ch: make(chan Signal, 8)}
	s.Attach(in)

	select {
	case <-s.EOF():
	case <-time.After(time.Second):
		t.Fatal("stream did not end")
	}
	close(in.ch)

	var got []Signal
	for sig := range in.ch {
		got = append(got, sig)
	}
	assert.Equal(t, []Signal{KeyDown{Key: "F5"}, TabSwitch{}}, got)
	assert.Equal(t, 3, tapped)
	assert.Equal(t, 2, suppressed)
}

func TestStreamSensorDiscardsAfterDetach(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":"tab_switch"}` + "\n")

	s := NewStreamSensor(&buf, zerolog.Nop())
	in := chanIntake{ch: make(chan Signal, 8)}
	s.Attach(in)
	s.Detach()
	<-s.EOF()

	// Depending on scheduling the line is read before or after Detach; either way at most one arrives.
	assert.LessOrEqual(t, len(in.ch), 1)
}

func TestViewportPoller(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	p := NewViewportPoller(5*time.Millisecond, func() (ViewportSample, bool) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return ViewportSample{Width: 800, ScreenWidth: 1000}, calls%2 == 0
	})

	in := chanIntake{ch: make(chan Signal, 64)}
	p.Attach(in)
	p.Attach(in)

	select {
	case sig := <-in.ch:
		assert.Equal(t, ViewportSample{Width: 800, ScreenWidth: 1000}, sig)
	case <-time.After(time.Second):
		t.Fatal("no sample")
	}
	p.Detach()
	p.Detach()
}
