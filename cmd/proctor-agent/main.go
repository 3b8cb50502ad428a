// Command proctor-agent runs the student-side proctoring session for one attempt.
//
// It reads newline-delimited JSON from stdin. Platform signals ({"type": "key_down", ...})
// feed the session; two control lines drive the attempt itself:
//
//	{"type": "answer", "question_id": "...", "answer": "..."}
//	{"type": "submit"}
//
// Logs go to stderr.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/apiclient"
	"github.com/stemsi/oem-proctor/internal/config"
	"github.com/stemsi/oem-proctor/internal/logger"
	"github.com/stemsi/oem-proctor/internal/proctor"
	"github.com/stemsi/oem-proctor/internal/realtime"
)

type control struct {
	Type       string `json:"type"`
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// latestViewport holds the newest viewport sample seen on stdin for the poller.
type latestViewport struct {
	mu     sync.Mutex
	sample proctor.ViewportSample
	ok     bool
}

func (v *latestViewport) set(s proctor.ViewportSample) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sample, v.ok = s, true
}

func (v *latestViewport) get() (proctor.ViewportSample, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sample, v.ok
}

func main() {
	os.Exit(run())
}

func run() int {
	attemptFlag := flag.String("attempt", "", "attempt ID to proctor")
	noConfirm := flag.Bool("no-confirm", false, "refuse manual submit while questions are unanswered")
	flag.Parse()

	cfg, cfgErr := config.LoadProctor()
	log := logger.SetupTo(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if cfgErr != nil {
		log.Error().Err(cfgErr).Msg("Invalid proctor configuration")
		return 2
	}
	attemptID, err := uuid.Parse(*attemptFlag)
	if err != nil {
		log.Error().Err(err).Msg("-attempt must be a UUID")
		return 2
	}
	if cfg.Token == "" {
		log.Error().Msg("API_TOKEN is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := apiclient.New(cfg.APIURL, cfg.Token, 10*time.Second, log)
	channel, err := realtime.New(realtime.Options{
		URL:               cfg.WSURL,
		Token:             cfg.Token,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectMin:      cfg.ReconnectMin,
		ReconnectMax:      cfg.ReconnectMax,
		Logger:            log,
	})
	if err != nil {
		log.Error().Err(err).Msg("Invalid channel URL")
		return 2
	}
	channel.Start(ctx)
	defer channel.Close()

	reporter := proctor.NewAsyncReporter(api, channel, 0, log)

	notifier := proctor.NewLogNotifier(log)
	if *noConfirm {
		notifier.Confirm = func(unanswered int) bool {
			log.Warn().Int("unanswered", unanswered).Msg("Submit refused with unanswered questions")
			return false
		}
	}

	// Signals are split from control lines before they reach the sensor.
	signalsR, signalsW := io.Pipe()
	controls := make(chan control, 16)
	go splitInput(os.Stdin, signalsW, controls, log)

	viewport := &latestViewport{}
	stream := proctor.NewStreamSensor(signalsR, log)
	stream.Tap = func(sig proctor.Signal) bool {
		if v, ok := sig.(proctor.ViewportSample); ok {
			viewport.set(v)
			return false
		}
		return true
	}
	poller := proctor.NewViewportPoller(cfg.ViewportPoll, viewport.get)

	session, err := proctor.NewSession(proctor.Options{
		AttemptID:     attemptID,
		Config:        cfg,
		API:           api,
		Channel:       channel,
		Notifier:      notifier,
		Reporter:      reporter,
		Sensors:       []proctor.Sensor{stream, poller},
		Logger:        log,
		SubmitRetries: 2,
	})
	if err != nil {
		log.Error().Err(err).Msg("Cannot build session")
		return 1
	}
	stream.Suppress = session.ShouldSuppressDefault

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx) }()

	if err := session.Start(ctx); err != nil {
		if errors.Is(err, proctor.ErrReverify) {
			log.Error().Err(err).Msg("Attempt is closed. Verify your room again.")
		} else {
			log.Error().Err(err).Msg("Could not start the attempt")
		}
		return 1
	}

	exitCode := 0
loop:
	for {
		select {
		case <-session.Done():
			if res := session.Result(); res != nil && res.Err != nil {
				exitCode = 1
			}
			break loop
		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Session stopped")
				exitCode = 1
			}
			break loop
		case c := <-controls:
			handleControl(ctx, session, c, log)
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reporter.Close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("Some violation reports were not delivered")
	}
	return exitCode
}

func handleControl(ctx context.Context, session *proctor.Session, c control, log zerolog.Logger) {
	switch c.Type {
	case "answer":
		if err := session.SaveAnswer(ctx, c.QuestionID, c.Answer); err != nil {
			log.Error().Err(err).Str("question_id", c.QuestionID).Msg("Answer not saved")
			return
		}
		log.Debug().Str("question_id", c.QuestionID).Msg("Answer saved")
	case "submit":
		if err := session.RequestSubmit(); err != nil {
			log.Warn().Err(err).Msg("Submit not sent")
		}
	}
}

// splitInput routes control lines to controls and copies everything else to signals.
func splitInput(in io.Reader, signals *io.PipeWriter, controls chan<- control, log zerolog.Logger) {
	defer signals.Close()
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Bytes()
		var c control
		if json.Unmarshal(line, &c) == nil && (c.Type == "answer" || c.Type == "submit") {
			controls <- c
			continue
		}
		if _, err := signals.Write(append(append([]byte{}, line...), '\n')); err != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("Input read failed")
	}
}
