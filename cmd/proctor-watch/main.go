// Command proctor-watch joins every exam room owned by the instructor and shows relayed
// violations one at a time on stdout. An empty line on stdin dismisses the alert on screen.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stemsi/oem-proctor/internal/alertqueue"
	"github.com/stemsi/oem-proctor/internal/apiclient"
	"github.com/stemsi/oem-proctor/internal/config"
	"github.com/stemsi/oem-proctor/internal/logger"
	"github.com/stemsi/oem-proctor/internal/realtime"
)

// terminal renders the alert queue as plain text.
type terminal struct {
	out  io.Writer
	bell bool
}

func (t terminal) Show(a alertqueue.Alert, queued int) {
	fmt.Fprintf(t.out, "[%d queued] %s  %-24s %-22s %-6s count=%d  (enter to dismiss)\n",
		queued,
		a.DetectedAt.Local().Format("15:04:05"),
		a.StudentName,
		a.EventType,
		a.Severity,
		a.ViolationCount,
	)
}

func (t terminal) Clear() {
	fmt.Fprintln(t.out, "-- no pending alerts --")
}

func (t terminal) Alarm(alertqueue.Alert) {
	if t.bell {
		fmt.Fprint(t.out, "\a")
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, cfgErr := config.LoadProctor()
	log := logger.SetupTo(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if cfgErr != nil {
		log.Error().Err(cfgErr).Msg("Invalid proctor configuration")
		return 2
	}
	if cfg.Token == "" {
		log.Error().Msg("API_TOKEN is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue := alertqueue.New(alertqueue.Options{
		Presenter:     terminal{out: os.Stdout, bell: os.Getenv("NO_BELL") == ""},
		Dwell:         cfg.AlertDwell,
		ReorderWindow: cfg.AlertReorderWindow,
		Logger:        log,
	})
	defer queue.Close()

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

	api := apiclient.New(cfg.APIURL, cfg.Token, 10*time.Second, log)
	monitor := alertqueue.NewMonitor(api, channel, queue, log)

	// Handlers and joins are registered before the first dial so nothing is missed.
	if err := monitor.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Cannot load owned exams")
		return 1
	}
	channel.Start(ctx)
	defer channel.Close()

	for _, e := range monitor.Exams() {
		fmt.Fprintf(os.Stdout, "watching %s  %s\n", e.ID, e.Title)
	}

	lines := make(chan struct{})
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- struct{}{}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return 0
		case _, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return 0
			}
			queue.Dismiss()
		}
	}
}
