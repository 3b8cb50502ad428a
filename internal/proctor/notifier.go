package proctor

import (
	"errors"

	"github.com/rs/zerolog"
)

// ErrFullscreenUnavailable is returned by notifiers that cannot control fullscreen.
var ErrFullscreenUnavailable = errors.New("fullscreen unavailable")

// LogNotifier renders notifications as log lines. It is the surface of headless runtimes.
type LogNotifier struct {
	log zerolog.Logger
	// Fullscreen reports success or failure of every restore request.
	Fullscreen func() error
	// Confirm answers the unanswered-questions dialog. Nil confirms.
	Confirm func(unanswered int) bool
	// OnSubmitted is called after the backend settles the submission.
	OnSubmitted func(SubmitResult)
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) Toast(message string, urgency Urgency) {
	var e *zerolog.Event
	switch urgency {
	case UrgencyCritical:
		e = n.log.Error()
	case UrgencyWarning:
		e = n.log.Warn()
	default:
		e = n.log.Info()
	}
	e.Str("urgency", urgency.String()).
		Dur("display", urgency.Duration()).
		Msg(message)
}

func (n *LogNotifier) Alert(tier Tier, count int) {
	switch tier {
	case TierCritical:
		n.log.Error().Int("violations", count).Msg("Violation limit reached. The exam is being submitted automatically.")
	case TierWarned:
		n.log.Warn().Int("violations", count).Msg("Warning: further violations will submit your exam automatically.")
	}
}

func (n *LogNotifier) RequestFullscreen() error {
	if n.Fullscreen == nil {
		return ErrFullscreenUnavailable
	}
	return n.Fullscreen()
}

func (n *LogNotifier) ConfirmSubmit(unanswered int) bool {
	if n.Confirm == nil {
		return true
	}
	return n.Confirm(unanswered)
}

func (n *LogNotifier) Submitted(result SubmitResult) {
	e := n.log.Info()
	if result.Err != nil {
		e = n.log.Error().Err(result.Err)
	}
	e.Str("trigger", string(result.Trigger)).Msg("Exam submitted")
	if n.OnSubmitted != nil {
		n.OnSubmitted(result)
	}
}
