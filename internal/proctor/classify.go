package proctor

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/oem-proctor/internal/clock"
	"github.com/stemsi/oem-proctor/internal/model"
)

// monitoringActive re-reads both sources of truth. A callback armed before the grace
// period ended, or after teardown, sees the current answer rather than a captured one.
func (s *Session) monitoringActive() bool {
	return s.phase == PhaseInProgress && s.monitoring && s.flags.Monitoring(s.attemptID)
}

func (s *Session) touch(now time.Time) {
	s.lastInteraction = now
	s.idleWarned = false
}

func (s *Session) classify(sig Signal) {
	if s.phase != PhaseInProgress || !s.attached.Load() {
		return
	}
	now := s.clk.Now()

	switch sig.(type) {
	case Interaction, KeyDown:
		s.touch(now)
	}
	if !s.monitoringActive() {
		return
	}

	switch v := sig.(type) {
	case KeyDown:
		id, ok := MonitoredIdentity(v)
		if !ok {
			return
		}
		n := s.keyOffenses.record(id, now, s.scheduleReset)
		if n == 1 {
			s.forgive(fmt.Sprintf("%s is disabled during the exam. Pressing it again will be recorded.", id))
			return
		}
		s.accept(model.EventBlockedKey, model.BlockedKeyDetails{Key: id, Presses: n}, now)

	case FullscreenChange:
		if v.Active {
			s.fullscreen = true
			return
		}
		s.fullscreen = false
		n := s.fsExits.record("fullscreen", now, s.scheduleReset)
		if n == 1 {
			s.forgive("Please stay in fullscreen. Leaving again will be recorded.")
			return
		}
		if s.accept(model.EventFullscreenLost, model.FullscreenDetails{Exits: n}, now) && s.phase == PhaseInProgress {
			// One restore attempt and at most one warning; no retry loop.
			s.fullscreen = s.requestFullscreen()
		}

	case VisibilityChange:
		if v.Hidden {
			s.accept(model.EventVisibilityHidden, model.FocusDetails{Kind: model.EventVisibilityHidden}, now)
		}

	case WindowBlur:
		s.accept(model.EventWindowBlur, model.FocusDetails{Kind: model.EventWindowBlur}, now)

	case TabSwitch:
		s.accept(model.EventTabSwitch, model.FocusDetails{Kind: model.EventTabSwitch}, now)

	case AppSwitch:
		s.accept(model.EventAltTab, model.FocusDetails{Kind: model.EventAltTab}, now)

	case ViewportSample:
		s.checkViewport(v, now)

	case Clipboard:
		s.accept(model.EventCopyPaste, model.ClipboardDetails{Operation: v.Operation}, now)

	case CameraFrame:
		switch {
		case v.Faces == 0:
			s.accept(model.EventNoFaceDetected, model.FaceDetails{Faces: 0}, now)
		case v.Faces > 1:
			s.accept(model.EventMultipleFaces, model.FaceDetails{Faces: v.Faces}, now)
		}

	case FullscreenExitAttempt:
		s.accept(model.EventFullscreenExitAttempt, model.FullscreenExitAttemptDetails{}, now)

	case WindowFocus, Interaction, ContextMenu:
		// Not violations. Context menus are canceled through ShouldSuppressDefault.
	}
}

// checkViewport is edge-triggered: a split screen is reported once, when it is first
// accepted, and again only after the viewport has been restored.
func (s *Session) checkViewport(v ViewportSample, now time.Time) {
	if v.TextInputFocused || v.ScreenWidth <= 0 {
		return
	}
	split := float64(v.Width) < s.cfg.SplitScreenRatio*float64(v.ScreenWidth)
	if !split {
		s.splitActive = false
		return
	}
	if s.splitActive {
		return
	}
	details := model.SplitScreenDetails{ViewportWidth: v.Width, ScreenWidth: v.ScreenWidth}
	if s.accept(model.EventSplitScreen, details, now) {
		s.splitActive = true
	}
}

func (s *Session) scheduleReset(d time.Duration, msg offenseReset) clock.Timer {
	return s.clk.AfterFunc(d, func() { s.post(msg) })
}

// forgive handles a first offense: an uncounted warning and one attempt to restore fullscreen.
func (s *Session) forgive(message string) {
	s.notifier.Toast(message, UrgencyInfo)
	if !s.fullscreen {
		s.fullscreen = s.requestFullscreen()
	}
}

func (s *Session) requestFullscreen() bool {
	if err := s.notifier.RequestFullscreen(); err != nil {
		s.log.Debug().Err(err).Msg("Fullscreen restore refused")
		s.notifier.Toast("Fullscreen could not be restored automatically. Please re-enter fullscreen manually.", UrgencyInfo)
		return false
	}
	return true
}

// accept runs the throttle and, when the event passes, counts, reports and escalates it.
func (s *Session) accept(et model.EventType, details model.Details, now time.Time) bool {
	if !s.throttle.allow(et, now) {
		s.log.Debug().Str("event_type", string(et)).Msg("Throttled")
		return false
	}

	s.count++
	severity, _ := et.Severity()
	ev := model.ViolationEvent{
		ID:             uuid.New(),
		AttemptID:      s.attempt.ID,
		ExamID:         s.attempt.ExamID,
		Type:           et,
		Severity:       severity,
		DetectedAt:     now,
		ViolationCount: s.count,
		Details:        details,
	}
	s.reporter.Report(ev)

	s.log.Info().
		Str("event_type", string(et)).
		Int("count", s.count).
		Msg("Violation recorded")

	s.notifier.Toast(
		fmt.Sprintf("%s. Violation %d of %d.", et.Describe(), s.count, s.cfg.CriticalThreshold),
		urgencyFor(s.count, s.cfg.WarnThreshold, s.cfg.CriticalThreshold),
	)
	s.escalate()
	return true
}

func (s *Session) escalate() {
	next := tierFor(s.count, s.cfg.WarnThreshold, s.cfg.CriticalThreshold)
	if next <= s.tier {
		return
	}
	s.tier = next
	s.notifier.Alert(next, s.count)

	if next == TierCritical && !s.criticalFired {
		s.criticalFired = true
		s.beginSubmit(model.SubmitTriggerViolations)
	}
}

func (s *Session) endGrace(gen uint64) {
	if gen != s.gen || s.phase != PhaseInProgress {
		return
	}
	s.graceTimer = nil
	s.monitoring = true
	s.flags.SetMonitoring(s.attemptID, true)
	s.touch(s.clk.Now())
	s.scheduleInactivity()
	s.log.Debug().Msg("Monitoring active")
}

func (s *Session) scheduleInactivity() {
	s.inactivityTimer = s.after(s.cfg.InactivityCheck, func(gen uint64) message { return inactivityTick{gen: gen} })
}

func (s *Session) checkInactivity(gen uint64) {
	if gen != s.gen || s.phase != PhaseInProgress {
		return
	}
	if s.monitoringActive() {
		now := s.clk.Now()
		idle := now.Sub(s.lastInteraction)
		switch {
		case idle >= s.cfg.InactivityViolation:
			s.touch(now)
			s.accept(model.EventInactivity, model.InactivityDetails{IdleSeconds: int(idle / time.Second)}, now)
		case idle >= s.cfg.InactivityWarn && !s.idleWarned:
			s.idleWarned = true
			s.notifier.Toast("Are you still there? Continued inactivity will be recorded.", UrgencyInfo)
		}
	}
	if s.phase == PhaseInProgress {
		s.scheduleInactivity()
	}
}
