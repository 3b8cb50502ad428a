package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/clock"
	"github.com/stemsi/oem-proctor/internal/config"
	"github.com/stemsi/oem-proctor/internal/model"
	"github.com/stemsi/oem-proctor/internal/observability"
	ws "github.com/stemsi/oem-proctor/internal/websocket"
)

// ReportResult is the outcome of one violation report.
type ReportResult struct {
	Violation model.StoredViolation `json:"violation"`
	// Duplicate is true when the event ID was already received through either leg.
	Duplicate bool `json:"duplicate"`
}

// ViolationService is the server-side intake for violation reports from both the HTTP
// and the channel leg. The first sighting of an event ID is queued for persistence, raises
// the attempt's count and is relayed to the exam room; later sightings are acknowledged only.
type ViolationService struct {
	attempts AttemptStore
	relay    *RelayService
	rdb      *redis.Client
	clk      clock.Clock
	log      zerolog.Logger
}

// NewViolationService creates a new ViolationService.
func NewViolationService(attempts AttemptStore, relay *RelayService, rdb *redis.Client, clk clock.Clock, log zerolog.Logger) *ViolationService {
	return &ViolationService{
		attempts: attempts,
		relay:    relay,
		rdb:      rdb,
		clk:      clk,
		log:      log.With().Str("component", "violation_service").Logger(),
	}
}

// FromChannel converts the channel leg's payload to the HTTP request shape.
func FromChannel(r ws.ViolationReport) model.ReportViolationRequest {
	return model.ReportViolationRequest{
		EventID:        r.EventID.String(),
		EventType:      r.EventType,
		Severity:       r.Severity,
		DetectedAt:     r.DetectedAt,
		ViolationCount: r.ViolationCount,
		Details:        r.Details,
	}
}

// Report accepts one violation for the caller's attempt. Reports for an attempt that is no
// longer in progress are stored as late and change nothing else.
func (s *ViolationService) Report(ctx context.Context, studentID int, attemptID uuid.UUID, req model.ReportViolationRequest) (*ReportResult, error) {
	eventID, err := uuid.Parse(req.EventID)
	if err != nil {
		return nil, fmt.Errorf("%w: event_id: %v", ErrInvalidViolation, err)
	}
	severity, err := req.EventType.Severity()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidViolation, err)
	}
	switch req.Severity {
	case "":
	case model.SeverityLow, model.SeverityMedium, model.SeverityHigh:
		severity = req.Severity
	default:
		return nil, fmt.Errorf("%w: severity %q", ErrInvalidViolation, req.Severity)
	}
	if req.DetectedAt.IsZero() || req.ViolationCount < 0 {
		return nil, fmt.Errorf("%w: detected_at and violation_count are required", ErrInvalidViolation)
	}
	details, err := model.DecodeDetails(req.EventType, req.Details)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidViolation, err)
	}
	canonical, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}

	a, err := ownedAttempt(ctx, s.attempts, studentID, attemptID)
	if err != nil {
		return nil, err
	}

	stored := model.StoredViolation{
		ID:             eventID,
		AttemptID:      a.ID,
		ExamID:         a.ExamID,
		StudentID:      a.StudentID,
		StudentName:    a.StudentName,
		Type:           req.EventType,
		Severity:       severity,
		DetectedAt:     req.DetectedAt.UTC(),
		ViolationCount: req.ViolationCount,
		Late:           a.Status != model.AttemptStatusInProgress,
		Details:        canonical,
		ReceivedAt:     s.clk.Now().UTC(),
	}

	first, err := s.relay.FirstSighting(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !first {
		return &ReportResult{Violation: stored, Duplicate: true}, nil
	}

	count := a.ViolationCount
	if !stored.Late {
		raised, ok, err := s.attempts.RaiseViolationCount(ctx, a.ID, req.ViolationCount)
		if err != nil {
			s.relay.ForgetEvent(ctx, eventID)
			return nil, fmt.Errorf("raise violation count: %w", err)
		}
		if ok {
			count = raised
		} else {
			stored.Late = true
		}
	}

	job, err := json.Marshal(stored)
	if err != nil {
		s.relay.ForgetEvent(ctx, eventID)
		return nil, err
	}
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistViolationsQueue, job).Err(); err != nil {
		s.relay.ForgetEvent(ctx, eventID)
		return nil, fmt.Errorf("queue violation: %w", err)
	}
	observability.ViolationsReceived().
		WithLabelValues(string(stored.Type), string(stored.Severity), strconv.FormatBool(stored.Late)).
		Inc()

	evLog := s.log.With().
		Str("event_id", eventID.String()).
		Str("attempt_id", a.ID.String()).
		Str("event_type", string(stored.Type)).
		Logger()

	if stored.Late {
		evLog.Info().Str("status", string(a.Status)).Msg("Late violation stored for audit")
		return &ReportResult{Violation: stored}, nil
	}

	if err := s.relay.UpdateCount(ctx, a.ExamID, a.ID, count); err != nil {
		evLog.Warn().Err(err).Msg("Failed to refresh registration count")
	}
	err = s.relay.Broadcast(ctx, a.ExamID, ws.EventCheatingDetected, ws.CheatingDetected{
		EventID:        eventID,
		AttemptID:      a.ID,
		ExamID:         a.ExamID,
		StudentID:      a.StudentID,
		StudentName:    a.StudentName,
		EventType:      stored.Type,
		Severity:       stored.Severity,
		DetectedAt:     stored.DetectedAt,
		ViolationCount: count,
		Details:        canonical,
	})
	if err != nil {
		evLog.Warn().Err(err).Msg("Relay failed")
	}

	evLog.Debug().Int("violation_count", count).Msg("Violation accepted")
	return &ReportResult{Violation: stored}, nil
}
