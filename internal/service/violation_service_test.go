package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/oem-proctor/internal/config"
	"github.com/stemsi/oem-proctor/internal/model"
	ws "github.com/stemsi/oem-proctor/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blockedKey(count int) model.ReportViolationRequest {
	return model.ReportViolationRequest{
		EventID:        uuid.NewString(),
		EventType:      model.EventBlockedKey,
		DetectedAt:     testNow.Add(-time.Second),
		ViolationCount: count,
		Details:        json.RawMessage(`{"key":"F12","presses":2}`),
	}
}

func TestReportRaisesCountMonotonically(t *testing.T) {
	f := newFixture(t)
	f.inProgress(time.Minute)
	ctx := context.Background()
	instructor := &fakePeer{}
	f.relay.Join(f.exam.ID, instructor)

	res, err := f.reportSvc.Report(ctx, studentID, f.attempt.ID, blockedKey(3))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.False(t, res.Violation.Late)
	assert.Equal(t, model.SeverityMedium, res.Violation.Severity)

	// A reordered, older report must not lower the stored count.
	_, err = f.reportSvc.Report(ctx, studentID, f.attempt.ID, blockedKey(2))
	require.NoError(t, err)
	assert.Equal(t, 3, f.attempts.get(f.attempt.ID).ViolationCount)

	frames := instructor.events(ws.EventCheatingDetected)
	require.Len(t, frames, 2)
	for _, fr := range frames {
		msg := decode[ws.CheatingDetected](t, fr)
		assert.Equal(t, 3, msg.ViolationCount)
		assert.Equal(t, "Student One", msg.StudentName)
		assert.Equal(t, studentID, msg.StudentID)
		assert.JSONEq(t, `{"key":"F12","presses":2}`, string(msg.Details))
	}

	assert.Len(t, f.queue(t, config.WorkerKey.PersistViolationsQueue), 2)
}

func TestReportDeduplicatesAcrossLegs(t *testing.T) {
	f := newFixture(t)
	f.inProgress(time.Minute)
	ctx := context.Background()
	instructor := &fakePeer{}
	f.relay.Join(f.exam.ID, instructor)

	req := blockedKey(1)
	_, err := f.reportSvc.Report(ctx, studentID, f.attempt.ID, req)
	require.NoError(t, err)

	overChannel := FromChannel(ws.ViolationReport{
		EventID:        uuid.MustParse(req.EventID),
		AttemptID:      f.attempt.ID,
		ExamID:         f.exam.ID,
		EventType:      req.EventType,
		DetectedAt:     req.DetectedAt,
		ViolationCount: req.ViolationCount,
		Details:        req.Details,
	})
	res, err := f.reportSvc.Report(ctx, studentID, f.attempt.ID, overChannel)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	assert.Len(t, instructor.events(ws.EventCheatingDetected), 1)
	assert.Len(t, f.queue(t, config.WorkerKey.PersistViolationsQueue), 1)
}

func TestReportAfterSubmitIsLate(t *testing.T) {
	f := newFixture(t)
	f.submitted()
	f.attempt.ViolationCount = 2
	instructor := &fakePeer{}
	f.relay.Join(f.exam.ID, instructor)

	res, err := f.reportSvc.Report(context.Background(), studentID, f.attempt.ID, blockedKey(5))
	require.NoError(t, err)
	assert.True(t, res.Violation.Late)
	assert.Equal(t, 2, f.attempts.get(f.attempt.ID).ViolationCount)
	assert.Empty(t, instructor.frames)

	items := f.queue(t, config.WorkerKey.PersistViolationsQueue)
	require.Len(t, items, 1)
	var stored model.StoredViolation
	require.NoError(t, json.Unmarshal([]byte(items[0]), &stored))
	assert.True(t, stored.Late)
	assert.Equal(t, 5, stored.ViolationCount)
	assert.Equal(t, f.exam.ID, stored.ExamID)
}

func TestReportRejectsMalformed(t *testing.T) {
	f := newFixture(t)
	f.inProgress(time.Minute)
	ctx := context.Background()

	cases := map[string]func(*model.ReportViolationRequest){
		"unknown type":    func(r *model.ReportViolationRequest) { r.EventType = "screenshot" },
		"bad details":     func(r *model.ReportViolationRequest) { r.Details = json.RawMessage(`{"key":12}`) },
		"bad severity":    func(r *model.ReportViolationRequest) { r.Severity = "extreme" },
		"bad event id":    func(r *model.ReportViolationRequest) { r.EventID = "not-a-uuid" },
		"missing time":    func(r *model.ReportViolationRequest) { r.DetectedAt = time.Time{} },
		"negative counts": func(r *model.ReportViolationRequest) { r.ViolationCount = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := blockedKey(1)
			mutate(&req)
			_, err := f.reportSvc.Report(ctx, studentID, f.attempt.ID, req)
			require.ErrorIs(t, err, ErrInvalidViolation)
		})
	}
	assert.Empty(t, f.queue(t, config.WorkerKey.PersistViolationsQueue))
}

func TestReportReleasesClaimOnFailure(t *testing.T) {
	f := newFixture(t)
	f.inProgress(time.Minute)
	ctx := context.Background()
	req := blockedKey(1)

	f.attempts.raiseErr = errors.New("connection reset")
	_, err := f.reportSvc.Report(ctx, studentID, f.attempt.ID, req)
	require.Error(t, err)

	f.attempts.raiseErr = nil
	res, err := f.reportSvc.Report(ctx, studentID, f.attempt.ID, req)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 1, f.attempts.get(f.attempt.ID).ViolationCount)
}

func TestReportRefreshesRegistrationCount(t *testing.T) {
	f := newFixture(t)
	f.inProgress(time.Minute)
	ctx := context.Background()

	_, err := f.attemptSvc.RegisterSubmission(ctx, studentID, ws.RegisterSubmission{AttemptID: f.attempt.ID})
	require.NoError(t, err)
	_, err = f.reportSvc.Report(ctx, studentID, f.attempt.ID, blockedKey(4))
	require.NoError(t, err)

	active, err := f.relay.Active(ctx, f.exam.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 4, active[0].ViolationCount)
}

func TestReportChecksOwnership(t *testing.T) {
	f := newFixture(t)
	f.inProgress(time.Minute)
	_, err := f.reportSvc.Report(context.Background(), studentID+1, f.attempt.ID, blockedKey(1))
	require.ErrorIs(t, err, ErrNotAttemptOwner)
}
