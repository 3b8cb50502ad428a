package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/clock"
	"github.com/stemsi/oem-proctor/internal/config"
	"github.com/stemsi/oem-proctor/internal/middleware"
	"github.com/stemsi/oem-proctor/internal/model"
	"github.com/stemsi/oem-proctor/internal/response"
	"github.com/stemsi/oem-proctor/internal/service"
	"github.com/stemsi/oem-proctor/internal/validator"
	ws "github.com/stemsi/oem-proctor/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// ─── Stores ────────────────────────────────────────────────────────

type memAttempts struct {
	mu sync.Mutex
	a  model.Attempt
}

func (m *memAttempts) GetByID(_ context.Context, id uuid.UUID) (*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != m.a.ID {
		return nil, pgx.ErrNoRows
	}
	cp := m.a
	return &cp, nil
}

func (m *memAttempts) MarkStarted(ctx context.Context, id uuid.UUID, _ time.Time) (*model.Attempt, error) {
	return m.GetByID(ctx, id)
}

func (m *memAttempts) MarkSubmitted(ctx context.Context, id uuid.UUID, _ model.SubmitTrigger, _ time.Time) (*model.Attempt, bool, error) {
	a, err := m.GetByID(ctx, id)
	return a, false, err
}

func (m *memAttempts) RaiseViolationCount(_ context.Context, _ uuid.UUID, reported int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reported > m.a.ViolationCount {
		m.a.ViolationCount = reported
	}
	return m.a.ViolationCount, true, nil
}

func (m *memAttempts) ListInProgressByExam(_ context.Context, _ uuid.UUID) ([]model.Attempt, error) {
	return nil, nil
}

type memAnswers struct{}

func (memAnswers) ListQuestionIDs(context.Context, uuid.UUID) ([]string, error) { return nil, nil }

type memExams struct{ e model.Exam }

func (m memExams) GetByID(_ context.Context, id uuid.UUID) (*model.Exam, error) {
	if id != m.e.ID {
		return nil, pgx.ErrNoRows
	}
	cp := m.e
	return &cp, nil
}

func (m memExams) ListByInstructor(context.Context, int) ([]model.ExamSummary, error) {
	return []model.ExamSummary{{ID: m.e.ID, Title: m.e.Title}}, nil
}

type memViolations struct{}

func (memViolations) ListRecentByExam(context.Context, uuid.UUID, time.Time) ([]model.StoredViolation, error) {
	return nil, nil
}

// ─── Fixture ───────────────────────────────────────────────────────

type fixture struct {
	srv     *httptest.Server
	auth    *service.AuthService
	exam    model.Exam
	attempt model.Attempt
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	validator.Setup()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{
		JWTSecret:      "handler-test",
		JWTExpiry:      time.Hour,
		AnswerGrace:    15 * time.Second,
		RelayDedupeTTL: time.Minute,
	}
	started := testNow.Add(-5 * time.Minute)
	exam := model.Exam{ID: uuid.New(), Title: "Physics", InstructorID: 7, DurationMinutes: 60}
	attempt := model.Attempt{
		ID: uuid.New(), ExamID: exam.ID, StudentID: 42, StudentName: "Student One",
		Status: model.AttemptStatusInProgress, StartedAt: &started, DurationSeconds: 3600,
	}

	log := zerolog.Nop()
	clk := clock.NewFake(testNow)
	attempts := &memAttempts{a: attempt}
	exams := memExams{e: exam}
	relay := service.NewRelayService(rdb, cfg, log)
	attemptSvc := service.NewAttemptService(attempts, memAnswers{}, exams, relay, rdb, cfg, clk, log)
	violationSvc := service.NewViolationService(attempts, relay, rdb, clk, log)
	instructorSvc := service.NewInstructorService(exams, attempts, memViolations{}, relay, clk)
	auth := service.NewAuthService(cfg)

	r := gin.New()
	ah := NewAttemptHandler(attemptSvc, violationSvc, log)
	ih := NewInstructorHandler(instructorSvc, log)
	wh := NewWSHandler(attemptSvc, violationSvc, instructorSvc, relay, log, nil)

	student := r.Group("/api/v1/student", middleware.RequireStudentJWT(auth))
	student.GET("/attempts/:id", ah.Status)
	student.POST("/attempts/:id/violations", ah.ReportViolation)
	instructor := r.Group("/api/v1/instructor", middleware.RequireInstructorJWT(auth))
	instructor.GET("/exams/:id/violations", ih.RecentViolations)
	r.GET("/ws/v1/proctor", middleware.RequireWSAuth(auth), wh.Proctor)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, auth: auth, exam: exam, attempt: attempt}
}

func (f *fixture) token(t *testing.T, tt service.TokenType, userID int, perms ...string) string {
	t.Helper()
	tok, err := f.auth.GenerateToken(tt, userID, "", perms)
	require.NoError(t, err)
	return tok
}

func (f *fixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/v1/proctor?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event ws.Event, data interface{}) {
	t.Helper()
	env, err := ws.Encode(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

// await reads frames until one carries event.
func await(t *testing.T, conn *websocket.Conn, event ws.Event) ws.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env ws.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Event == event {
			return env
		}
	}
}

func (f *fixture) postViolation(t *testing.T, token string, body interface{}) (*http.Response, response.Response) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/v1/student/attempts/"+f.attempt.ID.String()+"/violations", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var env response.Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&env))
	return res, env
}

// ─── Tests ─────────────────────────────────────────────────────────

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   response.ErrCode
	}{
		{service.ErrAttemptNotFound, http.StatusNotFound, response.ErrAttemptNotFound},
		{service.ErrAttemptClosed, http.StatusConflict, response.ErrAttemptClosed},
		{service.ErrTimeUp, http.StatusForbidden, response.ErrTimeUp},
		{errors.Join(errors.New("ctx"), service.ErrInvalidViolation), http.StatusBadRequest, response.ErrInvalidPayload},
		{errors.New("boom"), http.StatusInternalServerError, response.ErrInternal},
	}
	for _, tc := range cases {
		status, code := errorCode(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}

func TestProctorChannelRelaysToInstructor(t *testing.T) {
	f := newFixture(t)

	instructor := f.dial(t, f.token(t, service.TokenTypeInstructor, 7, string(model.PermissionExamsMonitor)))
	send(t, instructor, ws.EventJoinExam, ws.JoinExam{ExamID: f.exam.ID})
	await(t, instructor, ws.EventActiveSubmissions)

	student := f.dial(t, f.token(t, service.TokenTypeStudent, 42))
	send(t, student, ws.EventPing, nil)
	await(t, student, ws.EventPong)

	send(t, student, ws.EventRegisterSubmission, ws.RegisterSubmission{AttemptID: f.attempt.ID, ExamID: f.exam.ID})
	reg := await(t, student, ws.EventRegistered)
	var registered ws.Registered
	require.NoError(t, json.Unmarshal(reg.Data, &registered))
	assert.Equal(t, f.attempt.ID, registered.AttemptID)

	env := await(t, instructor, ws.EventActiveSubmissions)
	var active ws.ActiveSubmissions
	require.NoError(t, json.Unmarshal(env.Data, &active))
	require.Len(t, active.Submissions, 1)
	assert.Equal(t, "Student One", active.Submissions[0].StudentName)

	send(t, student, ws.EventStudentViolation, ws.ViolationReport{
		EventID: uuid.New(), AttemptID: f.attempt.ID, ExamID: f.exam.ID,
		EventType: model.EventTabSwitch, DetectedAt: testNow, ViolationCount: 1,
	})
	env = await(t, instructor, ws.EventCheatingDetected)
	var cheat ws.CheatingDetected
	require.NoError(t, json.Unmarshal(env.Data, &cheat))
	assert.Equal(t, model.EventTabSwitch, cheat.EventType)
	assert.Equal(t, 1, cheat.ViolationCount)
	assert.Equal(t, 42, cheat.StudentID)
}

func TestProctorChannelRejectsWrongRole(t *testing.T) {
	f := newFixture(t)

	student := f.dial(t, f.token(t, service.TokenTypeStudent, 42))
	send(t, student, ws.EventJoinExam, ws.JoinExam{ExamID: f.exam.ID})
	env := await(t, student, ws.EventError)
	var p ws.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, string(response.ErrInstructorAccessOnly), p.Code)

	instructor := f.dial(t, f.token(t, service.TokenTypeInstructor, 7))
	send(t, instructor, ws.EventJoinExam, ws.JoinExam{ExamID: f.exam.ID})
	env = await(t, instructor, ws.EventError)
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, string(response.ErrPermissionDenied), p.Code)

	send(t, instructor, ws.Event("mystery"), nil)
	env = await(t, instructor, ws.EventError)
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Contains(t, p.Message, "mystery")
}

func TestProctorChannelRequiresToken(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/v1/proctor"
	_, res, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestReportViolationHTTPIsIdempotent(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, service.TokenTypeStudent, 42)
	body := map[string]interface{}{
		"event_id":        uuid.New().String(),
		"event_type":      model.EventWindowBlur,
		"detected_at":     testNow.Format(time.RFC3339),
		"violation_count": 2,
	}

	res, env := f.postViolation(t, tok, body)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Equal(t, false, env.Data.(map[string]interface{})["duplicate"])

	res, env = f.postViolation(t, tok, body)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Equal(t, true, env.Data.(map[string]interface{})["duplicate"])
}

func TestReportViolationRejectsMalformed(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, service.TokenTypeStudent, 42)

	res, env := f.postViolation(t, tok, map[string]interface{}{"event_type": "tab_switch"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, response.ErrValidation, env.Error.Code)
	assert.Contains(t, env.Error.Fields, "event_id")

	res, env = f.postViolation(t, tok, map[string]interface{}{
		"event_id":    uuid.New().String(),
		"event_type":  "telepathy",
		"detected_at": testNow.Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, response.ErrValidation, env.Error.Code)
	assert.Equal(t, "event_type is not a known violation type", env.Error.Fields["event_type"])
}

func TestReportViolationNeedsOwner(t *testing.T) {
	f := newFixture(t)
	res, env := f.postViolation(t, f.token(t, service.TokenTypeStudent, 99), map[string]interface{}{
		"event_id":    uuid.New().String(),
		"event_type":  model.EventTabSwitch,
		"detected_at": testNow.Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, response.ErrNotAttemptOwner, env.Error.Code)
}

func TestStudentRoutesRejectInstructorToken(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/api/v1/student/attempts/"+f.attempt.ID.String(), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token(t, service.TokenTypeInstructor, 7))
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestRecentViolationsRejectsBadWindow(t *testing.T) {
	f := newFixture(t)
	for _, since := range []string{"soon", "-5m", "72h"} {
		req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/api/v1/instructor/exams/"+f.exam.ID.String()+"/violations?since="+since, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+f.token(t, service.TokenTypeInstructor, 7))
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, http.StatusBadRequest, res.StatusCode, since)
	}
}
