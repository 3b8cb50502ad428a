package validator

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/oem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bind(t *testing.T, body string, dst interface{}) map[string]string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	return Bind(c, dst)
}

func TestBindUsesJSONNamesAndDomainTags(t *testing.T) {
	Setup()
	Setup()

	var req model.ReportViolationRequest
	errs := bind(t, `{"event_id":"not-a-uuid","event_type":"telepathy","detected_at":"2026-01-01T00:00:00Z"}`, &req)
	require.NotNil(t, errs)
	assert.Contains(t, errs, "event_id")
	assert.Equal(t, "event_type is not a known violation type", errs["event_type"])
	assert.NotContains(t, errs, "detected_at")
}

func TestBindSubmitTrigger(t *testing.T) {
	Setup()

	var ok model.SubmitAttemptRequest
	assert.Nil(t, bind(t, `{"trigger":"violations"}`, &ok))
	assert.Equal(t, model.SubmitTriggerViolations, ok.Trigger)

	var bad model.SubmitAttemptRequest
	errs := bind(t, `{"trigger":"boredom"}`, &bad)
	assert.Equal(t, "trigger must be one of manual, timer or violations", errs["trigger"])
}

func TestBindReportsSyntaxErrorsAsDetail(t *testing.T) {
	Setup()

	var req model.SaveAnswerRequest
	errs := bind(t, `{"question_id":`, &req)
	assert.Contains(t, errs, "detail")
}
