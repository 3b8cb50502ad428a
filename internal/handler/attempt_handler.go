package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/middleware"
	"github.com/stemsi/oem-proctor/internal/model"
	"github.com/stemsi/oem-proctor/internal/response"
	"github.com/stemsi/oem-proctor/internal/service"
	"github.com/stemsi/oem-proctor/internal/validator"
)

// AttemptHandler serves the student attempt routes.
type AttemptHandler struct {
	attempts   *service.AttemptService
	violations *service.ViolationService
	log        zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attempts *service.AttemptService, violations *service.ViolationService, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attempts:   attempts,
		violations: violations,
		log:        log.With().Str("component", "attempt_handler").Logger(),
	}
}

// studentAttempt resolves the caller and the :id param. It writes the failure response itself.
func studentAttempt(c *gin.Context) (studentID int, attemptID uuid.UUID, ok bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return 0, uuid.Nil, false
	}
	attemptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return 0, uuid.Nil, false
	}
	return claims.UserID, attemptID, true
}

// Start godoc
// POST /api/v1/student/attempts/:id/start
func (h *AttemptHandler) Start(c *gin.Context) {
	studentID, attemptID, ok := studentAttempt(c)
	if !ok {
		return
	}
	res, err := h.attempts.Start(c.Request.Context(), studentID, attemptID)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// Status godoc
// GET /api/v1/student/attempts/:id
func (h *AttemptHandler) Status(c *gin.Context) {
	studentID, attemptID, ok := studentAttempt(c)
	if !ok {
		return
	}
	attempt, err := h.attempts.Status(c.Request.Context(), studentID, attemptID)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, attempt)
}

// SaveAnswer godoc
// PUT /api/v1/student/attempts/:id/answers
func (h *AttemptHandler) SaveAnswer(c *gin.Context) {
	studentID, attemptID, ok := studentAttempt(c)
	if !ok {
		return
	}
	var req model.SaveAnswerRequest
	if errs := validator.Bind(c, &req); errs != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, errs)
		return
	}
	if err := h.attempts.SaveAnswer(c.Request.Context(), studentID, attemptID, req); err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"question_id": req.QuestionID, "saved": true})
}

// ReportViolation godoc
// POST /api/v1/student/attempts/:id/violations
// Duplicates of an event already received on either leg are acknowledged with duplicate=true.
func (h *AttemptHandler) ReportViolation(c *gin.Context) {
	studentID, attemptID, ok := studentAttempt(c)
	if !ok {
		return
	}
	var req model.ReportViolationRequest
	if errs := validator.Bind(c, &req); errs != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, errs)
		return
	}
	res, err := h.violations.Report(c.Request.Context(), studentID, attemptID, req)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusAccepted, res)
}

// Submit godoc
// POST /api/v1/student/attempts/:id/submit
func (h *AttemptHandler) Submit(c *gin.Context) {
	studentID, attemptID, ok := studentAttempt(c)
	if !ok {
		return
	}
	var req model.SubmitAttemptRequest
	if errs := validator.Bind(c, &req); errs != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, errs)
		return
	}
	res, err := h.attempts.Submit(c.Request.Context(), studentID, attemptID, req.Trigger)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}
