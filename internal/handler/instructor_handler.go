package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/middleware"
	"github.com/stemsi/oem-proctor/internal/response"
	"github.com/stemsi/oem-proctor/internal/service"
)

// maxViolationWindow caps ?since so a single call cannot scan a whole exam's history.
const maxViolationWindow = 24 * time.Hour

// InstructorHandler serves the instructor monitoring routes.
type InstructorHandler struct {
	instructors *service.InstructorService
	log         zerolog.Logger
}

// NewInstructorHandler creates a new InstructorHandler.
func NewInstructorHandler(instructors *service.InstructorService, log zerolog.Logger) *InstructorHandler {
	return &InstructorHandler{
		instructors: instructors,
		log:         log.With().Str("component", "instructor_handler").Logger(),
	}
}

// ListExams godoc
// GET /api/v1/instructor/exams
func (h *InstructorHandler) ListExams(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	exams, err := h.instructors.ListOwnedExams(c.Request.Context(), claims.UserID)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"exams": exams})
}

// RecentViolations godoc
// GET /api/v1/instructor/exams/:id/violations?since=5m
func (h *InstructorHandler) RecentViolations(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	examID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	window := service.DefaultViolationWindow
	if raw := c.Query("since"); raw != "" {
		window, err = time.ParseDuration(raw)
		if err != nil || window <= 0 || window > maxViolationWindow {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation,
				map[string]string{"since": "must be a positive duration of at most 24h, e.g. 5m"})
			return
		}
	}

	violations, err := h.instructors.ListRecentViolations(c.Request.Context(), claims.UserID, examID, window)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"exam_id": examID, "violations": violations})
}

// ActiveSubmissions godoc
// GET /api/v1/instructor/exams/:id/active
func (h *InstructorHandler) ActiveSubmissions(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	examID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	subs, err := h.instructors.Active(c.Request.Context(), claims.UserID, examID)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"exam_id": examID, "submissions": subs})
}
