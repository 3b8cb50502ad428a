package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/response"
	"github.com/stemsi/oem-proctor/internal/service"
)

// serviceErrors maps service sentinels to their HTTP status and envelope code.
var serviceErrors = []struct {
	err    error
	status int
	code   response.ErrCode
}{
	{service.ErrAttemptNotFound, http.StatusNotFound, response.ErrAttemptNotFound},
	{service.ErrNotAttemptOwner, http.StatusForbidden, response.ErrNotAttemptOwner},
	{service.ErrAttemptClosed, http.StatusConflict, response.ErrAttemptClosed},
	{service.ErrAttemptNotStarted, http.StatusConflict, response.ErrAttemptNotStarted},
	{service.ErrExamNotFound, http.StatusNotFound, response.ErrExamNotFound},
	{service.ErrExamWindowClosed, http.StatusForbidden, response.ErrExamWindowClosed},
	{service.ErrTimeUp, http.StatusForbidden, response.ErrTimeUp},
	{service.ErrNotExamOwner, http.StatusForbidden, response.ErrNotExamOwner},
	{service.ErrExamMismatch, http.StatusBadRequest, response.ErrInvalidPayload},
	{service.ErrInvalidViolation, http.StatusBadRequest, response.ErrInvalidPayload},
	{service.ErrInvalidAnswer, http.StatusBadRequest, response.ErrInvalidPayload},
}

// errorCode resolves err to a status and code. Unknown errors are internal.
func errorCode(err error) (int, response.ErrCode) {
	for _, e := range serviceErrors {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, response.ErrInternal
}

func failService(c *gin.Context, log zerolog.Logger, err error) {
	status, code := errorCode(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	if status == http.StatusBadRequest {
		response.FailWithFields(c, status, code, map[string]string{"detail": err.Error()})
		return
	}
	response.Fail(c, status, code)
}
