package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/oem-proctor/internal/model"
	"github.com/stemsi/oem-proctor/internal/response"
)

// RequirePermission checks that the instructor JWT contains the required permission code.
// It must run after RequireInstructorJWT.
func RequirePermission(p model.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		if !claims.Has(p) {
			response.AbortFail(c, http.StatusForbidden, response.ErrPermissionDenied)
			return
		}
		c.Next()
	}
}
