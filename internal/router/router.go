package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/oem-proctor/internal/config"
	"github.com/stemsi/oem-proctor/internal/handler"
	"github.com/stemsi/oem-proctor/internal/middleware"
	"github.com/stemsi/oem-proctor/internal/model"
	"github.com/stemsi/oem-proctor/internal/observability"
	"github.com/stemsi/oem-proctor/internal/response"
	"github.com/stemsi/oem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt    *handler.AttemptHandler
	Instructor *handler.InstructorHandler
	WS         *handler.WSHandler
	Health     *handler.HealthHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// violationLimiter guards the violation intake; its cleanup loop is run by the caller.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	violationLimiter *middleware.RateLimiter,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(observability.RequestDuration())

	router.GET("/health", handlers.Health.Health)
	router.GET("/metrics", observability.MetricsHandler())
	router.NoRoute(func(c *gin.Context) {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	})

	// ─── 1. Student Group (JWT) ────────────────────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(middleware.RequireStudentJWT(authService), middleware.NoStore())
	{
		studentAPI.GET("/attempts/:id", handlers.Attempt.Status)
		studentAPI.POST("/attempts/:id/start", handlers.Attempt.Start)
		studentAPI.PUT("/attempts/:id/answers", handlers.Attempt.SaveAnswer)
		studentAPI.POST("/attempts/:id/violations", violationLimiter.Middleware(), handlers.Attempt.ReportViolation)
		studentAPI.POST("/attempts/:id/submit", handlers.Attempt.Submit)
	}

	// ─── 2. Instructor Group (JWT + RBAC) ──────────────────────────────
	instructorAPI := router.Group("/api/v1/instructor")
	instructorAPI.Use(
		middleware.RequireInstructorJWT(authService),
		middleware.RequirePermission(model.PermissionExamsMonitor),
		middleware.NoStore(),
		middleware.Brotli(),
	)
	{
		instructorAPI.GET("/exams", handlers.Instructor.ListExams)
		instructorAPI.GET("/exams/:id/violations", handlers.Instructor.RecentViolations)
		instructorAPI.GET("/exams/:id/active", handlers.Instructor.ActiveSubmissions)
	}

	// ─── 3. WebSocket (student or instructor, token in query) ──────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireWSAuth(authService))
	{
		ws.GET("/proctor", handlers.WS.Proctor)
	}

	return router
}
