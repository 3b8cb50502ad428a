package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/response"
)

const healthTimeout = 2 * time.Second

// Pinger is a dependency the health check probes.
type Pinger func(ctx context.Context) error

// HealthHandler reports liveness plus the state of the backing stores.
type HealthHandler struct {
	startTime time.Time
	checks    map[string]Pinger
	log       zerolog.Logger
}

func NewHealthHandler(checks map[string]Pinger, log zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		startTime: time.Now(),
		checks:    checks,
		log:       log.With().Str("component", "health_handler").Logger(),
	}
}

// Health godoc
// GET /health
// 200 with every check "ok", 503 when any store is unreachable.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, ping := range h.checks {
		if err := ping(ctx); err != nil {
			h.log.Warn().Err(err).Str("check", name).Msg("Health check failed")
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	response.Success(c, status, gin.H{
		"status": state,
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
		"checks": results,
	})
}
