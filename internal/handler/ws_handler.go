package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/middleware"
	"github.com/stemsi/oem-proctor/internal/model"
	"github.com/stemsi/oem-proctor/internal/observability"
	"github.com/stemsi/oem-proctor/internal/response"
	"github.com/stemsi/oem-proctor/internal/service"
	ws "github.com/stemsi/oem-proctor/internal/websocket"
)

const peerSendBuffer = 64

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// wsPeer owns one connection. Only writePump writes to conn.
type wsPeer struct {
	conn      *websocket.Conn
	send      chan ws.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{
		conn: conn,
		send: make(chan ws.Envelope, peerSendBuffer),
		done: make(chan struct{}),
	}
}

// Send queues env without blocking. A slow peer loses frames rather than stalling the room.
func (p *wsPeer) Send(env ws.Envelope) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- env:
		return true
	default:
		return false
	}
}

func (p *wsPeer) writePump() {
	for {
		select {
		case <-p.done:
			return
		case env := <-p.send:
			if err := ws.WriteEnvelope(p.conn, env); err != nil {
				p.close()
				return
			}
		}
	}
}

func (p *wsPeer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

func (p *wsPeer) reply(event ws.Event, data interface{}) {
	env, err := ws.Encode(event, data)
	if err != nil {
		return
	}
	p.Send(env)
}

func (p *wsPeer) fail(code response.ErrCode, detail string) {
	msg := response.GetMessage(code)
	if detail != "" {
		msg = detail
	}
	p.reply(ws.EventError, ws.ErrorPayload{Code: string(code), Message: msg})
}

// WSHandler serves the proctoring channel for students and instructors.
type WSHandler struct {
	attempts    *service.AttemptService
	violations  *service.ViolationService
	instructors *service.InstructorService
	relay       *service.RelayService
	log         zerolog.Logger
	upgrader    websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(
	attempts *service.AttemptService,
	violations *service.ViolationService,
	instructors *service.InstructorService,
	relay *service.RelayService,
	log zerolog.Logger,
	allowedOrigins []string,
) *WSHandler {
	return &WSHandler{
		attempts:    attempts,
		violations:  violations,
		instructors: instructors,
		relay:       relay,
		log:         log.With().Str("component", "ws_handler").Logger(),
		upgrader:    buildUpgrader(allowedOrigins),
	}
}

// Proctor godoc
// WS /ws/v1/proctor?token=...
func (h *WSHandler) Proctor(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	role := string(claims.TokenType)
	gauge := observability.WSConnections().WithLabelValues(role)
	gauge.Inc()

	peer := newWSPeer(conn)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer func() {
		cancel()
		h.relay.Leave(peer)
		peer.close()
		gauge.Dec()
	}()
	go peer.writePump()

	wsLog := h.log.With().Str("role", role).Int("user_id", claims.UserID).Logger()
	wsLog.Info().Msg("Peer connected")

	for {
		env, err := ws.ReadEnvelope(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}
		h.dispatch(ctx, wsLog, claims, peer, env)
	}
}

func (h *WSHandler) dispatch(ctx context.Context, log zerolog.Logger, claims *service.Claims, peer *wsPeer, env ws.Envelope) {
	student := claims.TokenType == service.TokenTypeStudent

	switch env.Event {
	case ws.EventPing:
		peer.reply(ws.EventPong, nil)

	case ws.EventRegisterSubmission:
		if !student {
			peer.fail(response.ErrStudentAccessOnly, "")
			return
		}
		var reg ws.RegisterSubmission
		if err := json.Unmarshal(env.Data, &reg); err != nil {
			peer.fail(response.ErrInvalidPayload, "")
			return
		}
		sub, err := h.attempts.RegisterSubmission(ctx, claims.UserID, reg)
		if err != nil {
			h.failPeer(log, peer, err)
			return
		}
		peer.reply(ws.EventRegistered, ws.Registered{AttemptID: sub.AttemptID, ExamID: sub.ExamID})

	case ws.EventStudentViolation:
		if !student {
			peer.fail(response.ErrStudentAccessOnly, "")
			return
		}
		var rep ws.ViolationReport
		if err := json.Unmarshal(env.Data, &rep); err != nil {
			peer.fail(response.ErrInvalidPayload, "")
			return
		}
		if _, err := h.violations.Report(ctx, claims.UserID, rep.AttemptID, service.FromChannel(rep)); err != nil {
			h.failPeer(log, peer, err)
		}

	case ws.EventJoinExam:
		if student {
			peer.fail(response.ErrInstructorAccessOnly, "")
			return
		}
		if !claims.Has(model.PermissionExamsMonitor) {
			peer.fail(response.ErrPermissionDenied, "")
			return
		}
		var join ws.JoinExam
		if err := json.Unmarshal(env.Data, &join); err != nil {
			peer.fail(response.ErrInvalidPayload, "")
			return
		}
		subs, err := h.instructors.JoinExam(ctx, claims.UserID, join.ExamID, peer)
		if err != nil {
			h.failPeer(log, peer, err)
			return
		}
		log.Info().Str("exam_id", join.ExamID.String()).Msg("Instructor joined exam room")
		peer.reply(ws.EventActiveSubmissions, ws.ActiveSubmissions{ExamID: join.ExamID, Submissions: subs})

	case ws.EventAdminJoinLogs, ws.EventAdminLeaveLogs:
		log.Debug().Str("event", string(env.Event)).Msg("Log streaming not served")

	default:
		peer.fail(response.ErrInvalidPayload, "unknown event: "+string(env.Event))
	}
}

func (h *WSHandler) failPeer(log zerolog.Logger, peer *wsPeer, err error) {
	status, code := errorCode(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("Channel request failed")
		peer.fail(code, "")
		return
	}
	detail := ""
	if status == http.StatusBadRequest {
		detail = err.Error()
	}
	peer.fail(code, detail)
}
