package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

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

// WSHandler upgrades proctoring connections and feeds their frames to the engine.
type WSHandler struct {
	engine   *proctor.Engine
	buffer   int
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler. buffer is the per-connection outbound queue size.
func NewWSHandler(engine *proctor.Engine, buffer int, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		engine:   engine,
		buffer:   buffer,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// ProctorStream godoc
// WS /ws/v1/proctor?token=...
// One connection per tab. Students bind to a session with join_exam_session;
// teachers and admins subscribe to exam rooms with join_monitoring.
func (h *WSHandler) ProctorStream(c *gin.Context) {
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

	connID := uuid.NewString()
	wsLog := h.log.With().
		Str("conn_id", connID).
		Str("user_id", claims.UserID).
		Str("user_type", string(claims.UserType)).
		Logger()

	client := ws.NewClient(connID, conn, h.buffer, wsLog)
	h.engine.Connect(client, model.ConnectionInfo{
		UserID:         claims.UserID,
		UserType:       claims.UserType,
		OrganizationID: claims.OrganizationID,
	})
	go client.WriteLoop()

	wsLog.Info().Msg("Client connected")

	// The request context is cancelled when the handler returns, so events
	// run on their own context.
	ctx := context.Background()
	err = client.ReadLoop(func(frame []byte) {
		h.engine.HandleFrame(ctx, connID, frame)
	})
	if ws.IsUnexpectedClose(err) {
		wsLog.Warn().Err(err).Msg("Unexpected close")
	} else {
		wsLog.Debug().Msg("Connection closed")
	}

	h.engine.Disconnect(connID)
	client.Close()
}
