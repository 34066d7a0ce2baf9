package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
)

// ExamLookup resolves exam definitions.
type ExamLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error)
}

type MonitorHandler struct {
	rdb    *redis.Client
	exams  ExamLookup
	engine *proctor.Engine
	log    zerolog.Logger
}

func NewMonitorHandler(rdb *redis.Client, exams ExamLookup, engine *proctor.Engine, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		rdb:    rdb,
		exams:  exams,
		engine: engine,
		log:    log.With().Str("component", "monitor_handler").Logger(),
	}
}

// monitorStats counts the live sessions of an exam by status.
type monitorStats struct {
	Total        int `json:"total"`
	Active       int `json:"active"`
	Disconnected int `json:"disconnected"`
	HighRisk     int `json:"high_risk"`
}

func summarize(views []proctor.SessionView) monitorStats {
	s := monitorStats{Total: len(views)}
	for _, v := range views {
		switch v.State.Status {
		case model.SessionStatusActive:
			s.Active++
		case model.SessionStatusDisconnected:
			s.Disconnected++
		}
		if v.State.AIRiskLevel == model.RiskLevelHigh || v.State.AIRiskLevel == model.RiskLevelCritical {
			s.HighRisk++
		}
	}
	return s
}

type examSummary struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Duration       int    `json:"duration"`
	TotalQuestions int    `json:"total_questions"`
}

type liveSnapshot struct {
	Exam     examSummary           `json:"exam"`
	Stats    monitorStats          `json:"stats"`
	Sessions []proctor.SessionView `json:"sessions"`
}

func (h *MonitorHandler) snapshot(exam *model.Exam) liveSnapshot {
	views := h.engine.ExamSnapshot(exam.ID.String())
	return liveSnapshot{
		Exam: examSummary{
			ID:             exam.ID.String(),
			Title:          exam.Title,
			Duration:       exam.DurationMinutes,
			TotalQuestions: exam.QuestionCount,
		},
		Stats:    summarize(views),
		Sessions: views,
	}
}

// resolveExam parses :id, loads the exam and checks it belongs to the
// caller's organization. It writes the failure response itself.
func (h *MonitorHandler) resolveExam(c *gin.Context) (*model.Exam, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, false
	}

	examID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, false
	}

	exam, err := h.exams.GetByID(c.Request.Context(), examID)
	if err != nil {
		if errors.Is(err, service.ErrExamNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		} else {
			h.log.Error().Err(err).Str("exam_id", examID.String()).Msg("Exam lookup failed")
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return nil, false
	}

	if claims.OrganizationID != "" && exam.OrganizationID != "" && claims.OrganizationID != exam.OrganizationID {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return nil, false
	}
	return exam, true
}

// ListLiveSessions godoc
// GET /api/v1/admin/exams/:id/sessions
// Returns the live state and health of every session of the exam held by this instance.
func (h *MonitorHandler) ListLiveSessions(c *gin.Context) {
	exam, ok := h.resolveExam(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, h.snapshot(exam))
}

// MonitorExamSSE godoc
// GET /api/v1/admin/exams/:id/monitor
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	exam, ok := h.resolveExam(c)
	if !ok {
		return
	}
	examID := exam.ID.String()
	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent("message", gin.H{"type": "snapshot", "data": h.snapshot(exam)})
	c.Writer.Flush()

	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.ExamMonitorChannel(examID))
	defer pubsub.Close()
	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	h.log.Info().Str("exam_id", examID).Msg("Observer attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID).Msg("Observer disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Room messages are already JSON envelopes.
			writeSSEData(c, []byte(msg.Payload))

		case <-refreshTicker.C:
			views := h.engine.ExamSnapshot(examID)
			if len(views) == 0 {
				continue
			}
			c.SSEvent("message", gin.H{
				"type":      string(ws.EventStateRefresh),
				"stats":     summarize(views),
				"sessions":  views,
				"timestamp": time.Now().UnixMilli(),
			})
			c.Writer.Flush()

		case <-keepAliveTicker.C:
			writeSSEData(c, pingPayload)
		}
	}
}

func writeSSEData(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
