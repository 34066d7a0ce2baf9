// Package proctor is the live proctoring engine. It validates inbound
// websocket events against the connection that sent them, mutates the
// session store, runs the rule engine and fans results out to the exam's
// monitoring room, the audit log and the lifecycle service.
package proctor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/audit"
	"github.com/stemsi/exstem-proctor/internal/broadcast"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/ratelimit"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/store"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const persistTimeout = 5 * time.Second

// Lifecycle is the durable side of a session: exam windows, session records,
// answers and final snapshots.
type Lifecycle interface {
	JoinExam(ctx context.Context, p service.JoinParams) (*service.JoinResult, error)
	SubmitAnswer(ctx context.Context, p service.AnswerParams) (model.Progress, error)
	SaveAnswers(ctx context.Context, examID, studentID string, answers map[string]string) error
	EndExam(ctx context.Context, p service.EndParams) (model.SessionStatus, error)
	PersistSnapshot(ctx context.Context, snap model.SessionSnapshot) error
}

// Engine owns the live proctoring state of one process.
type Engine struct {
	cfg       config.Proctor
	store     *store.Store
	hub       *broadcast.Hub
	lifecycle Lifecycle
	audit     audit.Sink
	limiter   *ratelimit.Limiter
	metrics   *metrics.Metrics
	log       zerolog.Logger

	bg sync.WaitGroup
}

// New creates an Engine.
func New(
	cfg config.Proctor,
	st *store.Store,
	hub *broadcast.Hub,
	lifecycle Lifecycle,
	sink audit.Sink,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     st,
		hub:       hub,
		lifecycle: lifecycle,
		audit:     sink,
		limiter: ratelimit.New(cfg.RateLimitMaxEvents, cfg.RateLimitWindow,
			ratelimit.WithClock(func() time.Time { return time.UnixMilli(st.NowMillis()) })),
		metrics: m,
		log:     log.With().Str("component", "proctor").Logger(),
	}
}

// Store exposes the engine's session store for read-only views.
func (e *Engine) Store() *store.Store { return e.store }

// Connect registers a freshly upgraded connection.
func (e *Engine) Connect(sub broadcast.Subscriber, info model.ConnectionInfo) {
	info.ID = sub.ID()
	e.store.RegisterConnection(info)
	e.hub.Register(sub)
	e.metrics.ActiveConns.Inc()
}

// HandleFrame decodes one inbound frame and dispatches it. Decoding and
// handling errors are reported to the sender; the connection stays open.
func (e *Engine) HandleFrame(ctx context.Context, connID string, frame []byte) {
	req, err := ws.Decode(frame)
	if err != nil {
		e.log.Debug().Err(err).Str("conn_id", connID).Msg("Dropping undecodable frame")
		reason := "malformed"
		if errors.Is(err, ws.ErrUnknownAction) {
			reason = "unknown_action"
		}
		e.metrics.EventsDropped.WithLabelValues("unknown", reason).Inc()
		e.hub.SendTo(connID, ws.EventError, errorData("", err))
		return
	}
	_ = e.Dispatch(ctx, connID, req)
}

// Dispatch runs one decoded request to completion. Rate-limited requests are
// dropped silently. Any other failure is reported to the sender as an error
// event, except stale updates, which resynchronize the sender instead.
func (e *Engine) Dispatch(ctx context.Context, connID string, req ws.Request) (err error) {
	action := req.Action()
	log := e.log.With().Str("conn_id", connID).Str("action", string(action)).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Event handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
			e.hub.SendTo(connID, ws.EventError, errorData(action, err))
			e.metrics.EventsHandled.WithLabelValues(string(action), "panic").Inc()
		}
	}()

	conn, ok := e.store.GetConnection(connID)
	if !ok {
		return ErrNoActiveSession
	}

	if !e.limiter.AllowN(ratelimit.Key(connID, string(action)), e.limitFor(req)) {
		log.Debug().Msg("Event rate limited")
		e.metrics.EventsDropped.WithLabelValues(string(action), "rate_limited").Inc()
		return ErrRateLimited
	}

	if fields := validator.Struct(req); fields != nil {
		err = &ValidationError{Fields: fields}
	} else {
		switch r := req.(type) {
		case ws.LifecycleRequest:
			err = e.handleLifecycle(ctx, conn, r)
		case ws.TelemetryRequest:
			err = e.handleTelemetry(ctx, conn, r)
		case ws.ConnectionRequest:
			err = e.handleConnection(ctx, conn, r)
		default:
			err = ErrUnknownAction
		}
	}

	switch {
	case err == nil:
		e.metrics.EventsHandled.WithLabelValues(string(action), "ok").Inc()
	case errors.Is(err, ErrStaleUpdate):
		e.metrics.EventsHandled.WithLabelValues(string(action), "stale").Inc()
	default:
		e.metrics.EventsHandled.WithLabelValues(string(action), "error").Inc()
		if errorCode(err) == response.ErrInternal {
			log.Error().Err(err).Msg("Event handling failed")
		} else {
			log.Debug().Err(err).Msg("Event rejected")
		}
		e.hub.SendTo(connID, ws.EventError, errorData(action, err))
	}
	return err
}

func (e *Engine) limitFor(req ws.Request) int {
	switch req.(type) {
	case ws.TelemetryRequest, ws.HeartbeatRTTRequest, ws.ClientMetricsRequest:
		return e.cfg.TelemetryRateLimit
	default:
		return e.cfg.RateLimitMaxEvents
	}
}

// Disconnect tears down a closed connection. If the connection still owned a
// session that had not ended, the session is marked disconnected, scored as
// an abnormal disconnect and its state is persisted.
func (e *Engine) Disconnect(connID string) {
	e.hub.Unregister(connID)
	e.limiter.Forget(connID + ":")
	info, ok := e.store.UnregisterConnection(connID)
	if !ok {
		return
	}
	e.metrics.ActiveConns.Dec()

	if info.SessionID == "" {
		return
	}
	state, now, ok := e.detachSession(connID, info.SessionID)
	if !ok {
		return
	}

	entry, _ := e.addSuspicion(state, EventAbnormalDisconnect, WeightAbnormalDisconnect, audit.EventAbnormalDisconnect, map[string]any{
		"conn_id": connID,
	})
	e.hub.ToExam(state.ExamID, ws.EventStudentDisconnected, StudentDisconnected{
		SessionID:      state.SessionID,
		ExamID:         state.ExamID,
		StudentID:      state.StudentID,
		Status:         state.Status,
		SuspicionScore: entry.Score,
		DisconnectedAt: now,
		IsFinal:        true,
	})

	e.log.Info().
		Str("session_id", state.SessionID).
		Str("exam_id", state.ExamID).
		Msg("Student disconnected")

	health, _ := e.store.GetSessionHealth(info.SessionID)
	e.persistSnapshot(model.SnapshotOf(state, &health, string(EventAbnormalDisconnect), now))
}

// detachSession marks a session disconnected once connID stops speaking for
// it. It reports false when connID no longer owned the session (a newer tab
// took over) or the session has already ended.
func (e *Engine) detachSession(connID, sessionID string) (model.SessionState, int64, bool) {
	if !e.store.ReleaseSessionSocket(sessionID, connID) {
		return model.SessionState{}, 0, false
	}
	state, ok := e.store.GetSessionState(sessionID)
	if !ok || state.Status.IsTerminal() {
		return model.SessionState{}, 0, false
	}

	now := e.store.NowMillis()
	status := model.SessionStatusDisconnected
	state, ok = e.store.MergeSessionState(sessionID, model.SessionUpdate{Status: &status, DisconnectedAt: &now})
	return state, now, ok
}

// persistSnapshot hands the final state of a session to the lifecycle service
// in the background. A failure is logged and never rolls back live state.
func (e *Engine) persistSnapshot(snap model.SessionSnapshot) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := e.lifecycle.PersistSnapshot(ctx, snap); err != nil {
			e.metrics.PersistFailures.WithLabelValues("snapshot").Inc()
			e.log.Error().Err(err).Str("session_id", snap.SessionID).Msg("Failed to persist session snapshot")
		}
	}()
}

// Wait blocks until background persistence has finished.
func (e *Engine) Wait() { e.bg.Wait() }

// SessionView pairs a session's state with its health.
type SessionView struct {
	State  model.SessionState   `json:"state"`
	Health *model.SessionHealth `json:"health,omitempty"`
}

// ExamSnapshot returns the live view of every session of an exam.
func (e *Engine) ExamSnapshot(examID string) []SessionView {
	states := e.store.SessionsForExam(examID)
	out := make([]SessionView, 0, len(states))
	for _, st := range states {
		v := SessionView{State: st}
		if h, ok := e.store.GetSessionHealth(st.SessionID); ok {
			v.Health = &h
		}
		out = append(out, v)
	}
	return out
}

// Stats is a point-in-time summary of the engine.
type Stats struct {
	Store       store.Stats     `json:"store"`
	Hub         broadcast.Stats `json:"hub"`
	RateWindows int             `json:"rate_windows"`
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{Store: e.store.Stats(), Hub: e.hub.Stats(), RateWindows: e.limiter.Len()}
}
