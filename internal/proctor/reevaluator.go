package proctor

import (
	"context"
	"time"

	"github.com/stemsi/exstem-proctor/internal/audit"
	"github.com/stemsi/exstem-proctor/internal/model"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// Run drives the periodic jobs every health-check interval until ctx is done:
// re-scoring fresh sessions, counting missed heartbeats, expiring sessions that
// stayed disconnected and pruning idle rate-limit windows.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HealthCheckInterval)
	defer ticker.Stop()

	e.log.Info().
		Dur("interval", e.cfg.HealthCheckInterval).
		Dur("freshness_window", e.cfg.FreshnessWindow).
		Msg("Periodic re-evaluator started")

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("Periodic re-evaluator stopped")
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Tick runs one round of the periodic jobs.
func (e *Engine) Tick() {
	n := e.Reevaluate()
	missed := e.SweepHeartbeats()
	expired := e.ExpireDisconnected()
	pruned := e.limiter.Cleanup()

	e.metrics.ActiveSessions.Set(float64(e.store.Stats().Sessions))
	e.log.Debug().
		Int("reevaluated", n).
		Int("missed_heartbeats", missed).
		Int("expired", expired).
		Int("pruned_windows", pruned).
		Msg("Health check tick")
}

// Reevaluate re-runs the rule engine for every active session updated within
// the freshness window and returns how many were re-scored. Idle sessions are
// left alone so stale flags are never scored again.
func (e *Engine) Reevaluate() int {
	start := time.Now()
	defer func() {
		e.metrics.Reevaluations.Inc()
		e.metrics.ReevaluationDuration.Observe(time.Since(start).Seconds())
	}()

	now := e.store.NowMillis()
	window := e.cfg.FreshnessWindow.Milliseconds()
	n := 0
	for _, st := range e.store.ListSessions() {
		if st.Status != model.SessionStatusActive {
			continue
		}
		if now-st.LastUpdate > window {
			continue
		}
		if _, _, ok := e.evaluate(st.SessionID, ws.EventAIPeriodicRecheck); ok {
			n++
		}
	}
	return n
}

// SweepHeartbeats records a missed heartbeat for every bound student
// connection silent for more than two heartbeat intervals.
func (e *Engine) SweepHeartbeats() int {
	n := 0
	for _, c := range e.store.StaleConnections(2 * e.cfg.HeartbeatInterval) {
		health, ok := e.store.RecordMissedHeartbeat(c.SessionID)
		if !ok {
			continue
		}
		n++
		e.hub.ToExam(c.ExamID, ws.EventHealthUpdate, HealthUpdate{
			SessionID: c.SessionID,
			StudentID: c.UserID,
			Health:    health,
		})
	}
	return n
}

// ExpireDisconnected removes sessions that stayed disconnected longer than
// the disconnect timeout and persists their final state.
func (e *Engine) ExpireDisconnected() int {
	now := e.store.NowMillis()
	timeout := e.cfg.DisconnectTimeout.Milliseconds()
	n := 0
	for _, st := range e.store.ListSessions() {
		if st.Status != model.SessionStatusDisconnected || st.DisconnectedAt == 0 {
			continue
		}
		if now-st.DisconnectedAt <= timeout {
			continue
		}
		state, health, ok := e.store.RemoveSession(st.SessionID)
		if !ok {
			continue
		}
		n++
		e.metrics.ActiveSessions.Dec()
		e.hub.ToExam(state.ExamID, ws.EventSessionStateChanged, SessionStateChanged{
			SessionID: state.SessionID,
			StudentID: state.StudentID,
			Status:    state.Status,
			Removed:   true,
		})
		e.audit.Record(state.ExamID, state.SessionID, audit.EventSessionExpired, map[string]any{
			"disconnected_at": state.DisconnectedAt,
			"suspicion_score": state.SuspicionScore,
		})
		e.persistSnapshot(model.SnapshotOf(state, health, "disconnect_timeout", now))
	}
	return n
}
