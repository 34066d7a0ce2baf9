package proctor

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/stemsi/exstem-proctor/internal/audit"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/rules"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// Frame gaps in millis.
const (
	frameGapWarn   = 2000
	frameGapFreeze = 5000
)

func (e *Engine) handleTelemetry(_ context.Context, conn model.ConnectionInfo, req ws.TelemetryRequest) error {
	switch r := req.(type) {
	case ws.CameraStatsRequest:
		return e.cameraStats(conn, r)
	case ws.ScreenshareStatsRequest:
		return e.screenshareStats(conn, r)
	case ws.AIUpdateRequest:
		return e.aiUpdate(conn, r)
	case ws.ReportSecurityFlagRequest:
		return e.reportSecurityFlag(conn, r)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, req.Action())
	}
}

// VideoHealthScore rates one media track from 0 to 100. gap is the time in
// millis since the previous frame, or 0 if unknown.
func VideoHealthScore(s ws.MediaStats, gap int64) int {
	score := 100

	switch {
	case s.FPS < 5:
		score -= 40
	case s.FPS < 10:
		score -= 30
	case s.FPS < 15:
		score -= 15
	case s.FPS > 30:
		score -= 5
	}

	switch {
	case s.Width == 0 || s.Height == 0:
		score -= 40
	case s.Width < 320 || s.Height < 240:
		score -= 20
	}

	switch {
	case s.Bitrate < 50:
		score -= 20
	case s.Bitrate < 100:
		score -= 10
	}

	if s.Muted {
		score -= 25
	}

	switch {
	case gap > frameGapFreeze:
		score -= 30
	case gap > frameGapWarn:
		score -= 15
	}

	return model.ClampScore(score)
}

// frameGap returns the millis between the previous frame of a track and the
// current one. A report without a frame timestamp is measured against now.
func frameGap(prev model.MediaTelemetry, frameTimestamp, now int64) int64 {
	if prev.LastFrameAt == 0 {
		return 0
	}
	current := frameTimestamp
	if current == 0 {
		current = now
	}
	if gap := current - prev.LastFrameAt; gap > 0 {
		return gap
	}
	return 0
}

func telemetryOf(s ws.MediaStats, frameAt int64) model.MediaTelemetry {
	return model.MediaTelemetry{
		LastFrameAt: frameAt,
		Width:       s.Width,
		Height:      s.Height,
		FPS:         s.FPS,
		Bitrate:     s.Bitrate,
		Muted:       s.Muted,
	}
}

func (e *Engine) cameraStats(conn model.ConnectionInfo, r ws.CameraStatsRequest) error {
	state, err := e.validateSessionForEvent(conn, r.SessionID)
	if err != nil {
		return err
	}

	now := e.store.NowMillis()
	frameAt := r.FrameTimestamp
	if frameAt == 0 {
		frameAt = now
	}
	score := VideoHealthScore(r.MediaStats, frameGap(state.Camera, r.FrameTimestamp, now))
	camera := telemetryOf(r.MediaStats, frameAt)

	state, ok := e.store.MergeSessionState(state.SessionID, model.SessionUpdate{Camera: &camera, VideoHealthScore: &score})
	if !ok {
		return ErrNoActiveSession
	}
	e.hub.ToExam(state.ExamID, ws.EventVideoHealth, VideoHealth{
		SessionID: state.SessionID,
		Source:    "camera",
		Score:     state.VideoHealthScore,
		Telemetry: camera,
	})
	return nil
}

func (e *Engine) screenshareStats(conn model.ConnectionInfo, r ws.ScreenshareStatsRequest) error {
	state, err := e.validateSessionForEvent(conn, r.SessionID)
	if err != nil {
		return err
	}

	now := e.store.NowMillis()
	frameAt := r.FrameTimestamp
	if frameAt == 0 {
		frameAt = now
	}
	gap := frameGap(state.Screen, r.FrameTimestamp, now)
	score := VideoHealthScore(r.MediaStats, gap)
	screen := telemetryOf(r.MediaStats, frameAt)

	state, ok := e.store.MergeSessionState(state.SessionID, model.SessionUpdate{Screen: &screen, VideoHealthScore: &score})
	if !ok {
		return ErrNoActiveSession
	}
	e.hub.ToExam(state.ExamID, ws.EventVideoHealth, VideoHealth{
		SessionID: state.SessionID,
		Source:    "screen",
		Score:     score,
		Telemetry: screen,
	})

	if r.BlackScreen {
		e.securityAlert(state, AnomalyBlackScreen, string(rules.SeverityHigh), nil)
	}
	if r.WindowChanged {
		e.securityAlert(state, AnomalyWindowChanged, string(rules.SeverityMedium), nil)
	}
	if gap > frameGapFreeze {
		e.securityAlert(state, AnomalyScreenFreeze, string(rules.SeverityMedium), map[string]any{"gap_ms": gap})
	}
	return nil
}

// securityAlert tells the room about an anomaly and audits it.
func (e *Engine) securityAlert(state model.SessionState, kind, severity string, details map[string]any) {
	e.hub.ToExam(state.ExamID, ws.EventSecurityAlert, SecurityAlert{
		SessionID: state.SessionID,
		StudentID: state.StudentID,
		Type:      kind,
		Severity:  severity,
		Details:   details,
	})
	meta := map[string]any{"type": kind, "severity": severity}
	if details != nil {
		meta["details"] = details
	}
	e.audit.Record(state.ExamID, state.SessionID, audit.EventSecurityAlert, meta)
}

func (e *Engine) aiUpdate(conn model.ConnectionInfo, r ws.AIUpdateRequest) error {
	state, err := e.validateSessionForEvent(conn, r.SessionID)
	if err != nil {
		return err
	}

	// Only the flag groups present in the payload are replaced.
	state, ok := e.store.MergeSessionState(state.SessionID, model.SessionUpdate{
		CameraFlags:   r.CameraFlags,
		BehaviorFlags: r.BehaviorFlags,
		ScreenFlags:   r.ScreenFlags,
	})
	if !ok {
		return ErrNoActiveSession
	}

	if r.AIScoreDelta != nil {
		delta := *r.AIScoreDelta
		e.store.Mutate(state.SessionID, func(s *model.SessionState) { s.AILastScoreDelta = delta })
	}
	if r.AIEventType != "" {
		ev := model.AIEvent{Type: r.AIEventType, Severity: r.AISeverity}
		if r.AIScoreDelta != nil {
			ev.ScoreDelta = *r.AIScoreDelta
		}
		e.store.PushAIEvent(state.SessionID, ev)
		e.hub.ToExam(state.ExamID, ws.EventTimelineUpdate, TimelineItem{
			SessionID: state.SessionID,
			Kind:      "ai_event",
			Type:      r.AIEventType,
			Severity:  r.AISeverity,
			At:        e.store.NowMillis(),
		})
	}

	e.evaluate(state.SessionID, ws.EventAIRuleEvaluation)
	return nil
}

func (e *Engine) reportSecurityFlag(conn model.ConnectionInfo, r ws.ReportSecurityFlagRequest) error {
	var state model.SessionState
	if conn.UserType.IsObserver() {
		st, ok := e.store.GetSessionState(r.SessionID)
		if !ok {
			return ErrNoActiveSession
		}
		state = st
	} else {
		st, err := e.validateSessionForEvent(conn, r.SessionID)
		if err != nil {
			return err
		}
		state = st
	}
	if state.ExamID != r.ExamID {
		return ErrSessionMismatch
	}

	meta := map[string]any{
		"flag":        r.Flag,
		"severity":    r.Severity,
		"reported_by": string(conn.UserType),
	}
	if r.Details != nil {
		meta["details"] = r.Details
	}
	e.addSuspicion(state, r.Flag, securityFlagWeights[r.Severity], audit.EventSecurityFlag, meta)
	e.hub.ToExam(state.ExamID, ws.EventSecurityAlert, SecurityAlert{
		SessionID: state.SessionID,
		StudentID: state.StudentID,
		Type:      r.Flag,
		Severity:  r.Severity,
		Details:   r.Details,
	})
	return nil
}

// evaluate runs the rule engine over a session as one store mutation, then
// records and broadcasts what fired. A failing evaluation is logged and
// skipped; ok is false when nothing was evaluated.
func (e *Engine) evaluate(sessionID string, event ws.Event) (res rules.Result, state model.SessionState, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("session_id", sessionID).
				Msg("Rule evaluation failed, cycle skipped")
			ok = false
		}
	}()

	state, ok = e.store.Mutate(sessionID, func(s *model.SessionState) {
		res = rules.Evaluate(rules.InputOf(*s))
		rules.Apply(s, res)
	})
	if !ok {
		return res, state, false
	}

	for _, t := range res.Events {
		e.store.PushAIEvent(sessionID, model.AIEvent{
			Type:       t.Event,
			Severity:   string(t.Severity),
			ScoreDelta: t.ScoreDelta,
		})
		e.metrics.RuleTriggers.WithLabelValues(t.Event).Inc()
		e.hub.ToExam(state.ExamID, ws.EventProctorAlert, ProctorAlert{
			SessionID: sessionID,
			StudentID: state.StudentID,
			Event:     t.Event,
			Severity:  t.Severity,
			RiskScore: res.NewScore,
		})
		e.audit.Record(state.ExamID, sessionID, audit.EventRuleTriggered, map[string]any{
			"event":       t.Event,
			"severity":    string(t.Severity),
			"score_delta": t.ScoreDelta,
			"risk_score":  res.NewScore,
			"source":      string(event),
		})
	}

	e.hub.ToExam(state.ExamID, event, RuleEvaluation{
		SessionID: sessionID,
		StudentID: state.StudentID,
		Result:    res,
		Flags:     Flags{Camera: state.CameraFlags, Behavior: state.BehaviorFlags, Screen: state.ScreenFlags},
		RiskLevel: state.AIRiskLevel,
		Status:    state.Status,
	})
	return res, state, true
}
