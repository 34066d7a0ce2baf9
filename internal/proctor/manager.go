package proctor

import (
	"slices"

	"github.com/stemsi/exstem-proctor/internal/audit"
	"github.com/stemsi/exstem-proctor/internal/model"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const multiTabMessage = "Sesi ujian ini dibuka di tab atau perangkat lain. Koneksi ini akan ditutup."

// validateSessionForEvent checks that conn is a student connection that is
// bound to a session, that it still owns that session and that the session it
// claims (if any) is the bound one.
func (e *Engine) validateSessionForEvent(conn model.ConnectionInfo, sessionID string) (model.SessionState, error) {
	if conn.UserType != model.UserTypeStudent {
		return model.SessionState{}, ErrUnauthorized
	}
	if conn.SessionID == "" || conn.ExamID == "" {
		return model.SessionState{}, ErrNoActiveSession
	}
	if sessionID != "" && sessionID != conn.SessionID {
		return model.SessionState{}, ErrSessionMismatch
	}
	if owner, ok := e.store.SessionSocket(conn.SessionID); !ok || owner != conn.ID {
		return model.SessionState{}, ErrSessionMismatch
	}
	state, ok := e.store.GetSessionState(conn.SessionID)
	if !ok {
		return model.SessionState{}, ErrNoActiveSession
	}
	return state, nil
}

// claimSession makes conn the authoritative connection of a session. A
// different connection that owned it before is warned and closed. A session
// conn was bound to before is left disconnected so it expires normally.
func (e *Engine) claimSession(conn model.ConnectionInfo, examID, sessionID string) {
	if conn.SessionID != "" && conn.SessionID != sessionID {
		if old, now, ok := e.detachSession(conn.ID, conn.SessionID); ok {
			e.hub.ToExam(old.ExamID, ws.EventStudentDisconnected, StudentDisconnected{
				SessionID:      old.SessionID,
				ExamID:         old.ExamID,
				StudentID:      old.StudentID,
				Status:         old.Status,
				SuspicionScore: old.SuspicionScore,
				DisconnectedAt: now,
			})
		}
	}

	e.store.BindConnection(conn.ID, examID, sessionID)
	previous, had := e.store.RegisterSessionSocket(sessionID, conn.ID)
	if !had || previous == conn.ID {
		return
	}

	warning := MultiTabWarning{
		SessionID:    sessionID,
		NewConnID:    conn.ID,
		ReplacedConn: previous,
		Message:      multiTabMessage,
	}
	e.hub.SendTo(previous, ws.EventMultiTabWarning, warning)
	// The old connection no longer speaks for the session even before its
	// read loop notices the close.
	e.store.BindConnection(previous, "", "")
	e.hub.Disconnect(previous)
	e.hub.ToExam(examID, ws.EventMultiTabWarning, warning)

	e.audit.Record(examID, sessionID, audit.EventDuplicateConnection, map[string]any{
		"previous_conn_id": previous,
		"new_conn_id":      conn.ID,
	})
	e.log.Warn().
		Str("session_id", sessionID).
		Str("previous_conn_id", previous).
		Str("conn_id", conn.ID).
		Msg("Duplicate connection replaced")
}

// inRoom reports whether an observer connection watches an exam.
func (e *Engine) inRoom(examID, connID string) bool {
	return slices.Contains(e.store.RoomMembers(examID), connID)
}

func (e *Engine) joinMonitoring(conn model.ConnectionInfo, examID string) error {
	if !conn.UserType.IsObserver() {
		return ErrUnauthorized
	}
	e.store.JoinRoom(examID, conn.ID)
	sessions := e.ExamSnapshot(examID)
	e.hub.SendTo(conn.ID, ws.EventMonitoringJoined, MonitoringAck{ExamID: examID, Sessions: len(sessions)})
	e.hub.SendTo(conn.ID, ws.EventStateSync, RoomStateSync{ExamID: examID, Sessions: sessions})
	e.log.Info().Str("conn_id", conn.ID).Str("exam_id", examID).Msg("Observer joined monitoring room")
	return nil
}

func (e *Engine) leaveMonitoring(conn model.ConnectionInfo, examID string) error {
	if !conn.UserType.IsObserver() {
		return ErrUnauthorized
	}
	e.store.LeaveRoom(examID, conn.ID)
	e.hub.SendTo(conn.ID, ws.EventMonitoringLeft, MonitoringAck{ExamID: examID})
	return nil
}

// addSuspicion records a suspicion entry and tells the room about it, both as a
// score update and as a timeline item. The entry is audited under auditType.
func (e *Engine) addSuspicion(state model.SessionState, eventType string, weight int, auditType string, metadata map[string]any) (model.SuspicionEntry, bool) {
	entry, ok := e.store.UpdateSuspicionScore(state.SessionID, eventType, weight)
	if !ok {
		return entry, false
	}
	e.hub.ToExam(state.ExamID, ws.EventSuspicionUpdate, SuspicionUpdate{
		SessionID:      state.SessionID,
		StudentID:      state.StudentID,
		Entry:          entry,
		SuspicionScore: entry.Score,
	})
	e.hub.ToExam(state.ExamID, ws.EventTimelineUpdate, TimelineItem{
		SessionID: state.SessionID,
		Kind:      "suspicion",
		Type:      eventType,
		Weight:    weight,
		At:        entry.At,
	})

	meta := map[string]any{"weight": weight, "suspicion_score": entry.Score}
	for k, v := range metadata {
		meta[k] = v
	}
	e.audit.Record(state.ExamID, state.SessionID, auditType, meta)
	return entry, true
}
