package proctor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/model"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

func missingFace(sessionID string) map[string]any {
	return map[string]any{
		"session_id":   sessionID,
		"camera_flags": map[string]any{"face_detected": false, "multiple_faces": false, "eyes_visible": true},
	}
}

func TestReevaluateOnlyFreshActiveSessions(t *testing.T) {
	h := newHarness(t)
	obs := h.observer()
	idle, idleID := h.joinStudent("student-idle")
	busy, busyID := h.joinStudent("student-busy")
	gone, goneID := h.joinStudent("student-gone")

	require.NoError(t, h.send(idle, ws.ActionAIUpdate, missingFace(idleID)))
	require.NoError(t, h.send(busy, ws.ActionAIUpdate, missingFace(busyID)))
	require.NoError(t, h.send(gone, ws.ActionAIUpdate, missingFace(goneID)))

	h.clock.Advance(20 * time.Second)
	require.NoError(t, h.send(busy, ws.ActionUpdateProgress, map[string]any{
		"current_question": 2,
		"total_questions":  10,
		"answered_count":   1,
		"timestamp":        h.store.NowMillis(),
	}))
	h.engine.Disconnect(gone.id)
	h.engine.Wait()

	assert.Equal(t, 1, h.engine.Reevaluate())

	assert.Equal(t, 20, h.state(idleID).AIRiskScore, "idle sessions keep their score")
	assert.Equal(t, 40, h.state(busyID).AIRiskScore)
	assert.Equal(t, 20, h.state(goneID).AIRiskScore)

	rechecks := obs.Events(ws.EventAIPeriodicRecheck)
	require.Len(t, rechecks, 1)
	assert.Equal(t, busyID, rechecks[0].(RuleEvaluation).SessionID)
}

func TestReevaluateDoesNotRefreshLastUpdate(t *testing.T) {
	h := newHarness(t)
	_, sessionID := h.joinStudent("student-1")
	before := h.state(sessionID).LastUpdate

	h.clock.Advance(5 * time.Second)
	require.Equal(t, 1, h.engine.Reevaluate())
	assert.Equal(t, before, h.state(sessionID).LastUpdate)

	h.clock.Advance(11 * time.Second)
	assert.Zero(t, h.engine.Reevaluate(), "a recheck alone never keeps a session fresh")
}

func TestSweepHeartbeats(t *testing.T) {
	h := newHarness(t)
	obs := h.observer()
	student, sessionID := h.joinStudent("student-1")

	h.clock.Advance(15 * time.Second)
	assert.Zero(t, h.engine.SweepHeartbeats())

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, 1, h.engine.SweepHeartbeats())

	health, ok := h.store.GetSessionHealth(sessionID)
	require.True(t, ok)
	assert.Equal(t, 1, health.MissedHeartbeats)
	assert.Equal(t, 100.0, health.PacketLoss)
	require.Len(t, obs.Events(ws.EventHealthUpdate), 1)

	require.NoError(t, h.send(student, ws.ActionHeartbeat, map[string]any{"timestamp": h.store.NowMillis()}))
	assert.Zero(t, h.engine.SweepHeartbeats())

	health, _ = h.store.GetSessionHealth(sessionID)
	assert.Equal(t, 50.0, health.PacketLoss)
}

func TestExpireDisconnected(t *testing.T) {
	h := newHarness(t)
	obs := h.observer()
	student, sessionID := h.joinStudent("student-1")

	h.engine.Disconnect(student.id)
	h.engine.Wait()
	require.Len(t, h.lifecycle.Snapshots(), 1)

	h.clock.Advance(60 * time.Second)
	assert.Zero(t, h.engine.ExpireDisconnected())

	h.clock.Advance(61 * time.Second)
	assert.Equal(t, 1, h.engine.ExpireDisconnected())
	h.engine.Wait()

	_, ok := h.store.GetSessionState(sessionID)
	assert.False(t, ok)
	_, ok = h.store.GetSessionHealth(sessionID)
	assert.False(t, ok)

	snaps := h.lifecycle.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "disconnect_timeout", snaps[1].Reason)
	assert.Equal(t, model.SessionStatusDisconnected, snaps[1].Status)
	assert.Equal(t, 1, h.sink.Count("session_expired"))

	var removed bool
	for _, ev := range obs.Events(ws.EventSessionStateChanged) {
		if c := ev.(SessionStateChanged); c.SessionID == sessionID && c.Removed {
			removed = true
		}
	}
	assert.True(t, removed)
}

func TestReconnectBeforeTimeoutKeepsSession(t *testing.T) {
	h := newHarness(t)
	student, sessionID := h.joinStudent("student-1")

	h.engine.Disconnect(student.id)
	h.clock.Advance(60 * time.Second)
	h.joinStudent("student-1")

	h.clock.Advance(100 * time.Second)
	assert.Zero(t, h.engine.ExpireDisconnected())
	assert.Equal(t, model.SessionStatusActive, h.state(sessionID).Status)
	h.engine.Wait()
}

func TestRunStopsWithContext(t *testing.T) {
	h := newHarness(t)
	h.engine.cfg.HealthCheckInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.engine.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
