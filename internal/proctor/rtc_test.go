package proctor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/model"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

func TestHeartbeatIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	obs := h.observer()
	student, sessionID := h.joinStudent("student-1")

	require.NoError(t, h.send(student, ws.ActionHeartbeat, map[string]any{"timestamp": 123}))
	acks := student.Events(ws.EventHeartbeatAck)
	require.Len(t, acks, 1)
	assert.Equal(t, int64(123), acks[0].(HeartbeatAck).ClientTimestamp)
	assert.Equal(t, h.store.NowMillis(), acks[0].(HeartbeatAck).ServerTime)

	health, ok := h.store.GetSessionHealth(sessionID)
	require.True(t, ok)
	assert.Equal(t, 1, health.HeartbeatCount)
	assert.Zero(t, health.PacketLoss)

	// Observers get an ack too but have no session to count against.
	require.NoError(t, h.send(obs, ws.ActionHeartbeat, map[string]any{"timestamp": 1}))
	assert.Len(t, obs.Events(ws.EventHeartbeatAck), 1)
}

func TestHeartbeatRTTFlagsHighLatency(t *testing.T) {
	h := newHarness(t)
	obs := h.observer()
	student, sessionID := h.joinStudent("student-1")

	require.NoError(t, h.send(student, ws.ActionHeartbeatRTT, map[string]any{"rtt": 120}))
	assert.Zero(t, h.state(sessionID).SuspicionScore)

	require.NoError(t, h.send(student, ws.ActionHeartbeatRTT, map[string]any{"rtt": 700}))
	st := h.state(sessionID)
	assert.Equal(t, WeightHighRTT, st.SuspicionScore)
	require.Len(t, st.SuspicionHistory, 1)
	assert.Equal(t, EventHighRTT, st.SuspicionHistory[0].EventType)
	assert.Equal(t, 1, h.sink.Count("network_degraded"))

	updates := obs.Events(ws.EventHealthUpdate)
	require.Len(t, updates, 2)
	last := updates[1].(HealthUpdate)
	assert.Equal(t, 700.0, last.Health.RTT)
	assert.InDelta(t, 290.0, last.Health.Jitter, 0.001)
}

func TestHeartbeatRTTFlagsPacketLoss(t *testing.T) {
	h := newHarness(t)
	student, sessionID := h.joinStudent("student-1")

	h.clock.Advance(25 * time.Second)
	require.Equal(t, 1, h.engine.SweepHeartbeats())

	require.NoError(t, h.send(student, ws.ActionHeartbeatRTT, map[string]any{"rtt": 40}))
	st := h.state(sessionID)
	assert.Equal(t, WeightHighPacketLoss, st.SuspicionScore)
	require.Len(t, st.SuspicionHistory, 1)
	assert.Equal(t, EventHighPacketLoss, st.SuspicionHistory[0].EventType)
}

func TestClientMetrics(t *testing.T) {
	h := newHarness(t)
	obs := h.observer()
	student, sessionID := h.joinStudent("student-1")

	require.NoError(t, h.send(student, ws.ActionClientMetrics, map[string]any{
		"fps":         12.5,
		"cpu_load":    80,
		"tab_visible": false,
	}))

	health, ok := h.store.GetSessionHealth(sessionID)
	require.True(t, ok)
	assert.Equal(t, 12.5, health.FPS)
	assert.Equal(t, 80.0, health.CPULoad)
	assert.False(t, health.TabVisible)
	assert.True(t, health.CameraActive, "absent fields are untouched")
	assert.Len(t, obs.Events(ws.EventHealthUpdate), 1)

	err := h.send(obs, ws.ActionClientMetrics, map[string]any{"fps": 30})
	assert.ErrorIs(t, err, ErrUnauthorized)

	err = h.send(student, ws.ActionClientMetrics, map[string]any{"cpu_load": 140})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSignalingRelay(t *testing.T) {
	h := newHarness(t)
	obs := h.observer()
	student, sessionID := h.joinStudent("student-1")

	t.Run("student offer goes to the room", func(t *testing.T) {
		require.NoError(t, h.send(student, ws.ActionWebRTCOffer, map[string]any{
			"session_id": sessionID,
			"payload":    map[string]any{"sdp": "v=0", "type": "offer"},
		}))
		offers := obs.Events(ws.EventWebRTCOffer)
		require.Len(t, offers, 1)
		data := offers[0].(ws.SignalData)
		assert.Equal(t, student.id, data.FromConnID)
		assert.Equal(t, model.UserTypeStudent, data.FromRole)
		assert.JSONEq(t, `{"sdp":"v=0","type":"offer"}`, string(data.Payload))
	})

	t.Run("observer answer goes to the session owner", func(t *testing.T) {
		require.NoError(t, h.send(obs, ws.ActionWebRTCAnswer, map[string]any{
			"session_id": sessionID,
			"payload":    map[string]any{"sdp": "v=0", "type": "answer"},
		}))
		answers := student.Events(ws.EventWebRTCAnswer)
		require.Len(t, answers, 1)
		assert.Equal(t, obs.id, answers[0].(ws.SignalData).FromConnID)
		assert.Empty(t, obs.Events(ws.EventWebRTCAnswer))
	})

	t.Run("observer may request an offer without payload", func(t *testing.T) {
		require.NoError(t, h.send(obs, ws.ActionRequestWebRTCOffer, map[string]any{"session_id": sessionID}))
		assert.Len(t, student.Events(ws.EventRequestWebRTCOffer), 1)
	})

	t.Run("students cannot request offers", func(t *testing.T) {
		err := h.send(student, ws.ActionRequestWebRTCOffer, map[string]any{"session_id": sessionID})
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("observer outside the room is refused", func(t *testing.T) {
		outsider := h.connect(model.UserTypeTeacher, "teacher-2")
		err := h.send(outsider, ws.ActionWebRTCICECandidate, map[string]any{
			"session_id": sessionID,
			"payload":    json.RawMessage(`{"candidate":"a=1"}`),
		})
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.Empty(t, student.Events(ws.EventWebRTCICECandidate))
	})

	t.Run("unknown session", func(t *testing.T) {
		err := h.send(obs, ws.ActionWebRTCAnswer, map[string]any{
			"session_id": "missing",
			"payload":    map[string]any{"sdp": "v=0"},
		})
		assert.ErrorIs(t, err, ErrNoActiveSession)
	})
}

func TestLeaveMonitoringStopsBroadcasts(t *testing.T) {
	h := newHarness(t)
	obs := h.observer()
	student, _ := h.joinStudent("student-1")

	require.NoError(t, h.send(obs, ws.ActionLeaveMonitoring, map[string]any{"exam_id": h.examID}))
	obs.Reset()

	require.NoError(t, h.send(student, ws.ActionHeartbeatRTT, map[string]any{"rtt": 50}))
	assert.Empty(t, obs.Events(ws.EventHealthUpdate))
	assert.Empty(t, h.store.RoomMembers(h.examID))
}
