package proctor

import (
	"context"
	"fmt"

	"github.com/stemsi/exstem-proctor/internal/audit"
	"github.com/stemsi/exstem-proctor/internal/model"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

func (e *Engine) handleConnection(_ context.Context, conn model.ConnectionInfo, req ws.ConnectionRequest) error {
	switch r := req.(type) {
	case ws.HeartbeatRequest:
		return e.heartbeat(conn, r)
	case ws.HeartbeatRTTRequest:
		return e.heartbeatRTT(conn, r)
	case ws.ClientMetricsRequest:
		return e.clientMetrics(conn, r)
	case ws.SignalRequest:
		return e.relaySignal(conn, r)
	case ws.MonitoringRequest:
		if r.Leave {
			return e.leaveMonitoring(conn, r.ExamID)
		}
		return e.joinMonitoring(conn, r.ExamID)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, req.Action())
	}
}

// heartbeat is acknowledged for every role. For a bound student it also
// counts toward packet loss.
func (e *Engine) heartbeat(conn model.ConnectionInfo, r ws.HeartbeatRequest) error {
	e.store.TouchHeartbeat(conn.ID)
	e.hub.SendTo(conn.ID, ws.EventHeartbeatAck, HeartbeatAck{
		ClientTimestamp: r.Timestamp,
		ServerTime:      e.store.NowMillis(),
	})
	if conn.UserType == model.UserTypeStudent && conn.SessionID != "" {
		e.store.RecordHeartbeat(conn.SessionID)
	}
	return nil
}

func (e *Engine) heartbeatRTT(conn model.ConnectionInfo, r ws.HeartbeatRTTRequest) error {
	state, err := e.validateSessionForEvent(conn, "")
	if err != nil {
		return err
	}
	e.store.TouchHeartbeat(conn.ID)

	health, ok := e.store.UpdateRTT(state.SessionID, r.RTT)
	if !ok {
		return ErrNoActiveSession
	}

	if r.RTT > highRTTThreshold {
		e.addSuspicion(state, EventHighRTT, WeightHighRTT, audit.EventNetworkDegraded, map[string]any{
			"rtt":    r.RTT,
			"jitter": health.Jitter,
		})
	}
	if health.PacketLoss > highPacketLossThreshold {
		e.addSuspicion(state, EventHighPacketLoss, WeightHighPacketLoss, audit.EventNetworkDegraded, map[string]any{
			"packet_loss": health.PacketLoss,
		})
	}

	e.hub.ToExam(state.ExamID, ws.EventHealthUpdate, HealthUpdate{
		SessionID: state.SessionID,
		StudentID: state.StudentID,
		Health:    health,
	})
	return nil
}

func (e *Engine) clientMetrics(conn model.ConnectionInfo, r ws.ClientMetricsRequest) error {
	state, err := e.validateSessionForEvent(conn, "")
	if err != nil {
		return err
	}
	health, ok := e.store.UpdateSessionHealth(state.SessionID, model.HealthUpdate{
		FPS:          r.FPS,
		CPULoad:      r.CPULoad,
		TabVisible:   r.TabVisible,
		CameraActive: r.CameraActive,
		MicActive:    r.MicActive,
	})
	if !ok {
		return ErrNoActiveSession
	}
	e.hub.ToExam(state.ExamID, ws.EventHealthUpdate, HealthUpdate{
		SessionID: state.SessionID,
		StudentID: state.StudentID,
		Health:    health,
	})
	return nil
}

// signalEvents maps inbound signaling actions to the event relayed onward.
var signalEvents = map[ws.Action]ws.Event{
	ws.ActionWebRTCOffer:        ws.EventWebRTCOffer,
	ws.ActionWebRTCAnswer:       ws.EventWebRTCAnswer,
	ws.ActionWebRTCICECandidate: ws.EventWebRTCICECandidate,
	ws.ActionRequestWebRTCOffer: ws.EventRequestWebRTCOffer,
}

// relaySignal passes a signaling message through without looking at it.
// Students signal to the exam's monitoring room; observers signal to the
// student connection that owns the session.
func (e *Engine) relaySignal(conn model.ConnectionInfo, r ws.SignalRequest) error {
	event, ok := signalEvents[r.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, r.Kind)
	}
	data := ws.SignalData{
		SessionID:  r.SessionID,
		FromConnID: conn.ID,
		FromUserID: conn.UserID,
		FromRole:   conn.UserType,
		Payload:    r.Payload,
	}

	if conn.UserType == model.UserTypeStudent {
		if r.Kind == ws.ActionRequestWebRTCOffer {
			return ErrUnauthorized
		}
		state, err := e.validateSessionForEvent(conn, r.SessionID)
		if err != nil {
			return err
		}
		e.hub.ToExam(state.ExamID, event, data)
		return nil
	}

	state, ok := e.store.GetSessionState(r.SessionID)
	if !ok {
		return ErrNoActiveSession
	}
	if !e.inRoom(state.ExamID, conn.ID) {
		return ErrUnauthorized
	}
	target, ok := e.store.SessionSocket(r.SessionID)
	if !ok {
		return ErrNoActiveSession
	}
	e.hub.SendTo(target, event, data)
	return nil
}
