package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownAction  = errors.New("unknown action")
)

// Decode parses an inbound frame into its concrete request type.
func Decode(frame []byte) (Request, error) {
	var env RequestEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var req Request
	var err error
	switch env.Action {
	case ActionJoinExamSession:
		req, err = decodeInto[JoinExamSessionRequest](env.Data)
	case ActionSubmitAnswer:
		req, err = decodeInto[SubmitAnswerRequest](env.Data)
	case ActionAutoSave:
		req, err = decodeInto[AutoSaveAnswersRequest](env.Data)
	case ActionUpdateProgress:
		req, err = decodeInto[UpdateProgressRequest](env.Data)
	case ActionEndExam:
		req, err = decodeInto[EndExamRequest](env.Data)
	case ActionCameraStats:
		req, err = decodeInto[CameraStatsRequest](env.Data)
	case ActionScreenshareStats:
		req, err = decodeInto[ScreenshareStatsRequest](env.Data)
	case ActionAIUpdate:
		req, err = decodeInto[AIUpdateRequest](env.Data)
	case ActionReportSecurityFlag:
		req, err = decodeInto[ReportSecurityFlagRequest](env.Data)
	case ActionHeartbeat:
		req, err = decodeInto[HeartbeatRequest](env.Data)
	case ActionHeartbeatRTT:
		req, err = decodeInto[HeartbeatRTTRequest](env.Data)
	case ActionClientMetrics:
		req, err = decodeInto[ClientMetricsRequest](env.Data)
	case ActionWebRTCOffer, ActionWebRTCAnswer, ActionWebRTCICECandidate, ActionRequestWebRTCOffer:
		var sig SignalRequest
		sig, err = decodeInto[SignalRequest](env.Data)
		sig.Kind = env.Action
		req = sig
	case ActionJoinMonitoring, ActionLeaveMonitoring:
		var mon MonitoringRequest
		mon, err = decodeInto[MonitoringRequest](env.Data)
		mon.Leave = env.Action == ActionLeaveMonitoring
		req = mon
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, env.Action)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, env.Action, err)
	}
	return req, nil
}

// decodeInto unmarshals data into T. An absent data field yields the zero value
// so field validation can report what is missing.
func decodeInto[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	err := json.Unmarshal(data, &v)
	return v, err
}
