package websocket

import (
	"encoding/json"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	// exam lifecycle
	ActionJoinExamSession Action = "join_exam_session"
	ActionSubmitAnswer    Action = "submit_answer"
	ActionAutoSave        Action = "auto_save_answers"
	ActionUpdateProgress  Action = "update_progress"
	ActionEndExam         Action = "end_exam"

	// telemetry
	ActionCameraStats        Action = "camera_stats"
	ActionScreenshareStats   Action = "screenshare_stats"
	ActionAIUpdate           Action = "ai_update"
	ActionReportSecurityFlag Action = "report_security_flag"

	// connection / rtc
	ActionHeartbeat          Action = "heartbeat"
	ActionHeartbeatRTT       Action = "heartbeat_rtt"
	ActionClientMetrics      Action = "client_metrics"
	ActionWebRTCOffer        Action = "webrtc_offer"
	ActionWebRTCAnswer       Action = "webrtc_answer"
	ActionWebRTCICECandidate Action = "webrtc_ice_candidate"
	ActionRequestWebRTCOffer Action = "request_webrtc_offer"
	ActionJoinMonitoring     Action = "join_monitoring"
	ActionLeaveMonitoring    Action = "leave_monitoring"
)

// RequestEnvelope is the inbound frame. Data is decoded once the action is known.
type RequestEnvelope struct {
	Action Action          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Request is any decoded inbound event.
type Request interface {
	Action() Action
}

// LifecycleRequest is the closed set of exam lifecycle events.
type LifecycleRequest interface {
	Request
	lifecycleRequest()
}

// TelemetryRequest is the closed set of telemetry events.
type TelemetryRequest interface {
	Request
	telemetryRequest()
}

// ConnectionRequest is the closed set of liveness, signaling and monitoring events.
type ConnectionRequest interface {
	Request
	connectionRequest()
}

// ─── Lifecycle requests ─────────────────────────────────────────────

type JoinExamSessionRequest struct {
	ExamID      string          `json:"exam_id" binding:"required,uuid"`
	SessionID   string          `json:"session_id,omitempty" binding:"omitempty,uuid"`
	DeviceInfo  json.RawMessage `json:"device_info" binding:"required"`
	NetworkInfo json.RawMessage `json:"network_info" binding:"required"`
}

type SubmitAnswerRequest struct {
	QuestionID string `json:"question_id" binding:"required,uuid"`
	Answer     string `json:"answer" binding:"required"`
	TimeSpent  int    `json:"time_spent" binding:"gte=0"`
}

type AutoSaveAnswersRequest struct {
	Answers       map[string]string `json:"answers" binding:"required,min=1"`
	TimeRemaining int               `json:"time_remaining" binding:"gte=0"`
}

type UpdateProgressRequest struct {
	CurrentQuestion int   `json:"current_question" binding:"gte=0"`
	TotalQuestions  int   `json:"total_questions" binding:"gte=0"`
	AnsweredCount   int   `json:"answered_count" binding:"gte=0"`
	Timestamp       int64 `json:"timestamp" binding:"required,gt=0"`
}

type EndExamRequest struct {
	SubmissionType string   `json:"submission_type" binding:"required,oneof=manual auto timeout violation"`
	FinalScore     *float64 `json:"final_score,omitempty" binding:"omitempty,gte=0"`
	Reason         string   `json:"reason,omitempty" binding:"max=255"`
}

func (JoinExamSessionRequest) Action() Action { return ActionJoinExamSession }
func (SubmitAnswerRequest) Action() Action    { return ActionSubmitAnswer }
func (AutoSaveAnswersRequest) Action() Action { return ActionAutoSave }
func (UpdateProgressRequest) Action() Action  { return ActionUpdateProgress }
func (EndExamRequest) Action() Action         { return ActionEndExam }

func (JoinExamSessionRequest) lifecycleRequest() {}
func (SubmitAnswerRequest) lifecycleRequest()    {}
func (AutoSaveAnswersRequest) lifecycleRequest() {}
func (UpdateProgressRequest) lifecycleRequest()  {}
func (EndExamRequest) lifecycleRequest()         {}

// ─── Telemetry requests ─────────────────────────────────────────────

// MediaStats is the common shape of camera and screen-share stats.
type MediaStats struct {
	SessionID      string  `json:"session_id" binding:"required"`
	FPS            float64 `json:"fps" binding:"gte=0"`
	Width          int     `json:"width" binding:"gte=0"`
	Height         int     `json:"height" binding:"gte=0"`
	Bitrate        float64 `json:"bitrate" binding:"gte=0"`
	FrameTimestamp int64   `json:"frame_timestamp" binding:"gte=0"`
	Muted          bool    `json:"muted"`
}

type CameraStatsRequest struct {
	MediaStats
}

type ScreenshareStatsRequest struct {
	MediaStats
	BlackScreen   bool `json:"black_screen"`
	WindowChanged bool `json:"window_changed"`
}

type AIUpdateRequest struct {
	SessionID     string               `json:"session_id" binding:"required"`
	CameraFlags   *model.CameraFlags   `json:"camera_flags,omitempty"`
	BehaviorFlags *model.BehaviorFlags `json:"behavior_flags,omitempty"`
	ScreenFlags   *model.ScreenFlags   `json:"screen_flags,omitempty"`
	AIEventType   string               `json:"ai_event_type,omitempty" binding:"max=64"`
	AISeverity    string               `json:"ai_severity,omitempty" binding:"omitempty,oneof=low medium high critical"`
	AIScoreDelta  *int                 `json:"ai_score_delta,omitempty" binding:"omitempty,gte=-100,lte=100"`
}

type ReportSecurityFlagRequest struct {
	SessionID string         `json:"session_id" binding:"required"`
	ExamID    string         `json:"exam_id" binding:"required"`
	Flag      string         `json:"flag" binding:"required,max=64"`
	Severity  string         `json:"severity" binding:"required,oneof=low medium high critical"`
	Details   map[string]any `json:"details,omitempty"`
}

func (CameraStatsRequest) Action() Action        { return ActionCameraStats }
func (ScreenshareStatsRequest) Action() Action   { return ActionScreenshareStats }
func (AIUpdateRequest) Action() Action           { return ActionAIUpdate }
func (ReportSecurityFlagRequest) Action() Action { return ActionReportSecurityFlag }

func (CameraStatsRequest) telemetryRequest()        {}
func (ScreenshareStatsRequest) telemetryRequest()   {}
func (AIUpdateRequest) telemetryRequest()           {}
func (ReportSecurityFlagRequest) telemetryRequest() {}

// ─── Connection / RTC requests ──────────────────────────────────────

type HeartbeatRequest struct {
	Timestamp int64 `json:"timestamp"`
}

type HeartbeatRTTRequest struct {
	RTT       float64 `json:"rtt" binding:"gte=0"`
	Timestamp int64   `json:"timestamp"`
}

type ClientMetricsRequest struct {
	FPS          *float64 `json:"fps,omitempty" binding:"omitempty,gte=0"`
	CPULoad      *float64 `json:"cpu_load,omitempty" binding:"omitempty,gte=0,lte=100"`
	TabVisible   *bool    `json:"tab_visible,omitempty"`
	CameraActive *bool    `json:"camera_active,omitempty"`
	MicActive    *bool    `json:"mic_active,omitempty"`
}

// SignalRequest carries one WebRTC signaling message. Kind is the action it
// arrived as; the payload is relayed without interpretation.
type SignalRequest struct {
	Kind      Action          `json:"-"`
	SessionID string          `json:"session_id" binding:"required"`
	Payload   json.RawMessage `json:"payload" binding:"required_unless=Kind request_webrtc_offer"`
}

type MonitoringRequest struct {
	Leave  bool   `json:"-"`
	ExamID string `json:"exam_id" binding:"required,uuid"`
}

func (HeartbeatRequest) Action() Action     { return ActionHeartbeat }
func (HeartbeatRTTRequest) Action() Action  { return ActionHeartbeatRTT }
func (ClientMetricsRequest) Action() Action { return ActionClientMetrics }
func (r SignalRequest) Action() Action      { return r.Kind }
func (r MonitoringRequest) Action() Action {
	if r.Leave {
		return ActionLeaveMonitoring
	}
	return ActionJoinMonitoring
}

func (HeartbeatRequest) connectionRequest()     {}
func (HeartbeatRTTRequest) connectionRequest()  {}
func (ClientMetricsRequest) connectionRequest() {}
func (SignalRequest) connectionRequest()        {}
func (MonitoringRequest) connectionRequest()    {}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError               Event = "error"
	EventExamSessionJoined   Event = "exam_session_joined"
	EventAnswerSubmitted     Event = "answer_submitted"
	EventAnswersSaved        Event = "answers_saved"
	EventProgressUpdate      Event = "progress_update"
	EventSessionStateChanged Event = "session_state_changed"
	EventHealthUpdate        Event = "health_update"
	EventSecurityAlert       Event = "security_alert"
	EventProctorAlert        Event = "proctor_alert"
	EventAIRuleEvaluation    Event = "ai_rule_evaluation"
	EventAIPeriodicRecheck   Event = "ai_periodic_recheck"
	EventSuspicionUpdate     Event = "suspicion_update"
	EventStateSync           Event = "state_sync"
	EventStateRefresh        Event = "state_refresh"
	EventMultiTabWarning     Event = "multi_tab_warning"
	EventStudentDisconnected Event = "student_disconnected"
	EventExamEnded           Event = "exam_ended"
	EventTimelineUpdate      Event = "timeline_update"
	EventHeartbeatAck        Event = "heartbeat_ack"
	EventMonitoringJoined    Event = "monitoring_joined"
	EventMonitoringLeft      Event = "monitoring_left"
	EventVideoHealth         Event = "video_health"
	EventWebRTCOffer         Event = "webrtc_offer"
	EventWebRTCAnswer        Event = "webrtc_answer"
	EventWebRTCICECandidate  Event = "webrtc_ice_candidate"
	EventRequestWebRTCOffer  Event = "request_webrtc_offer"
)

// Message is the outbound frame.
type Message struct {
	Event     Event `json:"event"`
	Data      any   `json:"data,omitempty"`
	Timestamp int64 `json:"timestamp"`
}

// ErrorData is the payload of an error event. It goes to the sender only.
type ErrorData struct {
	Action  Action            `json:"action,omitempty"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// SignalData is a relayed signaling message tagged with its sender.
type SignalData struct {
	SessionID  string          `json:"session_id"`
	FromConnID string          `json:"from_conn_id"`
	FromUserID string          `json:"from_user_id"`
	FromRole   model.UserType  `json:"from_role"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
