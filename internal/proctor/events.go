package proctor

import (
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/rules"
)

// Suspicion event types and their weights.
const (
	EventOutOfOrderUpdate   = "out_of_order_update"
	EventAbnormalDisconnect = "abnormal_disconnect"
	EventHighRTT            = "high_rtt"
	EventHighPacketLoss     = "high_packet_loss"

	WeightOutOfOrderUpdate   = 5
	WeightAbnormalDisconnect = 10
	WeightHighRTT            = 5
	WeightHighPacketLoss     = 10

	highRTTThreshold        = 600.0 // millis
	highPacketLossThreshold = 20.0  // percent
)

// securityFlagWeights maps a reported flag severity to a suspicion weight.
var securityFlagWeights = map[string]int{
	"low":      2,
	"medium":   5,
	"high":     10,
	"critical": 20,
}

// Screen-share anomalies.
const (
	AnomalyBlackScreen   = "black_screen"
	AnomalyWindowChanged = "window_changed"
	AnomalyScreenFreeze  = "screen_freeze"
)

// Outbound payloads.

type SessionJoined struct {
	SessionID     string             `json:"session_id"`
	ExamID        string             `json:"exam_id"`
	TimeRemaining int                `json:"time_remaining"`
	Exam          model.Exam         `json:"exam"`
	Resumed       bool               `json:"resumed"`
	State         model.SessionState `json:"state"`
}

type SessionStateChanged struct {
	SessionID string              `json:"session_id"`
	StudentID string              `json:"student_id"`
	Status    model.SessionStatus `json:"status"`
	State     *model.SessionState `json:"state,omitempty"`
	Removed   bool                `json:"removed,omitempty"`
}

type AnswerSubmitted struct {
	QuestionID string         `json:"question_id"`
	Progress   model.Progress `json:"progress"`
}

type AnswersSaved struct {
	Count   int   `json:"count"`
	SavedAt int64 `json:"saved_at"`
}

type ProgressUpdate struct {
	SessionID     string         `json:"session_id"`
	StudentID     string         `json:"student_id"`
	Progress      model.Progress `json:"progress"`
	TimeRemaining int            `json:"time_remaining"`
}

type StateSync struct {
	Reason string             `json:"reason"`
	State  model.SessionState `json:"state"`
}

type RoomStateSync struct {
	ExamID   string        `json:"exam_id"`
	Sessions []SessionView `json:"sessions"`
}

type ExamEnded struct {
	SessionID      string              `json:"session_id"`
	StudentID      string              `json:"student_id"`
	Status         model.SessionStatus `json:"status"`
	SubmissionType string              `json:"submission_type"`
	Reason         string              `json:"reason,omitempty"`
}

type StudentDisconnected struct {
	SessionID      string              `json:"session_id"`
	ExamID         string              `json:"exam_id"`
	StudentID      string              `json:"student_id"`
	Status         model.SessionStatus `json:"status"`
	SuspicionScore int                 `json:"suspicion_score"`
	DisconnectedAt int64               `json:"disconnected_at"`
	IsFinal        bool                `json:"is_final"`
}

type MultiTabWarning struct {
	SessionID    string `json:"session_id"`
	NewConnID    string `json:"new_conn_id,omitempty"`
	ReplacedConn string `json:"replaced_conn_id,omitempty"`
	Message      string `json:"message"`
}

type SuspicionUpdate struct {
	SessionID      string               `json:"session_id"`
	StudentID      string               `json:"student_id"`
	Entry          model.SuspicionEntry `json:"entry"`
	SuspicionScore int                  `json:"suspicion_score"`
}

type TimelineItem struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"` // suspicion | ai_event | security
	Type      string `json:"type"`
	Severity  string `json:"severity,omitempty"`
	Weight    int    `json:"weight,omitempty"`
	At        int64  `json:"at"`
}

type ProctorAlert struct {
	SessionID string         `json:"session_id"`
	StudentID string         `json:"student_id"`
	Event     string         `json:"event"`
	Severity  rules.Severity `json:"severity"`
	RiskScore int            `json:"risk_score"`
}

type RuleEvaluation struct {
	SessionID string              `json:"session_id"`
	StudentID string              `json:"student_id"`
	Result    rules.Result        `json:"result"`
	Flags     Flags               `json:"flags"`
	RiskLevel model.RiskLevel     `json:"risk_level"`
	Status    model.SessionStatus `json:"status"`
}

type Flags struct {
	Camera   model.CameraFlags   `json:"camera"`
	Behavior model.BehaviorFlags `json:"behavior"`
	Screen   model.ScreenFlags   `json:"screen"`
}

type SecurityAlert struct {
	SessionID string         `json:"session_id"`
	StudentID string         `json:"student_id"`
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Details   map[string]any `json:"details,omitempty"`
}

type VideoHealth struct {
	SessionID string               `json:"session_id"`
	Source    string               `json:"source"` // camera | screen
	Score     int                  `json:"score"`
	Telemetry model.MediaTelemetry `json:"telemetry"`
}

type HealthUpdate struct {
	SessionID string              `json:"session_id"`
	StudentID string              `json:"student_id"`
	Health    model.SessionHealth `json:"health"`
}

type HeartbeatAck struct {
	ClientTimestamp int64 `json:"client_timestamp"`
	ServerTime      int64 `json:"server_time"`
}

type MonitoringAck struct {
	ExamID   string `json:"exam_id"`
	Sessions int    `json:"sessions,omitempty"`
}
