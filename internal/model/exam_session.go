package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExamSession is the persisted record of a student's exam attempt.
type ExamSession struct {
	ID                uuid.UUID       `json:"id"`
	ExamID            uuid.UUID       `json:"exam_id"`
	StudentID         string          `json:"student_id"`
	Status            SessionStatus   `json:"status"`
	StartedAt         time.Time       `json:"started_at"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
	FinalScore        *float64        `json:"final_score,omitempty"`
	SubmissionType    string          `json:"submission_type,omitempty"`
	TerminationReason string          `json:"termination_reason,omitempty"`
	AnsweredCount     int             `json:"answered_count"`
	DeviceInfo        json.RawMessage `json:"device_info,omitempty"`
	NetworkInfo       json.RawMessage `json:"network_info,omitempty"`
}

// SessionSnapshot is the final live state of a session written for post-exam review.
type SessionSnapshot struct {
	SessionID      string        `json:"session_id"`
	ExamID         string        `json:"exam_id"`
	StudentID      string        `json:"student_id"`
	Status         SessionStatus `json:"status"`
	Reason         string        `json:"reason,omitempty"`
	AIRiskScore    int           `json:"ai_risk_score"`
	AIRiskLevel    RiskLevel     `json:"ai_risk_level"`
	SuspicionScore int           `json:"suspicion_score"`
	AnsweredCount  int           `json:"answered_count"`
	PacketLoss     float64       `json:"packet_loss"`
	Jitter         float64       `json:"jitter"`
	CapturedAt     int64         `json:"captured_at"`
}

// SnapshotOf builds a SessionSnapshot from live state and health.
func SnapshotOf(s SessionState, h *SessionHealth, reason string, now int64) SessionSnapshot {
	snap := SessionSnapshot{
		SessionID:      s.SessionID,
		ExamID:         s.ExamID,
		StudentID:      s.StudentID,
		Status:         s.Status,
		Reason:         reason,
		AIRiskScore:    s.AIRiskScore,
		AIRiskLevel:    s.AIRiskLevel,
		SuspicionScore: s.SuspicionScore,
		AnsweredCount:  s.Progress.AnsweredCount,
		CapturedAt:     now,
	}
	if h != nil {
		snap.PacketLoss = h.PacketLoss
		snap.Jitter = h.Jitter
	}
	return snap
}
