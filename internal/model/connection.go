package model

import "time"

// UserType is the role a connection authenticated with.
type UserType string

const (
	UserTypeStudent UserType = "student"
	UserTypeTeacher UserType = "teacher"
	UserTypeAdmin   UserType = "admin"
)

// IsObserver reports whether the role may watch monitoring rooms.
func (u UserType) IsObserver() bool {
	return u == UserTypeTeacher || u == UserTypeAdmin
}

// ConnectionInfo is the registry record of one live transport connection.
type ConnectionInfo struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	UserType       UserType  `json:"user_type"`
	OrganizationID string    `json:"organization_id"`
	ExamID         string    `json:"exam_id,omitempty"`    // set once the student joins
	SessionID      string    `json:"session_id,omitempty"` // set once the student joins
	ConnectedAt    time.Time `json:"connected_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}
