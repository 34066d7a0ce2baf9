package model

// SessionStatus enumerates the live states of a proctored exam session.
type SessionStatus string

const (
	SessionStatusWaiting      SessionStatus = "waiting"
	SessionStatusActive       SessionStatus = "active"
	SessionStatusPaused       SessionStatus = "paused"
	SessionStatusCompleted    SessionStatus = "completed"
	SessionStatusTerminated   SessionStatus = "terminated"
	SessionStatusDisconnected SessionStatus = "disconnected"
)

// IsTerminal reports whether the status ends the session for good.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusTerminated
}

// RiskLevel buckets an AI risk score.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// Progress tracks how far a student is through the paper.
type Progress struct {
	CurrentQuestion int `json:"current_question"`
	TotalQuestions  int `json:"total_questions"`
	AnsweredCount   int `json:"answered_count"`
}

// MediaTelemetry holds the last reported stats for one media track (camera or screen).
type MediaTelemetry struct {
	LastFrameAt int64   `json:"last_frame_at"` // unix millis of the last frame seen
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	FPS         float64 `json:"fps"`
	Bitrate     float64 `json:"bitrate"`
	Muted       bool    `json:"muted"`
}

// CameraFlags are the face-detection signals produced by the client-side detector.
type CameraFlags struct {
	FaceDetected  bool `json:"face_detected"`
	MultipleFaces bool `json:"multiple_faces"`
	EyesVisible   bool `json:"eyes_visible"`
}

// BehaviorFlags are the behavioral signals produced by the client-side detector.
type BehaviorFlags struct {
	LookingAway        bool `json:"looking_away"`
	Talking            bool `json:"talking"`
	SuspiciousMovement bool `json:"suspicious_movement"`
}

// ScreenFlags are the screen-integrity signals produced by the client.
type ScreenFlags struct {
	WindowSwitch   bool `json:"window_switch"`
	VirtualDesktop bool `json:"virtual_desktop"`
}

// SuspicionEntry is one contribution to a session's suspicion score.
type SuspicionEntry struct {
	EventType string `json:"event_type"`
	Weight    int    `json:"weight"`
	Score     int    `json:"score"` // suspicion score after this entry was applied
	At        int64  `json:"at"`
}

// AIEvent is a triggered rule or a detector-reported event kept on the session timeline.
type AIEvent struct {
	Type       string `json:"type"`
	Severity   string `json:"severity"`
	ScoreDelta int    `json:"score_delta"`
	At         int64  `json:"at"`
}

// SessionState is the live, in-memory view of one student's session.
// SuspicionHistory and AIEvents are snapshots of bounded ring buffers owned by the store.
type SessionState struct {
	SessionID     string        `json:"session_id"`
	ExamID        string        `json:"exam_id"`
	StudentID     string        `json:"student_id"`
	Status        SessionStatus `json:"status"`
	Progress      Progress      `json:"progress"`
	TimeRemaining int           `json:"time_remaining"` // seconds

	Camera           MediaTelemetry `json:"camera"`
	Screen           MediaTelemetry `json:"screen"`
	VideoHealthScore int            `json:"video_health_score"`

	AIRiskScore      int       `json:"ai_risk_score"`
	AIRiskLevel      RiskLevel `json:"ai_risk_level"`
	AILastScoreDelta int       `json:"ai_last_score_delta"`

	CameraFlags   CameraFlags   `json:"camera_flags"`
	BehaviorFlags BehaviorFlags `json:"behavior_flags"`
	ScreenFlags   ScreenFlags   `json:"screen_flags"`

	SuspicionScore   int              `json:"suspicion_score"`
	SuspicionHistory []SuspicionEntry `json:"suspicion_history"`
	AIEvents         []AIEvent        `json:"ai_events"`

	DisconnectedAt int64 `json:"disconnected_at,omitempty"`
	// ClientTimestamp is the newest client timestamp accepted by an
	// ordering-checked update. Older updates are stale.
	ClientTimestamp int64 `json:"client_timestamp"`
	LastUpdate      int64 `json:"last_update"` // server clock of the last client-driven change, unix millis
}

// SessionUpdate is a partial update merged into a SessionState. Nil fields are left untouched.
type SessionUpdate struct {
	Status           *SessionStatus
	Progress         *Progress
	TimeRemaining    *int
	Camera           *MediaTelemetry
	Screen           *MediaTelemetry
	VideoHealthScore *int
	CameraFlags      *CameraFlags
	BehaviorFlags    *BehaviorFlags
	ScreenFlags      *ScreenFlags
	DisconnectedAt   *int64
}

// NewSessionState returns the initial state of a freshly joined session.
// A face is assumed present until the detector says otherwise.
func NewSessionState(sessionID, examID, studentID string, now int64) SessionState {
	return SessionState{
		SessionID:        sessionID,
		ExamID:           examID,
		StudentID:        studentID,
		Status:           SessionStatusActive,
		VideoHealthScore: 100,
		AIRiskLevel:      RiskLevelLow,
		CameraFlags:      CameraFlags{FaceDetected: true, EyesVisible: true},
		SuspicionHistory: []SuspicionEntry{},
		AIEvents:         []AIEvent{},
		LastUpdate:       now,
	}
}
