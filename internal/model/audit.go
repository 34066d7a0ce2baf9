package model

// AuditEntry is one sanitized line of the proctoring activity log.
type AuditEntry struct {
	ExamID     string         `json:"exam_id"`
	SessionID  string         `json:"session_id"`
	EventType  string         `json:"event_type"`
	Metadata   map[string]any `json:"metadata"`
	RecordedAt int64          `json:"recorded_at"` // unix millis
}
