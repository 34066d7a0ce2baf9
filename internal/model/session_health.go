package model

// SessionHealth holds network and device health metrics for a live session.
type SessionHealth struct {
	SessionID        string    `json:"session_id"`
	RTT              float64   `json:"rtt"`         // last round trip, millis
	Jitter           float64   `json:"jitter"`      // population std-dev of the RTT window
	PacketLoss       float64   `json:"packet_loss"` // percent
	HeartbeatCount   int       `json:"heartbeat_count"`
	MissedHeartbeats int       `json:"missed_heartbeats"`
	FPS              float64   `json:"fps"`
	CPULoad          float64   `json:"cpu_load"`
	TabVisible       bool      `json:"tab_visible"`
	CameraActive     bool      `json:"camera_active"`
	MicActive        bool      `json:"mic_active"`
	RTTSamples       []float64 `json:"-"`
	LastUpdate       int64     `json:"last_update"`
}

// HealthUpdate is a partial device metrics update reported by the client.
type HealthUpdate struct {
	FPS          *float64
	CPULoad      *float64
	TabVisible   *bool
	CameraActive *bool
	MicActive    *bool
}
