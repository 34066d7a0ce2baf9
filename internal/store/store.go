// Package store holds all live proctoring state of the process: session state,
// session health, the connection registry, monitoring rooms and the
// session-to-connection bindings. Every operation takes the store lock, so each
// call is one atomic read-transform-write step. Callers only ever receive copies.
package store

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	// SuspicionHistorySize bounds the suspicion history kept per session.
	SuspicionHistorySize = 50
	// AIEventsSize bounds the AI event timeline kept per session.
	AIEventsSize = 100
	// RTTWindowSize is the number of RTT samples jitter is computed over.
	RTTWindowSize = 10
	// MaxClockSkew is how far a client timestamp may run ahead of the store clock.
	MaxClockSkew = 30 * time.Second
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrStaleUpdate     = errors.New("update is older than the session's last update")
	ErrFutureTimestamp = errors.New("update timestamp is ahead of the server clock")
)

type sessionEntry struct {
	state     model.SessionState
	suspicion *Ring[model.SuspicionEntry]
	aiEvents  *Ring[model.AIEvent]
}

func (e *sessionEntry) snapshot() model.SessionState {
	s := e.state
	s.SuspicionHistory = e.suspicion.Slice()
	s.AIEvents = e.aiEvents.Slice()
	return s
}

// Store is the process-wide owner of live proctoring state.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*sessionEntry
	health      map[string]*model.SessionHealth
	connections map[string]*model.ConnectionInfo
	rooms       map[string]map[string]struct{} // examID -> connID set
	bindings    map[string]string              // sessionID -> connID
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		sessions:    make(map[string]*sessionEntry),
		health:      make(map[string]*model.SessionHealth),
		connections: make(map[string]*model.ConnectionInfo),
		rooms:       make(map[string]map[string]struct{}),
		bindings:    make(map[string]string),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NowMillis returns the store clock in unix milliseconds.
func (s *Store) NowMillis() int64 {
	return s.now().UnixMilli()
}

// ─── Session state ───────────────────────────────────────────────────

// AddSession creates the live state for a session. If the session is already
// known (reconnect), it is reactivated and its scores and history are kept.
// created reports whether a new entry was made.
func (s *Store) AddSession(sessionID, examID, studentID string) (state model.SessionState, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.NowMillis()
	if e, ok := s.sessions[sessionID]; ok {
		e.state.Status = model.SessionStatusActive
		e.state.DisconnectedAt = 0
		if now > e.state.LastUpdate {
			e.state.LastUpdate = now
		}
		return e.snapshot(), false
	}

	e := &sessionEntry{
		state:     model.NewSessionState(sessionID, examID, studentID, now),
		suspicion: NewRing[model.SuspicionEntry](SuspicionHistorySize),
		aiEvents:  NewRing[model.AIEvent](AIEventsSize),
	}
	s.sessions[sessionID] = e
	return e.snapshot(), true
}

// GetSessionState returns a copy of the session state.
func (s *Store) GetSessionState(sessionID string) (model.SessionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return model.SessionState{}, false
	}
	return e.snapshot(), true
}

// UpdateSessionState merges updates carrying a client logical timestamp.
// Ordering is checked against ClientTimestamp, the newest client timestamp
// accepted so far, never against the server clock. An older update is
// rejected with ErrStaleUpdate, one more than MaxClockSkew ahead of the store
// clock with ErrFutureTimestamp. In both cases the current state is returned
// unchanged.
func (s *Store) UpdateSessionState(sessionID string, upd model.SessionUpdate, timestamp int64) (model.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return model.SessionState{}, ErrSessionNotFound
	}
	now := s.NowMillis()
	if timestamp > now+MaxClockSkew.Milliseconds() {
		return e.snapshot(), ErrFutureTimestamp
	}
	if timestamp < e.state.ClientTimestamp {
		return e.snapshot(), ErrStaleUpdate
	}
	merge(&e.state, upd)
	e.state.ClientTimestamp = timestamp
	if now > e.state.LastUpdate {
		e.state.LastUpdate = now
	}
	return e.snapshot(), nil
}

// MergeSessionState merges server-observed updates that carry no client
// ordering. LastUpdate advances to the store clock but never moves backwards.
// ClientTimestamp is left alone.
func (s *Store) MergeSessionState(sessionID string, upd model.SessionUpdate) (model.SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return model.SessionState{}, false
	}
	merge(&e.state, upd)
	if now := s.NowMillis(); now > e.state.LastUpdate {
		e.state.LastUpdate = now
	}
	return e.snapshot(), true
}

// Mutate applies fn to the session state as one atomic step and returns the
// result. LastUpdate and ClientTimestamp are not advanced, so derived
// recomputation (rule evaluation) never makes an idle session look fresh.
// Scores are clamped after fn.
func (s *Store) Mutate(sessionID string, fn func(*model.SessionState)) (model.SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return model.SessionState{}, false
	}
	last, client := e.state.LastUpdate, e.state.ClientTimestamp
	fn(&e.state)
	e.state.LastUpdate, e.state.ClientTimestamp = last, client
	e.state.AIRiskScore = model.ClampScore(e.state.AIRiskScore)
	e.state.SuspicionScore = model.ClampScore(e.state.SuspicionScore)
	return e.snapshot(), true
}

// RemoveSession deletes state, health and binding of a session together.
func (s *Store) RemoveSession(sessionID string) (model.SessionState, *model.SessionHealth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return model.SessionState{}, nil, false
	}
	state := e.snapshot()
	var health *model.SessionHealth
	if h, ok := s.health[sessionID]; ok {
		cp := copyHealth(h)
		health = &cp
	}
	delete(s.sessions, sessionID)
	delete(s.health, sessionID)
	delete(s.bindings, sessionID)
	return state, health, true
}

// ListSessions returns a copy of every known session.
func (s *Store) ListSessions() []model.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.SessionState, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e.snapshot())
	}
	return out
}

// SessionsForExam returns every known session of one exam.
func (s *Store) SessionsForExam(examID string) []model.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SessionState
	for _, e := range s.sessions {
		if e.state.ExamID == examID {
			out = append(out, e.snapshot())
		}
	}
	return out
}

// UpdateSuspicionScore adds weight to the suspicion score, clamps it and
// appends the entry to the bounded history.
func (s *Store) UpdateSuspicionScore(sessionID, eventType string, weight int) (model.SuspicionEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return model.SuspicionEntry{}, false
	}
	e.state.SuspicionScore = model.ClampScore(e.state.SuspicionScore + weight)
	entry := model.SuspicionEntry{
		EventType: eventType,
		Weight:    weight,
		Score:     e.state.SuspicionScore,
		At:        s.NowMillis(),
	}
	e.suspicion.Push(entry)
	return entry, true
}

// PushAIEvent appends an event to the session's bounded AI timeline.
func (s *Store) PushAIEvent(sessionID string, ev model.AIEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	if ev.At == 0 {
		ev.At = s.NowMillis()
	}
	e.aiEvents.Push(ev)
	return true
}

func merge(st *model.SessionState, u model.SessionUpdate) {
	if u.Status != nil {
		st.Status = *u.Status
	}
	if u.Progress != nil {
		st.Progress = *u.Progress
	}
	if u.TimeRemaining != nil {
		st.TimeRemaining = *u.TimeRemaining
	}
	if u.Camera != nil {
		st.Camera = *u.Camera
	}
	if u.Screen != nil {
		st.Screen = *u.Screen
	}
	if u.VideoHealthScore != nil {
		st.VideoHealthScore = model.ClampScore(*u.VideoHealthScore)
	}
	if u.CameraFlags != nil {
		st.CameraFlags = *u.CameraFlags
	}
	if u.BehaviorFlags != nil {
		st.BehaviorFlags = *u.BehaviorFlags
	}
	if u.ScreenFlags != nil {
		st.ScreenFlags = *u.ScreenFlags
	}
	if u.DisconnectedAt != nil {
		st.DisconnectedAt = *u.DisconnectedAt
	}
}

// ─── Session health ──────────────────────────────────────────────────

// InitSessionHealth creates (or resets) the health record of a session.
func (s *Store) InitSessionHealth(sessionID string) model.SessionHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := &model.SessionHealth{
		SessionID:    sessionID,
		TabVisible:   true,
		CameraActive: true,
		RTTSamples:   make([]float64, 0, RTTWindowSize),
		LastUpdate:   s.NowMillis(),
	}
	s.health[sessionID] = h
	return copyHealth(h)
}

// GetSessionHealth returns a copy of the session health.
func (s *Store) GetSessionHealth(sessionID string) (model.SessionHealth, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.health[sessionID]
	if !ok {
		return model.SessionHealth{}, false
	}
	return copyHealth(h), true
}

// UpdateSessionHealth merges device metrics into the health record.
func (s *Store) UpdateSessionHealth(sessionID string, upd model.HealthUpdate) (model.SessionHealth, bool) {
	return s.withHealth(sessionID, func(h *model.SessionHealth) {
		if upd.FPS != nil {
			h.FPS = *upd.FPS
		}
		if upd.CPULoad != nil {
			h.CPULoad = *upd.CPULoad
		}
		if upd.TabVisible != nil {
			h.TabVisible = *upd.TabVisible
		}
		if upd.CameraActive != nil {
			h.CameraActive = *upd.CameraActive
		}
		if upd.MicActive != nil {
			h.MicActive = *upd.MicActive
		}
	})
}

// UpdateRTT records an RTT sample and recomputes jitter as the population
// standard deviation over the last RTTWindowSize samples.
func (s *Store) UpdateRTT(sessionID string, rtt float64) (model.SessionHealth, bool) {
	return s.withHealth(sessionID, func(h *model.SessionHealth) {
		h.RTT = rtt
		h.RTTSamples = append(h.RTTSamples, rtt)
		if over := len(h.RTTSamples) - RTTWindowSize; over > 0 {
			h.RTTSamples = append(h.RTTSamples[:0], h.RTTSamples[over:]...)
		}
		h.Jitter = stdDev(h.RTTSamples)
	})
}

// RecordHeartbeat counts a received heartbeat and recomputes packet loss.
func (s *Store) RecordHeartbeat(sessionID string) (model.SessionHealth, bool) {
	return s.withHealth(sessionID, func(h *model.SessionHealth) {
		h.HeartbeatCount++
		h.PacketLoss = packetLoss(h)
	})
}

// RecordMissedHeartbeat counts a missed heartbeat and recomputes packet loss.
func (s *Store) RecordMissedHeartbeat(sessionID string) (model.SessionHealth, bool) {
	return s.withHealth(sessionID, func(h *model.SessionHealth) {
		h.MissedHeartbeats++
		h.PacketLoss = packetLoss(h)
	})
}

func (s *Store) withHealth(sessionID string, fn func(*model.SessionHealth)) (model.SessionHealth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.health[sessionID]
	if !ok {
		return model.SessionHealth{}, false
	}
	fn(h)
	h.LastUpdate = s.NowMillis()
	return copyHealth(h), true
}

func packetLoss(h *model.SessionHealth) float64 {
	expected := h.HeartbeatCount + h.MissedHeartbeats
	if expected == 0 {
		return 0
	}
	return float64(h.MissedHeartbeats) / float64(expected) * 100
}

func stdDev(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	mean := sum / float64(len(samples))
	var sq float64
	for _, v := range samples {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(samples)))
}

func copyHealth(h *model.SessionHealth) model.SessionHealth {
	cp := *h
	cp.RTTSamples = append([]float64(nil), h.RTTSamples...)
	return cp
}
