package store

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ─── Connection registry ─────────────────────────────────────────────

// RegisterConnection records a new transport connection.
func (s *Store) RegisterConnection(info model.ConnectionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = now
	}
	if info.LastHeartbeat.IsZero() {
		info.LastHeartbeat = now
	}
	s.connections[info.ID] = &info
}

// GetConnection returns a copy of a connection record.
func (s *Store) GetConnection(connID string) (model.ConnectionInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.connections[connID]
	if !ok {
		return model.ConnectionInfo{}, false
	}
	return *c, true
}

// BindConnection attaches the exam and session a student connection works on.
func (s *Store) BindConnection(connID, examID, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.connections[connID]
	if !ok {
		return false
	}
	c.ExamID = examID
	c.SessionID = sessionID
	return true
}

// TouchHeartbeat stamps the connection's last heartbeat time.
func (s *Store) TouchHeartbeat(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.connections[connID]
	if !ok {
		return false
	}
	c.LastHeartbeat = s.now()
	return true
}

// UnregisterConnection removes a connection and its room memberships.
// Session bindings are left to the caller, which decides whether the
// connection still owned its session.
func (s *Store) UnregisterConnection(connID string) (model.ConnectionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.connections[connID]
	if !ok {
		return model.ConnectionInfo{}, false
	}
	delete(s.connections, connID)
	for examID, members := range s.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(s.rooms, examID)
		}
	}
	return *c, true
}

// StaleConnections returns bound student connections whose last heartbeat is
// older than maxAge.
func (s *Store) StaleConnections(maxAge time.Duration) []model.ConnectionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-maxAge)
	var out []model.ConnectionInfo
	for _, c := range s.connections {
		if c.SessionID != "" && c.LastHeartbeat.Before(cutoff) {
			out = append(out, *c)
		}
	}
	return out
}

// ─── Monitoring rooms ────────────────────────────────────────────────

// JoinRoom subscribes a connection to an exam's monitoring room.
func (s *Store) JoinRoom(examID, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.rooms[examID]
	if !ok {
		members = make(map[string]struct{})
		s.rooms[examID] = members
	}
	members[connID] = struct{}{}
}

// LeaveRoom unsubscribes a connection from an exam's monitoring room.
func (s *Store) LeaveRoom(examID, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.rooms[examID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(s.rooms, examID)
	}
}

// RoomMembers returns the connection ids watching an exam.
func (s *Store) RoomMembers(examID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.rooms[examID]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// ─── Session <-> connection bindings ─────────────────────────────────

// RegisterSessionSocket makes connID the owner of sessionID and returns the
// previous owner, if any.
func (s *Store) RegisterSessionSocket(sessionID, connID string) (previous string, hadPrevious bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, hadPrevious = s.bindings[sessionID]
	s.bindings[sessionID] = connID
	return previous, hadPrevious
}

// SessionSocket returns the connection currently owning a session.
func (s *Store) SessionSocket(sessionID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bindings[sessionID]
	return id, ok
}

// ReleaseSessionSocket drops the binding only if connID still owns the session.
func (s *Store) ReleaseSessionSocket(sessionID, connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bindings[sessionID] != connID {
		return false
	}
	delete(s.bindings, sessionID)
	return true
}

// Stats summarizes the store for monitoring endpoints.
type Stats struct {
	Sessions    int `json:"sessions"`
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
	Bindings    int `json:"bindings"`
}

// Stats returns the current store counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Sessions:    len(s.sessions),
		Connections: len(s.connections),
		Rooms:       len(s.rooms),
		Bindings:    len(s.bindings),
	}
}
