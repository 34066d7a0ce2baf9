package proctor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/broadcast"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/store"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// ─── Fakes ───────────────────────────────────────────────────────────

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeLifecycle struct {
	mu        sync.Mutex
	joinErr   error
	endErr    error
	answers   map[string]map[string]string
	saved     int
	snapshots []model.SessionSnapshot
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{answers: make(map[string]map[string]string)}
}

func sessionIDFor(examID, studentID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(examID+"/"+studentID)).String()
}

func (f *fakeLifecycle) JoinExam(_ context.Context, p service.JoinParams) (*service.JoinResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return nil, f.joinErr
	}
	id := sessionIDFor(p.ExamID, p.StudentID)
	return &service.JoinResult{
		SessionID:     id,
		TimeRemaining: 3600,
		Exam:          model.Exam{Title: "Fisika", QuestionCount: 10, DurationMinutes: 90},
		AnsweredCount: len(f.answers[id]),
	}, nil
}

func (f *fakeLifecycle) SubmitAnswer(_ context.Context, p service.AnswerParams) (model.Progress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answers[p.SessionID] == nil {
		f.answers[p.SessionID] = make(map[string]string)
	}
	f.answers[p.SessionID][p.QuestionID] = p.Answer
	return model.Progress{AnsweredCount: len(f.answers[p.SessionID]), TotalQuestions: 10}, nil
}

func (f *fakeLifecycle) SaveAnswers(_ context.Context, _, _ string, answers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved += len(answers)
	return nil
}

func (f *fakeLifecycle) EndExam(_ context.Context, p service.EndParams) (model.SessionStatus, error) {
	if f.endErr != nil {
		return "", f.endErr
	}
	if p.SubmissionType == "violation" {
		return model.SessionStatusTerminated, nil
	}
	return model.SessionStatusCompleted, nil
}

func (f *fakeLifecycle) PersistSnapshot(_ context.Context, snap model.SessionSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeLifecycle) Snapshots() []model.SessionSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.SessionSnapshot(nil), f.snapshots...)
}

type fakeSink struct {
	mu      sync.Mutex
	entries []model.AuditEntry
}

func (s *fakeSink) Record(examID, sessionID, eventType string, metadata map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, model.AuditEntry{ExamID: examID, SessionID: sessionID, EventType: eventType, Metadata: metadata})
}

func (s *fakeSink) Count(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type recordingSub struct {
	id     string
	mu     sync.Mutex
	msgs   []ws.Message
	closed bool
}

func (s *recordingSub) ID() string { return s.id }

func (s *recordingSub) Send(msg ws.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.msgs = append(s.msgs, msg)
	return true
}

func (s *recordingSub) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *recordingSub) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Events returns the payloads received for one event, in order.
func (s *recordingSub) Events(event ws.Event) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []any
	for _, m := range s.msgs {
		if m.Event == event {
			out = append(out, m.Data)
		}
	}
	return out
}

func (s *recordingSub) Reset() {
	s.mu.Lock()
	s.msgs = nil
	s.mu.Unlock()
}

// ─── Harness ─────────────────────────────────────────────────────────

type harness struct {
	t         *testing.T
	engine    *Engine
	store     *store.Store
	clock     *testClock
	lifecycle *fakeLifecycle
	sink      *fakeSink
	examID    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	st := store.New(store.WithClock(clock.Now))
	m := metrics.New(prometheus.NewRegistry())
	hub := broadcast.NewHub(st, zerolog.Nop(), broadcast.WithMetrics(m))
	lc := newFakeLifecycle()
	sink := &fakeSink{}
	cfg := config.DefaultProctor()

	return &harness{
		t:         t,
		engine:    New(cfg, st, hub, lc, sink, m, zerolog.Nop()),
		store:     st,
		clock:     clock,
		lifecycle: lc,
		sink:      sink,
		examID:    uuid.NewString(),
	}
}

func (h *harness) connect(userType model.UserType, userID string) *recordingSub {
	sub := &recordingSub{id: uuid.NewString()}
	h.engine.Connect(sub, model.ConnectionInfo{UserID: userID, UserType: userType, OrganizationID: "org-1"})
	return sub
}

func (h *harness) send(sub *recordingSub, action ws.Action, data any) error {
	h.t.Helper()
	frame, err := json.Marshal(map[string]any{"action": action, "data": data})
	require.NoError(h.t, err)
	req, err := ws.Decode(frame)
	require.NoError(h.t, err)
	return h.engine.Dispatch(context.Background(), sub.id, req)
}

func (h *harness) joinStudent(studentID string) (*recordingSub, string) {
	h.t.Helper()
	sub := h.connect(model.UserTypeStudent, studentID)
	require.NoError(h.t, h.send(sub, ws.ActionJoinExamSession, map[string]any{
		"exam_id":      h.examID,
		"device_info":  map[string]any{"browser": "firefox"},
		"network_info": map[string]any{"type": "wifi"},
	}))
	return sub, sessionIDFor(h.examID, studentID)
}

func (h *harness) observer() *recordingSub {
	h.t.Helper()
	sub := h.connect(model.UserTypeTeacher, "teacher-1")
	require.NoError(h.t, h.send(sub, ws.ActionJoinMonitoring, map[string]any{"exam_id": h.examID}))
	return sub
}

func (h *harness) state(sessionID string) model.SessionState {
	h.t.Helper()
	st, ok := h.store.GetSessionState(sessionID)
	require.True(h.t, ok)
	return st
}

// ─── Dispatch ────────────────────────────────────────────────────────

func TestJoinExamSession(t *testing.T) {
	h := newHarness(t)
	obs := h.observer()

	student, sessionID := h.joinStudent("student-1")

	joined := student.Events(ws.EventExamSessionJoined)
	require.Len(t, joined, 1)
	data := joined[0].(SessionJoined)
	assert.Equal(t, sessionID, data.SessionID)
	assert.Equal(t, 3600, data.TimeRemaining)
	assert.False(t, data.Resumed)

	st := h.state(sessionID)
	assert.Equal(t, model.SessionStatusActive, st.Status)
	assert.Equal(t, 10, st.Progress.TotalQuestions)
	assert.Equal(t, 3600, st.TimeRemaining)

	_, ok := h.store.GetSessionHealth(sessionID)
	assert.True(t, ok)
	owner, ok := h.store.SessionSocket(sessionID)
	require.True(t, ok)
	assert.Equal(t, student.id, owner)

	assert.Len(t, obs.Events(ws.EventSessionStateChanged), 1)
	assert.Len(t, obs.Events(ws.EventAIRuleEvaluation), 1, "join re-runs the rules once")
	assert.Equal(t, 1, h.sink.Count("session_joined"))
}

func TestJoinExamSessionRejectsOutsideWindow(t *testing.T) {
	h := newHarness(t)
	h.lifecycle.joinErr = service.ErrExamNotStarted
	student := h.connect(model.UserTypeStudent, "student-1")

	err := h.send(student, ws.ActionJoinExamSession, map[string]any{
		"exam_id":      h.examID,
		"device_info":  map[string]any{},
		"network_info": map[string]any{},
	})
	require.ErrorIs(t, err, service.ErrExamNotStarted)

	errs := student.Events(ws.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "EXAM_NOT_STARTED", errs[0].(ws.ErrorData).Code)
	assert.Equal(t, 0, h.store.Stats().Sessions)
}

func TestValidationErrorsGoToSenderOnly(t *testing.T) {
	h := newHarness(t)
	obs := h.observer()
	student, sessionID := h.joinStudent("student-1")
	before := h.state(sessionID)

	err := h.send(student, ws.ActionSubmitAnswer, map[string]any{"answer": "B"})
	require.ErrorIs(t, err, ErrValidation)

	errs := student.Events(ws.EventError)
	require.Len(t, errs, 1)
	data := errs[0].(ws.ErrorData)
	assert.Equal(t, "VALIDATION_ERROR", data.Code)
	assert.NotEmpty(t, data.Fields)
	assert.Empty(t, obs.Events(ws.EventError))
	assert.Equal(t, before.Progress, h.state(sessionID).Progress)
}

func TestEventsRequireBoundSession(t *testing.T) {
	h := newHarness(t)
	student := h.connect(model.UserTypeStudent, "student-1")

	err := h.send(student, ws.ActionUpdateProgress, map[string]any{"timestamp": 1})
	assert.ErrorIs(t, err, ErrNoActiveSession)

	_, _ = h.joinStudent("student-2")
	other, _ := h.joinStudent("student-3")
	err = h.send(other, ws.ActionCameraStats, map[string]any{"session_id": sessionIDFor(h.examID, "student-2"), "fps": 24})
	assert.ErrorIs(t, err, ErrSessionMismatch)
}

func TestRolesAreEnforced(t *testing.T) {
	h := newHarness(t)
	_, sessionID := h.joinStudent("student-1")
	teacher := h.connect(model.UserTypeTeacher, "teacher-1")

	err := h.send(teacher, ws.ActionCameraStats, map[string]any{"session_id": sessionID, "fps": 24})
	assert.ErrorIs(t, err, ErrUnauthorized)

	err = h.send(teacher, ws.ActionJoinExamSession, map[string]any{
		"exam_id": h.examID, "device_info": map[string]any{}, "network_info": map[string]any{},
	})
	assert.ErrorIs(t, err, ErrUnauthorized)

	student := h.connect(model.UserTypeStudent, "student-2")
	err = h.send(student, ws.ActionJoinMonitoring, map[string]any{"exam_id": h.examID})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, h.store.RoomMembers(h.examID))
}

func TestRateLimitedEventsAreDroppedSilently(t *testing.T) {
	h := newHarness(t)
	student, sessionID := h.joinStudent("student-1")
	limit := h.engine.cfg.TelemetryRateLimit

	stats := map[string]any{"session_id": sessionID, "fps": 24, "width": 640, "height": 480, "bitrate": 500}
	for i := 0; i < limit; i++ {
		require.NoError(t, h.send(student, ws.ActionCameraStats, stats))
	}
	err := h.send(student, ws.ActionCameraStats, stats)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Empty(t, student.Events(ws.EventError), "rate-limited events are not reported")

	// Other event types have their own window.
	assert.NoError(t, h.send(student, ws.ActionHeartbeat, map[string]any{"timestamp": 1}))

	h.clock.Advance(2 * time.Second)
	assert.NoError(t, h.send(student, ws.ActionCameraStats, stats))
}

func TestHandleFrameReportsMalformedFrames(t *testing.T) {
	h := newHarness(t)
	student := h.connect(model.UserTypeStudent, "student-1")

	h.engine.HandleFrame(context.Background(), student.id, []byte(`{"action":"drop_tables"}`))
	h.engine.HandleFrame(context.Background(), student.id, []byte(`{{{`))

	errs := student.Events(ws.EventError)
	require.Len(t, errs, 2)
	assert.Equal(t, "UNKNOWN_ACTION", errs[0].(ws.ErrorData).Code)
	assert.Equal(t, "INVALID_PAYLOAD", errs[1].(ws.ErrorData).Code)
}

func TestMultiTabEvictsPreviousConnection(t *testing.T) {
	h := newHarness(t)
	obs := h.observer()
	first, sessionID := h.joinStudent("student-1")
	second, secondSession := h.joinStudent("student-1")
	require.Equal(t, sessionID, secondSession)

	warnings := first.Events(ws.EventMultiTabWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, second.id, warnings[0].(MultiTabWarning).NewConnID)
	assert.True(t, first.IsClosed())
	assert.False(t, second.IsClosed())
	assert.Len(t, obs.Events(ws.EventMultiTabWarning), 1)

	owner, ok := h.store.SessionSocket(sessionID)
	require.True(t, ok)
	assert.Equal(t, second.id, owner)
	assert.Equal(t, 1, h.sink.Count("duplicate_connection"))

	// The evicted tab closing later is not an abnormal disconnect.
	h.engine.Disconnect(first.id)
	assert.Equal(t, model.SessionStatusActive, h.state(sessionID).Status)
	assert.Equal(t, 0, h.state(sessionID).SuspicionScore)
	assert.Empty(t, obs.Events(ws.EventStudentDisconnected))
}

func TestRejoinOnSameConnectionReleasesPreviousSession(t *testing.T) {
	h := newHarness(t)
	obs := h.observer()
	student, first := h.joinStudent("student-1")

	otherExam := uuid.NewString()
	require.NoError(t, h.send(student, ws.ActionJoinExamSession, map[string]any{
		"exam_id":      otherExam,
		"device_info":  map[string]any{"browser": "firefox"},
		"network_info": map[string]any{"type": "wifi"},
	}))
	second := sessionIDFor(otherExam, "student-1")

	old := h.state(first)
	assert.Equal(t, model.SessionStatusDisconnected, old.Status)
	assert.NotZero(t, old.DisconnectedAt)
	assert.Zero(t, old.SuspicionScore, "switching exams is not an abnormal disconnect")
	_, ok := h.store.SessionSocket(first)
	assert.False(t, ok)

	gone := obs.Events(ws.EventStudentDisconnected)
	require.Len(t, gone, 1)
	assert.Equal(t, first, gone[0].(StudentDisconnected).SessionID)
	assert.False(t, gone[0].(StudentDisconnected).IsFinal)

	h.engine.Disconnect(student.id)
	assert.Equal(t, model.SessionStatusDisconnected, h.state(second).Status)

	h.clock.Advance(h.engine.cfg.DisconnectTimeout + time.Second)
	assert.Equal(t, 2, h.engine.ExpireDisconnected())
	_, ok = h.store.GetSessionState(first)
	assert.False(t, ok, "the released session is collected")
}

func TestStudentJourneyEndingInAbruptDisconnect(t *testing.T) {
	h := newHarness(t)
	obs := h.observer()
	student, sessionID := h.joinStudent("student-1")

	for i := 0; i < 3; i++ {
		require.NoError(t, h.send(student, ws.ActionSubmitAnswer, map[string]any{
			"question_id": uuid.NewString(),
			"answer":      "C",
			"time_spent":  30,
		}))
	}
	assert.Equal(t, 3, h.state(sessionID).Progress.AnsweredCount)
	assert.Len(t, obs.Events(ws.EventProgressUpdate), 3)

	h.engine.Disconnect(student.id)
	h.engine.Wait()

	st := h.state(sessionID)
	assert.Equal(t, model.SessionStatusDisconnected, st.Status)
	assert.Equal(t, 10, st.SuspicionScore)
	require.NotEmpty(t, st.SuspicionHistory)
	last := st.SuspicionHistory[len(st.SuspicionHistory)-1]
	assert.Equal(t, EventAbnormalDisconnect, last.EventType)
	assert.Equal(t, 10, last.Weight)

	disconnected := obs.Events(ws.EventStudentDisconnected)
	require.Len(t, disconnected, 1)
	data := disconnected[0].(StudentDisconnected)
	assert.True(t, data.IsFinal)
	assert.Equal(t, 10, data.SuspicionScore)
	assert.NotEmpty(t, obs.Events(ws.EventSuspicionUpdate))

	snaps := h.lifecycle.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, model.SessionStatusDisconnected, snaps[0].Status)
	assert.Equal(t, 3, snaps[0].AnsweredCount)
	assert.Equal(t, 1, h.sink.Count("abnormal_disconnect"))
}

func TestReconnectResumesSession(t *testing.T) {
	h := newHarness(t)
	student, sessionID := h.joinStudent("student-1")
	h.engine.Disconnect(student.id)

	again, _ := h.joinStudent("student-1")
	st := h.state(sessionID)
	assert.Equal(t, model.SessionStatusActive, st.Status)
	assert.Zero(t, st.DisconnectedAt)
	assert.Equal(t, 10, st.SuspicionScore, "suspicion survives a reconnect")

	joined := again.Events(ws.EventExamSessionJoined)
	require.Len(t, joined, 1)
	assert.True(t, joined[0].(SessionJoined).Resumed)
}
