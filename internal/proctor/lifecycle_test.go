package proctor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/service"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

func TestUpdateProgressOrdering(t *testing.T) {
	h := newHarness(t)
	obs := h.observer()
	student, sessionID := h.joinStudent("student-1")
	joinedAt := h.state(sessionID).LastUpdate

	require.NoError(t, h.send(student, ws.ActionUpdateProgress, map[string]any{
		"current_question": 4,
		"total_questions":  10,
		"answered_count":   3,
		"timestamp":        joinedAt + 1000,
	}))
	accepted := h.state(sessionID)
	assert.Equal(t, 4, accepted.Progress.CurrentQuestion)
	assert.Equal(t, joinedAt+1000, accepted.ClientTimestamp)
	assert.Len(t, obs.Events(ws.EventProgressUpdate), 1)

	err := h.send(student, ws.ActionUpdateProgress, map[string]any{
		"current_question": 2,
		"total_questions":  10,
		"answered_count":   1,
		"timestamp":        joinedAt + 500,
	})
	require.ErrorIs(t, err, ErrStaleUpdate)

	after := h.state(sessionID)
	assert.Equal(t, accepted.Progress, after.Progress, "stale update must not be merged")
	assert.Equal(t, accepted.ClientTimestamp, after.ClientTimestamp)
	assert.Equal(t, 5, after.SuspicionScore)
	require.Len(t, after.SuspicionHistory, 1)
	assert.Equal(t, EventOutOfOrderUpdate, after.SuspicionHistory[0].EventType)
	assert.Equal(t, 5, after.SuspicionHistory[0].Weight)

	syncs := student.Events(ws.EventStateSync)
	require.Len(t, syncs, 1)
	assert.Equal(t, 4, syncs[0].(StateSync).State.Progress.CurrentQuestion)
	assert.Empty(t, student.Events(ws.EventError), "stale updates resync instead of erroring")
	assert.Len(t, obs.Events(ws.EventProgressUpdate), 1)
	assert.Len(t, obs.Events(ws.EventTimelineUpdate), 1)
	assert.Equal(t, 1, h.sink.Count("out_of_order_update"))
}

func TestUpdateProgressAcceptsEqualTimestamp(t *testing.T) {
	h := newHarness(t)
	student, sessionID := h.joinStudent("student-1")
	ts := h.state(sessionID).LastUpdate

	require.NoError(t, h.send(student, ws.ActionUpdateProgress, map[string]any{
		"current_question": 1, "total_questions": 10, "answered_count": 0, "timestamp": ts,
	}))
	assert.Equal(t, 1, h.state(sessionID).Progress.CurrentQuestion)
}

func TestUpdateProgressAfterTelemetryIsNotStale(t *testing.T) {
	h := newHarness(t)
	student, sessionID := h.joinStudent("student-1")
	sentAt := h.store.NowMillis() + 100

	// Stats processed between the client sending its progress and the
	// server receiving it do not make the progress update stale.
	h.clock.Advance(250 * time.Millisecond)
	require.NoError(t, h.send(student, ws.ActionCameraStats, map[string]any{"session_id": sessionID, "fps": 24, "width": 640, "height": 480}))

	h.clock.Advance(50 * time.Millisecond)
	require.NoError(t, h.send(student, ws.ActionUpdateProgress, map[string]any{
		"current_question": 3, "total_questions": 10, "answered_count": 2, "timestamp": sentAt,
	}))

	st := h.state(sessionID)
	assert.Equal(t, 3, st.Progress.CurrentQuestion)
	assert.Zero(t, st.SuspicionScore)
	assert.Empty(t, student.Events(ws.EventStateSync))
}

func TestUpdateProgressRejectsInvalidTimestamps(t *testing.T) {
	h := newHarness(t)
	student, sessionID := h.joinStudent("student-1")

	t.Run("missing", func(t *testing.T) {
		err := h.send(student, ws.ActionUpdateProgress, map[string]any{"current_question": 2, "total_questions": 10})
		require.ErrorIs(t, err, ErrValidation)
		assert.Zero(t, h.state(sessionID).Progress.CurrentQuestion)
		assert.Zero(t, h.state(sessionID).SuspicionScore, "invalid payloads are not scored")
	})

	t.Run("far future", func(t *testing.T) {
		err := h.send(student, ws.ActionUpdateProgress, map[string]any{
			"current_question": 2,
			"total_questions":  10,
			"timestamp":        h.store.NowMillis() + int64(365*24*time.Hour/time.Millisecond),
		})
		require.ErrorIs(t, err, ErrValidation)
		st := h.state(sessionID)
		assert.Zero(t, st.Progress.CurrentQuestion)
		assert.Zero(t, st.ClientTimestamp)

		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Contains(t, ve.Fields, "timestamp")
	})

	t.Run("idle session stays idle", func(t *testing.T) {
		h.clock.Advance(10 * time.Minute)
		assert.Zero(t, h.engine.Reevaluate())

		require.NoError(t, h.send(student, ws.ActionUpdateProgress, map[string]any{
			"current_question": 4, "total_questions": 10, "answered_count": 3, "timestamp": h.store.NowMillis(),
		}))
		assert.Equal(t, 4, h.state(sessionID).Progress.CurrentQuestion)
	})

	errs := student.Events(ws.EventError)
	require.Len(t, errs, 2)
	assert.Equal(t, "VALIDATION_ERROR", errs[0].(ws.ErrorData).Code)
}

func TestAutoSaveAnswers(t *testing.T) {
	h := newHarness(t)
	student, sessionID := h.joinStudent("student-1")

	require.NoError(t, h.send(student, ws.ActionAutoSave, map[string]any{
		"answers":        map[string]string{uuid.NewString(): "A", uuid.NewString(): "D"},
		"time_remaining": 1200,
	}))

	saved := student.Events(ws.EventAnswersSaved)
	require.Len(t, saved, 1)
	assert.Equal(t, 2, saved[0].(AnswersSaved).Count)
	assert.Equal(t, 2, h.lifecycle.saved)
	assert.Equal(t, 1200, h.state(sessionID).TimeRemaining)

	err := h.send(student, ws.ActionAutoSave, map[string]any{"answers": map[string]string{}, "time_remaining": 10})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSubmitAnswerPersistenceFailureIsReported(t *testing.T) {
	h := newHarness(t)
	student, sessionID := h.joinStudent("student-1")
	h.engine.lifecycle = failingSubmit{h.lifecycle}

	err := h.send(student, ws.ActionSubmitAnswer, map[string]any{"question_id": uuid.NewString(), "answer": "A"})
	require.Error(t, err)

	errs := student.Events(ws.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "INTERNAL_ERROR", errs[0].(ws.ErrorData).Code)
	// The live session is untouched.
	assert.Equal(t, model.SessionStatusActive, h.state(sessionID).Status)
}

func TestEndExam(t *testing.T) {
	tests := []struct {
		name           string
		submissionType string
		endErr         error
		want           model.SessionStatus
	}{
		{name: "manual submit completes", submissionType: "manual", want: model.SessionStatusCompleted},
		{name: "violation terminates", submissionType: "violation", want: model.SessionStatusTerminated},
		{name: "persistence failure still ends", submissionType: "timeout", endErr: errors.New("db down"), want: model.SessionStatusCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.lifecycle.endErr = tt.endErr
			obs := h.observer()
			student, sessionID := h.joinStudent("student-1")

			require.NoError(t, h.send(student, ws.ActionEndExam, map[string]any{
				"submission_type": tt.submissionType,
				"reason":          "done",
			}))
			h.engine.Wait()

			_, ok := h.store.GetSessionState(sessionID)
			assert.False(t, ok, "ended sessions leave the store")
			_, ok = h.store.GetSessionHealth(sessionID)
			assert.False(t, ok)

			ended := obs.Events(ws.EventExamEnded)
			require.Len(t, ended, 1)
			assert.Equal(t, tt.want, ended[0].(ExamEnded).Status)
			assert.Len(t, student.Events(ws.EventExamEnded), 1)

			snaps := h.lifecycle.Snapshots()
			require.Len(t, snaps, 1)
			assert.Equal(t, tt.want, snaps[0].Status)

			// Closing the socket after a normal end is not an abnormal disconnect.
			h.engine.Disconnect(student.id)
			assert.Empty(t, obs.Events(ws.EventStudentDisconnected))
		})
	}
}

func TestEndExamRejectsUnknownSubmissionType(t *testing.T) {
	h := newHarness(t)
	student, sessionID := h.joinStudent("student-1")

	err := h.send(student, ws.ActionEndExam, map[string]any{"submission_type": "rage_quit"})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, model.SessionStatusActive, h.state(sessionID).Status)
}

func TestJoinRescoresRestoredFlags(t *testing.T) {
	h := newHarness(t)
	student, sessionID := h.joinStudent("student-1")
	require.NoError(t, h.send(student, ws.ActionAIUpdate, map[string]any{
		"session_id":   sessionID,
		"camera_flags": map[string]any{"face_detected": false, "multiple_faces": false, "eyes_visible": true},
	}))
	scored := h.state(sessionID).AIRiskScore
	h.engine.Disconnect(student.id)
	h.clock.Advance(time.Second)

	h.joinStudent("student-1")
	assert.Greater(t, h.state(sessionID).AIRiskScore, scored, "face still missing after reconnect")
}

type failingSubmit struct{ *fakeLifecycle }

func (failingSubmit) SubmitAnswer(context.Context, service.AnswerParams) (model.Progress, error) {
	return model.Progress{}, errors.New("connection refused")
}
