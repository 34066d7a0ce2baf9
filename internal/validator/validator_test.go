package validator_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

func init() {
	validator.Setup()
}

func TestStructChecksWebsocketPayloads(t *testing.T) {
	t.Run("missing timestamp", func(t *testing.T) {
		fields := validator.Struct(ws.UpdateProgressRequest{CurrentQuestion: 1, TotalQuestions: 10})
		require.NotNil(t, fields)
		assert.Contains(t, fields, "timestamp")
	})

	t.Run("unknown submission type", func(t *testing.T) {
		fields := validator.Struct(ws.EndExamRequest{SubmissionType: "bogus"})
		require.NotNil(t, fields)
		assert.Contains(t, fields, "submission_type")
	})

	t.Run("embedded media stats", func(t *testing.T) {
		fields := validator.Struct(ws.CameraStatsRequest{MediaStats: ws.MediaStats{FPS: -1}})
		require.NotNil(t, fields)
		assert.Contains(t, fields, "session_id")
		assert.Contains(t, fields, "fps")
	})

	t.Run("offer request needs no payload", func(t *testing.T) {
		assert.Nil(t, validator.Struct(ws.SignalRequest{Kind: ws.ActionRequestWebRTCOffer, SessionID: "s-1"}))
		assert.NotNil(t, validator.Struct(ws.SignalRequest{Kind: ws.ActionWebRTCOffer, SessionID: "s-1"}))
	})

	t.Run("valid payload", func(t *testing.T) {
		assert.Nil(t, validator.Struct(ws.UpdateProgressRequest{CurrentQuestion: 2, TotalQuestions: 10, Timestamp: 1}))
	})
}

func TestTranslateErrorsNonValidation(t *testing.T) {
	fields := validator.TranslateErrors(errors.New("unexpected EOF"))
	assert.Equal(t, map[string]string{"detail": "unexpected EOF"}, fields)
}
