package proctor

import (
	"context"
	"errors"
	"fmt"

	"github.com/stemsi/exstem-proctor/internal/audit"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/store"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

func (e *Engine) handleLifecycle(ctx context.Context, conn model.ConnectionInfo, req ws.LifecycleRequest) error {
	switch r := req.(type) {
	case ws.JoinExamSessionRequest:
		return e.joinExamSession(ctx, conn, r)
	case ws.SubmitAnswerRequest:
		return e.submitAnswer(ctx, conn, r)
	case ws.AutoSaveAnswersRequest:
		return e.autoSaveAnswers(ctx, conn, r)
	case ws.UpdateProgressRequest:
		return e.updateProgress(conn, r)
	case ws.EndExamRequest:
		return e.endExam(ctx, conn, r)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, req.Action())
	}
}

func (e *Engine) joinExamSession(ctx context.Context, conn model.ConnectionInfo, r ws.JoinExamSessionRequest) error {
	if conn.UserType != model.UserTypeStudent {
		return ErrUnauthorized
	}

	res, err := e.lifecycle.JoinExam(ctx, service.JoinParams{
		ExamID:      r.ExamID,
		StudentID:   conn.UserID,
		SessionID:   r.SessionID,
		DeviceInfo:  r.DeviceInfo,
		NetworkInfo: r.NetworkInfo,
	})
	if err != nil {
		return err
	}

	_, created := e.store.AddSession(res.SessionID, r.ExamID, conn.UserID)
	if _, ok := e.store.GetSessionHealth(res.SessionID); created || !ok {
		e.store.InitSessionHealth(res.SessionID)
	}
	remaining := res.TimeRemaining
	state, _ := e.store.MergeSessionState(res.SessionID, model.SessionUpdate{
		TimeRemaining: &remaining,
		Progress: &model.Progress{
			TotalQuestions: res.Exam.QuestionCount,
			AnsweredCount:  res.AnsweredCount,
		},
	})
	if created {
		e.metrics.ActiveSessions.Inc()
	}

	e.claimSession(conn, r.ExamID, res.SessionID)

	// Flags restored from before a reconnect must be scored again right away.
	if _, evaluated, ok := e.evaluate(res.SessionID, ws.EventAIRuleEvaluation); ok {
		state = evaluated
	}

	e.hub.SendTo(conn.ID, ws.EventExamSessionJoined, SessionJoined{
		SessionID:     res.SessionID,
		ExamID:        r.ExamID,
		TimeRemaining: res.TimeRemaining,
		Exam:          res.Exam,
		Resumed:       res.Resumed || !created,
		State:         state,
	})
	e.hub.ToExam(r.ExamID, ws.EventSessionStateChanged, SessionStateChanged{
		SessionID: state.SessionID,
		StudentID: state.StudentID,
		Status:    state.Status,
		State:     &state,
	})
	e.audit.Record(r.ExamID, res.SessionID, audit.EventSessionJoined, map[string]any{
		"conn_id":     conn.ID,
		"resumed":     res.Resumed || !created,
		"device_info": r.DeviceInfo,
	})

	e.log.Info().
		Str("conn_id", conn.ID).
		Str("session_id", res.SessionID).
		Str("exam_id", r.ExamID).
		Bool("resumed", res.Resumed || !created).
		Msg("Student joined exam session")
	return nil
}

func (e *Engine) submitAnswer(ctx context.Context, conn model.ConnectionInfo, r ws.SubmitAnswerRequest) error {
	state, err := e.validateSessionForEvent(conn, "")
	if err != nil {
		return err
	}
	if state.Status != model.SessionStatusActive {
		return service.ErrSessionClosed
	}

	progress, err := e.lifecycle.SubmitAnswer(ctx, service.AnswerParams{
		SessionID:  state.SessionID,
		ExamID:     state.ExamID,
		StudentID:  state.StudentID,
		QuestionID: r.QuestionID,
		Answer:     r.Answer,
		TimeSpent:  r.TimeSpent,
	})
	if err != nil {
		if !isLifecycleError(err) {
			e.metrics.PersistFailures.WithLabelValues("answer").Inc()
		}
		return err
	}

	state, _ = e.store.Mutate(state.SessionID, func(s *model.SessionState) {
		s.Progress.AnsweredCount = progress.AnsweredCount
		if progress.TotalQuestions > 0 {
			s.Progress.TotalQuestions = progress.TotalQuestions
		}
	})

	e.hub.SendTo(conn.ID, ws.EventAnswerSubmitted, AnswerSubmitted{QuestionID: r.QuestionID, Progress: state.Progress})
	e.hub.ToExam(state.ExamID, ws.EventProgressUpdate, ProgressUpdate{
		SessionID:     state.SessionID,
		StudentID:     state.StudentID,
		Progress:      state.Progress,
		TimeRemaining: state.TimeRemaining,
	})
	e.hub.ToExam(state.ExamID, ws.EventSessionStateChanged, SessionStateChanged{
		SessionID: state.SessionID,
		StudentID: state.StudentID,
		Status:    state.Status,
		State:     &state,
	})
	e.audit.Record(state.ExamID, state.SessionID, audit.EventAnswerSubmitted, map[string]any{
		"question_id":    r.QuestionID,
		"time_spent":     r.TimeSpent,
		"answered_count": state.Progress.AnsweredCount,
	})
	return nil
}

func (e *Engine) autoSaveAnswers(ctx context.Context, conn model.ConnectionInfo, r ws.AutoSaveAnswersRequest) error {
	state, err := e.validateSessionForEvent(conn, "")
	if err != nil {
		return err
	}
	if state.Status.IsTerminal() {
		return service.ErrSessionClosed
	}

	if err := e.lifecycle.SaveAnswers(ctx, state.ExamID, state.StudentID, r.Answers); err != nil {
		if !isLifecycleError(err) {
			e.metrics.PersistFailures.WithLabelValues("autosave").Inc()
		}
		return err
	}

	remaining := r.TimeRemaining
	e.store.MergeSessionState(state.SessionID, model.SessionUpdate{TimeRemaining: &remaining})

	e.hub.SendTo(conn.ID, ws.EventAnswersSaved, AnswersSaved{Count: len(r.Answers), SavedAt: e.store.NowMillis()})
	e.audit.Record(state.ExamID, state.SessionID, audit.EventAnswersAutosaved, map[string]any{
		"count":          len(r.Answers),
		"time_remaining": r.TimeRemaining,
	})
	return nil
}

func (e *Engine) updateProgress(conn model.ConnectionInfo, r ws.UpdateProgressRequest) error {
	state, err := e.validateSessionForEvent(conn, "")
	if err != nil {
		return err
	}

	progress := model.Progress{
		CurrentQuestion: r.CurrentQuestion,
		TotalQuestions:  r.TotalQuestions,
		AnsweredCount:   r.AnsweredCount,
	}
	updated, err := e.store.UpdateSessionState(state.SessionID, model.SessionUpdate{Progress: &progress}, r.Timestamp)
	switch {
	case errors.Is(err, store.ErrStaleUpdate):
		e.hub.SendTo(conn.ID, ws.EventStateSync, StateSync{Reason: EventOutOfOrderUpdate, State: updated})
		e.addSuspicion(updated, EventOutOfOrderUpdate, WeightOutOfOrderUpdate, audit.EventOutOfOrderUpdate, map[string]any{
			"timestamp":        r.Timestamp,
			"client_timestamp": updated.ClientTimestamp,
		})
		return ErrStaleUpdate
	case errors.Is(err, store.ErrFutureTimestamp):
		return &ValidationError{Fields: map[string]string{"timestamp": "timestamp is ahead of the server clock"}}
	case err != nil:
		return ErrNoActiveSession
	}

	e.hub.ToExam(updated.ExamID, ws.EventProgressUpdate, ProgressUpdate{
		SessionID:     updated.SessionID,
		StudentID:     updated.StudentID,
		Progress:      updated.Progress,
		TimeRemaining: updated.TimeRemaining,
	})
	return nil
}

func (e *Engine) endExam(ctx context.Context, conn model.ConnectionInfo, r ws.EndExamRequest) error {
	state, err := e.validateSessionForEvent(conn, "")
	if err != nil {
		return err
	}
	if state.Status.IsTerminal() {
		return service.ErrSessionClosed
	}

	status, err := e.lifecycle.EndExam(ctx, service.EndParams{
		SessionID:      state.SessionID,
		SubmissionType: r.SubmissionType,
		FinalScore:     r.FinalScore,
		Reason:         r.Reason,
	})
	if err != nil {
		if isLifecycleError(err) {
			return err
		}
		// The live session still ends; the snapshot carries the final state.
		e.metrics.PersistFailures.WithLabelValues("end_exam").Inc()
		e.log.Error().Err(err).Str("session_id", state.SessionID).Msg("Failed to persist exam end")
		status = model.SessionStatusCompleted
		if r.SubmissionType == "violation" {
			status = model.SessionStatusTerminated
		}
	}

	state, _ = e.store.MergeSessionState(state.SessionID, model.SessionUpdate{Status: &status})
	health, _ := e.store.GetSessionHealth(state.SessionID)
	e.store.RemoveSession(state.SessionID)
	e.store.BindConnection(conn.ID, "", "")
	e.metrics.ActiveSessions.Dec()

	ended := ExamEnded{
		SessionID:      state.SessionID,
		StudentID:      state.StudentID,
		Status:         status,
		SubmissionType: r.SubmissionType,
		Reason:         r.Reason,
	}
	e.hub.SendTo(conn.ID, ws.EventExamEnded, ended)
	e.hub.ToExam(state.ExamID, ws.EventExamEnded, ended)
	e.audit.Record(state.ExamID, state.SessionID, audit.EventExamEnded, map[string]any{
		"status":          status,
		"submission_type": r.SubmissionType,
		"reason":          r.Reason,
		"ai_risk_score":   state.AIRiskScore,
		"suspicion_score": state.SuspicionScore,
	})

	e.persistSnapshot(model.SnapshotOf(state, &health, r.Reason, e.store.NowMillis()))
	e.log.Info().
		Str("session_id", state.SessionID).
		Str("status", string(status)).
		Str("submission_type", r.SubmissionType).
		Msg("Exam ended")
	return nil
}
