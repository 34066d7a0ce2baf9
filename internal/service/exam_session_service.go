package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// ExamSessionService is the durable side of a proctored session: it checks the
// exam window, owns the exam_sessions rows and queues answers and snapshots
// for the persistence workers.
type ExamSessionService struct {
	sessionRepo *repository.ExamSessionRepository
	answerRepo  *repository.AnswerRepository
	exams       *ExamService
	rdb         *redis.Client
	log         zerolog.Logger
	now         func() time.Time
}

// NewExamSessionService creates a new ExamSessionService.
func NewExamSessionService(
	sessionRepo *repository.ExamSessionRepository,
	answerRepo *repository.AnswerRepository,
	exams *ExamService,
	rdb *redis.Client,
	log zerolog.Logger,
) *ExamSessionService {
	return &ExamSessionService{
		sessionRepo: sessionRepo,
		answerRepo:  answerRepo,
		exams:       exams,
		rdb:         rdb,
		log:         log.With().Str("component", "exam_session_service").Logger(),
		now:         time.Now,
	}
}

// JoinParams identifies who joins which exam from where.
type JoinParams struct {
	ExamID      string
	StudentID   string
	SessionID   string // optional, the session the client believes it resumes
	DeviceInfo  json.RawMessage
	NetworkInfo json.RawMessage
}

// JoinResult is what a successful join returns.
type JoinResult struct {
	SessionID     string     `json:"session_id"`
	TimeRemaining int        `json:"time_remaining"` // seconds
	Exam          model.Exam `json:"exam"`
	AnsweredCount int        `json:"answered_count"`
	Resumed       bool       `json:"resumed"`
}

// JoinExam validates the exam window and creates or resumes the student's session.
func (s *ExamSessionService) JoinExam(ctx context.Context, p JoinParams) (*JoinResult, error) {
	examID, err := uuid.Parse(p.ExamID)
	if err != nil {
		return nil, fmt.Errorf("%w: exam id", ErrInvalidID)
	}

	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	if exam.Status != model.ExamStatusPublished && exam.Status != model.ExamStatusInProgress {
		return nil, ErrExamNotFound
	}

	now := s.now()
	if err := checkWindow(exam, now, 0); err != nil {
		return nil, err
	}

	existing, err := s.sessionRepo.GetByExamAndStudent(ctx, examID, p.StudentID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check existing session: %w", err)
	}

	var session *model.ExamSession
	resumed := false
	switch {
	case existing != nil:
		if existing.Status.IsTerminal() {
			return nil, ErrSessionClosed
		}
		if p.SessionID != "" && p.SessionID != existing.ID.String() {
			return nil, ErrSessionNotFound
		}
		if err := s.sessionRepo.Reactivate(ctx, existing.ID, p.DeviceInfo, p.NetworkInfo); err != nil {
			return nil, fmt.Errorf("reactivate session: %w", err)
		}
		session = existing
		resumed = true
	default:
		session = &model.ExamSession{
			ExamID:      examID,
			StudentID:   p.StudentID,
			DeviceInfo:  p.DeviceInfo,
			NetworkInfo: p.NetworkInfo,
		}
		if err := s.sessionRepo.Create(ctx, session); err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("create session: %w", err)
			}
			// Concurrent join from another tab won the insert.
			session, err = s.sessionRepo.GetByExamAndStudent(ctx, examID, p.StudentID)
			if err != nil {
				return nil, fmt.Errorf("concurrent join detected, but fetch failed: %w", err)
			}
			resumed = true
		}
	}

	return &JoinResult{
		SessionID:     session.ID.String(),
		TimeRemaining: timeRemaining(exam, session.StartedAt, now),
		Exam:          *exam,
		AnsweredCount: session.AnsweredCount,
		Resumed:       resumed,
	}, nil
}

// SubmissionGrace absorbs network delay for answers and submissions sent just
// before the scheduled end.
const SubmissionGrace = 30 * time.Second

// checkWindow rejects operations outside [scheduledStart, scheduledStart+duration+grace].
// Exams without a schedule are always open.
func checkWindow(exam *model.Exam, now time.Time, grace time.Duration) error {
	start, end, scheduled := exam.Window()
	if !scheduled {
		return nil
	}
	if now.Before(start) {
		return ErrExamNotStarted
	}
	if now.After(end.Add(grace)) {
		return ErrExamEnded
	}
	return nil
}

// checkEndWindow is checkWindow for EndExam. Timeouts and violation
// terminations are accepted after the end, since that is when they happen.
func checkEndWindow(exam *model.Exam, now time.Time, submissionType string) error {
	err := checkWindow(exam, now, SubmissionGrace)
	if errors.Is(err, ErrExamEnded) && (submissionType == "timeout" || submissionType == "violation") {
		return nil
	}
	return err
}

// timeRemaining is measured against the scheduled end when the exam has a
// schedule, otherwise against the session's own start.
func timeRemaining(exam *model.Exam, startedAt, now time.Time) int {
	var end time.Time
	if _, scheduledEnd, ok := exam.Window(); ok {
		end = scheduledEnd
	} else {
		end = startedAt.Add(time.Duration(exam.DurationMinutes) * time.Minute)
	}
	remaining := int(end.Sub(now).Seconds())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AnswerParams is one submitted answer.
type AnswerParams struct {
	SessionID  string
	ExamID     string
	StudentID  string
	QuestionID string
	Answer     string
	TimeSpent  int
}

// SubmitAnswer persists an answer and returns the student's updated progress.
func (s *ExamSessionService) SubmitAnswer(ctx context.Context, p AnswerParams) (model.Progress, error) {
	session, exam, err := s.openSession(ctx, p.SessionID)
	if err != nil {
		return model.Progress{}, err
	}
	if err := checkWindow(exam, s.now(), SubmissionGrace); err != nil {
		return model.Progress{}, err
	}
	questionID, err := uuid.Parse(p.QuestionID)
	if err != nil {
		return model.Progress{}, fmt.Errorf("%w: question id", ErrInvalidID)
	}

	if err := s.answerRepo.Upsert(ctx, session.ExamID, session.StudentID, questionID, p.Answer, p.TimeSpent); err != nil {
		return model.Progress{}, fmt.Errorf("save answer: %w", err)
	}

	// Keep the autosave hash consistent with the authoritative answer.
	answersKey := config.CacheKey.StudentAnswersKey(session.ExamID.String(), session.StudentID)
	if err := s.rdb.HSet(ctx, answersKey, p.QuestionID, p.Answer).Err(); err != nil {
		s.log.Warn().Err(err).Str("session_id", p.SessionID).Msg("Failed to mirror answer into autosave cache")
	}

	count, err := s.answerRepo.CountByStudent(ctx, session.ExamID, session.StudentID)
	if err != nil {
		return model.Progress{}, fmt.Errorf("count answers: %w", err)
	}
	if err := s.sessionRepo.UpdateAnsweredCount(ctx, session.ID, count); err != nil {
		return model.Progress{}, fmt.Errorf("update answered count: %w", err)
	}

	return model.Progress{AnsweredCount: count, TotalQuestions: exam.QuestionCount}, nil
}

type answerPayload struct {
	StudentID string `json:"student_id"`
	ExamID    string `json:"exam_id"`
	QID       string `json:"q_id"`
	Answer    string `json:"answer"`
}

// SaveAnswers stores a non-authoritative autosave snapshot in Redis and
// queues every answer for the answer worker.
func (s *ExamSessionService) SaveAnswers(ctx context.Context, examID, studentID string, answers map[string]string) error {
	for qID := range answers {
		// SECURITY: question ids become Redis hash fields, reject anything that is not a UUID.
		if _, err := uuid.Parse(qID); err != nil {
			return fmt.Errorf("%w: question id %q", ErrInvalidID, qID)
		}
	}

	answersKey := config.CacheKey.StudentAnswersKey(examID, studentID)
	pipe := s.rdb.Pipeline()
	for qID, ans := range answers {
		pipe.HSet(ctx, answersKey, qID, ans)
		payload, _ := json.Marshal(answerPayload{StudentID: studentID, ExamID: examID, QID: qID, Answer: ans})
		pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("autosave: %w", err)
	}
	return nil
}

// EndParams is a terminal transition request.
type EndParams struct {
	SessionID      string
	SubmissionType string
	FinalScore     *float64
	Reason         string
}

// EndExam finishes a session. A "violation" submission terminates it, every
// other submission type completes it.
func (s *ExamSessionService) EndExam(ctx context.Context, p EndParams) (model.SessionStatus, error) {
	session, exam, err := s.openSession(ctx, p.SessionID)
	if err != nil {
		return "", err
	}
	if err := checkEndWindow(exam, s.now(), p.SubmissionType); err != nil {
		return "", err
	}

	status := model.SessionStatusCompleted
	if p.SubmissionType == "violation" {
		status = model.SessionStatusTerminated
	}
	if err := s.sessionRepo.Finish(ctx, session.ID, status, p.SubmissionType, p.Reason, p.FinalScore); err != nil {
		return "", fmt.Errorf("finish session: %w", err)
	}
	return status, nil
}

// PersistSnapshot queues the final live state of a session for the snapshot worker.
func (s *ExamSessionService) PersistSnapshot(ctx context.Context, snap model.SessionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistSnapshotsQueue, data).Err(); err != nil {
		return fmt.Errorf("queue snapshot: %w", err)
	}
	return nil
}

func (s *ExamSessionService) openSession(ctx context.Context, sessionID string) (*model.ExamSession, *model.Exam, error) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: session id", ErrInvalidID)
	}
	session, err := s.sessionRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrSessionNotFound
		}
		return nil, nil, fmt.Errorf("get session: %w", err)
	}
	if session.Status.IsTerminal() {
		return nil, nil, ErrSessionClosed
	}
	exam, err := s.exams.GetByID(ctx, session.ExamID)
	if err != nil {
		return nil, nil, err
	}
	return session, exam, nil
}
