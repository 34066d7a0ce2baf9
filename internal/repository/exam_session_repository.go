package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-proctor/internal/model"
)

const sessionColumns = `id, exam_id, student_id, status, started_at, finished_at, final_score,
	COALESCE(submission_type, ''), COALESCE(termination_reason, ''), answered_count`

// ExamSessionRepository handles exam session data access.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := row.Scan(&s.ID, &s.ExamID, &s.StudentID, &s.Status, &s.StartedAt, &s.FinishedAt, &s.FinalScore,
		&s.SubmissionType, &s.TerminationReason, &s.AnsweredCount)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetByID retrieves a session by its UUID.
func (r *ExamSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1`, id))
}

// GetByExamAndStudent retrieves a session for a specific exam-student combination.
func (r *ExamSessionRepository) GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID string) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE exam_id = $1 AND student_id = $2`, examID, studentID))
}

// Create inserts a new exam session (student joins the exam).
// Returns pgx.ErrNoRows when a concurrent join already created the row.
func (r *ExamSessionRepository) Create(ctx context.Context, s *model.ExamSession) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO exam_sessions (exam_id, student_id, status, device_info, network_info)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (exam_id, student_id) DO NOTHING
		 RETURNING id, started_at`,
		s.ExamID, s.StudentID, model.SessionStatusActive, nullJSON(s.DeviceInfo), nullJSON(s.NetworkInfo),
	).Scan(&s.ID, &s.StartedAt)
}

// Reactivate marks a resumed session active again and records the new device.
func (r *ExamSessionRepository) Reactivate(ctx context.Context, id uuid.UUID, deviceInfo, networkInfo json.RawMessage) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = $1,
		     device_info = COALESCE($2, device_info),
		     network_info = COALESCE($3, network_info)
		 WHERE id = $4`,
		model.SessionStatusActive, nullJSON(deviceInfo), nullJSON(networkInfo), id)
	return err
}

// UpdateAnsweredCount stores the number of answered questions.
func (r *ExamSessionRepository) UpdateAnsweredCount(ctx context.Context, id uuid.UUID, count int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions SET answered_count = $1 WHERE id = $2`, count, id)
	return err
}

// Finish moves a session to a terminal status.
func (r *ExamSessionRepository) Finish(ctx context.Context, id uuid.UUID, status model.SessionStatus, submissionType, reason string, score *float64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = $1, submission_type = $2, termination_reason = NULLIF($3, ''),
		     final_score = COALESCE($4, final_score), finished_at = $5
		 WHERE id = $6`,
		status, submissionType, reason, score, time.Now(), id)
	return err
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
