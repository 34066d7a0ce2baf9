package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AnswerRepository handles student answer data access.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// Upsert creates or replaces a student's answer to one question.
func (r *AnswerRepository) Upsert(ctx context.Context, examID uuid.UUID, studentID string, questionID uuid.UUID, answer string, timeSpent int) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO student_answers (exam_id, student_id, question_id, answer, time_spent)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (exam_id, student_id, question_id) DO UPDATE
		 SET answer = EXCLUDED.answer,
		     time_spent = student_answers.time_spent + EXCLUDED.time_spent,
		     updated_at = NOW()`,
		examID, studentID, questionID, answer, timeSpent)
	return err
}

// CountByStudent returns how many questions a student answered in an exam.
func (r *AnswerRepository) CountByStudent(ctx context.Context, examID uuid.UUID, studentID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM student_answers WHERE exam_id = $1 AND student_id = $2`,
		examID, studentID).Scan(&n)
	return n, err
}
