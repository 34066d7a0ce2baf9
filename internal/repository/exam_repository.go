package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ExamRepository handles exam data access.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetByID retrieves an exam by its UUID.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, organization_id, scheduled_start, duration_minutes, question_count, status
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.OrganizationID, &e.ScheduledStart, &e.DurationMinutes, &e.QuestionCount, &e.Status)
	if err != nil {
		return nil, err
	}
	return e, nil
}
