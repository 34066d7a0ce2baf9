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

const examCacheTTL = 5 * time.Minute

// ExamService reads exam definitions through a Redis cache.
type ExamService struct {
	examRepo *repository.ExamRepository
	rdb      *redis.Client
	log      zerolog.Logger
}

// NewExamService creates a new ExamService.
func NewExamService(examRepo *repository.ExamRepository, rdb *redis.Client, log zerolog.Logger) *ExamService {
	return &ExamService{
		examRepo: examRepo,
		rdb:      rdb,
		log:      log.With().Str("component", "exam_service").Logger(),
	}
}

// GetByID returns an exam, preferring the cached copy.
func (s *ExamService) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	key := config.CacheKey.ExamMetaKey(id.String())

	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var exam model.Exam
		if err := json.Unmarshal(data, &exam); err == nil {
			return &exam, nil
		}
		s.log.Warn().Str("exam_id", id.String()).Msg("Corrupt exam cache entry, reloading")
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Msg("Exam cache read failed, falling back to database")
	}

	exam, err := s.examRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}

	if data, err := json.Marshal(exam); err == nil {
		if err := s.rdb.Set(ctx, key, data, examCacheTTL).Err(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to cache exam")
		}
	}
	return exam, nil
}
