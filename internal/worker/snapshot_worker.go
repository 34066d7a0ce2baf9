package worker

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// SnapshotWorker drains persist_snapshots_queue into proctor_session_snapshots
// and clears the autosave buffer of sessions that ended.
type SnapshotWorker struct {
	pool     *pgxpool.Pool
	rdb      *redis.Client
	consumer *batchConsumer[model.SessionSnapshot]
	log      zerolog.Logger
}

func NewSnapshotWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *SnapshotWorker {
	w := &SnapshotWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "snapshot_worker").Logger(),
	}
	w.consumer = &batchConsumer[model.SessionSnapshot]{
		rdb:   rdb,
		queue: config.WorkerKey.PersistSnapshotsQueue,
		log:   w.log,
		flush: w.flushSafe,
	}
	return w
}

// Start runs the worker loop until ctx is cancelled. Call in a goroutine.
func (w *SnapshotWorker) Start(ctx context.Context) {
	w.log.Info().Msg("SnapshotWorker started")
	w.consumer.run(ctx)
}

// ----------------------------------------------------------------
// Batch insert wrapper
// ----------------------------------------------------------------

func (w *SnapshotWorker) flushSafe(ctx context.Context, batch []*model.SessionSnapshot) {
	if len(batch) == 0 {
		return
	}

	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Msg("bulk snapshot insert failed, using fallback")

		var failed []*model.SessionSnapshot
		for _, s := range batch {
			if err := w.insertSingle(ctx, s); err != nil {
				w.log.Error().Err(err).Str("session_id", s.SessionID).Msg("insertSingle failed, requeueing")
				failed = append(failed, s)
			}
		}
		w.consumer.requeue(ctx, failed)
		return
	}

	w.clearAutosaveBuffers(ctx, batch)
}

// ----------------------------------------------------------------
// BULK INSERT using UNNEST
// ----------------------------------------------------------------

type snapshotColumns struct {
	sessionIDs  []string
	examIDs     []string
	studentIDs  []string
	statuses    []string
	reasons     []string
	aiScores    []int
	aiLevels    []string
	suspicion   []int
	answered    []int
	packetLoss  []float64
	jitter      []float64
	capturedAts []time.Time
}

func columnsOf(batch []*model.SessionSnapshot) snapshotColumns {
	n := len(batch)
	c := snapshotColumns{
		sessionIDs:  make([]string, 0, n),
		examIDs:     make([]string, 0, n),
		studentIDs:  make([]string, 0, n),
		statuses:    make([]string, 0, n),
		reasons:     make([]string, 0, n),
		aiScores:    make([]int, 0, n),
		aiLevels:    make([]string, 0, n),
		suspicion:   make([]int, 0, n),
		answered:    make([]int, 0, n),
		packetLoss:  make([]float64, 0, n),
		jitter:      make([]float64, 0, n),
		capturedAts: make([]time.Time, 0, n),
	}
	for _, s := range batch {
		c.sessionIDs = append(c.sessionIDs, s.SessionID)
		c.examIDs = append(c.examIDs, s.ExamID)
		c.studentIDs = append(c.studentIDs, s.StudentID)
		c.statuses = append(c.statuses, string(s.Status))
		c.reasons = append(c.reasons, s.Reason)
		c.aiScores = append(c.aiScores, s.AIRiskScore)
		c.aiLevels = append(c.aiLevels, string(s.AIRiskLevel))
		c.suspicion = append(c.suspicion, s.SuspicionScore)
		c.answered = append(c.answered, s.AnsweredCount)
		c.packetLoss = append(c.packetLoss, s.PacketLoss)
		c.jitter = append(c.jitter, s.Jitter)
		c.capturedAts = append(c.capturedAts, time.UnixMilli(s.CapturedAt))
	}
	return c
}

func (w *SnapshotWorker) bulkInsert(ctx context.Context, batch []*model.SessionSnapshot) error {
	c := columnsOf(batch)

	query := `
		INSERT INTO proctor_session_snapshots (
			session_id, exam_id, student_id, status, reason,
			ai_risk_score, ai_risk_level, suspicion_score, answered_count,
			packet_loss, jitter, captured_at
		)
		SELECT * FROM UNNEST(
			$1::varchar[],
			$2::varchar[],
			$3::varchar[],
			$4::varchar[],
			$5::varchar[],
			$6::int[],
			$7::varchar[],
			$8::int[],
			$9::int[],
			$10::float8[],
			$11::float8[],
			$12::timestamptz[]
		)
	`

	_, err := w.pool.Exec(ctx, query,
		c.sessionIDs, c.examIDs, c.studentIDs, c.statuses, c.reasons,
		c.aiScores, c.aiLevels, c.suspicion, c.answered,
		c.packetLoss, c.jitter, c.capturedAts,
	)
	return err
}

// ----------------------------------------------------------------
// FALLBACK single insert
// ----------------------------------------------------------------

func (w *SnapshotWorker) insertSingle(ctx context.Context, s *model.SessionSnapshot) error {
	_, err := w.pool.Exec(ctx,
		`INSERT INTO proctor_session_snapshots (
			session_id, exam_id, student_id, status, reason,
			ai_risk_score, ai_risk_level, suspicion_score, answered_count,
			packet_loss, jitter, captured_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.SessionID, s.ExamID, s.StudentID, string(s.Status), s.Reason,
		s.AIRiskScore, string(s.AIRiskLevel), s.SuspicionScore, s.AnsweredCount,
		s.PacketLoss, s.Jitter, time.UnixMilli(s.CapturedAt),
	)
	return err
}

// clearAutosaveBuffers drops the Redis autosave mirror of sessions that
// reached a terminal status. Answers themselves live in student_answers.
func (w *SnapshotWorker) clearAutosaveBuffers(ctx context.Context, batch []*model.SessionSnapshot) {
	pipe := w.rdb.Pipeline()
	n := 0
	for _, s := range batch {
		if !s.Status.IsTerminal() {
			continue
		}
		pipe.Del(ctx, config.CacheKey.StudentAnswersKey(s.ExamID, s.StudentID))
		n++
	}
	if n == 0 {
		return
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Warn().Err(err).Int("count", n).Msg("Failed to clear autosave buffers")
	}
}
