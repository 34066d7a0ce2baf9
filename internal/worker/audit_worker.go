package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var auditColumns = []string{"exam_id", "session_id", "event_type", "metadata", "recorded_at"}

// AuditWorker drains persist_audit_queue into proctor_audit_logs.
type AuditWorker struct {
	pool     *pgxpool.Pool
	consumer *batchConsumer[model.AuditEntry]
	log      zerolog.Logger
}

func NewAuditWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *AuditWorker {
	w := &AuditWorker{
		pool: pool,
		log:  log.With().Str("component", "audit_worker").Logger(),
	}
	w.consumer = &batchConsumer[model.AuditEntry]{
		rdb:   rdb,
		queue: config.WorkerKey.PersistAuditQueue,
		log:   w.log,
		flush: w.flushSafe,
	}
	return w
}

// Start runs the worker loop until ctx is cancelled. Call in a goroutine.
func (w *AuditWorker) Start(ctx context.Context) {
	w.log.Info().Msg("AuditWorker started")
	w.consumer.run(ctx)
}

// flushSafe attempts a COPY, then row-by-row inserts, then requeue.
func (w *AuditWorker) flushSafe(ctx context.Context, batch []*model.AuditEntry) {
	rows, err := auditRows(batch)
	if err == nil {
		_, err = w.pool.CopyFrom(ctx, pgx.Identifier{"proctor_audit_logs"}, auditColumns, pgx.CopyFromRows(rows))
		if err == nil {
			return
		}
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
	w.fallbackInsert(ctx, batch)
}

func (w *AuditWorker) fallbackInsert(ctx context.Context, batch []*model.AuditEntry) {
	var requeue []*model.AuditEntry

	for _, e := range batch {
		row, err := auditRow(e)
		if err != nil {
			w.log.Error().Err(err).Str("event_type", e.EventType).Msg("Dropping audit entry with unencodable metadata")
			continue
		}
		_, err = w.pool.Exec(ctx,
			`INSERT INTO proctor_audit_logs (exam_id, session_id, event_type, metadata, recorded_at)
			 VALUES ($1, $2, $3, $4::jsonb, $5)`,
			row...,
		)
		if err != nil {
			w.log.Error().Err(err).Str("session_id", e.SessionID).Msg("Insert failed, requeueing")
			requeue = append(requeue, e)
		}
	}

	w.consumer.requeue(ctx, requeue)
}

func auditRows(batch []*model.AuditEntry) ([][]any, error) {
	rows := make([][]any, 0, len(batch))
	for _, e := range batch {
		row, err := auditRow(e)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func auditRow(e *model.AuditEntry) ([]any, error) {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return []any{e.ExamID, e.SessionID, e.EventType, string(data), time.UnixMilli(e.RecordedAt)}, nil
}
