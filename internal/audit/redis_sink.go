package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	sinkBuffer    = 1024
	flushInterval = 500 * time.Millisecond
	flushBatch    = 100
)

// RedisSink queues redacted entries on the audit persistence queue. Record
// only enqueues in memory; Run pushes the queue to Redis in pipelined batches.
type RedisSink struct {
	rdb     *redis.Client
	entries chan model.AuditEntry
	log     zerolog.Logger
	now     func() time.Time
}

// NewRedisSink creates a RedisSink. Call Run to start delivery.
func NewRedisSink(rdb *redis.Client, log zerolog.Logger) *RedisSink {
	return &RedisSink{
		rdb:     rdb,
		entries: make(chan model.AuditEntry, sinkBuffer),
		log:     log.With().Str("component", "audit_sink").Logger(),
		now:     time.Now,
	}
}

// Record implements Sink.
func (s *RedisSink) Record(examID, sessionID, eventType string, metadata map[string]any) {
	entry := model.AuditEntry{
		ExamID:     examID,
		SessionID:  sessionID,
		EventType:  eventType,
		Metadata:   Redact(metadata),
		RecordedAt: s.now().UnixMilli(),
	}
	select {
	case s.entries <- entry:
	default:
		s.log.Warn().Str("event_type", eventType).Str("session_id", sessionID).Msg("Audit buffer full, entry dropped")
	}
}

// Run delivers queued entries until ctx is cancelled, then flushes what is left.
func (s *RedisSink) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]model.AuditEntry, 0, flushBatch)
	for {
		select {
		case <-ctx.Done():
			s.drain(&batch)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.flush(shutdownCtx, batch)
			cancel()
			return
		case e := <-s.entries:
			batch = append(batch, e)
			if len(batch) >= flushBatch {
				s.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *RedisSink) drain(batch *[]model.AuditEntry) {
	for {
		select {
		case e := <-s.entries:
			*batch = append(*batch, e)
		default:
			return
		}
	}
}

func (s *RedisSink) flush(ctx context.Context, batch []model.AuditEntry) {
	if len(batch) == 0 {
		return
	}
	pipe := s.rdb.Pipeline()
	for _, e := range batch {
		data, err := json.Marshal(e)
		if err != nil {
			s.log.Error().Err(err).Str("event_type", e.EventType).Msg("Discarding unmarshalable audit entry")
			continue
		}
		pipe.RPush(ctx, config.WorkerKey.PersistAuditQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Error().Err(err).Int("count", len(batch)).Msg("Failed to push audit entries to Redis")
	}
}
