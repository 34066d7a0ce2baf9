package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/stemsi/exstem-proctor/internal/config"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// RedisMirror publishes room messages on the exam's monitor channel so live
// monitor streams on any instance receive them.
type RedisMirror struct {
	rdb *redis.Client
}

// NewRedisMirror creates a RedisMirror.
func NewRedisMirror(rdb *redis.Client) *RedisMirror {
	return &RedisMirror{rdb: rdb}
}

// Publish implements Mirror.
func (m *RedisMirror) Publish(ctx context.Context, examID string, msg ws.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal monitor message: %w", err)
	}
	return m.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(examID), payload).Err()
}
