package redislock

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const notifyQueueKey = "business:handleScriptTask"

// TaskNotice is the payload pushed when a task becomes immediately eligible.
type TaskNotice struct {
	TaskID   string `json:"taskId"`
	DeviceID string `json:"deviceId"`
}

// NotifyQueue is the lightweight list-backed FIFO the intake path uses to
// wake the master without waiting for the periodic store rescan.
type NotifyQueue struct {
	rdb redis.UniversalClient
	key string
}

// NewNotifyQueue builds a queue on the shared redis connection.
func NewNotifyQueue(rdb redis.UniversalClient) *NotifyQueue {
	return &NotifyQueue{rdb: rdb, key: notifyQueueKey}
}

// Push appends a notice to the queue tail.
func (q *NotifyQueue) Push(ctx context.Context, notice TaskNotice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return errors.Wrap(err, "redislock: encode task notice failed")
	}
	if err := q.rdb.RPush(ctx, q.key, data).Err(); err != nil {
		return errors.Wrap(err, "redislock: push task notice failed")
	}
	return nil
}

// Pop removes and returns the head notice, or (nil, nil) when the queue is
// empty. A malformed payload is logged and skipped rather than surfaced.
func (q *NotifyQueue) Pop(ctx context.Context) (*TaskNotice, error) {
	raw, err := q.rdb.LPop(ctx, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redislock: pop task notice failed")
	}
	notice := &TaskNotice{}
	if err := json.Unmarshal([]byte(raw), notice); err != nil {
		log.Warn().Err(err).Str("payload", raw).Msg("redislock: decode task notice failed")
		return nil, nil
	}
	return notice, nil
}
