package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vectorize-core/vectorize/internal/errs"
	"github.com/vectorize-core/vectorize/internal/logging"
	"github.com/vectorize-core/vectorize/internal/metrics"
)

// RedisQueue is the alternate C4 backend, behind the same Queue
// interface as PostgresQueue. Visibility is modeled with a sorted set
// keyed by next-visible-at: Read claims the messages due now by
// pushing their score into the future, the same claim-by-score
// technique used in the pack's go-redis-work-queue reference.
type RedisQueue struct {
	rdb *redis.Client
	log logging.Logger
}

func NewRedisQueue(rdb *redis.Client, log logging.Logger) *RedisQueue {
	if log == nil {
		log = logging.Nop()
	}
	return &RedisQueue{rdb: rdb, log: log}
}

type redisMessage struct {
	ID          string    `json:"id"`
	JobName     string    `json:"job_name"`
	PrimaryKeys []string  `json:"primary_keys"`
	Source      string    `json:"source"`
	Attempts    int       `json:"attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

func visibleKey(queueName string) string { return "vectorize:queue:" + queueName + ":visible" }
func dataKey(queueName string) string    { return "vectorize:queue:" + queueName + ":data" }
func deadKey(queueName string) string    { return "vectorize:queue:" + queueName + ":dead" }

func (q *RedisQueue) EnsureQueue(ctx context.Context, name string) error { return nil }

func (q *RedisQueue) DeleteQueue(ctx context.Context, name string) error {
	if err := q.rdb.Del(ctx, visibleKey(name), dataKey(name)).Err(); err != nil {
		return errs.New(errs.Internal, "queue.delete_queue", err, "queue", name)
	}
	return nil
}

func (q *RedisQueue) Send(ctx context.Context, queueName, jobName string, primaryKeys []string, source string) error {
	if len(primaryKeys) == 0 {
		return nil
	}
	m := redisMessage{ID: uuid.New().String(), JobName: jobName, PrimaryKeys: primaryKeys, Source: source, EnqueuedAt: time.Now().UTC()}
	payload, err := json.Marshal(m)
	if err != nil {
		return errs.New(errs.Internal, "queue.send", err, "queue", queueName)
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, dataKey(queueName), m.ID, payload)
	pipe.ZAdd(ctx, visibleKey(queueName), redis.Z{Score: float64(m.EnqueuedAt.Unix()), Member: m.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.New(errs.Internal, "queue.send", err, "queue", queueName)
	}
	return nil
}

// Read claims up to n messages with a score <= now, bumping each
// claimed member's score to now+vt so it's invisible until the
// visibility timeout elapses.
func (q *RedisQueue) Read(ctx context.Context, queueName string, n int, vt time.Duration) ([]Message, error) {
	now := time.Now().UTC()
	ids, err := q.rdb.ZRangeByScore(ctx, visibleKey(queueName), &redis.ZRangeBy{
		Min: "-inf", Max: floatStr(float64(now.Unix())), Offset: 0, Count: int64(n),
	}).Result()
	if err != nil {
		return nil, errs.New(errs.Internal, "queue.read", err, "queue", queueName)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.rdb.TxPipeline()
	newScore := float64(now.Add(vt).Unix())
	for _, id := range ids {
		pipe.ZAdd(ctx, visibleKey(queueName), redis.Z{Score: newScore, Member: id})
	}
	hvals := pipe.HMGet(ctx, dataKey(queueName), ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errs.New(errs.Internal, "queue.read", err, "queue", queueName)
	}

	vals, err := hvals.Result()
	if err != nil {
		return nil, errs.New(errs.Internal, "queue.read", err, "queue", queueName)
	}

	msgs := make([]Message, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rm redisMessage
		if err := json.Unmarshal([]byte(s), &rm); err != nil {
			continue
		}
		rm.Attempts++
		if err := q.rdb.HSet(ctx, dataKey(queueName), rm.ID, mustJSON(rm)).Err(); err != nil {
			return nil, errs.New(errs.Internal, "queue.read", err, "queue", queueName)
		}
		msgs = append(msgs, Message{
			ID: rm.ID, JobName: rm.JobName, PrimaryKeys: rm.PrimaryKeys,
			Source: rm.Source, Attempts: rm.Attempts, EnqueuedAt: rm.EnqueuedAt,
		})
	}
	metrics.MessagesRead.WithLabelValues(queueName).Add(float64(len(msgs)))
	return msgs, nil
}

func (q *RedisQueue) Postpone(ctx context.Context, queueName, msgID string, d time.Duration) error {
	newScore := float64(time.Now().UTC().Add(d).Unix())
	if err := q.rdb.ZAdd(ctx, visibleKey(queueName), redis.Z{Score: newScore, Member: msgID}).Err(); err != nil {
		return errs.New(errs.Internal, "queue.postpone", err, "queue", queueName)
	}
	return nil
}

func (q *RedisQueue) Delete(ctx context.Context, queueName, msgID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, visibleKey(queueName), msgID)
	pipe.HDel(ctx, dataKey(queueName), msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.New(errs.Internal, "queue.delete", err, "queue", queueName)
	}
	metrics.MessagesDeleted.WithLabelValues(queueName).Inc()
	return nil
}

func (q *RedisQueue) Archive(ctx context.Context, queueName, msgID, reason string) error {
	payload, err := q.rdb.HGet(ctx, dataKey(queueName), msgID).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return errs.New(errs.Internal, "queue.archive", err, "queue", queueName)
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, visibleKey(queueName), msgID)
	pipe.HDel(ctx, dataKey(queueName), msgID)
	pipe.HSet(ctx, deadKey(queueName), msgID, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.New(errs.Internal, "queue.archive", err, "queue", queueName)
	}
	metrics.MessagesArchived.WithLabelValues(queueName, reason).Inc()
	return nil
}

func (q *RedisQueue) Depth(ctx context.Context, queueName string) (int64, error) {
	now := float64(time.Now().UTC().Unix())
	depth, err := q.rdb.ZCount(ctx, visibleKey(queueName), "-inf", floatStr(now)).Result()
	if err != nil {
		return 0, errs.New(errs.Internal, "queue.depth", err, "queue", queueName)
	}
	metrics.QueueDepth.WithLabelValues(queueName).Set(float64(depth))
	return depth, nil
}

func floatStr(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
