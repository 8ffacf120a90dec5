// Package queue is an at-least-once, multi-priority work queue on Redis.
// Producers enqueue worker events; a pool of worker processes drains the
// priority lists continuously. Delivery uses a visibility-timeout lease, so
// a crashed consumer's job is re-delivered after the lease expires.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Dallinger/Dallinger-sub000/internal/config"
	"github.com/Dallinger/Dallinger-sub000/internal/models"
)

// Job is one leased unit of work.
type Job struct {
	ID       string
	Event    models.Event
	Attempts int
}

// RedisQueue coordinates ready, in-flight, and dead-letter queues in Redis.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	jobMetaPrefix  string
	visibilityTTL  time.Duration
	dlqKey         string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg)
}

// NewRedisQueueWithClient builds a queue around an existing Redis client.
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "queue:inflight",
		jobMetaPrefix:  "queue:jobmeta:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
	}
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("queue:ready:%s", priority)
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// Enqueue inserts one worker event into the named priority queue and returns
// the job ID.
func (q *RedisQueue) Enqueue(ctx context.Context, ev models.Event, priority string) (string, error) {
	if priority == "" {
		priority = "default"
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	jobID := uuid.New().String()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority, "payload", string(payload), "attempts", 0)
	pipe.RPush(ctx, q.readyKey(priority), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return jobID, nil
}

// DequeueWithLease pops a job from ready queues (priority order) and places
// it into inflight with a visibility timeout. The second return is false
// when no work is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (Job, bool, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	jobID, ok := res.(string)
	if !ok {
		return Job{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	attempts, err := q.client.HIncrBy(ctx, q.metaKey(jobID), "attempts", 1).Result()
	if err != nil {
		return Job{}, false, err
	}
	payload, err := q.client.HGet(ctx, q.metaKey(jobID), "payload").Result()
	if err == redis.Nil {
		// Meta vanished (e.g. flushed): drop the orphaned ID.
		_ = q.client.ZRem(ctx, q.inflightKey, jobID).Err()
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}

	var ev models.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Job{}, false, fmt.Errorf("unmarshal event payload: %w", err)
	}
	return Job{ID: jobID, Event: ev, Attempts: int(attempts)}, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority, err := q.client.HGet(ctx, q.metaKey(id), "priority").Result()
		if err == redis.Nil || priority == "" {
			priority = "default"
		} else if err != nil {
			priority = "default"
		}
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DLQPush moves a failed job into the dead-letter queue for operational
// inspection. The full event payload and the error are retained.
func (q *RedisQueue) DLQPush(ctx context.Context, job Job, reason string) error {
	entry, err := json.Marshal(map[string]any{
		"job_id":         job.ID,
		"event_type":     job.Event.Type,
		"assignment_id":  job.Event.AssignmentID,
		"participant_id": job.Event.ParticipantID,
		"attempts":       job.Attempts,
		"error":          reason,
	})
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.dlqKey, string(entry))
	pipe.ZRem(ctx, q.inflightKey, job.ID)
	pipe.Del(ctx, q.metaKey(job.ID))
	_, err = pipe.Exec(ctx)
	return err
}

// DLQPeek reads the latest dead-lettered entries.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
