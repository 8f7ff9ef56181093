package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// jobTTLGrace keeps a job hash around after its execution timeout so
// workers and operators can still inspect it.
const jobTTLGrace = 24 * time.Hour

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL       string
	Password  string
	KeyPrefix string
	Timeout   time.Duration // per-command read/write timeout
}

// RedisQueue stores each job as a hash and pushes its id onto a per-queue list.
//
// Keys:
//
//	<prefix>:job:<id>     hash {id, queue, type, args, timeout, status, enqueued_at}
//	<prefix>:queue:<name> list of job ids, FIFO (RPUSH / workers LPOP)
//	<prefix>:queues       set of known queue names
type RedisQueue struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue parses cfg.URL and creates the client.
func NewRedisQueue(cfg *RedisConfig) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.Timeout > 0 {
		opts.DialTimeout = cfg.Timeout
		opts.ReadTimeout = cfg.Timeout
		opts.WriteTimeout = cfg.Timeout
	}
	return NewRedisQueueFromClient(redis.NewClient(opts), cfg.KeyPrefix), nil
}

// NewRedisQueueFromClient wraps an existing client.
func NewRedisQueueFromClient(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "pipeline"
	}
	return &RedisQueue{client: client, prefix: prefix, now: time.Now}
}

// Close releases the client connections.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping checks the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Enqueue writes the job hash and pushes its id in one MULTI/EXEC.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) (*JobHandle, error) {
	if job.ID == "" || job.Queue == "" {
		return nil, fmt.Errorf("enqueue: job id and queue are required")
	}
	args, err := json.Marshal(job.Args)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: encode args: %w", job.ID, err)
	}

	enqueuedAt := q.now().UTC()
	jobKey := q.jobKey(job.ID)

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, jobKey, map[string]interface{}{
			"id":          job.ID,
			"queue":       job.Queue,
			"type":        job.Type,
			"args":        string(args),
			"timeout":     int64(job.Timeout / time.Second),
			"status":      "queued",
			"enqueued_at": enqueuedAt.Format(time.RFC3339Nano),
		})
		pipe.Expire(ctx, jobKey, job.Timeout+jobTTLGrace)
		pipe.SAdd(ctx, q.key("queues"), job.Queue)
		pipe.RPush(ctx, q.queueKey(job.Queue), job.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s on %s: %w", job.ID, job.Queue, err)
	}

	return &JobHandle{ID: job.ID, Queue: job.Queue, EnqueuedAt: enqueuedAt}, nil
}

// Len returns the number of waiting job ids.
func (q *RedisQueue) Len(ctx context.Context, queue string) (int64, error) {
	n, err := q.client.LLen(ctx, q.queueKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("len %s: %w", queue, err)
	}
	return n, nil
}

func (q *RedisQueue) key(parts ...string) string {
	k := q.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *RedisQueue) jobKey(id string) string { return q.key("job", id) }

func (q *RedisQueue) queueKey(name string) string { return q.key("queue", name) }
