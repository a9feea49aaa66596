package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dlcs/composite-handler/internal/config"
)

// Task types dispatched through the queue.
const (
	TaskProcessMember    = "process_member"
	TaskCleanupWorkspace = "cleanup_workspace"
)

// Task is the envelope pushed through Redis. The Authorization header travels
// with the task rather than being persisted alongside the member row.
type Task struct {
	Type     string `json:"type"`
	MemberID string `json:"member_id"`
	Auth     string `json:"auth,omitempty"`
}

// Lease pairs a decoded task with the raw envelope used for ack/lease tracking.
type Lease struct {
	Task Task
	raw  string
}

// RedisQueue coordinates ready, in-flight, and scheduled task queues in Redis.
// Delivery is at-least-once: a worker that dies mid-task loses its lease and
// the task is re-queued by RequeueExpired.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	taskMetaPrefix string
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
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 15 * time.Minute
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "queue:inflight",
		scheduledKey:   "queue:scheduled",
		taskMetaPrefix: "queue:taskmeta:",
		visibilityTTL:  visibility,
		dlqKey:         cfg.DLQName,
	}
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("queue:ready:%s", priority)
}

func (q *RedisQueue) metaKey(raw string) string {
	return q.taskMetaPrefix + raw
}

// Submit is fire-and-forget: the task lands in either the scheduled set or a
// ready queue and the caller does not learn when (or how often) it runs.
func (q *RedisQueue) Submit(ctx context.Context, task Task, priority string, runAt time.Time) error {
	if priority == "" {
		priority = "default"
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(string(raw)), "priority", priority)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: string(raw)})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), string(raw))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled tasks into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	raws, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(raws) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, raw := range raws {
		priority, err := q.client.HGet(ctx, q.metaKey(raw), "priority").Result()
		if err != nil || priority == "" {
			priority = "default"
		}
		pipe.ZRem(ctx, q.scheduledKey, raw)
		pipe.RPush(ctx, q.readyKey(priority), raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(raws), nil
}

// DequeueWithLease pops a task from ready queues (priority order) and places it
// into inflight with a visibility timeout.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (*Lease, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	lease := &Lease{raw: raw}
	if err := json.Unmarshal([]byte(raw), &lease.Task); err != nil {
		return nil, fmt.Errorf("decode task envelope: %w", err)
	}
	return lease, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, lease *Lease, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: lease.raw,
	}).Err()
}

// Ack removes a task from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, lease *Lease) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, lease.raw)
	pipe.Del(ctx, q.metaKey(lease.raw))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the tasks.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]Task, error) {
	raws, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, nil
	}

	tasks := make([]Task, 0, len(raws))
	pipe := q.client.TxPipeline()
	for _, raw := range raws {
		priority, err := q.client.HGet(ctx, q.metaKey(raw), "priority").Result()
		if err != nil || priority == "" {
			priority = "default"
		}
		pipe.ZRem(ctx, q.inflightKey, raw)
		pipe.RPush(ctx, q.readyKey(priority), raw)

		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err == nil {
			tasks = append(tasks, task)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return tasks, nil
}

// DLQPush records a member whose pipeline ended in ERROR, for operator inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, memberID string) error {
	return q.client.RPush(ctx, q.dlqKey, memberID).Err()
}

// DLQPeek reads the latest dead-lettered member IDs.
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
  local task = redis.call('LPOP', KEYS[i])
  if task then
    redis.call('ZADD', inflight, ARGV[1], task)
    return task
  end
end
return nil
`)
