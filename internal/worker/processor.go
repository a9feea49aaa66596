package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dlcs/composite-handler/internal/config"
	"github.com/dlcs/composite-handler/internal/queue"
	"github.com/dlcs/composite-handler/internal/telemetry"
)

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	handlers map[string]Handler
	workerID string
}

// Handler executes a task for a given type.
type Handler func(ctx context.Context, task queue.Task) error

// NewProcessor creates a processor with a worker ID for logging.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[string]Handler),
		workerID: workerID,
	}
}

// RegisterHandler binds a handler to a task type.
func (p *Processor) RegisterHandler(taskType string, handler Handler) {
	if taskType == "" || handler == nil {
		return
	}
	p.handlers[taskType] = handler
}

// Run starts the main worker loop until context cancellation. Pipeline
// failures are recorded and dead-lettered, never rescheduled; the lease
// requeue only covers workers that died mid-task.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			log.Printf("worker %s: reclaimed %d expired leases", p.workerID, len(reclaimed))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		lease, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			time.Sleep(p.cfg.WorkerPollInterval)
			continue
		}
		if lease == nil {
			time.Sleep(p.cfg.WorkerPollInterval)
			continue
		}

		if err := p.runTask(ctx, lease); err != nil {
			log.Printf("worker %s: task %s member %s: %v", p.workerID, lease.Task.Type, lease.Task.MemberID, err)
			if lease.Task.Type == queue.TaskProcessMember {
				_ = p.queue.DLQPush(ctx, lease.Task.MemberID)
			}
		}
		_ = p.queue.Ack(ctx, lease)
	}
}

func (p *Processor) runTask(ctx context.Context, lease *queue.Lease) error {
	task := lease.Task
	handler, ok := p.handlers[task.Type]
	if !ok {
		return fmt.Errorf("no handler registered for type %q", task.Type)
	}
	if task.Type == queue.TaskProcessMember {
		telemetry.MembersInFlight.Inc()
		defer telemetry.MembersInFlight.Dec()
		stop := p.keepLeaseAlive(ctx, lease)
		defer stop()
	}
	return handler(ctx, task)
}

// keepLeaseAlive extends the visibility deadline while a member's pipeline
// runs, so a slow stage cannot outlast the timeout and hand the live member
// to a second worker. The returned stop function ends the heartbeat.
func (p *Processor) keepLeaseAlive(ctx context.Context, lease *queue.Lease) func() {
	visibility := p.cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 15 * time.Minute
	}
	interval := visibility / 3

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, lease, visibility); err != nil {
					log.Printf("worker %s: extend lease for member %s: %v", p.workerID, lease.Task.MemberID, err)
				}
			}
		}
	}()
	return func() { close(done) }
}
