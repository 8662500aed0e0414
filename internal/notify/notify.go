// Package notify implements the notification queue (C11): three FIFO
// priority queues plus a time-sorted scheduled set, adapted from an
// in-process job-queue pattern to addressed push/notification payloads.
// Unlike the in-process source, delayed delivery is backed by a Redis
// ZSET so a scheduled notification survives a process restart.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Priority is the delivery urgency of a notification.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// Notification is a single addressed message for C11 to deliver.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Priority  Priority  `json:"priority"`
	Message   string    `json:"message"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

// PushProvider is the outbound delivery channel; in production this
// would call a push-notification gateway (FCM/APNS).
type PushProvider interface {
	Send(ctx context.Context, userID, message string) error
}

const scheduledSetKey = "notify:scheduled"

// Queue runs NumWorkers goroutines draining high-then-normal-then-low
// priority channels, with a scheduler goroutine moving ready items out
// of the Redis scheduled set.
type Queue struct {
	high   chan Notification
	normal chan Notification
	low    chan Notification

	provider   PushProvider
	maxRetries int
	rdb        *redis.Client

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	done         chan struct{}

	metrics struct {
		queued    uint64
		delivered uint64
		failed    uint64
	}
}

// Config configures queue sizing and worker count.
type Config struct {
	NumWorkers int
	QueueSize  int
	MaxRetries int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{NumWorkers: 4, QueueSize: 1000, MaxRetries: 3}
}

// New constructs and starts a Queue. rdb is optional — when nil,
// Schedule falls back to an in-process timer instead of the Redis ZSET.
func New(cfg Config, provider PushProvider, rdb *redis.Client) *Queue {
	if cfg.NumWorkers == 0 {
		cfg = DefaultConfig()
	}
	q := &Queue{
		high:       make(chan Notification, cfg.QueueSize),
		normal:     make(chan Notification, cfg.QueueSize),
		low:        make(chan Notification, cfg.QueueSize),
		provider:   provider,
		maxRetries: cfg.MaxRetries,
		rdb:        rdb,
		done:       make(chan struct{}),
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		q.wg.Add(1)
		go q.runWorker(i)
	}
	if rdb != nil {
		q.wg.Add(1)
		go q.runScheduler()
	}
	return q
}

// Enqueue places a notification directly onto its priority queue.
func (q *Queue) Enqueue(ctx context.Context, n Notification) error {
	atomic.AddUint64(&q.metrics.queued, 1)
	queue := q.queueFor(n.Priority)
	select {
	case queue <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return fmt.Errorf("notify: queue shutting down")
	}
}

// Schedule places a notification into the delayed set, to be moved onto
// its priority queue once deliverAt elapses.
func (q *Queue) Schedule(ctx context.Context, n Notification, deliverAt time.Time) error {
	if q.rdb == nil {
		go func() {
			time.Sleep(time.Until(deliverAt))
			_ = q.Enqueue(context.Background(), n)
		}()
		return nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: marshal scheduled notification: %w", err)
	}
	return q.rdb.ZAdd(ctx, scheduledSetKey, redis.Z{Score: float64(deliverAt.Unix()), Member: data}).Err()
}

func (q *Queue) queueFor(p Priority) chan Notification {
	switch p {
	case PriorityHigh:
		return q.high
	case PriorityLow:
		return q.low
	default:
		return q.normal
	}
}

// runScheduler polls the Redis ZSET every second, moving any member
// whose score (unix deliver time) has passed into its priority queue.
func (q *Queue) runScheduler() {
	defer q.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.drainReady()
		}
	}
}

func (q *Queue) drainReady() {
	ctx := context.Background()
	now := float64(time.Now().Unix())
	members, err := q.rdb.ZRangeByScore(ctx, scheduledSetKey, &redis.ZRangeBy{Min: "0", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return
	}
	for _, raw := range members {
		var n Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			q.rdb.ZRem(ctx, scheduledSetKey, raw)
			continue
		}
		if removed, _ := q.rdb.ZRem(ctx, scheduledSetKey, raw).Result(); removed == 0 {
			continue // another instance already claimed it
		}
		_ = q.Enqueue(ctx, n)
	}
}

func (q *Queue) runWorker(id int) {
	defer q.wg.Done()
	for {
		n, ok := q.selectNext()
		if !ok {
			return
		}
		q.deliver(n)
	}
}

func (q *Queue) selectNext() (Notification, bool) {
	select {
	case <-q.done:
		return Notification{}, false
	default:
	}

	select {
	case n := <-q.high:
		return n, true
	default:
	}
	select {
	case n := <-q.normal:
		return n, true
	default:
	}
	select {
	case n := <-q.high:
		return n, true
	case n := <-q.normal:
		return n, true
	case n := <-q.low:
		return n, true
	case <-q.done:
		return Notification{}, false
	}
}

func (q *Queue) deliver(n Notification) {
	ctx := context.Background()
	var err error
	for attempt := 0; attempt <= q.maxRetries; attempt++ {
		n.Attempts = attempt + 1
		err = q.provider.Send(ctx, n.UserID, n.Message)
		if err == nil {
			atomic.AddUint64(&q.metrics.delivered, 1)
			return
		}
		if attempt < q.maxRetries {
			time.Sleep(time.Duration(1<<uint(attempt)) * time.Second)
		}
	}
	atomic.AddUint64(&q.metrics.failed, 1)
}

// Close gracefully shuts down the queue, waiting for in-flight
// deliveries.
func (q *Queue) Close() {
	q.shutdownOnce.Do(func() {
		close(q.done)
		q.wg.Wait()
	})
}

// Metrics reports queued/delivered/failed counters.
func (q *Queue) Metrics() (queued, delivered, failed uint64) {
	return atomic.LoadUint64(&q.metrics.queued), atomic.LoadUint64(&q.metrics.delivered), atomic.LoadUint64(&q.metrics.failed)
}

// NotifyUser enqueues a normal-priority notification; it satisfies the
// Notifier interface the cancellation engine depends on.
func (q *Queue) NotifyUser(ctx context.Context, userID, message string) error {
	return q.Enqueue(ctx, Notification{
		ID:        fmt.Sprintf("n-%d", time.Now().UnixNano()),
		UserID:    userID,
		Priority:  PriorityNormal,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	})
}
