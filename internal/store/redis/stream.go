// Package redis implements the scan task queue on Redis Streams with a
// consumer group. Unacked entries idle longer than the visibility timeout
// are reclaimed by XAUTOCLAIM; entries delivered MaxDeliveries times are
// copied to a dead-letter stream.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/deposit-reconciler/internal/metrics"
	"github.com/emperorhan/deposit-reconciler/internal/queue"
	"github.com/redis/go-redis/v9"
)

const (
	Backend = "redis"

	fieldOrderID    = "order_id"
	fieldEnqueuedAt = "enqueued_at"
)

// NewClient parses url and verifies the server answers.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

type StreamConfig struct {
	Stream            string
	Group             string
	Consumer          string
	DeadLetterStream  string
	BlockTimeout      time.Duration
	VisibilityTimeout time.Duration
	MaxDeliveries     int
}

// StreamQueue implements queue.TaskSource and queue.Enqueuer.
type StreamQueue struct {
	client *redis.Client
	cfg    StreamConfig
	logger *slog.Logger
}

func NewStreamQueue(client *redis.Client, cfg StreamConfig, logger *slog.Logger) (*StreamQueue, error) {
	if cfg.Stream == "" || cfg.Group == "" || cfg.Consumer == "" {
		return nil, errors.New("redis stream, group and consumer are required")
	}
	if cfg.DeadLetterStream == "" {
		cfg.DeadLetterStream = cfg.Stream + ":dead"
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.MaxDeliveries < 1 {
		cfg.MaxDeliveries = 1
	}
	return &StreamQueue{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "redis_queue", "stream", cfg.Stream, "group", cfg.Group),
	}, nil
}

// EnsureGroup creates the stream and consumer group if missing.
func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", q.cfg.Group, err)
	}
	return nil
}

func (q *StreamQueue) Enqueue(ctx context.Context, orderID string) error {
	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{
			fieldOrderID:    orderID,
			fieldEnqueuedAt: time.Now().UTC().UnixMilli(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", q.cfg.Stream, err)
	}
	return nil
}

// Receive returns a reclaimed stale entry if one exists, otherwise blocks
// for a new one. A nil task with nil error means the block timed out.
func (q *StreamQueue) Receive(ctx context.Context) (*queue.Task, error) {
	task, err := q.reclaim(ctx)
	if err != nil || task != nil {
		return task, err
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    1,
		Block:    q.cfg.BlockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", q.cfg.Stream, err)
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			return q.toTask(ctx, msg, 1)
		}
	}
	return nil, nil
}

func (q *StreamQueue) reclaim(ctx context.Context) (*queue.Task, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.VisibilityTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim %s: %w", q.cfg.Stream, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	msg := msgs[0]
	metrics.QueueReclaimed.WithLabelValues(Backend).Inc()
	attempt, err := q.deliveryCount(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	q.logger.Info("reclaimed stale task", "task_id", msg.ID, "attempt", attempt)
	return q.toTask(ctx, msg, attempt)
}

func (q *StreamQueue) deliveryCount(ctx context.Context, id string) (int, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s: %w", id, err)
	}
	if len(pending) == 0 {
		return 1, nil
	}
	return max(1, int(pending[0].RetryCount)), nil
}

// toTask converts a stream entry. Entries without an order id are acked and
// dropped.
func (q *StreamQueue) toTask(ctx context.Context, msg redis.XMessage, attempt int) (*queue.Task, error) {
	orderID, _ := msg.Values[fieldOrderID].(string)
	if strings.TrimSpace(orderID) == "" {
		q.logger.Warn("dropping malformed task", "task_id", msg.ID)
		if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, msg.ID).Err(); err != nil {
			return nil, fmt.Errorf("xack %s: %w", msg.ID, err)
		}
		return nil, nil
	}
	return &queue.Task{
		ID:         msg.ID,
		OrderID:    orderID,
		Attempt:    attempt,
		EnqueuedAt: parseEnqueuedAt(msg.Values[fieldEnqueuedAt]),
	}, nil
}

func (q *StreamQueue) Ack(ctx context.Context, task *queue.Task) error {
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, task.ID).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", task.ID, err)
	}
	return nil
}

// Fail leaves the entry pending so it is reclaimed after the visibility
// timeout. Once MaxDeliveries is reached the entry is moved to the
// dead-letter stream.
func (q *StreamQueue) Fail(ctx context.Context, task *queue.Task, cause error) error {
	if task.Attempt < q.cfg.MaxDeliveries {
		return nil
	}

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.cfg.DeadLetterStream,
			Values: map[string]any{
				fieldOrderID: task.OrderID,
				"source_id":  task.ID,
				"attempts":   task.Attempt,
				"error":      reason,
			},
		})
		pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, task.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", task.ID, err)
	}
	metrics.QueueDeadLettered.WithLabelValues(Backend).Inc()
	q.logger.Warn("task dead-lettered",
		"task_id", task.ID,
		"order_id", task.OrderID,
		"attempts", task.Attempt,
		"error", reason,
	)
	return nil
}

// Ping reports whether the server is reachable.
func (q *StreamQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func parseEnqueuedAt(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
