// Package kafka implements the scan task queue on a Kafka topic consumed by
// a consumer group. Failed messages are re-published with an incremented
// attempt header; after MaxDeliveries they go to the dead-letter topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/deposit-reconciler/internal/metrics"
	"github.com/emperorhan/deposit-reconciler/internal/queue"
	"github.com/segmentio/kafka-go"
)

const (
	Backend = "kafka"

	headerAttempt = "attempt"
	headerError   = "error"
)

type Config struct {
	Brokers       []string
	Topic         string
	GroupID       string
	DLQTopic      string
	MaxDeliveries int
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type payload struct {
	OrderID    string `json:"order_id"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// Queue implements queue.TaskSource and queue.Enqueuer. Offsets are
// committed in order per partition, so a commit also covers earlier
// messages of the same partition.
type Queue struct {
	cfg    Config
	reader messageReader
	writer messageWriter
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Queue, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("kafka brokers, topic and group id are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 1 << 20,
		MaxWait:  time.Second,
	})
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newQueue(cfg, reader, writer, logger), nil
}

func newQueue(cfg Config, reader messageReader, writer messageWriter, logger *slog.Logger) *Queue {
	if cfg.MaxDeliveries < 1 {
		cfg.MaxDeliveries = 1
	}
	return &Queue{
		cfg:    cfg,
		reader: reader,
		writer: writer,
		logger: logger.With("component", "kafka_queue", "topic", cfg.Topic, "group", cfg.GroupID),
	}
}

func (q *Queue) Enqueue(ctx context.Context, orderID string) error {
	msg, err := newMessage(q.cfg.Topic, orderID, 1, time.Now())
	if err != nil {
		return err
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", q.cfg.Topic, err)
	}
	return nil
}

func (q *Queue) Receive(ctx context.Context) (*queue.Task, error) {
	msg, err := q.reader.FetchMessage(ctx)
	if errors.Is(err, io.EOF) {
		return nil, queue.ErrClosed
	}
	if err != nil {
		return nil, fmt.Errorf("fetch message: %w", err)
	}

	var p payload
	if err := json.Unmarshal(msg.Value, &p); err != nil || strings.TrimSpace(p.OrderID) == "" {
		q.logger.Warn("dropping malformed task", "task_id", messageID(msg))
		if err := q.reader.CommitMessages(ctx, msg); err != nil {
			return nil, fmt.Errorf("commit %s: %w", messageID(msg), err)
		}
		return nil, nil
	}

	task := queue.Task{
		ID:      messageID(msg),
		OrderID: p.OrderID,
		Attempt: attemptOf(msg),
	}
	if p.EnqueuedAt > 0 {
		task.EnqueuedAt = time.UnixMilli(p.EnqueuedAt).UTC()
	}
	return task.WithRef(msg), nil
}

func (q *Queue) Ack(ctx context.Context, task *queue.Task) error {
	msg, ok := task.Ref().(kafka.Message)
	if !ok {
		return fmt.Errorf("task %s has no kafka message", task.ID)
	}
	if err := q.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit %s: %w", task.ID, err)
	}
	return nil
}

// Fail re-publishes the task with the next attempt number, or to the DLQ
// topic once MaxDeliveries is reached, then commits the original. Without a
// DLQ topic exhausted tasks are dropped.
func (q *Queue) Fail(ctx context.Context, task *queue.Task, cause error) error {
	msg, ok := task.Ref().(kafka.Message)
	if !ok {
		return fmt.Errorf("task %s has no kafka message", task.ID)
	}

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	if task.Attempt < q.cfg.MaxDeliveries {
		retryMsg, err := newMessage(q.cfg.Topic, task.OrderID, task.Attempt+1, task.EnqueuedAt)
		if err != nil {
			return err
		}
		if err := q.writer.WriteMessages(ctx, retryMsg); err != nil {
			return fmt.Errorf("republish %s: %w", task.ID, err)
		}
	} else {
		if q.cfg.DLQTopic != "" {
			deadMsg, err := newMessage(q.cfg.DLQTopic, task.OrderID, task.Attempt, task.EnqueuedAt)
			if err != nil {
				return err
			}
			deadMsg.Headers = append(deadMsg.Headers, kafka.Header{Key: headerError, Value: []byte(reason)})
			if err := q.writer.WriteMessages(ctx, deadMsg); err != nil {
				return fmt.Errorf("dead-letter %s: %w", task.ID, err)
			}
		}
		metrics.QueueDeadLettered.WithLabelValues(Backend).Inc()
		q.logger.Warn("task dead-lettered",
			"task_id", task.ID,
			"order_id", task.OrderID,
			"attempts", task.Attempt,
			"dlq_topic", q.cfg.DLQTopic,
			"error", reason,
		)
	}

	if err := q.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit %s: %w", task.ID, err)
	}
	return nil
}

func (q *Queue) Close() error {
	return errors.Join(q.reader.Close(), q.writer.Close())
}

func newMessage(topic, orderID string, attempt int, enqueuedAt time.Time) (kafka.Message, error) {
	p := payload{OrderID: orderID}
	if !enqueuedAt.IsZero() {
		p.EnqueuedAt = enqueuedAt.UnixMilli()
	}
	value, err := json.Marshal(p)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode task: %w", err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(orderID),
		Value: value,
		Headers: []kafka.Header{
			{Key: headerAttempt, Value: []byte(strconv.Itoa(attempt))},
		},
	}, nil
}

func attemptOf(msg kafka.Message) int {
	for _, h := range msg.Headers {
		if h.Key != headerAttempt {
			continue
		}
		n, err := strconv.Atoi(string(h.Value))
		if err != nil || n < 1 {
			return 1
		}
		return n
	}
	return 1
}

func messageID(msg kafka.Message) string {
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}
