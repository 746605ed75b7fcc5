package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emperorhan/deposit-reconciler/internal/queue"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return kafka.Message{}, io.EOF
	}
	if len(r.messages) == 0 {
		return kafka.Message{}, context.DeadlineExceeded
	}
	msg := r.messages[0]
	r.messages = r.messages[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type fakeWriter struct {
	mu      sync.Mutex
	written []kafka.Message
	err     error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func newTestQueue(maxDeliveries int, dlq string) (*Queue, *fakeReader, *fakeWriter) {
	r := &fakeReader{}
	w := &fakeWriter{}
	q := newQueue(Config{
		Topic:         "scans",
		GroupID:       "reconciler",
		DLQTopic:      dlq,
		MaxDeliveries: maxDeliveries,
	}, r, w, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return q, r, w
}

func mustMessage(t *testing.T, orderID string, attempt int, offset int64) kafka.Message {
	t.Helper()
	msg, err := newMessage("scans", orderID, attempt, time.UnixMilli(1700000000000))
	require.NoError(t, err)
	msg.Partition = 2
	msg.Offset = offset
	return msg
}

func TestEnqueue_PublishesKeyedMessage(t *testing.T) {
	q, _, w := newTestQueue(3, "")

	require.NoError(t, q.Enqueue(context.Background(), "order-1"))

	require.Len(t, w.written, 1)
	msg := w.written[0]
	assert.Equal(t, "scans", msg.Topic)
	assert.Equal(t, []byte("order-1"), msg.Key)
	assert.Equal(t, 1, attemptOf(msg))
	assert.Contains(t, string(msg.Value), `"order_id":"order-1"`)
}

func TestReceive_DecodesTask(t *testing.T) {
	q, r, _ := newTestQueue(3, "")
	r.messages = []kafka.Message{mustMessage(t, "order-1", 2, 17)}

	task, err := q.Receive(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)

	assert.Equal(t, "scans/2/17", task.ID)
	assert.Equal(t, "order-1", task.OrderID)
	assert.Equal(t, 2, task.Attempt)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), task.EnqueuedAt)

	require.NoError(t, q.Ack(context.Background(), task))
	require.Len(t, r.committed, 1)
	assert.Equal(t, int64(17), r.committed[0].Offset)
}

func TestReceive_MalformedMessageIsCommittedAndSkipped(t *testing.T) {
	q, r, _ := newTestQueue(3, "")
	r.messages = []kafka.Message{{Topic: "scans", Offset: 3, Value: []byte("not json")}}

	task, err := q.Receive(context.Background())
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.Len(t, r.committed, 1)
}

func TestReceive_ClosedReader(t *testing.T) {
	q, _, _ := newTestQueue(3, "")
	require.NoError(t, q.Close())

	_, err := q.Receive(context.Background())
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestFail_RepublishesWithNextAttempt(t *testing.T) {
	q, r, w := newTestQueue(3, "scans-dlq")
	r.messages = []kafka.Message{mustMessage(t, "order-1", 1, 5)}

	task, err := q.Receive(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Fail(context.Background(), task, errors.New("boom")))

	require.Len(t, w.written, 1)
	assert.Equal(t, "scans", w.written[0].Topic)
	assert.Equal(t, 2, attemptOf(w.written[0]))
	assert.Len(t, r.committed, 1)
}

func TestFail_DeadLettersAfterMaxDeliveries(t *testing.T) {
	q, r, w := newTestQueue(3, "scans-dlq")
	r.messages = []kafka.Message{mustMessage(t, "order-1", 3, 5)}

	task, err := q.Receive(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Fail(context.Background(), task, errors.New("boom")))

	require.Len(t, w.written, 1)
	dead := w.written[0]
	assert.Equal(t, "scans-dlq", dead.Topic)
	assert.Equal(t, 3, attemptOf(dead))
	var reason string
	for _, h := range dead.Headers {
		if h.Key == headerError {
			reason = string(h.Value)
		}
	}
	assert.Equal(t, "boom", reason)
	assert.Len(t, r.committed, 1)
}

func TestFail_PublishErrorKeepsOffsetUncommitted(t *testing.T) {
	q, r, w := newTestQueue(3, "")
	r.messages = []kafka.Message{mustMessage(t, "order-1", 1, 5)}
	w.err = errors.New("broker down")

	task, err := q.Receive(context.Background())
	require.NoError(t, err)
	require.Error(t, q.Fail(context.Background(), task, errors.New("boom")))
	assert.Empty(t, r.committed)
}

func TestAttemptOf(t *testing.T) {
	tests := []struct {
		name    string
		headers []kafka.Header
		want    int
	}{
		{name: "missing", want: 1},
		{name: "valid", headers: []kafka.Header{{Key: headerAttempt, Value: []byte("4")}}, want: 4},
		{name: "garbage", headers: []kafka.Header{{Key: headerAttempt, Value: []byte("x")}}, want: 1},
		{name: "zero", headers: []kafka.Header{{Key: headerAttempt, Value: []byte("0")}}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, attemptOf(kafka.Message{Headers: tt.headers}))
		})
	}
}
