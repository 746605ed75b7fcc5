package redis

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnqueuedAt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    any
		expected time.Time
	}{
		{name: "millis", input: "1700000000123", expected: time.UnixMilli(1700000000123).UTC()},
		{name: "empty", input: "", expected: time.Time{}},
		{name: "non-numeric", input: "abc", expected: time.Time{}},
		{name: "negative", input: "-5", expected: time.Time{}},
		{name: "missing", input: nil, expected: time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, parseEnqueuedAt(tt.input))
		})
	}
}

func TestNewStreamQueue_Defaults(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	q, err := NewStreamQueue(client, StreamConfig{
		Stream:   "scans",
		Group:    "reconciler",
		Consumer: "host-1",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.Equal(t, "scans:dead", q.cfg.DeadLetterStream)
	assert.Equal(t, 5*time.Second, q.cfg.BlockTimeout)
	assert.Equal(t, 5*time.Minute, q.cfg.VisibilityTimeout)
	assert.Equal(t, 1, q.cfg.MaxDeliveries)
}

func TestNewStreamQueue_RequiresNames(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	_, err := NewStreamQueue(client, StreamConfig{Stream: "scans"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}
