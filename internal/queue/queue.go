// Package queue delivers order ids to the scan handler. Backends implement
// TaskSource; redelivery policy belongs to each backend.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Receive once a source is closed and drained.
var ErrClosed = errors.New("task source closed")

// Task is one delivery of an order id.
type Task struct {
	// ID is the backend message id (stream entry id, partition/offset, ...).
	ID      string
	OrderID string
	// Attempt counts deliveries of this message, starting at 1.
	Attempt    int
	EnqueuedAt time.Time

	// ref carries backend-specific state between Receive and Ack/Fail.
	ref any
}

// WithRef returns a copy of t carrying backend state.
func (t Task) WithRef(ref any) *Task {
	t.ref = ref
	return &t
}

// Ref returns the backend state attached by WithRef.
func (t *Task) Ref() any { return t.ref }

type TaskSource interface {
	// Receive blocks until a task is available or ctx is done.
	Receive(ctx context.Context) (*Task, error)
	// Ack marks the task as handled.
	Ack(ctx context.Context, task *Task) error
	// Fail releases the task for redelivery or dead-letters it.
	Fail(ctx context.Context, task *Task, cause error) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, orderID string) error
}

// Handler processes one order id.
type Handler interface {
	Handle(ctx context.Context, orderID string) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, orderID string) error

func (f HandlerFunc) Handle(ctx context.Context, orderID string) error { return f(ctx, orderID) }
