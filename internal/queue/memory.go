package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/emperorhan/deposit-reconciler/internal/metrics"
)

const BackendMemory = "memory"

// ErrQueueFull is returned by MemorySource.Enqueue when the buffer is full.
var ErrQueueFull = errors.New("memory queue full")

// MemorySource is an in-process TaskSource for single-process runs and
// tests. Failed tasks are requeued until maxDeliveries, then dead-lettered.
type MemorySource struct {
	capacity      int
	maxDeliveries int
	notify        chan struct{}

	mu      sync.Mutex
	seq     int64
	pending []*Task
	closed  bool
	acked   []Task
	dead    []Task
}

func NewMemorySource(capacity, maxDeliveries int) *MemorySource {
	if capacity < 1 {
		capacity = 1
	}
	if maxDeliveries < 1 {
		maxDeliveries = 1
	}
	return &MemorySource{
		capacity:      capacity,
		maxDeliveries: maxDeliveries,
		notify:        make(chan struct{}, 1),
	}
}

func (s *MemorySource) Enqueue(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(s.pending) >= s.capacity {
		return ErrQueueFull
	}
	s.seq++
	s.pending = append(s.pending, &Task{
		ID:         strconv.FormatInt(s.seq, 10),
		OrderID:    orderID,
		Attempt:    1,
		EnqueuedAt: time.Now(),
	})
	s.signal()
	return nil
}

func (s *MemorySource) Receive(ctx context.Context) (*Task, error) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			task := s.pending[0]
			s.pending[0] = nil
			s.pending = s.pending[1:]
			if len(s.pending) > 0 {
				s.signal()
			}
			s.mu.Unlock()
			return task, nil
		}
		if s.closed {
			s.signal()
			s.mu.Unlock()
			return nil, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *MemorySource) Ack(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, *task)
	return nil
}

// Fail requeues the task regardless of capacity, or dead-letters it once it
// has been delivered maxDeliveries times. A closed source drops it.
func (s *MemorySource) Fail(_ context.Context, task *Task, _ error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.Attempt >= s.maxDeliveries {
		s.dead = append(s.dead, *task)
		metrics.QueueDeadLettered.WithLabelValues(BackendMemory).Inc()
		return nil
	}
	if s.closed {
		return ErrClosed
	}
	next := *task
	next.Attempt++
	s.pending = append(s.pending, &next)
	s.signal()
	return nil
}

// Close stops accepting tasks. Receive drains what is pending, then
// returns ErrClosed.
func (s *MemorySource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.signal()
}

func (s *MemorySource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *MemorySource) Acked() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Task(nil), s.acked...)
}

func (s *MemorySource) DeadLetters() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Task(nil), s.dead...)
}

// must be called with mu held
func (s *MemorySource) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
