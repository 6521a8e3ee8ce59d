package pipeline

import (
	"errors"
	"sync"
	"time"

	"github.com/logforge/daemon/internal/schema"
)

var (
	// ErrPopTimeout is returned by Pop when no record arrived within the
	// deadline. The caller treats this as the interval flush trigger.
	ErrPopTimeout = errors.New("queue pop timed out")

	// ErrClosed is returned by Pop once the queue is closed and drained.
	ErrClosed = errors.New("queue is closed")
)

// Queue is the bounded record queue between sessions and the writer.
// Many producers, single consumer. Push never blocks: a full queue drops
// the record and the caller counts the drop. Pop blocks with a deadline
// so the consumer can service its flush timer.
type Queue struct {
	ch        chan schema.Record
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue creates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:   make(chan schema.Record, capacity),
		done: make(chan struct{}),
	}
}

// TryPush offers a record without blocking. Returns false when the queue
// is full or closed; the record is dropped in either case.
func (q *Queue) TryPush(rec schema.Record) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.ch <- rec:
		return true
	default:
		return false
	}
}

// Pop waits up to timeout for the next record. After Close, buffered
// records are still drained before ErrClosed is reported.
func (q *Queue) Pop(timeout time.Duration) (schema.Record, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rec := <-q.ch:
		return rec, nil
	case <-q.done:
		select {
		case rec := <-q.ch:
			return rec, nil
		default:
			return schema.Record{}, ErrClosed
		}
	case <-timer.C:
		return schema.Record{}, ErrPopTimeout
	}
}

// TryPop drains one buffered record without waiting.
func (q *Queue) TryPop() (schema.Record, bool) {
	select {
	case rec := <-q.ch:
		return rec, true
	default:
		return schema.Record{}, false
	}
}

// Close signals the consumer that no more records will arrive. Producers
// observe the closed state through failing TryPush calls; the channel
// itself is never closed so late pushes cannot panic.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

// Len returns the number of buffered records.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}
