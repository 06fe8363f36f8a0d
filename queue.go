package lgrd

/*
Ingestion queue: a bounded FIFO between the connection handlers (many
producers) and the writer goroutine (single consumer). The single consumer
gives a total order over every record that reaches the buffer.

A record producer facing a full queue waits at most enqueue_timeout and then
drops the record. Commands are never dropped: they wait for room until the
caller's context is done, and they are answered by the consumer once every
item queued before them has been handled.
*/

import (
	"context"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/pkg/errors"
)

type ingestQueue struct {
	items   chan queueItem
	closing chan struct{}
	mu      sync.RWMutex // held for reading by producers, for writing by close
	once    sync.Once
	closed  bool
	timeout time.Duration
	clock   clock.Clock
	stats   *Stats
}

func newIngestQueue(size int, timeout time.Duration, clk clock.Clock, stats *Stats) *ingestQueue {
	if size <= 0 {
		size = DEFAULT_QUEUE_SIZE
	}
	return &ingestQueue{
		items:   make(chan queueItem, size),
		closing: make(chan struct{}),
		timeout: timeout,
		clock:   clk,
		stats:   stats,
	}
}

// push enqueues a record. A full queue is waited on for the configured
// timeout, after which the record is dropped, counted and a KIND_CAPACITY
// error is returned.
func (q *ingestQueue) push(rec *LogRecord) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	item := queueItem{kind: _ITEM_RECORD, record: rec}
	select {
	case q.items <- item:
		return nil
	default:
	}
	if q.timeout > 0 {
		timer := q.clock.NewTimer(q.timeout)
		defer timer.Stop()
		select {
		case q.items <- item:
			return nil
		case <-q.closing:
			return ErrQueueClosed
		case <-timer.C():
		}
	}
	q.stats.dropped.Add(1)
	return NewError(KIND_CAPACITY, "enqueue", errors.New(_ERROR_MESSAGE_QUEUE_FULL))
}

// command enqueues cmd and waits until the consumer has executed it.
func (q *ingestQueue) command(ctx context.Context, cmd cmdType) error {
	done := make(chan error, 1)
	if err := q.enqueue(ctx, queueItem{kind: _ITEM_COMMAND, cmd: cmd, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue blocks until item is queued, ctx is done or the queue is closed.
func (q *ingestQueue) enqueue(ctx context.Context, item queueItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.items <- item:
		return nil
	case <-q.closing:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *ingestQueue) receiver() <-chan queueItem {
	return q.items
}

func (q *ingestQueue) length() int {
	return len(q.items)
}

// close rejects further pushes and releases blocked producers. Items already
// queued stay readable from receiver() until it is drained.
func (q *ingestQueue) close() {
	q.once.Do(func() { close(q.closing) })
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
}
