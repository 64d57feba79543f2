// Package queue provides the message channels connecting the supervisor,
// the worker processes and the operator console.
//
// A Queue is an unbounded FIFO of text messages. Put never blocks, which
// keeps a slow reader from stalling the writer. Readers either poll with
// TryGet, block with Get, or multiplex several queues by selecting on Ready.
//
// Across a process boundary a Queue is fed by Pump (reading from a pipe) and
// drained by an Encoder (writing to a pipe). Both use one JSON string per
// line, so multi-line payloads survive the trip.
package queue

import (
	"context"
	"sync"

	"github.com/golang-collections/collections/queue"
)

// Sender is the write end of a channel.
type Sender interface {
	Put(msg string)
}

// Receiver is the read end of a channel.
type Receiver interface {
	TryGet() (string, bool)
	Get(ctx context.Context) (string, error)
}

// Queue is safe for concurrent use by any number of writers and readers.
type Queue struct {
	mx    sync.Mutex
	items *queue.Queue
	ready chan struct{}
}

func New() *Queue {
	return &Queue{
		items: queue.New(),
		ready: make(chan struct{}, 1),
	}
}

// Put appends msg to the queue.
func (q *Queue) Put(msg string) {
	q.mx.Lock()
	q.items.Enqueue(msg)
	q.mx.Unlock()
	q.notify()
}

// TryGet returns the oldest message without blocking.
func (q *Queue) TryGet() (string, bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.items.Len() == 0 {
		return "", false
	}
	msg := q.items.Dequeue().(string)
	if q.items.Len() > 0 {
		q.notify()
	}
	return msg, true
}

// Get blocks until a message is available or ctx is done.
func (q *Queue) Get(ctx context.Context) (string, error) {
	for {
		if msg, ok := q.TryGet(); ok {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.ready:
		}
	}
}

// Ready returns a channel which receives a value whenever the queue may
// hold messages. A receive is a hint, TryGet can still come back empty when
// another reader was faster.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return q.items.Len()
}

// Extract removes and returns the first message for which match returns true,
// keeping the order of all other messages.
func (q *Queue) Extract(match func(string) bool) (string, bool) {
	q.mx.Lock()
	defer q.mx.Unlock()

	var (
		found string
		ok    bool
	)
	kept := queue.New()
	for q.items.Len() > 0 {
		msg := q.items.Dequeue().(string)
		if !ok && match(msg) {
			found, ok = msg, true
			continue
		}
		kept.Enqueue(msg)
	}
	q.items = kept
	if q.items.Len() > 0 {
		q.notify()
	}
	return found, ok
}

// Drain removes and returns all queued messages.
func (q *Queue) Drain() []string {
	q.mx.Lock()
	defer q.mx.Unlock()
	ret := make([]string, 0, q.items.Len())
	for q.items.Len() > 0 {
		ret = append(ret, q.items.Dequeue().(string))
	}
	return ret
}

func (q *Queue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
