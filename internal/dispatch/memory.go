package dispatch

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
)

// ErrQueueFull is returned by MemoryQueue.Publish when the buffer is full
var ErrQueueFull = errors.New("dispatch queue full")

// MemoryQueue is an in-process dispatch queue backed by a buffered channel.
// Messages do not survive a restart; the sweep returns their rows to queued.
type MemoryQueue struct {
	ch     chan *Message
	nextID atomic.Int64
	batch  int
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{
		ch:    make(chan *Message, size),
		batch: 10,
	}
}

// Publish enqueues without blocking
func (q *MemoryQueue) Publish(ctx context.Context, msg *Message) (string, error) {
	select {
	case q.ch <- msg:
		return "mem-" + strconv.FormatInt(q.nextID.Add(1), 10), nil
	default:
		return "", ErrQueueFull
	}
}

// Receive blocks until at least one message is available or ctx is done,
// then drains up to a batch
func (q *MemoryQueue) Receive(ctx context.Context) ([]*Delivery, error) {
	var first *Message
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case first = <-q.ch:
	}

	out := []*Delivery{q.delivery(first)}
	for len(out) < q.batch {
		select {
		case m := <-q.ch:
			out = append(out, q.delivery(m))
		default:
			return out, nil
		}
	}
	return out, nil
}

// Len reports buffered messages
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

func (q *MemoryQueue) delivery(m *Message) *Delivery {
	return &Delivery{
		Message: m,
		nack: func(ctx context.Context) error {
			_, err := q.Publish(ctx, m)
			return err
		},
	}
}
