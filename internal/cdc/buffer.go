package cdc

import (
	"context"
	"errors"
	"time"

	"dbsync/internal/models"
)

// ErrBufferFull is returned when a put cannot complete within its
// timeout. Callers drop the event and count it rather than blocking
// the source indefinitely.
var ErrBufferFull = errors.New("capture buffer full")

// Buffer is a bounded FIFO of change events. Within one provider,
// events leave in the order they were put.
type Buffer struct {
	ch chan *models.ChangeEvent
}

// NewBuffer creates a buffer holding up to size events.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = 1000
	}
	return &Buffer{ch: make(chan *models.ChangeEvent, size)}
}

// Put enqueues an event, waiting at most timeout for space.
func (b *Buffer) Put(ctx context.Context, ev *models.ChangeEvent, timeout time.Duration) error {
	select {
	case b.ch <- ev:
		return nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b.ch <- ev:
		return nil
	case <-timer.C:
		return ErrBufferFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get dequeues the next event, waiting at most timeout. A nil event
// with nil error means the wait timed out with nothing available.
func (b *Buffer) Get(ctx context.Context, timeout time.Duration) (*models.ChangeEvent, error) {
	select {
	case ev := <-b.ch:
		return ev, nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-b.ch:
		return ev, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int { return len(b.ch) }

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return cap(b.ch) }
