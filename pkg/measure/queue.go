// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package measure

import (
	"context"
	"sync/atomic"

	"github.com/Thermoquad/vnlink/pkg/asyncerr"
	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

// Option configures a Queue
type Option func(*Queue)

// WithErrors reports dropped measurements to an async channel
func WithErrors(ch *asyncerr.Channel) Option {
	return func(q *Queue) {
		q.errors = ch
	}
}

// Queue is a bounded FIFO of measurement snapshots. When full, new
// measurements are dropped and MeasurementQueueFull is reported once per
// overflow; the next successful dequeue ends the overflow. The most recent
// measurement is always available through MostRecent.
type Queue struct {
	ch          chan *Composite
	latest      atomic.Pointer[Composite]
	dropped     atomic.Uint64
	overflowing atomic.Bool
	errors      *asyncerr.Channel
}

// NewQueue creates a measurement queue. A capacity of zero or less keeps
// only the most recent measurement: nothing is queued and nothing is
// dropped.
func NewQueue(capacity int, opts ...Option) *Queue {
	q := &Queue{}
	if capacity > 0 {
		q.ch = make(chan *Composite, capacity)
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Offer converts a packet and enqueues it. It returns false when the packet
// is not a measurement or the queue was full.
func (q *Queue) Offer(p vnproto.Packet) bool {
	c, ok := FromPacket(p)
	if !ok {
		return false
	}
	return q.Push(c)
}

// Push enqueues a snapshot without blocking
func (q *Queue) Push(c *Composite) bool {
	q.latest.Store(c)
	if q.ch == nil {
		return true
	}
	select {
	case q.ch <- c:
		return true
	default:
	}
	q.dropped.Add(1)
	if q.errors != nil && q.overflowing.CompareAndSwap(false, true) {
		q.errors.Push(asyncerr.MeasurementQueueFull, c.Name(), nil)
	}
	return false
}

// Next dequeues the oldest snapshot without blocking
func (q *Queue) Next() (*Composite, bool) {
	select {
	case c := <-q.ch:
		q.overflowing.Store(false)
		return c, true
	default:
		return nil, false
	}
}

// Wait blocks until a snapshot is available or ctx is done. On a
// latest-only queue it waits for ctx.
func (q *Queue) Wait(ctx context.Context) (*Composite, error) {
	select {
	case c := <-q.ch:
		q.overflowing.Store(false)
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MostRecent returns the last snapshot pushed, queued or not
func (q *Queue) MostRecent() (*Composite, bool) {
	c := q.latest.Load()
	return c, c != nil
}

// Len returns the number of queued snapshots
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity
func (q *Queue) Cap() int { return cap(q.ch) }

// Dropped returns the number of snapshots dropped because the queue was full
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
