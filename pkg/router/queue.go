// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/vnlink/pkg/clock"
	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

// ErrQueueFull is returned when a Retry queue stays full past its timeout
var ErrQueueFull = errors.New("packet queue full")

// DefaultRetryTimeout is how long a Retry queue waits for room
const DefaultRetryTimeout = 10 * time.Millisecond

// Policy decides what happens when a queue is full
type Policy int

// Queue-full policies
const (
	// DropNewest silently drops the incoming packet and counts it
	DropNewest Policy = iota
	// Retry waits briefly for room, then drops and reports ErrQueueFull
	Retry
)

// String returns the policy name
func (p Policy) String() string {
	switch p {
	case DropNewest:
		return "DropNewest"
	case Retry:
		return "Retry"
	default:
		return "Unknown"
	}
}

// ParsePolicy parses "drop_newest" or "retry"
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "drop_newest", "dropnewest", "":
		return DropNewest, nil
	case "retry":
		return Retry, nil
	}
	return DropNewest, fmt.Errorf("unknown queue policy %q", s)
}

// QueueOption configures a Queue
type QueueOption func(*Queue)

// WithRetryTimeout sets how long a Retry queue waits for room
func WithRetryTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.retryTimeout = d
		}
	}
}

// WithClock sets the clock that times Retry waits
func WithClock(c clock.Clock) QueueOption {
	return func(q *Queue) {
		if c != nil {
			q.clock = c
		}
	}
}

// Queue is a bounded packet queue owned by one consumer
type Queue struct {
	name         string
	ch           chan vnproto.Packet
	policy       Policy
	retryTimeout time.Duration
	clock        clock.Clock

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewQueue creates a queue holding up to capacity packets
func NewQueue(name string, capacity int, policy Policy, opts ...QueueOption) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{
		name:         name,
		ch:           make(chan vnproto.Packet, capacity),
		policy:       policy,
		retryTimeout: DefaultRetryTimeout,
		clock:        clock.Real{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the queue name
func (q *Queue) Name() string { return q.name }

// Policy returns the queue-full policy
func (q *Queue) Policy() Policy { return q.policy }

// Push enqueues a packet according to the queue's policy
func (q *Queue) Push(p vnproto.Packet) error {
	select {
	case q.ch <- p:
		q.delivered.Add(1)
		return nil
	default:
	}

	if q.policy == Retry {
		select {
		case q.ch <- p:
			q.delivered.Add(1)
			return nil
		case <-q.clock.After(q.retryTimeout):
		}
		q.dropped.Add(1)
		return fmt.Errorf("%s: %w", q.name, ErrQueueFull)
	}

	q.dropped.Add(1)
	return nil
}

// PushWait enqueues a packet on a Retry queue, waiting as long as it takes
// for room. It gives up with ctx.Err() when ctx is done and with
// ErrQueueFull when stop is closed. DropNewest queues behave as in Push.
func (q *Queue) PushWait(ctx context.Context, p vnproto.Packet, stop <-chan struct{}) error {
	if q.policy != Retry {
		return q.Push(p)
	}
	select {
	case q.ch <- p:
		q.delivered.Add(1)
		return nil
	case <-ctx.Done():
		q.dropped.Add(1)
		return ctx.Err()
	case <-stop:
		q.dropped.Add(1)
		return fmt.Errorf("%s: %w", q.name, ErrQueueFull)
	}
}

// Pop dequeues a packet without blocking
func (q *Queue) Pop() (vnproto.Packet, bool) {
	select {
	case p := <-q.ch:
		return p, true
	default:
		return nil, false
	}
}

// Next blocks until a packet is available or ctx is done
func (q *Queue) Next(ctx context.Context) (vnproto.Packet, error) {
	select {
	case p := <-q.ch:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// C exposes the queue for select loops
func (q *Queue) C() <-chan vnproto.Packet { return q.ch }

// Len returns the number of queued packets
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity
func (q *Queue) Cap() int { return cap(q.ch) }

// Delivered returns the number of packets enqueued
func (q *Queue) Delivered() uint64 { return q.delivered.Load() }

// Dropped returns the number of packets dropped because the queue was full
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
