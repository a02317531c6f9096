// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package asyncerr carries errors that happen away from the caller: framing
// failures, buffer overruns, command expiry and exporter faults. Producers
// never block; when the channel is full the oldest error is evicted and one
// ErrorsDropped record is emitted per eviction burst.
package asyncerr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/vnlink/pkg/clock"
)

// ErrClosed is returned by Next once the channel is closed and drained
var ErrClosed = errors.New("async error channel closed")

// Kind classifies an asynchronous error
type Kind int

// Error kinds
const (
	FramingError Kind = iota
	BufferOverrun
	CommandExpired
	CommandError
	ExportWriteFailure
	ExporterFailed
	EndOfStream
	ReadFailed
	PacketQueueFull
	MeasurementQueueFull
	ErrorsDropped
)

var kindNames = map[Kind]string{
	FramingError:         "FramingError",
	BufferOverrun:        "BufferOverrun",
	CommandExpired:       "CommandExpired",
	CommandError:         "CommandError",
	ExportWriteFailure:   "ExportWriteFailure",
	ExporterFailed:       "ExporterFailed",
	EndOfStream:          "EndOfStream",
	ReadFailed:           "ReadFailed",
	PacketQueueFull:      "PacketQueueFull",
	MeasurementQueueFull: "MeasurementQueueFull",
	ErrorsDropped:        "ErrorsDropped",
}

// String returns the kind name
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Kinds returns every error kind
func Kinds() []Kind {
	out := make([]Kind, 0, len(kindNames))
	for k := FramingError; k <= ErrorsDropped; k++ {
		out = append(out, k)
	}
	return out
}

// Error is one asynchronous error
type Error struct {
	Kind   Kind
	Detail string
	Err    error
	Time   time.Time
	// Count is the number of evicted errors for ErrorsDropped, otherwise 1
	Count uint64
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Option configures a Channel
type Option func(*Channel)

// WithClock sets the clock used to timestamp errors
func WithClock(c clock.Clock) Option {
	return func(ch *Channel) {
		ch.clock = c
	}
}

// WithLogger logs every pushed error
func WithLogger(logger zerolog.Logger) Option {
	return func(ch *Channel) {
		ch.logger = logger
	}
}

// WithHook calls fn for every accepted error, outside the channel lock
func WithHook(fn func(Kind)) Option {
	return func(ch *Channel) {
		ch.hook = fn
	}
}

// Channel is a bounded, non-blocking FIFO of asynchronous errors. It is
// created when a sensor connects and closed when it disconnects.
type Channel struct {
	mu       sync.Mutex
	items    []*Error
	head     int // next read position
	size     int
	dropped  uint64
	burst    *Error // pending ErrorsDropped record for the current burst
	eosSent  bool
	closed   bool
	notify   chan struct{}
	done     chan struct{}
	clock    clock.Clock
	logger   zerolog.Logger
	hook     func(Kind)
	capacity int
}

// New creates a channel holding up to capacity errors
func New(capacity int, opts ...Option) *Channel {
	if capacity <= 0 {
		capacity = 1
	}
	ch := &Channel{
		items:    make([]*Error, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		clock:    clock.Real{},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// Push records an error. It never blocks. It returns false when the error was
// not recorded: the channel is closed or EndOfStream was already pushed.
func (ch *Channel) Push(kind Kind, detail string, err error) bool {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return false
	}
	if kind == EndOfStream {
		if ch.eosSent {
			ch.mu.Unlock()
			return false
		}
		ch.eosSent = true
	}

	e := &Error{Kind: kind, Detail: detail, Err: err, Time: ch.clock.Now(), Count: 1}

	stored := true
	if ch.size == ch.capacity {
		stored = ch.evictLocked()
		ch.dropped++
		if ch.burst == nil {
			ch.burst = &Error{Kind: ErrorsDropped, Detail: "async error channel full", Time: e.Time}
		}
		ch.burst.Count++
	}

	if stored {
		ch.items[(ch.head+ch.size)%ch.capacity] = e
		ch.size++
	}
	ch.mu.Unlock()

	ch.logger.Debug().Str("kind", kind.String()).Str("detail", detail).Err(err).Msg("async error")
	if ch.hook != nil {
		ch.hook(kind)
	}

	select {
	case ch.notify <- struct{}{}:
	default:
	}
	return true
}

// evictLocked frees one slot by discarding the oldest error. EndOfStream is
// never evicted: the error after it goes instead. It returns false when the
// only queued error is EndOfStream, in which case the incoming error is the
// one dropped.
func (ch *Channel) evictLocked() bool {
	if ch.items[ch.head].Kind != EndOfStream {
		ch.items[ch.head] = nil
		ch.head = (ch.head + 1) % ch.capacity
		ch.size--
		return true
	}
	if ch.size == 1 {
		return false
	}
	next := (ch.head + 1) % ch.capacity
	ch.items[next] = ch.items[ch.head]
	ch.items[ch.head] = nil
	ch.head = next
	ch.size--
	return true
}

// Poll returns the oldest error, or false when none is queued. A pending
// ErrorsDropped record is returned first and ends the eviction burst.
func (ch *Channel) Poll() (*Error, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.pop()
}

func (ch *Channel) pop() (*Error, bool) {
	if ch.burst != nil {
		e := ch.burst
		e.Detail = fmt.Sprintf("%d errors evicted", e.Count)
		ch.burst = nil
		return e, true
	}
	if ch.size == 0 {
		return nil, false
	}
	e := ch.items[ch.head]
	ch.items[ch.head] = nil
	ch.head = (ch.head + 1) % ch.capacity
	ch.size--
	return e, true
}

// Next blocks until an error is available, ctx is done, or the channel is
// closed and drained
func (ch *Channel) Next(ctx context.Context) (*Error, error) {
	for {
		ch.mu.Lock()
		e, ok := ch.pop()
		closed := ch.closed
		ch.mu.Unlock()

		if ok {
			return e, nil
		}
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch.notify:
		case <-ch.done:
		}
	}
}

// Drain returns every queued error
func (ch *Channel) Drain() []*Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	var out []*Error
	for {
		e, ok := ch.pop()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

// Notify returns a channel signalled after each Push
func (ch *Channel) Notify() <-chan struct{} {
	return ch.notify
}

// Len returns the number of queued errors, including a pending
// ErrorsDropped record
func (ch *Channel) Len() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.burst != nil {
		return ch.size + 1
	}
	return ch.size
}

// Dropped returns the total number of evicted errors
func (ch *Channel) Dropped() uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.dropped
}

// EndOfStreamSeen reports whether EndOfStream has been pushed
func (ch *Channel) EndOfStreamSeen() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.eosSent
}

// Close stops accepting errors and wakes blocked readers. Queued errors can
// still be read.
func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	close(ch.done)
	ch.mu.Unlock()
}
