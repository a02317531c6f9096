// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bytebuf provides the byte ring buffer between a transport reader
// and the packet dispatcher. Write never blocks: when the reader outpaces
// the dispatcher the oldest unread bytes are discarded and an overrun is
// reported. WriteWait is for sources that can be paused, such as a replay
// file, and waits for room instead.
package bytebuf

import (
	"context"
	"fmt"
	"sync"

	"github.com/Thermoquad/vnlink/pkg/asyncerr"
)

// Span is a run of bytes drained from the buffer
type Span struct {
	Data []byte
	// Offset is the stream position of Data[0], counting discarded bytes
	Offset uint64
}

// Stats reports buffer activity
type Stats struct {
	BytesWritten uint64
	BytesRead    uint64
	BytesDropped uint64
	Overruns     uint64
	HighWater    int
}

// Option configures a Buffer
type Option func(*Buffer)

// WithErrors reports overruns to an async error channel
func WithErrors(ch *asyncerr.Channel) Option {
	return func(b *Buffer) {
		b.errors = ch
	}
}

// Buffer is a fixed-capacity byte FIFO safe for one writer and one reader
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	head     int // next read position
	size     int
	offset   uint64 // stream position of data[head]
	stats    Stats
	errors   *asyncerr.Channel
	notify   chan struct{}
	space    chan struct{}
	capacity int
}

// New creates a buffer holding up to capacity bytes
func New(capacity int, opts ...Option) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	b := &Buffer{
		data:     make([]byte, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Write appends p. If p does not fit, the oldest unread bytes are discarded
// to make room and overrun is true. A write larger than the capacity keeps
// only its last Capacity() bytes.
func (b *Buffer) Write(p []byte) (overrun bool) {
	if len(p) == 0 {
		return false
	}

	b.mu.Lock()
	b.stats.BytesWritten += uint64(len(p))

	var dropped int
	if len(p) > b.capacity {
		dropped = b.size + len(p) - b.capacity
		p = p[len(p)-b.capacity:]
		b.head = 0
		b.size = 0
	} else if free := b.capacity - b.size; len(p) > free {
		dropped = len(p) - free
		b.head = (b.head + dropped) % b.capacity
		b.size -= dropped
	}
	b.offset += uint64(dropped)

	tail := (b.head + b.size) % b.capacity
	n := copy(b.data[tail:], p)
	copy(b.data, p[n:])
	b.size += len(p)
	if b.size > b.stats.HighWater {
		b.stats.HighWater = b.size
	}

	if dropped > 0 {
		b.stats.BytesDropped += uint64(dropped)
		b.stats.Overruns++
	}
	b.mu.Unlock()

	if dropped > 0 && b.errors != nil {
		b.errors.Push(asyncerr.BufferOverrun, fmt.Sprintf("%d bytes discarded", dropped), nil)
	}

	b.signal()
	return dropped > 0
}

// WriteWait appends all of p, waiting for the reader to make room when the
// buffer is full. Nothing is discarded. It returns ctx.Err() if ctx is done
// first; bytes copied before that stay in the buffer.
func (b *Buffer) WriteWait(ctx context.Context, p []byte) error {
	for len(p) > 0 {
		b.mu.Lock()
		n := min(len(p), b.capacity-b.size)
		if n > 0 {
			tail := (b.head + b.size) % b.capacity
			c := copy(b.data[tail:], p[:n])
			copy(b.data, p[c:n])
			b.size += n
			b.stats.BytesWritten += uint64(n)
			if b.size > b.stats.HighWater {
				b.stats.HighWater = b.size
			}
			p = p[n:]
		}
		b.mu.Unlock()

		if n > 0 {
			b.signal()
		}
		if len(p) == 0 {
			return nil
		}

		select {
		case <-b.space:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Buffer) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Buffer) freed() {
	select {
	case b.space <- struct{}{}:
	default:
	}
}

// ReadAvailable drains and returns every buffered byte
func (b *Buffer) ReadAvailable() Span {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.freed()

	span := Span{Offset: b.offset}
	if b.size == 0 {
		return span
	}

	span.Data = make([]byte, b.size)
	n := copy(span.Data, b.data[b.head:min(b.head+b.size, b.capacity)])
	copy(span.Data[n:], b.data[:b.size-n])

	b.stats.BytesRead += uint64(b.size)
	b.offset += uint64(b.size)
	b.head = 0
	b.size = 0
	return span
}

// Notify returns a channel signalled after each Write
func (b *Buffer) Notify() <-chan struct{} {
	return b.notify
}

// Len returns the number of unread bytes
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Capacity returns the buffer size
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Stats returns a snapshot of buffer activity
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Reset discards unread bytes. The stream offset advances past them.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.freed()
	b.offset += uint64(b.size)
	b.head = 0
	b.size = 0
}
