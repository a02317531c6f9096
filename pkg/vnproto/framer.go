// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package vnproto

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Thermoquad/vnlink/pkg/clock"
)

// State is the framer's position in the byte stream
type State int

// Framer states
const (
	StateSeeking State = iota
	StateAccumulatingAscii
	StateAccumulatingBinary
	StateSkipping
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateSeeking:
		return "Seeking"
	case StateAccumulatingAscii:
		return "AccumulatingAscii"
	case StateAccumulatingBinary:
		return "AccumulatingBinary"
	case StateSkipping:
		return "Skipping"
	default:
		return "Unknown"
	}
}

// FrameError describes one frame that failed checksum or structure checks.
// It is reported once per frame, not once per skipped byte.
type FrameError struct {
	Protocol string
	Reason   SkipReason
	Offset   uint64
	Length   int
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s frame at offset %d: %s (%d bytes)", e.Protocol, e.Offset, e.Reason, e.Length)
}

// FramerOption configures a Framer
type FramerOption func(*Framer)

// WithFieldTable sets the table used to size binary payloads
func WithFieldTable(table *FieldTable) FramerOption {
	return func(f *Framer) {
		f.table = table
	}
}

// WithProtocol registers an additional packet family
func WithProtocol(p Protocol) FramerOption {
	return func(f *Framer) {
		f.extra = append(f.extra, p)
	}
}

// WithErrorHandler sets a callback for failed frames
func WithErrorHandler(fn func(*FrameError)) FramerOption {
	return func(f *Framer) {
		f.onError = fn
	}
}

// WithClock sets the clock used to timestamp packets
func WithClock(c clock.Clock) FramerOption {
	return func(f *Framer) {
		f.clock = c
	}
}

// Framer splits a byte stream into packets. Every byte fed is either
// returned inside exactly one packet's Bytes() or still pending. Derived
// packets, such as messages reassembled from 0xFB segments, come in
// addition and account for no input bytes.
//
// Feed, Flush and Reset must be called from one goroutine. Stats may be
// called concurrently.
type Framer struct {
	protocols []Protocol
	extra     []Protocol
	table     *FieldTable
	onError   func(*FrameError)
	clock     clock.Clock

	buf    []byte
	offset uint64 // stream offset of buf[0]
	state  State

	statsMu sync.Mutex
	stats   *Statistics
}

// NewFramer creates a framer for ASCII, binary and split binary packets
func NewFramer(opts ...FramerOption) *Framer {
	f := &Framer{
		clock: clock.Real{},
	}
	for _, opt := range opts {
		opt(f)
	}

	bin := NewBinaryProtocol(f.table)
	f.protocols = append([]Protocol{AsciiProtocol{}, bin, NewSplitProtocol(bin)}, f.extra...)
	f.stats = NewStatistics(f.clock.Now())
	return f
}

// State returns the current framer state
func (f *Framer) State() State {
	return f.state
}

// Pending returns the number of buffered bytes not yet emitted
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Offset returns the stream offset of the next byte to be emitted
func (f *Framer) Offset() uint64 {
	return f.offset
}

// Stats returns a copy of the framing statistics
func (f *Framer) Stats() Statistics {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	return *f.stats
}

// Reset discards any partial frame and returns to StateSeeking. Discarded
// bytes are not emitted; the stream offset advances past them.
func (f *Framer) Reset() {
	f.offset += uint64(len(f.buf))
	f.buf = f.buf[:0]
	f.state = StateSeeking
	f.resetProtocols()
}

// resetProtocols drops state carried between frames, such as a partly
// reassembled message. A frame cannot continue across a gap in the stream.
func (f *Framer) resetProtocols() {
	for _, p := range f.protocols {
		if r, ok := p.(interface{ reset() }); ok {
			r.reset()
		}
	}
}

// Feed appends data to the stream and returns every packet that can be
// decided. Incomplete frames stay buffered until more bytes arrive.
func (f *Framer) Feed(data []byte) []Packet {
	now := f.clock.Now()

	f.statsMu.Lock()
	f.stats.BytesIn += uint64(len(data))
	f.statsMu.Unlock()

	f.buf = append(f.buf, data...)

	var out []Packet
	pos := 0
	for pos < len(f.buf) {
		n, pkts, done := f.step(f.buf[pos:], now)
		out = append(out, pkts...)
		pos += n
		f.offset += uint64(n)
		if done {
			break
		}
	}
	f.compact(pos)
	f.record(out, now)
	return out
}

// Flush emits every pending byte as skipped with ReasonTruncated. Call it at
// end of stream so the coverage of the input is complete.
func (f *Framer) Flush() []Packet {
	now := f.clock.Now()
	out := make([]Packet, 0, len(f.buf))
	for i, b := range f.buf {
		out = append(out, f.skipAt(b, ReasonTruncated, f.offset+uint64(i), now))
	}
	f.offset += uint64(len(f.buf))
	f.buf = f.buf[:0]
	f.state = StateSeeking
	f.resetProtocols()
	f.record(out, now)
	return out
}

// step decides the bytes at the head of buf. It returns the number of bytes
// consumed, the packets they produced, and whether more input is needed.
func (f *Framer) step(buf []byte, now time.Time) (int, []Packet, bool) {
	candidates, waiting := f.match(buf)

	if waiting {
		if len(buf) < MaxLookahead {
			f.state = StateSeeking
			return 0, nil, true
		}
		return 1, []Packet{f.skip(buf[0], ReasonLookaheadExceeded, now)}, false
	}

	if len(candidates) == 0 {
		f.state = StateSkipping
		return 1, []Packet{f.skip(buf[0], ReasonUnknownSync, now)}, false
	}

	for _, p := range candidates {
		res := p.Find(buf, now)
		switch res.Status {
		case FrameValid:
			f.state = StateSeeking
			if res.Failed {
				f.fail(p, res.Reason, res.Length)
			}
			if res.Derived != nil {
				return res.Length, []Packet{res.Packet, res.Derived}, false
			}
			return res.Length, []Packet{res.Packet}, false

		case FrameIncomplete:
			f.state = p.Accumulating()
			return 0, nil, true

		case FrameInvalid:
			// Without a length the structure was rejected; another
			// protocol may still claim the sync byte
			if res.Length == 0 {
				continue
			}
			f.fail(p, res.Reason, res.Length)
			out := make([]Packet, 0, res.Length)
			for i := 0; i < res.Length; i++ {
				out = append(out, f.skipAt(buf[i], res.Reason, f.offset+uint64(i), now))
			}
			f.state = StateSkipping
			return res.Length, out, false
		}
	}

	// Every matching protocol rejected the frame structure; drop the sync
	// byte and resume the search at the next byte
	f.fail(candidates[0], ReasonMalformedFrame, 1)
	f.state = StateSkipping
	return 1, []Packet{f.skip(buf[0], ReasonMalformedFrame, now)}, false
}

// match returns the protocols whose sync pattern fully matches the head of
// buf, longest pattern first. waiting is true when buf is a proper prefix of
// a pattern longer than every full match.
func (f *Framer) match(buf []byte) ([]Protocol, bool) {
	var full []Protocol
	longest := 0
	for _, p := range f.protocols {
		pat := p.SyncPattern()
		if len(buf) >= len(pat) && bytes.HasPrefix(buf, pat) {
			full = append(full, p)
			if len(pat) > longest {
				longest = len(pat)
			}
		}
	}

	for _, p := range f.protocols {
		pat := p.SyncPattern()
		if len(pat) > longest && len(buf) < len(pat) && bytes.HasPrefix(pat, buf) {
			return nil, true
		}
	}

	sort.SliceStable(full, func(i, j int) bool {
		return len(full[i].SyncPattern()) > len(full[j].SyncPattern())
	})
	return full, false
}

func (f *Framer) skip(b byte, reason SkipReason, now time.Time) *SkippedByte {
	return f.skipAt(b, reason, f.offset, now)
}

func (f *Framer) skipAt(b byte, reason SkipReason, offset uint64, now time.Time) *SkippedByte {
	return &SkippedByte{value: b, reason: reason, offset: offset, timestamp: now}
}

func (f *Framer) fail(p Protocol, reason SkipReason, length int) {
	f.statsMu.Lock()
	f.stats.recordFailure(reason)
	f.statsMu.Unlock()

	if f.onError != nil {
		f.onError(&FrameError{
			Protocol: p.Name(),
			Reason:   reason,
			Offset:   f.offset,
			Length:   length,
		})
	}
}

func (f *Framer) record(pkts []Packet, now time.Time) {
	if len(pkts) == 0 {
		return
	}
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	for _, p := range pkts {
		f.stats.recordPacket(p, now)
	}
}

// compact drops consumed bytes, reusing the backing array
func (f *Framer) compact(consumed int) {
	if consumed == 0 {
		return
	}
	n := copy(f.buf, f.buf[consumed:])
	f.buf = f.buf[:n]
}
