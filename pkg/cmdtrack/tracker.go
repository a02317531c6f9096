// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package cmdtrack correlates ASCII commands sent to the sensor with the
// responses that arrive later in the packet stream.
//
// Each submitted command gets a Handle and a removal deadline. Incoming
// packets are matched against the oldest pending command whose expected
// response signature fits; a VNERR sentence resolves the oldest pending
// command of any kind. The tracker never blocks. Wait layers a blocking
// call on top, driven by a clock so tests control time.
package cmdtrack

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/vnlink/pkg/asyncerr"
	"github.com/Thermoquad/vnlink/pkg/clock"
	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

// Defaults
const (
	DefaultRemovalTimeout = 200 * time.Millisecond
	retentionFactor       = 10
)

// Handle identifies a submitted command. Handles start at 1.
type Handle uint64

// Status is the state of a submitted command
type Status int

// Command statuses
const (
	Pending Status = iota
	Responded
	Errored
	Expired
	Unknown
)

// String returns the status name
func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Responded:
		return "Responded"
	case Errored:
		return "Errored"
	case Expired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the status can no longer change
func (s Status) Terminal() bool {
	return s == Responded || s == Errored || s == Expired
}

// Result is a snapshot of a command's state
type Result struct {
	Handle      Handle
	Status      Status
	Command     string
	Response    *vnproto.AsciiPacket
	Code        ErrorCode
	SubmittedAt time.Time
	RespondedAt time.Time
}

// Err converts a terminal result into an error: nil for Responded, a
// *SensorError for Errored, ErrCommandExpired for Expired
func (r Result) Err() error {
	switch r.Status {
	case Errored:
		return &SensorError{Code: r.Code, Command: r.Command}
	case Expired:
		return ErrCommandExpired
	case Unknown:
		return ErrUnknownHandle
	}
	return nil
}

type record struct {
	handle      Handle
	name        string
	expect      vnproto.Signature
	data        []byte
	submitted   time.Time
	deadline    time.Time
	status      Status
	response    *vnproto.AsciiPacket
	code        ErrorCode
	respondedAt time.Time
	resolvedAt  time.Time
}

func (r *record) result() Result {
	return Result{
		Handle:      r.handle,
		Status:      r.status,
		Command:     r.name,
		Response:    r.response,
		Code:        r.code,
		SubmittedAt: r.submitted,
		RespondedAt: r.respondedAt,
	}
}

// Option configures a Tracker
type Option func(*Tracker)

// WithRemovalTimeout sets how long a command waits for its response
func WithRemovalTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.removalTimeout = d
		}
	}
}

// WithRetention sets how long resolved commands stay pollable
func WithRetention(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.retention = d
		}
	}
}

// WithClock sets the time source for deadlines and waits
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) {
		t.clock = c
	}
}

// WithChecksumMode sets the checksum used to serialize commands
func WithChecksumMode(mode vnproto.ChecksumMode) Option {
	return func(t *Tracker) {
		t.mode = mode
	}
}

// WithErrors reports expired and rejected commands to an async channel
func WithErrors(ch *asyncerr.Channel) Option {
	return func(t *Tracker) {
		t.errors = ch
	}
}

// WithLogger sets the tracker's logger
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// Tracker holds outstanding commands. It is safe for concurrent use:
// submission and matching take the write lock, Poll takes the read lock.
type Tracker struct {
	mu      sync.RWMutex
	next    Handle
	pending []*record // submission order
	records map[Handle]*record
	changed chan struct{}

	removalTimeout time.Duration
	retention      time.Duration
	mode           vnproto.ChecksumMode
	clock          clock.Clock
	errors         *asyncerr.Channel
	logger         zerolog.Logger
}

// New creates a command tracker
func New(opts ...Option) *Tracker {
	t := &Tracker{
		records:        make(map[Handle]*record),
		changed:        make(chan struct{}),
		removalTimeout: DefaultRemovalTimeout,
		clock:          clock.Real{},
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.retention == 0 {
		t.retention = retentionFactor * t.removalTimeout
	}
	return t
}

// RemovalTimeout returns the configured removal timeout
func (t *Tracker) RemovalTimeout() time.Duration {
	return t.removalTimeout
}

// Submit registers a command and serializes it. The caller writes
// Bytes(handle) to the transport.
func (t *Tracker) Submit(cmd vnproto.Command) Handle {
	return t.submit(cmd.Name, cmd.Encode(t.mode), cmd.Expect)
}

// SubmitRaw registers already serialized command bytes
func (t *Tracker) SubmitRaw(data []byte, expect vnproto.Signature) Handle {
	buf := make([]byte, len(data))
	copy(buf, data)
	return t.submit(expect.Header, buf, expect)
}

func (t *Tracker) submit(name string, data []byte, expect vnproto.Signature) Handle {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sweepLocked(now)

	t.next++
	r := &record{
		handle:    t.next,
		name:      name,
		expect:    expect,
		data:      data,
		submitted: now,
		deadline:  now.Add(t.removalTimeout),
		status:    Pending,
	}
	t.records[r.handle] = r
	t.pending = append(t.pending, r)

	t.logger.Debug().Uint64("handle", uint64(r.handle)).Str("expect", expect.String()).Msg("command submitted")
	return r.handle
}

// Bytes returns the serialized command for a handle
func (t *Tracker) Bytes(h Handle) []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.records[h]; ok {
		return r.data
	}
	return nil
}

// OnPacket offers a packet to the oldest matching pending command. It
// returns true if the packet resolved a command. At most one command is
// resolved per packet.
func (t *Tracker) OnPacket(p vnproto.Packet) bool {
	ascii, ok := p.(*vnproto.AsciiPacket)
	if !ok || ascii.IsMeasurement() {
		return false
	}
	now := t.clock.Now()

	t.mu.Lock()
	t.sweepLocked(now)

	code, isError := ParseError(ascii)
	var matched *record
	for _, r := range t.pending {
		if isError || r.expect.Matches(ascii) {
			matched = r
			break
		}
	}
	if matched == nil {
		t.mu.Unlock()
		return false
	}

	matched.response = ascii
	matched.respondedAt = ascii.Timestamp()
	matched.resolvedAt = now
	if isError {
		matched.status = Errored
		matched.code = code
	} else {
		matched.status = Responded
	}
	t.removePendingLocked(matched)
	t.broadcastLocked()
	t.mu.Unlock()

	if isError {
		t.logger.Warn().Str("command", matched.name).Str("code", code.String()).Msg("command rejected")
		if t.errors != nil {
			t.errors.Push(asyncerr.CommandError, matched.name, &SensorError{Code: code, Command: matched.name})
		}
	}
	return true
}

// Poll returns the current result for a handle without blocking. A pending
// command past its deadline reads as Expired. A handle that was released or
// pruned also reads as Expired; one never issued reads as Unknown.
func (t *Tracker) Poll(h Handle) Result {
	now := t.clock.Now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.records[h]
	if !ok {
		if h == 0 || h > t.next {
			return Result{Handle: h, Status: Unknown}
		}
		return Result{Handle: h, Status: Expired}
	}
	res := r.result()
	if res.Status == Pending && now.After(r.deadline) {
		res.Status = Expired
	}
	return res
}

// Release forgets a command. Later polls of the handle read as Expired.
func (t *Tracker) Release(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[h]
	if !ok {
		return
	}
	delete(t.records, h)
	if r.status == Pending {
		t.removePendingLocked(r)
	}
}

// Sweep expires overdue commands and prunes resolved ones past the
// retention window. It returns the number of commands that expired.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweepLocked(t.clock.Now())
}

func (t *Tracker) sweepLocked(now time.Time) int {
	expired := 0
	kept := t.pending[:0]
	for _, r := range t.pending {
		if now.After(r.deadline) {
			r.status = Expired
			r.resolvedAt = now
			expired++
			t.logger.Debug().Str("command", r.name).Msg("command expired")
			if t.errors != nil {
				t.errors.Push(asyncerr.CommandExpired, r.name, ErrCommandExpired)
			}
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(t.pending); i++ {
		t.pending[i] = nil
	}
	t.pending = kept

	for h, r := range t.records {
		if r.status.Terminal() && now.Sub(r.resolvedAt) > t.retention {
			delete(t.records, h)
		}
	}

	if expired > 0 {
		t.broadcastLocked()
	}
	return expired
}

// Outstanding returns the number of commands awaiting a response
func (t *Tracker) Outstanding() int {
	now := t.clock.Now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, r := range t.pending {
		if !now.After(r.deadline) {
			n++
		}
	}
	return n
}

// Wait blocks until the command is resolved, ctx is done, or timeout
// elapses. A timeout returns ErrResponseTimeout, which is distinct from the
// command itself expiring (ErrCommandExpired).
func (t *Tracker) Wait(ctx context.Context, h Handle, timeout time.Duration) (Result, error) {
	timer := t.clock.After(timeout)

	for {
		t.mu.RLock()
		changed := t.changed
		var deadline time.Time
		if r, ok := t.records[h]; ok {
			deadline = r.deadline
		}
		t.mu.RUnlock()

		res := t.Poll(h)
		if res.Status.Terminal() || res.Status == Unknown {
			return res, res.Err()
		}

		expiry := t.clock.After(deadline.Sub(t.clock.Now()) + time.Nanosecond)
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-timer:
			res = t.Poll(h)
			if res.Status.Terminal() {
				return res, res.Err()
			}
			return res, fmt.Errorf("%s after %v: %w", res.Command, timeout, ErrResponseTimeout)
		case <-expiry:
		case <-changed:
		}
	}
}

func (t *Tracker) removePendingLocked(target *record) {
	for i, r := range t.pending {
		if r == target {
			copy(t.pending[i:], t.pending[i+1:])
			t.pending[len(t.pending)-1] = nil
			t.pending = t.pending[:len(t.pending)-1]
			return
		}
	}
}

// broadcastLocked wakes every Wait call
func (t *Tracker) broadcastLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}
