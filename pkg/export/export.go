// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package export writes routed packets to files. Each exporter owns a
// router queue and a goroutine that drains it into a sink: verbatim ASCII
// lines, CSV tables, skipped-byte captures, or the raw received stream.
package export

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/vnlink/pkg/asyncerr"
	"github.com/Thermoquad/vnlink/pkg/router"
	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

// Defaults
const (
	DefaultQueueCapacity    = 1024
	DefaultMaxWriteFailures = 16
)

// Kind identifies an exporter variant
type Kind int

// Exporter kinds
const (
	KindAscii Kind = iota
	KindCsv
	KindSkippedByte
	KindRawByte
)

// String returns the exporter kind name
func (k Kind) String() string {
	switch k {
	case KindAscii:
		return "ascii"
	case KindCsv:
		return "csv"
	case KindSkippedByte:
		return "skipped"
	case KindRawByte:
		return "raw"
	default:
		return "unknown"
	}
}

// ParseKind parses an exporter kind name
func ParseKind(s string) (Kind, error) {
	for k := KindAscii; k <= KindRawByte; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown exporter %q", s)
}

// State is the exporter lifecycle state
type State int

// Exporter states
const (
	StateIdle State = iota
	StateRunning
	StateStopped
	StateFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// sink writes packets to one output artifact
type sink interface {
	open(dir string) error
	write(p vnproto.Packet) error
	close() error
}

// Option configures an Exporter
type Option func(*Exporter)

// WithQueueCapacity sets the exporter's queue size
func WithQueueCapacity(n int) Option {
	return func(e *Exporter) {
		if n > 0 {
			e.queueCapacity = n
		}
	}
}

// WithPolicy sets the exporter's queue-full policy
func WithPolicy(p router.Policy) Option {
	return func(e *Exporter) {
		e.policy = p
	}
}

// WithFilters replaces the exporter's default filters
func WithFilters(filters ...router.Filter) Option {
	return func(e *Exporter) {
		if len(filters) > 0 {
			e.filters = filters
		}
	}
}

// WithErrors reports write failures to an async channel
func WithErrors(ch *asyncerr.Channel) Option {
	return func(e *Exporter) {
		e.errors.Store(ch)
	}
}

// WithLogger sets the exporter's logger
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Exporter) {
		e.logger = logger
	}
}

// WithMaxWriteFailures sets how many consecutive write failures are
// tolerated before the exporter fails
func WithMaxWriteFailures(n int) Option {
	return func(e *Exporter) {
		if n > 0 {
			e.maxWriteFailures = n
		}
	}
}

// Exporter drains its queue into a sink on its own goroutine
type Exporter struct {
	kind    Kind
	name    string
	dir     string
	sink    sink
	queue   *router.Queue
	filters []router.Filter

	queueCapacity    int
	policy           router.Policy
	maxWriteFailures int
	errors           atomic.Pointer[asyncerr.Channel]
	logger           zerolog.Logger

	mu       sync.Mutex
	state    State
	stats    Stats
	failures int // consecutive
	onFail   func(*Exporter)
	cancel   context.CancelFunc
	done     chan struct{}
}

func newExporter(kind Kind, dir string, s sink, filters []router.Filter, opts []Option) *Exporter {
	e := &Exporter{
		kind:             kind,
		name:             kind.String(),
		dir:              dir,
		sink:             s,
		filters:          filters,
		queueCapacity:    DefaultQueueCapacity,
		policy:           router.Retry,
		maxWriteFailures: DefaultMaxWriteFailures,
		logger:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.queue = router.NewQueue("export."+e.name, e.queueCapacity, e.policy)
	e.logger = e.logger.With().Str("exporter", e.name).Logger()
	return e
}

// NewAscii writes each ASCII sentence verbatim to <dir>/<header>.txt
func NewAscii(dir string, opts ...Option) *Exporter {
	return newExporter(KindAscii, dir, newAsciiSink(), []router.Filter{router.ExactSync(vnproto.SyncAscii)}, opts)
}

// NewCsv writes one CSV table per message type
func NewCsv(dir string, opts ...Option) *Exporter {
	filters := []router.Filter{router.ExactSync(vnproto.SyncAscii), router.ExactSync(vnproto.SyncBinary)}
	return newExporter(KindCsv, dir, newCsvSink(), filters, opts)
}

// NewSkippedByte captures skipped bytes to skippedBytes.bin with a CBOR
// reason log in skippedBytes.cbor
func NewSkippedByte(dir string, opts ...Option) *Exporter {
	return newExporter(KindSkippedByte, dir, newSkippedSink(), []router.Filter{router.None()}, opts)
}

// NewRawByteLogger writes every packet's bytes to rawBytes.bin, reproducing
// the received stream
func NewRawByteLogger(dir string, opts ...Option) *Exporter {
	return newExporter(KindRawByte, dir, newRawSink(), []router.Filter{router.AnyMatch()}, opts)
}

// New creates an exporter by kind
func New(kind Kind, dir string, opts ...Option) (*Exporter, error) {
	switch kind {
	case KindAscii:
		return NewAscii(dir, opts...), nil
	case KindCsv:
		return NewCsv(dir, opts...), nil
	case KindSkippedByte:
		return NewSkippedByte(dir, opts...), nil
	case KindRawByte:
		return NewRawByteLogger(dir, opts...), nil
	}
	return nil, fmt.Errorf("unknown exporter kind %d", kind)
}

// SetErrors redirects exporter faults to ch. A sensor rebinds its exporters
// to a fresh channel on every connect.
func (e *Exporter) SetErrors(ch *asyncerr.Channel) {
	e.errors.Store(ch)
}

// OnFailure registers fn to run, on the exporter's goroutine, when the
// exporter fails while running. A sensor uses it to unsubscribe the queue.
func (e *Exporter) OnFailure(fn func(*Exporter)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFail = fn
}

// Kind returns the exporter variant
func (e *Exporter) Kind() Kind { return e.kind }

// Name returns the exporter name
func (e *Exporter) Name() string { return e.name }

// Dir returns the output directory
func (e *Exporter) Dir() string { return e.dir }

// Queue returns the queue to subscribe with the router
func (e *Exporter) Queue() *router.Queue { return e.queue }

// Filters returns the filters to subscribe the queue with
func (e *Exporter) Filters() []router.Filter { return e.filters }

// State returns the lifecycle state
func (e *Exporter) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats returns a snapshot of the exporter's counters
func (e *Exporter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.clone()
}

// Start opens the output and begins draining the queue. Starting a running
// exporter is a no-op.
func (e *Exporter) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateRunning {
		return nil
	}
	if e.state == StateFailed {
		return fmt.Errorf("%s exporter: start after failure", e.name)
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		e.failLocked(err)
		return fmt.Errorf("%s exporter: %w", e.name, err)
	}
	if err := e.sink.open(e.dir); err != nil {
		e.failLocked(err)
		return fmt.Errorf("%s exporter: %w", e.name, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.state = StateRunning
	e.failures = 0

	go e.run(runCtx, e.done)
	e.logger.Debug().Str("dir", e.dir).Msg("exporter started")
	return nil
}

// Stop drains what is queued, closes the output and waits for the
// goroutine. Stop without Start, or a second Stop, is a no-op.
func (e *Exporter) Stop() error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning {
		e.state = StateStopped
	}
	e.logger.Debug().Msg("exporter stopped")
	return nil
}

func (e *Exporter) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if err := e.sink.close(); err != nil {
			e.logger.Error().Err(err).Msg("closing output")
			e.report(asyncerr.ExportWriteFailure, err)
		}
	}()

	for {
		select {
		case p := <-e.queue.C():
			if !e.handle(p) {
				e.discard(ctx)
				return
			}
		case <-ctx.Done():
			for {
				p, ok := e.queue.Pop()
				if !ok {
					return
				}
				if !e.handle(p) {
					e.discard(ctx)
					return
				}
			}
		}
	}
}

// discard runs after a failure. It keeps emptying the queue so a producer
// waiting for room is never stuck behind a dead exporter, until Stop.
func (e *Exporter) discard(ctx context.Context) {
	e.mu.Lock()
	fn := e.onFail
	e.mu.Unlock()
	if fn != nil {
		fn(e)
	}

	count := func() {
		e.mu.Lock()
		e.stats.Discarded++
		e.mu.Unlock()
	}
	for {
		select {
		case <-e.queue.C():
			count()
		case <-ctx.Done():
			for {
				if _, ok := e.queue.Pop(); !ok {
					return
				}
				count()
			}
		}
	}
}

// handle writes one packet and returns false once the exporter has failed
func (e *Exporter) handle(p vnproto.Packet) bool {
	err := e.sink.write(p)

	e.mu.Lock()
	e.stats.record(p)
	if err == nil {
		e.failures = 0
		e.mu.Unlock()
		return true
	}

	e.stats.WriteFailures++
	e.failures++
	if unrecoverable(err) || e.failures >= e.maxWriteFailures {
		e.failLocked(err)
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()

	e.logger.Warn().Err(err).Msg("write failed")
	e.report(asyncerr.ExportWriteFailure, err)
	return true
}

func (e *Exporter) failLocked(err error) {
	e.state = StateFailed
	e.logger.Error().Err(err).Msg("exporter failed")
	e.report(asyncerr.ExporterFailed, err)
}

func (e *Exporter) report(kind asyncerr.Kind, err error) {
	if ch := e.errors.Load(); ch != nil {
		ch.Push(kind, e.name, err)
	}
}

func unrecoverable(err error) bool {
	return errors.Is(err, os.ErrClosed) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, syscall.ENOSPC) ||
		errors.Is(err, syscall.EROFS)
}
