// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sensor ties the communication core together. A Sensor owns a
// transport while connected and runs two goroutines: a reader that copies
// transport bytes into a ring buffer, and a dispatcher that frames the
// buffered bytes and hands each packet to the command tracker, the
// measurement queue and the subscription router.
//
// The router and its subscriptions outlive a connection. The async error
// channel, the command tracker and the measurement queue are created on
// Connect and retired on Disconnect.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/vnlink/pkg/asyncerr"
	"github.com/Thermoquad/vnlink/pkg/bytebuf"
	"github.com/Thermoquad/vnlink/pkg/clock"
	"github.com/Thermoquad/vnlink/pkg/cmdtrack"
	"github.com/Thermoquad/vnlink/pkg/export"
	"github.com/Thermoquad/vnlink/pkg/measure"
	"github.com/Thermoquad/vnlink/pkg/metrics"
	"github.com/Thermoquad/vnlink/pkg/router"
	"github.com/Thermoquad/vnlink/pkg/transport"
	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

// Errors
var (
	ErrNotConnected     = errors.New("sensor not connected")
	ErrAlreadyConnected = errors.New("sensor already connected")
)

// Defaults
const (
	DefaultBufferCapacity      = 64 * 1024
	DefaultErrorCapacity       = 64
	DefaultMeasurementCapacity = 256
	DefaultResendInterval      = 500 * time.Millisecond
	DefaultRetries             = 3
	DefaultSweepInterval       = 50 * time.Millisecond

	readChunk = 4096
)

// BlockMode selects how Submit waits for a response
type BlockMode int

// Block modes
const (
	// NoBlock returns the pending result immediately
	NoBlock BlockMode = iota
	// Block waits for a response or for the command to expire
	Block
	// BlockWithRetry resends every resend interval until a response
	// arrives or the retries are used up
	BlockWithRetry
)

// String returns the block mode name
func (m BlockMode) String() string {
	switch m {
	case NoBlock:
		return "NoBlock"
	case Block:
		return "Block"
	case BlockWithRetry:
		return "BlockWithRetry"
	default:
		return "Unknown"
	}
}

// Stats is a snapshot of the current connection
type Stats struct {
	Framer              vnproto.Statistics
	Buffer              bytebuf.Stats
	Outstanding         int
	MeasurementsDropped uint64
	ErrorsDropped       uint64
}

// session is the state of one connection
type session struct {
	transport    transport.Transport
	errors       *asyncerr.Channel
	buffer       *bytebuf.Buffer
	framer       *vnproto.Framer
	tracker      *cmdtrack.Tracker
	measurements *measure.Queue

	// backpressure is set for sources that can be paused: the reader waits
	// for buffer room and packets wait for Retry queues instead of dropping
	backpressure bool

	cancel   context.CancelFunc
	readDone chan struct{}
	done     chan struct{}
	eof      bool // set by the reader before readDone closes
	next     uint64
	writeMu  sync.Mutex
}

// Sensor is a connection to one inertial sensor
type Sensor struct {
	router *router.Router

	fieldTable          *vnproto.FieldTable
	bufferCapacity      int
	errorCapacity       int
	measurementCapacity int
	removalTimeout      time.Duration
	resendInterval      time.Duration
	retries             int
	sweepInterval       time.Duration
	checksum            vnproto.ChecksumMode
	clock               clock.Clock
	metrics             *metrics.Metrics
	logger              zerolog.Logger

	mu         sync.Mutex
	session    *session
	lastErrors *asyncerr.Channel
	exporters  []*export.Exporter
}

// New creates a disconnected sensor
func New(opts ...Option) *Sensor {
	s := &Sensor{
		fieldTable:          vnproto.DefaultFieldTable(),
		bufferCapacity:      DefaultBufferCapacity,
		errorCapacity:       DefaultErrorCapacity,
		measurementCapacity: DefaultMeasurementCapacity,
		removalTimeout:      cmdtrack.DefaultRemovalTimeout,
		resendInterval:      DefaultResendInterval,
		retries:             DefaultRetries,
		sweepInterval:       DefaultSweepInterval,
		checksum:            vnproto.ChecksumXOR,
		clock:               clock.Real{},
		logger:              zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "sensor").Logger()
	s.router = router.New(router.WithLogger(s.logger))
	return s
}

// Connect takes ownership of t and starts the pipeline. Cancelling ctx has
// the same effect as Disconnect, except that resources are released only
// when Disconnect is called.
func (s *Sensor) Connect(ctx context.Context, t transport.Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return ErrAlreadyConnected
	}

	errCh := asyncerr.New(s.errorCapacity,
		asyncerr.WithClock(s.clock),
		asyncerr.WithLogger(s.logger),
		asyncerr.WithHook(s.metrics.ObserveAsyncError),
	)

	ss := &session{
		transport: t,
		errors:    errCh,
		buffer:    bytebuf.New(s.bufferCapacity, bytebuf.WithErrors(errCh)),
		framer: vnproto.NewFramer(
			vnproto.WithFieldTable(s.fieldTable),
			vnproto.WithClock(s.clock),
			vnproto.WithErrorHandler(func(fe *vnproto.FrameError) {
				errCh.Push(asyncerr.FramingError, fe.Error(), fe)
			}),
		),
		tracker: cmdtrack.New(
			cmdtrack.WithRemovalTimeout(s.removalTimeout),
			cmdtrack.WithClock(s.clock),
			cmdtrack.WithChecksumMode(s.checksum),
			cmdtrack.WithErrors(errCh),
			cmdtrack.WithLogger(s.logger),
		),
		measurements: measure.NewQueue(s.measurementCapacity, measure.WithErrors(errCh)),
		backpressure: !transport.Live(t),
		readDone:     make(chan struct{}),
		done:         make(chan struct{}),
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	ss.cancel = cancel

	g.Go(func() error {
		return s.read(gctx, ss)
	})
	g.Go(func() error {
		return s.dispatch(gctx, ss)
	})

	// Closing the transport is what unblocks a pending Read
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		<-gctx.Done()
		if err := t.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("closing transport")
		}
	}()
	go func() {
		if err := g.Wait(); err != nil {
			s.logger.Error().Err(err).Msg("pipeline stopped")
		}
		<-closed
		close(ss.done)
	}()

	for _, e := range s.exporters {
		e.SetErrors(errCh)
	}

	s.session = ss
	s.lastErrors = errCh
	s.logger.Info().Msg("connected")
	return nil
}

// Disconnect stops the pipeline, closes the transport, stops every exporter
// and closes the async error channel. Bytes of a partial frame are
// discarded. Disconnecting a disconnected sensor only stops exporters added
// since the last connection.
func (s *Sensor) Disconnect() error {
	s.mu.Lock()
	ss := s.session
	s.session = nil
	exporters := s.exporters
	s.exporters = nil
	s.mu.Unlock()

	if ss != nil {
		ss.cancel()
		<-ss.done
	}

	var errs []error
	for _, e := range exporters {
		s.router.Unsubscribe(e.Queue())
		if err := e.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if ss == nil {
		return errors.Join(errs...)
	}

	ss.framer.Reset()
	ss.buffer.Reset()
	ss.errors.Close()
	s.metrics.SetOutstanding(0)

	s.logger.Info().Msg("disconnected")
	return errors.Join(errs...)
}

// Connected reports whether a transport is attached
func (s *Sensor) Connected() bool {
	return s.current() != nil
}

// Done returns a channel closed once the pipeline of the current connection
// has stopped, either through Disconnect or because the transport ended.
// When not connected the channel is already closed.
func (s *Sensor) Done() <-chan struct{} {
	if ss := s.current(); ss != nil {
		return ss.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

func (s *Sensor) current() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Router returns the subscription router shared by every connection
func (s *Sensor) Router() *router.Router {
	return s.router
}

// Subscribe routes packets accepted by f to q
func (s *Sensor) Subscribe(q *router.Queue, f router.Filter) error {
	return s.router.Subscribe(q, f)
}

// Unsubscribe stops routing to q. Unsubscribing twice is a no-op.
func (s *Sensor) Unsubscribe(q *router.Queue) {
	s.router.Unsubscribe(q)
}

// AddExporter subscribes e with its filters and starts it. The exporter
// runs until RemoveExporter or Disconnect.
func (s *Sensor) AddExporter(ctx context.Context, e *export.Exporter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.exporters {
		if existing == e {
			return nil
		}
	}
	if s.lastErrors != nil {
		e.SetErrors(s.lastErrors)
	}
	// A failed exporter stops consuming; routing to it would only drop
	e.OnFailure(func(failed *export.Exporter) {
		s.router.Unsubscribe(failed.Queue())
		s.logger.Warn().Str("exporter", failed.Name()).Msg("exporter failed, unsubscribed")
	})
	if err := e.Start(ctx); err != nil {
		return err
	}
	for _, f := range e.Filters() {
		if err := s.router.Subscribe(e.Queue(), f); err != nil {
			s.router.Unsubscribe(e.Queue())
			_ = e.Stop()
			return fmt.Errorf("subscribe %s exporter: %w", e.Name(), err)
		}
	}
	s.exporters = append(s.exporters, e)
	s.logger.Debug().Str("exporter", e.Name()).Str("dir", e.Dir()).Msg("exporter added")
	return nil
}

// RemoveExporter unsubscribes and stops e. Queued packets are written
// before it returns.
func (s *Sensor) RemoveExporter(e *export.Exporter) error {
	s.mu.Lock()
	found := false
	for i, existing := range s.exporters {
		if existing == e {
			s.exporters = append(s.exporters[:i], s.exporters[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return nil
	}
	s.router.Unsubscribe(e.Queue())
	return e.Stop()
}

// Exporters returns the running exporters
func (s *Sensor) Exporters() []*export.Exporter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*export.Exporter, len(s.exporters))
	copy(out, s.exporters)
	return out
}

// Measurements returns the measurement queue of the current connection, or
// nil when not connected
func (s *Sensor) Measurements() *measure.Queue {
	if ss := s.current(); ss != nil {
		return ss.measurements
	}
	return nil
}

// AsyncErrors returns the async error channel of the current connection.
// After Disconnect it returns the closed channel of the last connection so
// remaining errors can be drained. It is nil before the first Connect.
func (s *Sensor) AsyncErrors() *asyncerr.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErrors
}

// Stats returns counters for the current connection
func (s *Sensor) Stats() (Stats, error) {
	ss := s.current()
	if ss == nil {
		return Stats{}, ErrNotConnected
	}
	return Stats{
		Framer:              ss.framer.Stats(),
		Buffer:              ss.buffer.Stats(),
		Outstanding:         ss.tracker.Outstanding(),
		MeasurementsDropped: ss.measurements.Dropped(),
		ErrorsDropped:       ss.errors.Dropped(),
	}, nil
}

// read copies transport bytes into the ring buffer until the transport
// ends, fails, or ctx is cancelled
func (s *Sensor) read(ctx context.Context, ss *session) error {
	defer close(ss.readDone)

	buf := make([]byte, readChunk)
	for {
		n, err := ss.transport.Read(buf)
		if n > 0 {
			s.metrics.ObserveBytes(n)
			if ss.backpressure {
				if err := ss.buffer.WriteWait(ctx, buf[:n]); err != nil {
					return nil
				}
			} else if ss.buffer.Write(buf[:n]) {
				s.metrics.ObserveOverrun()
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			continue
		}
		if isEndOfStream(err) {
			s.logger.Debug().Err(err).Msg("end of stream")
			ss.eof = true
			return nil
		}
		s.logger.Error().Err(err).Msg("transport read failed")
		ss.errors.Push(asyncerr.ReadFailed, "transport read", err)
		return nil
	}
}

// dispatch frames buffered bytes and routes every packet. After the reader
// stops it drains the buffer; at end of stream it also flushes pending
// bytes and reports EndOfStream once.
func (s *Sensor) dispatch(ctx context.Context, ss *session) error {
	sweep := s.clock.After(s.sweepInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ss.buffer.Notify():
			s.drain(ctx, ss)
		case <-sweep:
			ss.tracker.Sweep()
			s.metrics.SetOutstanding(ss.tracker.Outstanding())
			sweep = s.clock.After(s.sweepInterval)
		case <-ss.readDone:
			s.drain(ctx, ss)
			if ss.eof {
				s.route(ctx, ss, ss.framer.Flush())
				ss.errors.Push(asyncerr.EndOfStream, "transport exhausted", nil)
			}
			return nil
		}
	}
}

func (s *Sensor) drain(ctx context.Context, ss *session) {
	span := ss.buffer.ReadAvailable()
	if len(span.Data) == 0 {
		return
	}
	if span.Offset != ss.next {
		// Bytes were lost to an overrun; a frame cannot span the gap
		s.logger.Debug().Uint64("lost", span.Offset-ss.next).Msg("stream gap")
		s.route(ctx, ss, ss.framer.Flush())
	}
	ss.next = span.Offset + uint64(len(span.Data))
	s.route(ctx, ss, ss.framer.Feed(span.Data))
}

func (s *Sensor) route(ctx context.Context, ss *session, pkts []vnproto.Packet) {
	if len(pkts) == 0 {
		return
	}
	for _, p := range pkts {
		s.metrics.ObservePacket(p)
		ss.tracker.OnPacket(p)
		ss.measurements.Offer(p)

		var err error
		if ss.backpressure {
			err = s.router.RouteWait(ctx, p)
		} else {
			err = s.router.Route(p)
		}
		if err != nil && ctx.Err() == nil {
			ss.errors.Push(asyncerr.PacketQueueFull, p.Kind().String(), err)
		}
	}
	s.metrics.SetOutstanding(ss.tracker.Outstanding())
}
