// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sensor

import (
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/vnlink/pkg/clock"
	"github.com/Thermoquad/vnlink/pkg/config"
	"github.com/Thermoquad/vnlink/pkg/metrics"
	"github.com/Thermoquad/vnlink/pkg/transport"
	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

// Option configures a Sensor
type Option func(*Sensor)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Sensor) {
		s.logger = logger
	}
}

// WithMetrics records pipeline activity
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sensor) {
		s.metrics = m
	}
}

// WithClock sets the clock driving command timeouts and timestamps
func WithClock(c clock.Clock) Option {
	return func(s *Sensor) {
		s.clock = c
	}
}

// WithFieldTable sets the binary output descriptors used for framing
func WithFieldTable(table *vnproto.FieldTable) Option {
	return func(s *Sensor) {
		if table != nil {
			s.fieldTable = table
		}
	}
}

// WithBufferCapacity sizes the receive ring buffer
func WithBufferCapacity(n int) Option {
	return func(s *Sensor) {
		if n > 0 {
			s.bufferCapacity = n
		}
	}
}

// WithErrorCapacity sizes the async error channel
func WithErrorCapacity(n int) Option {
	return func(s *Sensor) {
		if n > 0 {
			s.errorCapacity = n
		}
	}
}

// WithMeasurementCapacity sizes the measurement queue. Zero keeps only the
// most recent measurement.
func WithMeasurementCapacity(n int) Option {
	return func(s *Sensor) {
		if n >= 0 {
			s.measurementCapacity = n
		}
	}
}

// WithRemovalTimeout sets how long a command waits for its response
func WithRemovalTimeout(d time.Duration) Option {
	return func(s *Sensor) {
		if d > 0 {
			s.removalTimeout = d
		}
	}
}

// WithResendInterval sets the BlockWithRetry resend cadence
func WithResendInterval(d time.Duration) Option {
	return func(s *Sensor) {
		if d > 0 {
			s.resendInterval = d
		}
	}
}

// WithRetries sets how many times BlockWithRetry resends
func WithRetries(n int) Option {
	return func(s *Sensor) {
		if n >= 0 {
			s.retries = n
		}
	}
}

// WithSweepInterval sets how often expired commands are swept
func WithSweepInterval(d time.Duration) Option {
	return func(s *Sensor) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithChecksumMode sets the checksum used by SendCommand
func WithChecksumMode(mode vnproto.ChecksumMode) Option {
	return func(s *Sensor) {
		s.checksum = mode
	}
}

// OptionsFromConfig translates a validated configuration into options
func OptionsFromConfig(cfg config.Config) ([]Option, error) {
	table, err := cfg.FieldTable()
	if err != nil {
		return nil, err
	}
	mode, err := cfg.ChecksumMode()
	if err != nil {
		return nil, err
	}
	return []Option{
		WithFieldTable(table),
		WithChecksumMode(mode),
		WithBufferCapacity(cfg.Buffer.Capacity),
		WithErrorCapacity(cfg.Errors.Capacity),
		WithMeasurementCapacity(cfg.Measurements.QueueCapacity),
		WithRemovalTimeout(cfg.Commands.RemovalTimeout.Std()),
		WithResendInterval(cfg.Commands.ResendInterval.Std()),
		WithRetries(cfg.Commands.Retries),
	}, nil
}

func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, transport.ErrConnectionClosed)
}
