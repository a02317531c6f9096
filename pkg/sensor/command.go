// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Thermoquad/vnlink/pkg/cmdtrack"
	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

// Submit writes serialized command bytes and tracks the response that
// matches expect. With NoBlock the returned result is Pending and the
// caller polls its handle. Block waits until the command is answered or
// expires. BlockWithRetry resends at the resend interval up to the
// configured number of retries; a sensor error is returned at once.
func (s *Sensor) Submit(ctx context.Context, data []byte, expect vnproto.Signature, mode BlockMode) (cmdtrack.Result, error) {
	ss := s.current()
	if ss == nil {
		return cmdtrack.Result{}, ErrNotConnected
	}

	switch mode {
	case NoBlock:
		return s.send(ss, data, expect)
	case Block:
		return s.sendAndWait(ctx, ss, data, expect)
	case BlockWithRetry:
		return s.sendWithRetry(ctx, ss, data, expect)
	}
	return cmdtrack.Result{}, fmt.Errorf("unknown block mode %d", mode)
}

// SendCommand serializes cmd with the sensor's checksum mode and submits it
func (s *Sensor) SendCommand(ctx context.Context, cmd vnproto.Command, mode BlockMode) (cmdtrack.Result, error) {
	return s.Submit(ctx, cmd.Encode(s.checksum), cmd.Expect, mode)
}

// Poll returns the state of a command submitted on the current connection
func (s *Sensor) Poll(h cmdtrack.Handle) cmdtrack.Result {
	ss := s.current()
	if ss == nil {
		return cmdtrack.Result{Handle: h, Status: cmdtrack.Unknown}
	}
	return ss.tracker.Poll(h)
}

// Release forgets a resolved command
func (s *Sensor) Release(h cmdtrack.Handle) {
	if ss := s.current(); ss != nil {
		ss.tracker.Release(h)
	}
}

// Write sends raw bytes to the transport without tracking a response
func (s *Sensor) Write(data []byte) error {
	ss := s.current()
	if ss == nil {
		return ErrNotConnected
	}
	return ss.write(data)
}

func (ss *session) write(data []byte) error {
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()

	for len(data) > 0 {
		n, err := ss.transport.Write(data)
		if err != nil {
			return fmt.Errorf("write command: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("write command: %w", io.ErrShortWrite)
		}
		data = data[n:]
	}
	return nil
}

func (s *Sensor) send(ss *session, data []byte, expect vnproto.Signature) (cmdtrack.Result, error) {
	h := ss.tracker.SubmitRaw(data, expect)
	if err := ss.write(data); err != nil {
		ss.tracker.Release(h)
		return cmdtrack.Result{Handle: h, Status: cmdtrack.Unknown}, err
	}
	s.metrics.SetOutstanding(ss.tracker.Outstanding())
	return ss.tracker.Poll(h), nil
}

func (s *Sensor) sendAndWait(ctx context.Context, ss *session, data []byte, expect vnproto.Signature) (cmdtrack.Result, error) {
	res, err := s.send(ss, data, expect)
	if err != nil {
		return res, err
	}
	defer ss.tracker.Release(res.Handle)

	// The command expires at the removal timeout; the wait timeout is only
	// a backstop
	res, err = ss.tracker.Wait(ctx, res.Handle, 2*s.removalTimeout)
	s.observe(res)
	return res, err
}

func (s *Sensor) sendWithRetry(ctx context.Context, ss *session, data []byte, expect vnproto.Signature) (cmdtrack.Result, error) {
	var (
		res cmdtrack.Result
		err error
	)

	for attempt := 0; attempt <= s.retries; attempt++ {
		sentAt := s.clock.Now()

		res, err = s.send(ss, data, expect)
		if err != nil {
			return res, err
		}

		res, err = ss.tracker.Wait(ctx, res.Handle, s.resendInterval)
		ss.tracker.Release(res.Handle)
		s.observe(res)

		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, cmdtrack.ErrCommandExpired), errors.Is(err, cmdtrack.ErrResponseTimeout):
		default:
			return res, err
		}

		if attempt == s.retries {
			break
		}
		s.logger.Debug().Str("command", expect.String()).Int("attempt", attempt+1).Msg("resending command")

		// Resend cadence is fixed regardless of how early the command expired
		if remaining := s.resendInterval - s.clock.Now().Sub(sentAt); remaining > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-s.clock.After(remaining):
			}
		}
	}
	return res, err
}

func (s *Sensor) observe(res cmdtrack.Result) {
	if res.Status == cmdtrack.Responded || res.Status == cmdtrack.Errored {
		s.metrics.ObserveCommandLatency(res.RespondedAt.Sub(res.SubmittedAt))
	}
}
