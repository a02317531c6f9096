// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// replayChunk is the largest read served from a replayed file
const replayChunk = 512

// ReplayTransport plays a recorded byte stream back as if it came from a
// sensor. It returns io.EOF at the end of the file and rejects writes.
type ReplayTransport struct {
	file    *os.File
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// OpenReplay opens a recording. bytesPerSecond paces reads; zero or
// negative replays as fast as the reader consumes.
func OpenReplay(path string, bytesPerSecond int) (*ReplayTransport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay file: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &ReplayTransport{
		file:   f,
		ctx:    ctx,
		cancel: cancel,
	}
	if bytesPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), max(bytesPerSecond/10, replayChunk))
	}
	return r, nil
}

func (r *ReplayTransport) Read(p []byte) (int, error) {
	if r.ctx.Err() != nil {
		return 0, os.ErrClosed
	}
	if len(p) > replayChunk {
		p = p[:replayChunk]
	}
	if r.limiter != nil {
		if len(p) > r.limiter.Burst() {
			p = p[:r.limiter.Burst()]
		}
		if err := r.limiter.WaitN(r.ctx, len(p)); err != nil {
			if errors.Is(err, context.Canceled) {
				return 0, os.ErrClosed
			}
			return 0, err
		}
	}
	n, err := r.file.Read(p)
	if errors.Is(err, io.EOF) && n > 0 {
		err = nil
	}
	return n, err
}

// Write always fails with ErrReadOnly
func (r *ReplayTransport) Write(_ []byte) (int, error) {
	return 0, ErrReadOnly
}

// Live is false: a replay waits for the reader rather than dropping bytes
func (r *ReplayTransport) Live() bool {
	return false
}

// Close unblocks a paced Read and closes the file
func (r *ReplayTransport) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.closeErr = r.file.Close()
	})
	return r.closeErr
}
