// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport opens the byte streams a sensor talks over: a serial
// port, a WebSocket bridge, or a recorded file replayed at a fixed rate.
package transport

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// Transport is a bidirectional byte stream. Close must unblock a pending Read.
type Transport = io.ReadWriteCloser

// Live reports whether t delivers bytes in real time. A live source cannot be
// paused, so a slow reader loses data; a recorded one can wait for the reader
// instead. Transports are live unless they implement Live() bool.
func Live(t Transport) bool {
	if l, ok := t.(interface{ Live() bool }); ok {
		return l.Live()
	}
	return true
}

// ErrReadOnly is returned by Write on a replayed file
var ErrReadOnly = errors.New("transport is read-only")

// ErrNoTransport is returned by Open when no source is configured
var ErrNoTransport = errors.New("either a serial port, a WebSocket URL or a file must be specified")

// Options selects and configures a transport. The first non-empty source of
// File, URL and Port wins.
type Options struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration

	URL           string
	Username      string
	Password      string
	SkipSSLVerify bool

	File       string
	ReplayRate int // bytes per second, 0 for unpaced
}

// Open opens the configured transport and describes it for display
func Open(opts Options) (Transport, string, error) {
	switch {
	case opts.File != "":
		t, err := OpenReplay(opts.File, opts.ReplayRate)
		if err != nil {
			return nil, "", err
		}
		if opts.ReplayRate > 0 {
			return t, fmt.Sprintf("File: %s @ %d B/s", opts.File, opts.ReplayRate), nil
		}
		return t, fmt.Sprintf("File: %s", opts.File), nil

	case opts.URL != "":
		t, err := DialWebSocket(opts.URL, opts.Username, opts.Password, opts.SkipSSLVerify)
		if err != nil {
			return nil, "", err
		}
		return t, fmt.Sprintf("WebSocket: %s", opts.URL), nil

	case opts.Port != "":
		t, err := OpenSerial(opts.Port, opts.Baud, opts.ReadTimeout)
		if err != nil {
			return nil, "", err
		}
		return t, fmt.Sprintf("Serial: %s @ %d baud", opts.Port, opts.Baud), nil
	}

	return nil, "", ErrNoTransport
}
