// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/Thermoquad/vnlink/pkg/sensor"
	"github.com/Thermoquad/vnlink/pkg/transport"
)

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv("VNLINK_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// OpenTransport opens the serial port, WebSocket or replay file selected
// by the configuration
func OpenTransport() (transport.Transport, string, error) {
	c := cfg.Connection
	opts := transport.Options{
		Port:          c.Port,
		Baud:          c.Baud,
		ReadTimeout:   c.ReadTimeout.Std(),
		URL:           c.URL,
		Username:      c.Username,
		SkipSSLVerify: c.SkipSSLVerify,
		File:          c.File,
		ReplayRate:    c.ReplayRate,
	}

	if opts.File == "" && opts.URL != "" && opts.Username != "" {
		password, err := GetPassword()
		if err != nil {
			return nil, "", err
		}
		opts.Password = password
	}

	return transport.Open(opts)
}

// OpenSensor opens the configured transport and connects a sensor to it.
// prepare runs before Connect so subscriptions and exporters see the first
// packet.
func OpenSensor(ctx context.Context, log zerolog.Logger, prepare func(*sensor.Sensor) error) (*sensor.Sensor, string, error) {
	opts, err := sensor.OptionsFromConfig(cfg)
	if err != nil {
		return nil, "", err
	}
	// The commands only ever read the latest measurement
	opts = append(opts,
		sensor.WithLogger(log),
		sensor.WithMetrics(registry),
		sensor.WithMeasurementCapacity(0),
	)

	conn, connInfo, err := OpenTransport()
	if err != nil {
		return nil, "", err
	}

	s := sensor.New(opts...)
	if prepare != nil {
		if err := prepare(s); err != nil {
			_ = conn.Close()
			_ = s.Disconnect()
			return nil, "", err
		}
	}
	if err := s.Connect(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, "", err
	}
	return s, connInfo, nil
}
