// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// DefaultBaud is the factory baud rate of VectorNav sensors
const DefaultBaud = 115200

// DefaultReadTimeout bounds a serial Read so the reader can observe shutdown
const DefaultReadTimeout = 100 * time.Millisecond

// SerialTransport wraps a serial port
type SerialTransport struct {
	port serial.Port
	name string
}

// OpenSerial opens a serial port at 8N1. A zero baud or read timeout
// selects the default.
func OpenSerial(portName string, baudRate int, readTimeout time.Duration) (*SerialTransport, error) {
	if baudRate <= 0 {
		baudRate = DefaultBaud
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", portName, err)
	}

	return &SerialTransport{port: port, name: portName}, nil
}

// Read returns 0, nil when the read timeout elapses without data
func (s *SerialTransport) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialTransport) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialTransport) Close() error {
	return s.port.Close()
}

// Name returns the port name
func (s *SerialTransport) Name() string {
	return s.name
}

// ListPorts returns the serial ports present on the system
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}
