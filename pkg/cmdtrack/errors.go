// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmdtrack

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

var (
	// ErrCommandExpired means the removal timeout passed without a response
	ErrCommandExpired = errors.New("command expired without response")

	// ErrResponseTimeout means a blocking wait gave up before the command
	// was resolved
	ErrResponseTimeout = errors.New("timed out waiting for response")

	// ErrUnknownHandle means the handle was never issued by this tracker
	ErrUnknownHandle = errors.New("unknown command handle")
)

// ErrorHeader is the header of a sensor error sentence
const ErrorHeader = "VNERR"

// ErrorCode is an error number reported by the sensor in a VNERR sentence
type ErrorCode uint16

// Sensor error codes
const (
	ErrHardFault             ErrorCode = 1
	ErrSerialBufferOverflow  ErrorCode = 2
	ErrInvalidChecksum       ErrorCode = 3
	ErrInvalidCommand        ErrorCode = 4
	ErrNotEnoughParameters   ErrorCode = 5
	ErrTooManyParameters     ErrorCode = 6
	ErrInvalidParameter      ErrorCode = 7
	ErrInvalidRegister       ErrorCode = 8
	ErrUnauthorizedAccess    ErrorCode = 9
	ErrWatchdogReset         ErrorCode = 10
	ErrOutputBufferOverflow  ErrorCode = 11
	ErrInsufficientBaudRate  ErrorCode = 12
	ErrErrorBufferOverflow   ErrorCode = 255
)

var errorCodeNames = map[ErrorCode]string{
	ErrHardFault:            "HardFault",
	ErrSerialBufferOverflow: "SerialBufferOverflow",
	ErrInvalidChecksum:      "InvalidChecksum",
	ErrInvalidCommand:       "InvalidCommand",
	ErrNotEnoughParameters:  "NotEnoughParameters",
	ErrTooManyParameters:    "TooManyParameters",
	ErrInvalidParameter:     "InvalidParameter",
	ErrInvalidRegister:      "InvalidRegister",
	ErrUnauthorizedAccess:   "UnauthorizedAccess",
	ErrWatchdogReset:        "WatchdogReset",
	ErrOutputBufferOverflow: "OutputBufferOverflow",
	ErrInsufficientBaudRate: "InsufficientBaudRate",
	ErrErrorBufferOverflow:  "ErrorBufferOverflow",
}

// String returns the error code name
func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint16(c))
}

// SensorError is returned for a command the sensor rejected
type SensorError struct {
	Code    ErrorCode
	Command string
}

func (e *SensorError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("sensor error %d (%s)", e.Code, e.Code)
	}
	return fmt.Sprintf("%s: sensor error %d (%s)", e.Command, e.Code, e.Code)
}

// ParseError extracts the error code from a VNERR sentence. Codes are
// transmitted as hex.
func ParseError(p *vnproto.AsciiPacket) (ErrorCode, bool) {
	if p == nil || p.Header() != ErrorHeader {
		return 0, false
	}
	code, err := strconv.ParseUint(strings.TrimSpace(p.Field(0)), 16, 16)
	if err != nil {
		return 0, false
	}
	return ErrorCode(code), true
}
