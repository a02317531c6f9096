// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package vnproto implements framing for the VectorNav-style inertial sensor
// serial protocol.
//
// Two packet families share one byte stream: ASCII sentences
// ("$VNYPR,...*6A\r\n") and binary output packets that start with 0xFA and
// carry a group/field bitmask header. Binary messages too long for one
// packet arrive as 0xFB segments and are reassembled. This package splits a byte stream into
// packets, verifies checksums, accounts for every byte that could not be
// framed, and serializes ASCII commands.
package vnproto

// Sync bytes
const (
	AsciiSyncByte  = '$'
	BinarySyncByte = 0xFA
	SplitSyncByte  = 0xFB
)

// ASCII framing
const (
	AsciiChecksumDelim = '*'
	AsciiFieldDelim    = ','
	AsciiTerminator    = '\n'
	AsciiCarriageRet   = '\r'

	// Sensors accept "*XX" in place of a checksum
	AsciiUncheckedSum = "XX"
)

// Packet size limits
const (
	MaxAsciiLength  = 256
	MaxBinaryLength = 600
	MaxLookahead    = 16

	// MaxSplitMessageLength bounds a message reassembled from 0xFB segments
	MaxSplitMessageLength = 4096

	// MaxGroups is the number of binary output groups addressable with one
	// extension byte (7 bits per group byte).
	MaxGroups = 14

	// MaxGroupFields is the number of fields addressable with one extension
	// word (15 bits per field word).
	MaxGroupFields = 30
)

// 0xFB segment header: type/id, total, current, payload length
const splitHeaderLength = 5

// Binary header extension flags
const (
	groupExtensionBit = 0x80
	fieldExtensionBit = 0x8000
)

// CRC-16-CCITT configuration. The sensor seeds with zero, unlike Fusain.
const (
	crcPolynomial = 0x1021
	crcInitial    = 0x0000
)

// SyncByte identifies the framing family of a packet
type SyncByte int

// Sync byte values
const (
	SyncNone SyncByte = iota
	SyncAscii
	SyncBinary
	SyncSplit
)

// String returns the sync byte name
func (s SyncByte) String() string {
	switch s {
	case SyncAscii:
		return "ASCII"
	case SyncBinary:
		return "FA"
	case SyncSplit:
		return "FB"
	case SyncNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// Measurement headers the sensor emits as asynchronous ASCII outputs.
// Any other "VN" header is a command response.
var measurementHeaders = map[string]struct{}{
	"VNYPR": {}, "VNQTN": {}, "VNQMR": {}, "VNMAG": {}, "VNACC": {},
	"VNGYR": {}, "VNMAR": {}, "VNYMR": {}, "VNYBA": {}, "VNYIA": {},
	"VNIMU": {}, "VNGPS": {}, "VNGPE": {}, "VNINS": {}, "VNINE": {},
	"VNISL": {}, "VNISE": {}, "VNDTV": {}, "VNG2S": {}, "VNG2E": {},
	"VNHVE": {}, "VNRTK": {},
}

// IsMeasurementHeader reports whether an ASCII header is an asynchronous
// measurement output rather than a command response
func IsMeasurementHeader(header string) bool {
	_, ok := measurementHeaders[header]
	return ok
}
