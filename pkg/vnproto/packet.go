// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package vnproto

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the variant of a Packet
type Kind int

// Packet kinds
const (
	KindAscii Kind = iota
	KindBinary
	KindSkipped
	KindSplit
)

// String returns the packet kind name
func (k Kind) String() string {
	switch k {
	case KindAscii:
		return "ascii"
	case KindBinary:
		return "binary"
	case KindSkipped:
		return "skipped"
	case KindSplit:
		return "split"
	default:
		return "unknown"
	}
}

// SkipReason explains why a byte was not attributed to a packet
type SkipReason int

// Skip reasons
const (
	ReasonUnknownSync SkipReason = iota
	ReasonChecksumFailed
	ReasonMalformedFrame
	ReasonLookaheadExceeded
	ReasonTruncated
	// ReasonSplitSequence marks a 0xFB segment that does not continue the
	// message in progress
	ReasonSplitSequence

	numSkipReasons
)

// String returns the skip reason name
func (r SkipReason) String() string {
	switch r {
	case ReasonUnknownSync:
		return "UnknownSync"
	case ReasonChecksumFailed:
		return "ChecksumFailed"
	case ReasonMalformedFrame:
		return "MalformedFrame"
	case ReasonLookaheadExceeded:
		return "LookaheadExceeded"
	case ReasonTruncated:
		return "Truncated"
	case ReasonSplitSequence:
		return "SplitSequence"
	default:
		return "Unknown"
	}
}

// ChecksumMode selects the checksum carried by an ASCII sentence
type ChecksumMode int

// Checksum modes
const (
	ChecksumXOR ChecksumMode = iota
	ChecksumCRC
	ChecksumNone
)

// String returns the checksum mode name
func (m ChecksumMode) String() string {
	switch m {
	case ChecksumXOR:
		return "xor"
	case ChecksumCRC:
		return "crc"
	case ChecksumNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParseChecksumMode parses "xor", "crc" or "none"
func ParseChecksumMode(s string) (ChecksumMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "xor", "":
		return ChecksumXOR, nil
	case "crc", "crc16":
		return ChecksumCRC, nil
	case "none", "off":
		return ChecksumNone, nil
	}
	return ChecksumXOR, fmt.Errorf("unknown checksum mode %q", s)
}

// Packet is one unit emitted by the Framer. It is one of *AsciiPacket,
// *BinaryPacket or *SkippedByte.
type Packet interface {
	Kind() Kind
	Sync() SyncByte
	// Bytes returns the wire bytes this packet accounts for
	Bytes() []byte
	Timestamp() time.Time

	sealed()
}

// AsciiPacket is a checksum-verified ASCII sentence
type AsciiPacket struct {
	header    string
	fields    []string
	checksum  ChecksumMode
	raw       []byte
	timestamp time.Time
}

// NewAsciiPacket creates an ASCII packet from already framed bytes
func NewAsciiPacket(header string, fields []string, checksum ChecksumMode, raw []byte, ts time.Time) *AsciiPacket {
	return &AsciiPacket{
		header:    header,
		fields:    fields,
		checksum:  checksum,
		raw:       raw,
		timestamp: ts,
	}
}

func (p *AsciiPacket) sealed() {}

// Kind returns KindAscii
func (p *AsciiPacket) Kind() Kind { return KindAscii }

// Sync returns SyncAscii
func (p *AsciiPacket) Sync() SyncByte { return SyncAscii }

// Bytes returns the full sentence including '$' and the line terminator
func (p *AsciiPacket) Bytes() []byte { return p.raw }

// Timestamp returns the time the sentence was framed
func (p *AsciiPacket) Timestamp() time.Time { return p.timestamp }

// Header returns the first comma-separated token, e.g. "VNYPR"
func (p *AsciiPacket) Header() string { return p.header }

// Fields returns the tokens after the header
func (p *AsciiPacket) Fields() []string { return p.fields }

// Field returns field i, or "" when out of range
func (p *AsciiPacket) Field(i int) string {
	if i < 0 || i >= len(p.fields) {
		return ""
	}
	return p.fields[i]
}

// Checksum returns the checksum mode the sentence carried
func (p *AsciiPacket) Checksum() ChecksumMode { return p.checksum }

// IsMeasurement reports whether the sentence is an asynchronous output
func (p *AsciiPacket) IsMeasurement() bool { return IsMeasurementHeader(p.header) }

// Line returns the sentence without its line terminator
func (p *AsciiPacket) Line() string {
	end := len(p.raw)
	for end > 0 && (p.raw[end-1] == AsciiTerminator || p.raw[end-1] == AsciiCarriageRet) {
		end--
	}
	return string(p.raw[:end])
}

// SkipReasons lists every skip reason in declaration order
func SkipReasons() []SkipReason {
	out := make([]SkipReason, 0, numSkipReasons)
	for r := SkipReason(0); r < numSkipReasons; r++ {
		out = append(out, r)
	}
	return out
}

// BinaryPacket is a CRC-verified binary output packet
type BinaryPacket struct {
	header    BinaryHeader
	payload   []byte
	fields    []FieldValue
	verified  bool
	raw       []byte
	timestamp time.Time

	reassembled bool
}

func (p *BinaryPacket) sealed() {}

// Kind returns KindBinary
func (p *BinaryPacket) Kind() Kind { return KindBinary }

// Sync returns SyncBinary
func (p *BinaryPacket) Sync() SyncByte { return SyncBinary }

// Bytes returns the full frame from sync byte to CRC. For a reassembled
// packet this is the rebuilt 0xFA frame, not bytes received.
func (p *BinaryPacket) Bytes() []byte { return p.raw }

// Reassembled reports whether the packet was rebuilt from 0xFB segments
func (p *BinaryPacket) Reassembled() bool { return p.reassembled }

// Timestamp returns the time the frame was completed
func (p *BinaryPacket) Timestamp() time.Time { return p.timestamp }

// Header returns the group/field bitmask header
func (p *BinaryPacket) Header() BinaryHeader { return p.header }

// Payload returns the measurement bytes between header and CRC
func (p *BinaryPacket) Payload() []byte { return p.payload }

// Fields returns the payload split into fields, ordered by group then field
func (p *BinaryPacket) Fields() []FieldValue { return p.fields }

// Field returns the value of one field if the packet carries it
func (p *BinaryPacket) Field(group, field int) (FieldValue, bool) {
	for _, f := range p.fields {
		if f.Descriptor.Group == group && f.Descriptor.Field == field {
			return f, true
		}
	}
	return FieldValue{}, false
}

// Verified reports whether the CRC was checked
func (p *BinaryPacket) Verified() bool { return p.verified }

// SkippedByte is one input byte that no packet claimed
type SkippedByte struct {
	value     byte
	reason    SkipReason
	offset    uint64
	timestamp time.Time
}

func (p *SkippedByte) sealed() {}

// Kind returns KindSkipped
func (p *SkippedByte) Kind() Kind { return KindSkipped }

// Sync returns SyncNone
func (p *SkippedByte) Sync() SyncByte { return SyncNone }

// Bytes returns the single skipped byte
func (p *SkippedByte) Bytes() []byte { return []byte{p.value} }

// Timestamp returns the time the byte was skipped
func (p *SkippedByte) Timestamp() time.Time { return p.timestamp }

// Value returns the skipped byte
func (p *SkippedByte) Value() byte { return p.value }

// Reason returns why the byte was skipped
func (p *SkippedByte) Reason() SkipReason { return p.reason }

// Offset returns the byte's position in the stream fed to the framer
func (p *SkippedByte) Offset() uint64 { return p.offset }

// String renders the skipped byte for logs
func (p *SkippedByte) String() string {
	return "0x" + strconv.FormatUint(uint64(p.value), 16) + " (" + p.reason.String() + ")"
}

// Derived reports whether p was synthesized from other packets rather than
// framed from received bytes. Consumers reproducing the wire stream skip
// derived packets; their bytes were already delivered in the segments.
func Derived(p Packet) bool {
	b, ok := p.(*BinaryPacket)
	return ok && b.reassembled
}
