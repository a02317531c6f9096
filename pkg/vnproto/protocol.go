// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package vnproto

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"
	"time"
)

// FrameStatus is the outcome of looking for a frame at the head of a buffer
type FrameStatus int

// Frame statuses
const (
	FrameValid FrameStatus = iota
	FrameIncomplete
	FrameInvalid
)

// FrameResult is returned by Protocol.Find
type FrameResult struct {
	Status FrameStatus
	// Length is the frame length for FrameValid, the bytes to skip for a
	// checksum failure, or the total length needed when known for
	// FrameIncomplete.
	Length int
	Reason SkipReason
	Packet Packet
	// Derived is an extra packet built from this frame and earlier ones,
	// such as a message reassembled from its last segment
	Derived Packet
	// Failed marks a valid frame that completed nothing usable. The frame
	// is still emitted and Reason is reported.
	Failed bool
}

// Protocol recognizes one packet family. Find is called with a buffer that
// starts with SyncPattern.
type Protocol interface {
	Name() string
	SyncPattern() []byte
	// Accumulating is the framer state while this protocol waits for bytes
	Accumulating() State
	Find(buf []byte, now time.Time) FrameResult
}

// AsciiProtocol frames "$...*cc\r\n" sentences
type AsciiProtocol struct{}

// Name returns "ascii"
func (AsciiProtocol) Name() string { return "ascii" }

// SyncPattern returns "$"
func (AsciiProtocol) SyncPattern() []byte { return []byte{AsciiSyncByte} }

// Accumulating returns StateAccumulatingAscii
func (AsciiProtocol) Accumulating() State { return StateAccumulatingAscii }

// Find looks for a complete sentence at the start of buf
func (AsciiProtocol) Find(buf []byte, now time.Time) FrameResult {
	end := -1
	limit := len(buf)
	if limit > MaxAsciiLength {
		limit = MaxAsciiLength
	}
	for i := 1; i < limit; i++ {
		c := buf[i]
		if c == AsciiTerminator {
			end = i
			break
		}
		// Another sentence started before this one ended, or binary data
		if c == AsciiSyncByte || (c < 0x20 && c != AsciiCarriageRet) || c > 0x7E {
			return FrameResult{Status: FrameInvalid, Reason: ReasonMalformedFrame}
		}
	}
	if end < 0 {
		if len(buf) >= MaxAsciiLength {
			return FrameResult{Status: FrameInvalid, Reason: ReasonMalformedFrame}
		}
		return FrameResult{Status: FrameIncomplete}
	}

	frame := buf[:end+1]
	content := bytes.TrimRight(frame, "\r\n")
	star := bytes.LastIndexByte(content, AsciiChecksumDelim)
	if star < 1 {
		return FrameResult{Status: FrameInvalid, Reason: ReasonMalformedFrame}
	}
	body := content[1:star]
	sum := string(content[star+1:])

	var mode ChecksumMode
	switch len(sum) {
	case 2:
		if sum == AsciiUncheckedSum {
			mode = ChecksumNone
			break
		}
		want, err := strconv.ParseUint(sum, 16, 8)
		if err != nil {
			return FrameResult{Status: FrameInvalid, Reason: ReasonMalformedFrame}
		}
		if CalculateXOR(body) != uint8(want) {
			return FrameResult{Status: FrameInvalid, Reason: ReasonChecksumFailed, Length: len(frame)}
		}
		mode = ChecksumXOR
	case 4:
		want, err := strconv.ParseUint(sum, 16, 16)
		if err != nil {
			return FrameResult{Status: FrameInvalid, Reason: ReasonMalformedFrame}
		}
		if CalculateCRC(body) != uint16(want) {
			return FrameResult{Status: FrameInvalid, Reason: ReasonChecksumFailed, Length: len(frame)}
		}
		mode = ChecksumCRC
	default:
		return FrameResult{Status: FrameInvalid, Reason: ReasonMalformedFrame}
	}

	tokens := strings.Split(string(body), string(rune(AsciiFieldDelim)))
	if tokens[0] == "" {
		return FrameResult{Status: FrameInvalid, Reason: ReasonMalformedFrame}
	}

	raw := make([]byte, len(frame))
	copy(raw, frame)
	return FrameResult{
		Status: FrameValid,
		Length: len(frame),
		Packet: NewAsciiPacket(tokens[0], tokens[1:], mode, raw, now),
	}
}

// BinaryProtocol frames 0xFA binary output packets
type BinaryProtocol struct {
	Table *FieldTable
}

// NewBinaryProtocol creates a binary protocol using table for payload sizes
func NewBinaryProtocol(table *FieldTable) *BinaryProtocol {
	if table == nil {
		table = DefaultFieldTable()
	}
	return &BinaryProtocol{Table: table}
}

// Name returns "binary"
func (b *BinaryProtocol) Name() string { return "binary" }

// SyncPattern returns 0xFA
func (b *BinaryProtocol) SyncPattern() []byte { return []byte{BinarySyncByte} }

// Accumulating returns StateAccumulatingBinary
func (b *BinaryProtocol) Accumulating() State { return StateAccumulatingBinary }

// ParseBinaryHeader decodes the group/field header that follows the sync
// byte. It returns the header, its encoded length, and a status of
// FrameIncomplete or FrameInvalid when it cannot be decoded.
func ParseBinaryHeader(buf []byte) (BinaryHeader, int, FrameStatus) {
	var h BinaryHeader
	i := 0
	for ext := 0; ; ext++ {
		if i >= len(buf) {
			return h, 0, FrameIncomplete
		}
		gb := buf[i]
		i++
		h.Groups |= uint16(gb&0x7F) << (7 * uint(ext))
		if gb&groupExtensionBit == 0 {
			break
		}
		if ext == 1 {
			return h, 0, FrameInvalid
		}
	}
	if h.Groups == 0 {
		return h, 0, FrameInvalid
	}

	for g := 0; g < MaxGroups; g++ {
		if !h.HasGroup(g) {
			continue
		}
		for w := 0; ; w++ {
			if i+2 > len(buf) {
				return h, 0, FrameIncomplete
			}
			word := binary.LittleEndian.Uint16(buf[i : i+2])
			i += 2
			h.Fields[g] |= uint32(word&0x7FFF) << (15 * uint(w))
			if word&fieldExtensionBit == 0 {
				break
			}
			if w == 1 {
				return h, 0, FrameInvalid
			}
		}
		if h.Fields[g] == 0 {
			return h, 0, FrameInvalid
		}
	}
	return h, i, FrameValid
}

// Find looks for a complete binary packet at the start of buf
func (b *BinaryProtocol) Find(buf []byte, now time.Time) FrameResult {
	return b.find(buf, now, MaxBinaryLength)
}

func (b *BinaryProtocol) find(buf []byte, now time.Time, limit int) FrameResult {
	header, headerLen, status := ParseBinaryHeader(buf[1:])
	switch status {
	case FrameIncomplete:
		return FrameResult{Status: FrameIncomplete}
	case FrameInvalid:
		return FrameResult{Status: FrameInvalid, Reason: ReasonMalformedFrame}
	}

	payloadLen, ok := b.Table.PayloadLength(header)
	if !ok {
		return FrameResult{Status: FrameInvalid, Reason: ReasonMalformedFrame}
	}
	payloadStart := 1 + headerLen
	total := payloadStart + payloadLen + 2
	if total > limit {
		return FrameResult{Status: FrameInvalid, Reason: ReasonMalformedFrame}
	}
	if len(buf) < total {
		return FrameResult{Status: FrameIncomplete, Length: total}
	}

	// CRC over everything after the sync byte, including the CRC itself,
	// is zero for an intact frame
	if CalculateCRC(buf[1:total]) != 0 {
		return FrameResult{Status: FrameInvalid, Reason: ReasonChecksumFailed, Length: total}
	}

	raw := make([]byte, total)
	copy(raw, buf[:total])
	payload := raw[payloadStart : payloadStart+payloadLen]
	fields, err := b.Table.Split(header, payload)
	if err != nil {
		return FrameResult{Status: FrameInvalid, Reason: ReasonMalformedFrame}
	}

	return FrameResult{
		Status: FrameValid,
		Length: total,
		Packet: &BinaryPacket{
			header:    header,
			payload:   payload,
			fields:    fields,
			verified:  true,
			raw:       raw,
			timestamp: now,
		},
	}
}

// EncodeBinaryPacket builds a complete binary frame from a header and payload.
// Sensors produce these; the encoder exists for replay files and tests.
func EncodeBinaryPacket(h BinaryHeader, payload []byte) []byte {
	frame := []byte{BinarySyncByte}
	frame = append(frame, h.Encode()...)
	frame = append(frame, payload...)
	crc := CalculateCRC(frame[1:])
	return append(frame, byte(crc>>8), byte(crc&0xFF))
}
