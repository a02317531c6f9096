// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package vnproto

import (
	"encoding/binary"
	"fmt"
	"time"
)

// SplitHeader is the header of one 0xFB segment. A binary output message
// too long for one packet is sent as Total segments numbered from 1.
//
//	0xFB | type<<4|id | total | current | length (u16 LE) | payload | CRC (u16 BE)
type SplitHeader struct {
	MessageType   uint8
	MessageID     uint8
	Total         uint8
	Current       uint8
	PayloadLength uint16
}

// String returns the segment position, e.g. "msg 3 seg 2/4"
func (h SplitHeader) String() string {
	return fmt.Sprintf("msg %d seg %d/%d", h.MessageID, h.Current, h.Total)
}

// ParseSplitHeader decodes the header that follows the 0xFB sync byte
func ParseSplitHeader(buf []byte) (SplitHeader, FrameStatus) {
	if len(buf) < splitHeaderLength {
		return SplitHeader{}, FrameIncomplete
	}
	h := SplitHeader{
		MessageType:   buf[0] >> 4,
		MessageID:     buf[0] & 0x0F,
		Total:         buf[1],
		Current:       buf[2],
		PayloadLength: binary.LittleEndian.Uint16(buf[3:5]),
	}
	if h.Total == 0 || h.Current == 0 || h.Current > h.Total {
		return h, FrameInvalid
	}
	return h, FrameValid
}

// SplitPacket is one CRC-verified 0xFB segment. Its bytes are the segment
// as received; the message it completes, if any, is emitted separately as
// a reassembled BinaryPacket.
type SplitPacket struct {
	header    SplitHeader
	payload   []byte
	raw       []byte
	timestamp time.Time
}

func (p *SplitPacket) sealed() {}

// Kind returns KindSplit
func (p *SplitPacket) Kind() Kind { return KindSplit }

// Sync returns SyncSplit
func (p *SplitPacket) Sync() SyncByte { return SyncSplit }

// Bytes returns the segment from sync byte to CRC
func (p *SplitPacket) Bytes() []byte { return p.raw }

// Timestamp returns the time the segment was completed
func (p *SplitPacket) Timestamp() time.Time { return p.timestamp }

// Header returns the segment header
func (p *SplitPacket) Header() SplitHeader { return p.header }

// Payload returns the slice of the message this segment carries
func (p *SplitPacket) Payload() []byte { return p.payload }

// SplitProtocol frames 0xFB segments and reassembles them into binary
// output messages. Segments must arrive in order: a segment that does not
// continue the message in progress is skipped with ReasonSplitSequence and
// the message is abandoned.
type SplitProtocol struct {
	binary *BinaryProtocol

	// message in progress: FA header and payload without sync or CRC
	msg  []byte
	last SplitHeader
	busy bool
}

// NewSplitProtocol creates a reassembler that decodes completed messages
// with bin's field table
func NewSplitProtocol(bin *BinaryProtocol) *SplitProtocol {
	if bin == nil {
		bin = NewBinaryProtocol(nil)
	}
	return &SplitProtocol{binary: bin}
}

// Name returns "split"
func (s *SplitProtocol) Name() string { return "split" }

// SyncPattern returns 0xFB
func (s *SplitProtocol) SyncPattern() []byte { return []byte{SplitSyncByte} }

// Accumulating returns StateAccumulatingBinary
func (s *SplitProtocol) Accumulating() State { return StateAccumulatingBinary }

// Pending returns the number of message bytes collected so far
func (s *SplitProtocol) Pending() int { return len(s.msg) }

func (s *SplitProtocol) reset() {
	s.msg = s.msg[:0]
	s.busy = false
}

// Find frames one segment at the start of buf and, when it is the last
// segment of a message, reassembles the message
func (s *SplitProtocol) Find(buf []byte, now time.Time) FrameResult {
	h, status := ParseSplitHeader(buf[1:])
	switch status {
	case FrameIncomplete:
		return FrameResult{Status: FrameIncomplete}
	case FrameInvalid:
		return FrameResult{Status: FrameInvalid, Reason: ReasonMalformedFrame}
	}

	payloadStart := 1 + splitHeaderLength
	total := payloadStart + int(h.PayloadLength) + 2
	if total > MaxBinaryLength {
		return FrameResult{Status: FrameInvalid, Reason: ReasonMalformedFrame}
	}
	if len(buf) < total {
		return FrameResult{Status: FrameIncomplete, Length: total}
	}
	if CalculateCRC(buf[1:total]) != 0 {
		return FrameResult{Status: FrameInvalid, Reason: ReasonChecksumFailed, Length: total}
	}

	if !s.continues(h) {
		s.reset()
		return FrameResult{Status: FrameInvalid, Reason: ReasonSplitSequence, Length: total}
	}

	raw := make([]byte, total)
	copy(raw, buf[:total])
	seg := &SplitPacket{
		header:    h,
		payload:   raw[payloadStart : payloadStart+int(h.PayloadLength)],
		raw:       raw,
		timestamp: now,
	}
	res := FrameResult{Status: FrameValid, Length: total, Packet: seg}

	if h.Current == 1 {
		s.reset()
	}
	if len(s.msg)+len(seg.payload) > MaxSplitMessageLength {
		s.reset()
		res.Failed, res.Reason = true, ReasonMalformedFrame
		return res
	}
	s.msg = append(s.msg, seg.payload...)
	s.last = h
	s.busy = true

	if h.Current < h.Total {
		return res
	}

	frame := make([]byte, 0, len(s.msg)+3)
	frame = append(frame, BinarySyncByte)
	frame = append(frame, s.msg...)
	crc := CalculateCRC(frame[1:])
	frame = append(frame, byte(crc>>8), byte(crc&0xFF))
	s.reset()

	msg := s.binary.find(frame, now, MaxSplitMessageLength)
	if msg.Status != FrameValid || msg.Length != len(frame) {
		res.Failed, res.Reason = true, ReasonMalformedFrame
		return res
	}
	pkt := msg.Packet.(*BinaryPacket)
	pkt.reassembled = true
	res.Derived = pkt
	return res
}

// continues reports whether h is the first segment of a new message or the
// next segment of the message in progress
func (s *SplitProtocol) continues(h SplitHeader) bool {
	if h.Current == 1 {
		return true
	}
	return s.busy &&
		h.MessageID == s.last.MessageID &&
		h.Total == s.last.Total &&
		h.Current == s.last.Current+1
}

// EncodeSplitMessage splits a complete 0xFA frame into 0xFB segments
// carrying at most maxPayload message bytes each
func EncodeSplitMessage(id uint8, fa []byte, maxPayload int) [][]byte {
	if len(fa) < 3 || maxPayload <= 0 {
		return nil
	}
	body := fa[1 : len(fa)-2]
	count := (len(body) + maxPayload - 1) / maxPayload
	if count == 0 {
		count = 1
	}

	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		chunk := body[i*maxPayload : min((i+1)*maxPayload, len(body))]
		seg := []byte{SplitSyncByte, id & 0x0F, byte(count), byte(i + 1)}
		seg = binary.LittleEndian.AppendUint16(seg, uint16(len(chunk)))
		seg = append(seg, chunk...)
		crc := CalculateCRC(seg[1:])
		out = append(out, append(seg, byte(crc>>8), byte(crc&0xFF)))
	}
	return out
}
