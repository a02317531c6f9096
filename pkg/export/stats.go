// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package export

import (
	"fmt"
	"maps"

	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

// Stats counts what an exporter consumed
type Stats struct {
	AsciiPackets  uint64
	BinaryPackets uint64
	SkippedBytes  uint64
	Bytes         uint64
	WriteFailures uint64
	// Discarded counts packets dequeued after the exporter failed
	Discarded uint64

	skippedByReason map[vnproto.SkipReason]uint64
}

func (s *Stats) record(p vnproto.Packet) {
	if !vnproto.Derived(p) {
		s.Bytes += uint64(len(p.Bytes()))
	}
	switch pkt := p.(type) {
	case *vnproto.AsciiPacket:
		s.AsciiPackets++
	case *vnproto.BinaryPacket:
		s.BinaryPackets++
	case *vnproto.SkippedByte:
		s.SkippedBytes++
		if s.skippedByReason == nil {
			s.skippedByReason = make(map[vnproto.SkipReason]uint64)
		}
		s.skippedByReason[pkt.Reason()]++
	}
}

// clone returns a copy that shares no state with s
func (s *Stats) clone() Stats {
	out := *s
	out.skippedByReason = maps.Clone(s.skippedByReason)
	return out
}

// Skipped returns the skipped byte count for one reason
func (s Stats) Skipped(reason vnproto.SkipReason) uint64 {
	return s.skippedByReason[reason]
}

// Packets returns the total number of packets consumed
func (s Stats) Packets() uint64 {
	return s.AsciiPackets + s.BinaryPackets + s.SkippedBytes
}

// String returns a formatted end-of-run report
func (s Stats) String() string {
	result := fmt.Sprintf("ASCII Packets:   %8d\n", s.AsciiPackets)
	result += fmt.Sprintf("Binary Packets:  %8d\n", s.BinaryPackets)
	result += fmt.Sprintf("Skipped Bytes:   %8d\n", s.SkippedBytes)
	for _, r := range vnproto.SkipReasons() {
		if n := s.skippedByReason[r]; n > 0 {
			result += fmt.Sprintf("  %-18s %5d\n", r.String()+":", n)
		}
	}
	result += fmt.Sprintf("Bytes Written:   %8d\n", s.Bytes)
	if s.WriteFailures > 0 {
		result += fmt.Sprintf("Write Failures:  %8d\n", s.WriteFailures)
	}
	if s.Discarded > 0 {
		result += fmt.Sprintf("Discarded:       %8d\n", s.Discarded)
	}
	return result
}
