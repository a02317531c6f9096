// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package vnproto

import (
	"fmt"
	"time"
)

// Statistics tracks framing results and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	BytesIn          uint64
	AsciiPackets     uint64
	BinaryPackets    uint64
	SplitPackets     uint64
	Reassembled      uint64
	ChecksumFailures uint64
	MalformedFrames  uint64
	SequenceErrors   uint64
	SkippedBytes     [numSkipReasons]uint64

	// Rates (calculated)
	PacketRate float64 // packets/sec
	ErrorRate  float64 // failed frames/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics(now time.Time) *Statistics {
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// ValidPackets returns the number of framed ASCII and binary packets
func (s Statistics) ValidPackets() uint64 {
	return s.AsciiPackets + s.BinaryPackets
}

// TotalSkipped returns the number of skipped bytes across all reasons
func (s Statistics) TotalSkipped() uint64 {
	var total uint64
	for _, n := range s.SkippedBytes {
		total += n
	}
	return total
}

// Skipped returns the skipped byte count for one reason
func (s Statistics) Skipped(reason SkipReason) uint64 {
	if reason < 0 || reason >= numSkipReasons {
		return 0
	}
	return s.SkippedBytes[reason]
}

func (s *Statistics) recordPacket(p Packet, now time.Time) {
	switch p.Kind() {
	case KindAscii:
		s.AsciiPackets++
	case KindBinary:
		if Derived(p) {
			s.Reassembled++
		} else {
			s.BinaryPackets++
		}
	case KindSplit:
		s.SplitPackets++
	case KindSkipped:
		s.SkippedBytes[p.(*SkippedByte).reason]++
	}
	s.LastUpdateTime = now
}

func (s *Statistics) recordFailure(reason SkipReason) {
	switch reason {
	case ReasonChecksumFailed:
		s.ChecksumFailures++
	case ReasonMalformedFrame:
		s.MalformedFrames++
	case ReasonSplitSequence:
		s.SequenceErrors++
	}
}

// CalculateRates calculates packet and error rates up to now
func (s *Statistics) CalculateRates(now time.Time) {
	elapsed := now.Sub(s.StartTime).Seconds()
	if elapsed > 0 {
		s.PacketRate = float64(s.ValidPackets()) / elapsed
		s.ErrorRate = float64(s.ChecksumFailures+s.MalformedFrames+s.SequenceErrors) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates(s.LastUpdateTime)

	var validPercent float64
	if s.BytesIn > 0 {
		framed := s.BytesIn - s.TotalSkipped()
		validPercent = float64(framed) * 100.0 / float64(s.BytesIn)
	}

	elapsed := s.LastUpdateTime.Sub(s.StartTime)

	result := fmt.Sprintf("=== Framing Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Bytes In:        %8d (%.1f%% framed)\n", s.BytesIn, validPercent)
	result += fmt.Sprintf("ASCII Packets:   %8d\n", s.AsciiPackets)
	result += fmt.Sprintf("Binary Packets:  %8d\n", s.BinaryPackets)
	if s.SplitPackets > 0 {
		result += fmt.Sprintf("Split Segments:  %8d (%d reassembled)\n", s.SplitPackets, s.Reassembled)
	}

	if s.ChecksumFailures > 0 {
		result += fmt.Sprintf("Checksum Errors: %8d\n", s.ChecksumFailures)
	}
	if s.MalformedFrames > 0 {
		result += fmt.Sprintf("Malformed Frames:%8d\n", s.MalformedFrames)
	}
	if s.SequenceErrors > 0 {
		result += fmt.Sprintf("Sequence Errors: %8d\n", s.SequenceErrors)
	}
	if skipped := s.TotalSkipped(); skipped > 0 {
		result += fmt.Sprintf("Skipped Bytes:   %8d\n", skipped)
		for _, r := range SkipReasons() {
			if n := s.SkippedBytes[r]; n > 0 {
				result += fmt.Sprintf("  %-18s %5d\n", r.String()+":", n)
			}
		}
	}

	result += fmt.Sprintf("Packet Rate:     %8.1f pkts/sec\n", s.PacketRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "=========================================\n"
	return result
}
