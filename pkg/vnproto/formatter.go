// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package vnproto

import (
	"fmt"
	"strings"
)

// FormatPacket formats a packet into a human-readable string
func FormatPacket(p Packet) string {
	timestamp := p.Timestamp().Format("15:04:05.000")

	switch pkt := p.(type) {
	case *AsciiPacket:
		kind := "RESPONSE"
		if pkt.IsMeasurement() {
			kind = "MEASUREMENT"
		}
		return fmt.Sprintf("[%s] ASCII %s %s\n  %s\n", timestamp, kind, pkt.Header(), pkt.Line())

	case *BinaryPacket:
		kind := "BINARY"
		if pkt.Reassembled() {
			kind = "BINARY (reassembled)"
		}
		result := fmt.Sprintf("[%s] %s %s len=%d\n", timestamp, kind, pkt.Header(), len(pkt.Bytes()))
		for _, f := range pkt.Fields() {
			result += fmt.Sprintf("  %-24s %s\n", f.Descriptor.Name+":", strings.Join(f.Strings(), ", "))
		}
		return result

	case *SplitPacket:
		return fmt.Sprintf("[%s] SPLIT %s len=%d\n", timestamp, pkt.Header(), len(pkt.Bytes()))

	case *SkippedByte:
		return fmt.Sprintf("[%s] SKIPPED 0x%02X offset=%d reason=%s\n", timestamp, pkt.Value(), pkt.Offset(), pkt.Reason())
	}
	return fmt.Sprintf("[%s] %s\n", timestamp, p.Kind())
}

// FormatHex renders bytes as space-separated hex, 16 per line
func FormatHex(data []byte) string {
	var b strings.Builder
	for i, c := range data {
		if i > 0 {
			if i%16 == 0 {
				b.WriteByte('\n')
			} else {
				b.WriteByte(' ')
			}
		}
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}
