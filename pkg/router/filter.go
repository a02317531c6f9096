// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package router

import (
	"fmt"
	"strings"

	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

// Filter selects the packets a subscription receives
type Filter interface {
	Match(p vnproto.Packet) bool
	String() string
}

type filterFunc struct {
	name  string
	match func(vnproto.Packet) bool
}

func (f filterFunc) Match(p vnproto.Packet) bool { return f.match(p) }
func (f filterFunc) String() string              { return f.name }

// ExactSync matches every framed packet of one family
func ExactSync(sync vnproto.SyncByte) Filter {
	return filterFunc{
		name:  "ExactSync(" + sync.String() + ")",
		match: func(p vnproto.Packet) bool { return p.Sync() == sync },
	}
}

// AnyMatch matches every packet, skipped bytes included
func AnyMatch() Filter {
	return filterFunc{
		name:  "AnyMatch",
		match: func(vnproto.Packet) bool { return true },
	}
}

// None matches only skipped bytes
func None() Filter {
	return filterFunc{
		name:  "None",
		match: func(p vnproto.Packet) bool { return p.Kind() == vnproto.KindSkipped },
	}
}

// BinaryGroupMatch matches binary packets whose group and field bitmasks
// equal h exactly
func BinaryGroupMatch(h vnproto.BinaryHeader) Filter {
	return filterFunc{
		name: "BinaryGroupMatch(" + h.String() + ")",
		match: func(p vnproto.Packet) bool {
			bin, ok := p.(*vnproto.BinaryPacket)
			return ok && bin.Header() == h
		},
	}
}

// BinaryOverlap matches binary packets that share at least one field with h
func BinaryOverlap(h vnproto.BinaryHeader) Filter {
	return filterFunc{
		name: "BinaryOverlap(" + h.String() + ")",
		match: func(p vnproto.Packet) bool {
			bin, ok := p.(*vnproto.BinaryPacket)
			return ok && bin.Header().Overlaps(h)
		},
	}
}

// AsciiHeader matches ASCII packets whose header starts with prefix. With
// negate it matches ASCII packets whose header does not.
func AsciiHeader(prefix string, negate bool) Filter {
	name := fmt.Sprintf("AsciiHeader(%q)", prefix)
	if negate {
		name = "Not" + name
	}
	return filterFunc{
		name: name,
		match: func(p vnproto.Packet) bool {
			ascii, ok := p.(*vnproto.AsciiPacket)
			if !ok {
				return false
			}
			return strings.HasPrefix(ascii.Header(), prefix) != negate
		},
	}
}

// AsciiMeasurements matches asynchronous ASCII measurement outputs
func AsciiMeasurements() Filter {
	return filterFunc{
		name: "AsciiMeasurements",
		match: func(p vnproto.Packet) bool {
			ascii, ok := p.(*vnproto.AsciiPacket)
			return ok && ascii.IsMeasurement()
		},
	}
}

// ParseFilter builds a filter from its configuration name: "any", "none",
// "ascii", "binary", "split", "measurements", or "header:<prefix>" and
// "!header:<prefix>"
func ParseFilter(s string) (Filter, error) {
	switch strings.ToLower(s) {
	case "any":
		return AnyMatch(), nil
	case "none", "skipped":
		return None(), nil
	case "ascii":
		return ExactSync(vnproto.SyncAscii), nil
	case "binary":
		return ExactSync(vnproto.SyncBinary), nil
	case "split":
		return ExactSync(vnproto.SyncSplit), nil
	case "measurements":
		return AsciiMeasurements(), nil
	}
	if rest, ok := strings.CutPrefix(s, "!header:"); ok {
		return AsciiHeader(rest, true), nil
	}
	if rest, ok := strings.CutPrefix(s, "header:"); ok {
		return AsciiHeader(rest, false), nil
	}
	return nil, fmt.Errorf("unknown filter %q", s)
}
