// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package measure turns measurement packets into immutable snapshots and
// queues them for the application to poll.
package measure

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

type fieldKey struct {
	group, field int
}

// Composite is an immutable snapshot of one measurement packet. ASCII
// measurements keep their header and text fields; binary measurements keep
// their field values keyed by group and field.
type Composite struct {
	sync      vnproto.SyncByte
	timestamp time.Time

	asciiHeader string
	asciiFields []string

	binaryHeader vnproto.BinaryHeader
	binaryFields map[fieldKey]vnproto.FieldValue
	order        []fieldKey
}

// FromPacket builds a Composite from an ASCII measurement or a binary
// packet. Command responses and skipped bytes return false.
func FromPacket(p vnproto.Packet) (*Composite, bool) {
	switch pkt := p.(type) {
	case *vnproto.AsciiPacket:
		if !pkt.IsMeasurement() {
			return nil, false
		}
		return &Composite{
			sync:        vnproto.SyncAscii,
			timestamp:   pkt.Timestamp(),
			asciiHeader: pkt.Header(),
			asciiFields: append([]string(nil), pkt.Fields()...),
		}, true

	case *vnproto.BinaryPacket:
		c := &Composite{
			sync:         vnproto.SyncBinary,
			timestamp:    pkt.Timestamp(),
			binaryHeader: pkt.Header(),
			binaryFields: make(map[fieldKey]vnproto.FieldValue, len(pkt.Fields())),
		}
		for _, f := range pkt.Fields() {
			k := fieldKey{f.Descriptor.Group, f.Descriptor.Field}
			f.Data = append([]byte(nil), f.Data...)
			c.binaryFields[k] = f
			c.order = append(c.order, k)
		}
		return c, true
	}
	return nil, false
}

// Sync returns the packet family the snapshot came from
func (c *Composite) Sync() vnproto.SyncByte { return c.sync }

// Timestamp returns when the source packet was framed
func (c *Composite) Timestamp() time.Time { return c.timestamp }

// Name returns the ASCII header or the binary header string
func (c *Composite) Name() string {
	if c.sync == vnproto.SyncAscii {
		return c.asciiHeader
	}
	return c.binaryHeader.String()
}

// AsciiHeader returns the ASCII header, or "" for binary snapshots
func (c *Composite) AsciiHeader() string { return c.asciiHeader }

// AsciiFields returns a copy of the ASCII fields
func (c *Composite) AsciiFields() []string {
	return append([]string(nil), c.asciiFields...)
}

// AsciiValues parses every ASCII field as a number
func (c *Composite) AsciiValues() ([]float64, error) {
	out := make([]float64, 0, len(c.asciiFields))
	for i, s := range c.asciiFields {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("%s field %d: %w", c.asciiHeader, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// BinaryHeader returns the binary header, zero for ASCII snapshots
func (c *Composite) BinaryHeader() vnproto.BinaryHeader { return c.binaryHeader }

// Has reports whether the snapshot carries a binary field
func (c *Composite) Has(group, field int) bool {
	_, ok := c.binaryFields[fieldKey{group, field}]
	return ok
}

// Field returns one binary field
func (c *Composite) Field(group, field int) (vnproto.FieldValue, bool) {
	f, ok := c.binaryFields[fieldKey{group, field}]
	if !ok {
		return vnproto.FieldValue{}, false
	}
	f.Data = append([]byte(nil), f.Data...)
	return f, true
}

// Float64s decodes a floating point binary field
func (c *Composite) Float64s(group, field int) ([]float64, bool) {
	f, ok := c.binaryFields[fieldKey{group, field}]
	if !ok {
		return nil, false
	}
	return f.Float64s()
}

// Fields returns the binary fields in wire order
func (c *Composite) Fields() []vnproto.FieldValue {
	out := make([]vnproto.FieldValue, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.binaryFields[k])
	}
	return out
}

// String renders the snapshot on one line
func (c *Composite) String() string {
	if c.sync == vnproto.SyncAscii {
		return c.asciiHeader + " " + strings.Join(c.asciiFields, ",")
	}
	parts := make([]string, 0, len(c.order))
	for _, k := range c.order {
		f := c.binaryFields[k]
		parts = append(parts, f.Descriptor.Name+"="+strings.Join(f.Strings(), ","))
	}
	return c.binaryHeader.String() + " " + strings.Join(parts, " ")
}
