// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package vnproto

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FieldType is the wire encoding of a binary output field
type FieldType int

// Field wire types. All multi-byte values are little-endian.
const (
	TypeU8 FieldType = iota
	TypeU16
	TypeU32
	TypeU64
	TypeF32
	TypeF64
	// TypeUTC is int8 year, five uint8 (month..second), uint16 milliseconds
	TypeUTC
	// TypeBytes is an opaque byte run rendered as hex
	TypeBytes
)

// Size returns the encoded size of one element
func (t FieldType) Size() int {
	switch t {
	case TypeU8, TypeBytes:
		return 1
	case TypeU16:
		return 2
	case TypeU32, TypeF32:
		return 4
	case TypeU64, TypeF64, TypeUTC:
		return 8
	default:
		return 0
	}
}

var fieldTypeNames = map[string]FieldType{
	"u8":    TypeU8,
	"u16":   TypeU16,
	"u32":   TypeU32,
	"u64":   TypeU64,
	"f32":   TypeF32,
	"f64":   TypeF64,
	"utc":   TypeUTC,
	"bytes": TypeBytes,
}

// ParseFieldType parses a type name such as "f32" or "u16"
func ParseFieldType(s string) (FieldType, error) {
	if t, ok := fieldTypeNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("unknown field type %q", s)
}

// ParseFieldDescriptor parses "group:field:type:count:name", for example
// "0:3:f32:3:YawPitchRoll"
func ParseFieldDescriptor(s string) (FieldDescriptor, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 5 {
		return FieldDescriptor{}, fmt.Errorf("field descriptor %q: want group:field:type:count:name", s)
	}
	group, err := strconv.Atoi(parts[0])
	if err != nil {
		return FieldDescriptor{}, fmt.Errorf("field descriptor %q: group: %w", s, err)
	}
	field, err := strconv.Atoi(parts[1])
	if err != nil {
		return FieldDescriptor{}, fmt.Errorf("field descriptor %q: field: %w", s, err)
	}
	typ, err := ParseFieldType(parts[2])
	if err != nil {
		return FieldDescriptor{}, fmt.Errorf("field descriptor %q: %w", s, err)
	}
	count, err := strconv.Atoi(parts[3])
	if err != nil {
		return FieldDescriptor{}, fmt.Errorf("field descriptor %q: count: %w", s, err)
	}
	name := strings.TrimSpace(parts[4])
	if name == "" {
		return FieldDescriptor{}, fmt.Errorf("field descriptor %q: empty name", s)
	}
	return FieldDescriptor{Group: group, Field: field, Name: name, Type: typ, Count: count}, nil
}

// FieldDescriptor describes one binary output field. Group and Field are
// zero-based bit positions: group 0 is the Common group.
type FieldDescriptor struct {
	Group   int
	Field   int
	Name    string
	Type    FieldType
	Count   int
	Columns []string
}

// Size returns the encoded size of the field in bytes
func (d FieldDescriptor) Size() int {
	return d.Type.Size() * d.Count
}

// ColumnNames returns one CSV column per rendered value
func (d FieldDescriptor) ColumnNames() []string {
	if len(d.Columns) > 0 {
		return d.Columns
	}
	switch {
	case d.Type == TypeBytes, d.Type == TypeUTC, d.Count == 1:
		return []string{d.Name}
	}
	cols := make([]string, d.Count)
	for i := range cols {
		cols[i] = d.Name + strconv.Itoa(i)
	}
	return cols
}

// FieldTable maps group/field bit positions to their descriptors. It is the
// only knowledge the framer needs to compute a binary payload length.
type FieldTable struct {
	fields [MaxGroups][MaxGroupFields]FieldDescriptor
	known  [MaxGroups]uint32
}

// NewFieldTable builds a table from register descriptors
func NewFieldTable(descriptors ...FieldDescriptor) (*FieldTable, error) {
	t := &FieldTable{}
	for _, d := range descriptors {
		if err := t.Add(d); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Add registers or replaces one descriptor
func (t *FieldTable) Add(d FieldDescriptor) error {
	if d.Group < 0 || d.Group >= MaxGroups {
		return fmt.Errorf("group %d out of range (max %d)", d.Group, MaxGroups-1)
	}
	if d.Field < 0 || d.Field >= MaxGroupFields {
		return fmt.Errorf("field %d out of range (max %d)", d.Field, MaxGroupFields-1)
	}
	if d.Count <= 0 || d.Size() == 0 {
		return fmt.Errorf("field %s has no size", d.Name)
	}
	t.fields[d.Group][d.Field] = d
	t.known[d.Group] |= 1 << uint(d.Field)
	return nil
}

// Lookup returns the descriptor for a group/field pair
func (t *FieldTable) Lookup(group, field int) (FieldDescriptor, bool) {
	if group < 0 || group >= MaxGroups || field < 0 || field >= MaxGroupFields {
		return FieldDescriptor{}, false
	}
	if t.known[group]&(1<<uint(field)) == 0 {
		return FieldDescriptor{}, false
	}
	return t.fields[group][field], true
}

// PayloadLength returns the payload size implied by a header, or false if
// the header enables a field the table does not describe
func (t *FieldTable) PayloadLength(h BinaryHeader) (int, bool) {
	total := 0
	for g := 0; g < MaxGroups; g++ {
		if !h.HasGroup(g) {
			continue
		}
		if h.Fields[g]&^t.known[g] != 0 {
			return 0, false
		}
		for f := 0; f < MaxGroupFields; f++ {
			if h.Fields[g]&(1<<uint(f)) != 0 {
				total += t.fields[g][f].Size()
			}
		}
	}
	return total, true
}

// Split cuts a payload into field values in wire order
func (t *FieldTable) Split(h BinaryHeader, payload []byte) ([]FieldValue, error) {
	var values []FieldValue
	offset := 0
	for g := 0; g < MaxGroups; g++ {
		if !h.HasGroup(g) {
			continue
		}
		for f := 0; f < MaxGroupFields; f++ {
			if h.Fields[g]&(1<<uint(f)) == 0 {
				continue
			}
			d, ok := t.Lookup(g, f)
			if !ok {
				return nil, fmt.Errorf("unknown field group=%d field=%d", g, f)
			}
			end := offset + d.Size()
			if end > len(payload) {
				return nil, fmt.Errorf("payload too short for %s: need %d, have %d", d.Name, end, len(payload))
			}
			values = append(values, FieldValue{Descriptor: d, Data: payload[offset:end]})
			offset = end
		}
	}
	return values, nil
}

// FieldValue is one field's bytes within a binary payload
type FieldValue struct {
	Descriptor FieldDescriptor
	Data       []byte
}

// Strings renders the field's values by wire type, one string per column
func (v FieldValue) Strings() []string {
	d := v.Descriptor
	switch d.Type {
	case TypeBytes:
		return []string{fmt.Sprintf("%X", v.Data)}
	case TypeUTC:
		if len(v.Data) < 8 {
			return []string{""}
		}
		return []string{fmt.Sprintf("%d-%02d-%02dT%02d:%02d:%02d.%03d",
			int(int8(v.Data[0]))+2000, v.Data[1], v.Data[2], v.Data[3], v.Data[4], v.Data[5],
			binary.LittleEndian.Uint16(v.Data[6:8]))}
	}

	out := make([]string, 0, d.Count)
	size := d.Type.Size()
	for i := 0; i < d.Count && (i+1)*size <= len(v.Data); i++ {
		b := v.Data[i*size : (i+1)*size]
		switch d.Type {
		case TypeU8:
			out = append(out, strconv.FormatUint(uint64(b[0]), 10))
		case TypeU16:
			out = append(out, strconv.FormatUint(uint64(binary.LittleEndian.Uint16(b)), 10))
		case TypeU32:
			out = append(out, strconv.FormatUint(uint64(binary.LittleEndian.Uint32(b)), 10))
		case TypeU64:
			out = append(out, strconv.FormatUint(binary.LittleEndian.Uint64(b), 10))
		case TypeF32:
			f := math.Float32frombits(binary.LittleEndian.Uint32(b))
			out = append(out, strconv.FormatFloat(float64(f), 'f', -1, 32))
		case TypeF64:
			f := math.Float64frombits(binary.LittleEndian.Uint64(b))
			out = append(out, strconv.FormatFloat(f, 'f', -1, 64))
		}
	}
	return out
}

// Float64s decodes f32/f64 fields as float64 values
func (v FieldValue) Float64s() ([]float64, bool) {
	size := v.Descriptor.Type.Size()
	out := make([]float64, 0, v.Descriptor.Count)
	for i := 0; i < v.Descriptor.Count && (i+1)*size <= len(v.Data); i++ {
		b := v.Data[i*size : (i+1)*size]
		switch v.Descriptor.Type {
		case TypeF32:
			out = append(out, float64(math.Float32frombits(binary.LittleEndian.Uint32(b))))
		case TypeF64:
			out = append(out, math.Float64frombits(binary.LittleEndian.Uint64(b)))
		default:
			return nil, false
		}
	}
	return out, true
}

// BinaryHeader is the group and per-group field bitmask of a binary packet.
// It is comparable with ==.
type BinaryHeader struct {
	Groups uint16
	Fields [MaxGroups]uint32
}

// With returns a copy of h with one field enabled
func (h BinaryHeader) With(group, field int) BinaryHeader {
	if group < 0 || group >= MaxGroups || field < 0 || field >= MaxGroupFields {
		return h
	}
	h.Groups |= 1 << uint(group)
	h.Fields[group] |= 1 << uint(field)
	return h
}

// HasGroup reports whether a group is enabled
func (h BinaryHeader) HasGroup(group int) bool {
	return group >= 0 && group < MaxGroups && h.Groups&(1<<uint(group)) != 0
}

// IsZero reports whether no group is enabled
func (h BinaryHeader) IsZero() bool {
	return h.Groups == 0
}

// Overlaps reports whether both headers enable at least one common field
func (h BinaryHeader) Overlaps(o BinaryHeader) bool {
	for g := 0; g < MaxGroups; g++ {
		if h.HasGroup(g) && o.HasGroup(g) && h.Fields[g]&o.Fields[g] != 0 {
			return true
		}
	}
	return false
}

// Encode returns the wire form of the header: group byte(s) then one field
// word (or two, with extension) per enabled group
func (h BinaryHeader) Encode() []byte {
	out := make([]byte, 0, 2+4*MaxGroups)
	low := byte(h.Groups & 0x7F)
	high := byte((h.Groups >> 7) & 0x7F)
	if high != 0 {
		out = append(out, low|groupExtensionBit, high)
	} else {
		out = append(out, low)
	}
	for g := 0; g < MaxGroups; g++ {
		if !h.HasGroup(g) {
			continue
		}
		w0 := uint16(h.Fields[g] & 0x7FFF)
		w1 := uint16((h.Fields[g] >> 15) & 0x7FFF)
		if w1 != 0 {
			out = binary.LittleEndian.AppendUint16(out, w0|fieldExtensionBit)
			out = binary.LittleEndian.AppendUint16(out, w1)
		} else {
			out = binary.LittleEndian.AppendUint16(out, w0)
		}
	}
	return out
}

// String renders the header as "G0:0x0008 G2:0x0101"
func (h BinaryHeader) String() string {
	parts := []string{}
	for g := 0; g < MaxGroups; g++ {
		if h.HasGroup(g) {
			parts = append(parts, fmt.Sprintf("G%d:0x%04X", g, h.Fields[g]))
		}
	}
	if len(parts) == 0 {
		return "G-"
	}
	return strings.Join(parts, " ")
}

// FileName renders the header as a filesystem-safe token
func (h BinaryHeader) FileName() string {
	parts := []string{}
	for g := 0; g < MaxGroups; g++ {
		if h.HasGroup(g) {
			parts = append(parts, fmt.Sprintf("g%d_%04x", g, h.Fields[g]))
		}
	}
	return "fa_" + strings.Join(parts, "_")
}
