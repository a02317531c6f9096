// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package export

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

// Output file names
const (
	SkippedBytesFile = "skippedBytes.bin"
	SkippedLogFile   = "skippedBytes.cbor"
	RawBytesFile     = "rawBytes.bin"
)

func create(dir, name string) (*os.File, error) {
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

// sanitize turns a header into a safe file name
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, name)
}

// ============================================================
// ASCII
// ============================================================

type asciiSink struct {
	dir   string
	files map[string]*os.File
}

func newAsciiSink() *asciiSink {
	return &asciiSink{}
}

func (s *asciiSink) open(dir string) error {
	s.dir = dir
	s.files = make(map[string]*os.File)
	return nil
}

func (s *asciiSink) write(p vnproto.Packet) error {
	pkt, ok := p.(*vnproto.AsciiPacket)
	if !ok {
		return nil
	}
	// Keyed by file name: headers that sanitize alike share one file
	name := sanitize(pkt.Header()) + ".txt"
	f, ok := s.files[name]
	if !ok {
		var err error
		f, err = create(s.dir, name)
		if err != nil {
			return err
		}
		s.files[name] = f
	}
	_, err := f.Write(pkt.Bytes())
	return err
}

func (s *asciiSink) close() error {
	var errs []error
	for _, f := range s.files {
		errs = append(errs, f.Close())
	}
	s.files = nil
	return errors.Join(errs...)
}

// ============================================================
// CSV
// ============================================================

type csvTable struct {
	file    *os.File
	writer  *csv.Writer
	columns int
}

type csvSink struct {
	dir    string
	tables map[string]*csvTable
}

func newCsvSink() *csvSink {
	return &csvSink{}
}

func (s *csvSink) open(dir string) error {
	s.dir = dir
	s.tables = make(map[string]*csvTable)
	return nil
}

// table returns the table for name, creating it with header. A row whose
// width differs from the existing table goes to name_<columns> instead, so
// every table keeps one layout.
func (s *csvSink) table(name string, header []string) (*csvTable, error) {
	if t, ok := s.tables[name]; ok {
		if t.columns == len(header) {
			return t, nil
		}
		name = fmt.Sprintf("%s_%d", name, len(header)-1)
		if t, ok := s.tables[name]; ok {
			return t, nil
		}
	}
	f, err := create(s.dir, name+".csv")
	if err != nil {
		return nil, err
	}
	t := &csvTable{file: f, writer: csv.NewWriter(f), columns: len(header)}
	if err := t.writer.Write(header); err != nil {
		f.Close()
		return nil, err
	}
	s.tables[name] = t
	return t, nil
}

func (s *csvSink) write(p vnproto.Packet) error {
	ts := p.Timestamp().Format(time.RFC3339Nano)

	var (
		name   string
		header []string
		row    []string
	)
	switch pkt := p.(type) {
	case *vnproto.AsciiPacket:
		name = sanitize(pkt.Header())
		if registerReply(pkt.Header()) && len(pkt.Fields()) > 0 {
			// Each register has its own layout
			name += "_" + sanitize(pkt.Fields()[0])
		}
		header = []string{"Timestamp"}
		for i := range pkt.Fields() {
			header = append(header, "Field"+strconv.Itoa(i))
		}
		row = append([]string{ts}, pkt.Fields()...)

	case *vnproto.BinaryPacket:
		name = pkt.Header().FileName()
		header = []string{"Timestamp"}
		row = []string{ts}
		for _, f := range pkt.Fields() {
			header = append(header, f.Descriptor.ColumnNames()...)
			row = append(row, f.Strings()...)
		}

	default:
		return nil
	}

	t, err := s.table(name, header)
	if err != nil {
		return err
	}
	if err := t.writer.Write(row); err != nil {
		return err
	}
	t.writer.Flush()
	return t.writer.Error()
}

func registerReply(header string) bool {
	return header == "VNRRG" || header == "VNWRG"
}

func (s *csvSink) close() error {
	var errs []error
	for name, t := range s.tables {
		t.writer.Flush()
		if err := t.writer.Error(); err != nil {
			errs = append(errs, fmt.Errorf("%s.csv: %w", name, err))
		}
		errs = append(errs, t.file.Close())
	}
	s.tables = nil
	return errors.Join(errs...)
}

// ============================================================
// Skipped bytes
// ============================================================

// SkipRecord is one run of consecutive skipped bytes sharing a reason, as
// stored in skippedBytes.cbor
type SkipRecord struct {
	Offset    uint64 `cbor:"offset"`
	Count     int    `cbor:"count"`
	Reason    string `cbor:"reason"`
	Timestamp int64  `cbor:"ts"` // unix nanoseconds of the first byte
}

type skippedSink struct {
	bin *bufio.Writer
	log *cbor.Encoder

	binFile *os.File
	logFile *os.File
	run     *SkipRecord
}

func newSkippedSink() *skippedSink {
	return &skippedSink{}
}

func (s *skippedSink) open(dir string) error {
	bin, err := create(dir, SkippedBytesFile)
	if err != nil {
		return err
	}
	log, err := create(dir, SkippedLogFile)
	if err != nil {
		bin.Close()
		return err
	}
	s.binFile, s.logFile = bin, log
	s.bin = bufio.NewWriter(bin)
	s.log = cbor.NewEncoder(log)
	s.run = nil
	return nil
}

func (s *skippedSink) write(p vnproto.Packet) error {
	sb, ok := p.(*vnproto.SkippedByte)
	if !ok {
		return nil
	}
	if err := s.bin.WriteByte(sb.Value()); err != nil {
		return err
	}

	reason := sb.Reason().String()
	if s.run != nil && s.run.Reason == reason && s.run.Offset+uint64(s.run.Count) == sb.Offset() {
		s.run.Count++
		return nil
	}
	if err := s.flushRun(); err != nil {
		return err
	}
	s.run = &SkipRecord{Offset: sb.Offset(), Count: 1, Reason: reason, Timestamp: sb.Timestamp().UnixNano()}
	return nil
}

func (s *skippedSink) flushRun() error {
	if s.run == nil {
		return nil
	}
	run := s.run
	s.run = nil
	return s.log.Encode(run)
}

func (s *skippedSink) close() error {
	errs := []error{s.flushRun(), s.bin.Flush(), s.binFile.Close(), s.logFile.Close()}
	return errors.Join(errs...)
}

// ReadSkipLog decodes every record in a skippedBytes.cbor file
func ReadSkipLog(path string) ([]SkipRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := cbor.NewDecoder(f)
	var out []SkipRecord
	for {
		var rec SkipRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, rec)
	}
}

// ============================================================
// Raw bytes
// ============================================================

type rawSink struct {
	file *os.File
	w    *bufio.Writer
}

func newRawSink() *rawSink {
	return &rawSink{}
}

func (s *rawSink) open(dir string) error {
	f, err := create(dir, RawBytesFile)
	if err != nil {
		return err
	}
	s.file = f
	s.w = bufio.NewWriter(f)
	return nil
}

func (s *rawSink) write(p vnproto.Packet) error {
	if vnproto.Derived(p) {
		return nil
	}
	_, err := s.w.Write(p.Bytes())
	return err
}

func (s *rawSink) close() error {
	return errors.Join(s.w.Flush(), s.file.Close())
}
