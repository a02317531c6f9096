// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package vnproto

import (
	"strings"
	"testing"
	"time"
)

func TestEncodeCommand(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		mode     ChecksumMode
		expected string
	}{
		{"xor", "VNRRG,05", ChecksumXOR, "$VNRRG,05*76\r\n"},
		{"crc", "VNRRG,05", ChecksumCRC, "$VNRRG,05*A1DB\r\n"},
		{"unchecked", "VNWNV", ChecksumNone, "$VNWNV*XX\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(EncodeCommand(tt.body, tt.mode)); got != tt.expected {
				t.Errorf("EncodeCommand() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestCommandBuilders(t *testing.T) {
	tests := []struct {
		cmd    Command
		body   string
		expect Signature
	}{
		{ReadRegister(5), "VNRRG,05", Signature{"VNRRG", 5}},
		{ReadRegister(100), "VNRRG,100", Signature{"VNRRG", 100}},
		{WriteRegister(5, "115200"), "VNWRG,05,115200", Signature{"VNWRG", 5}},
		{WriteSettings(), "VNWNV", Signature{"VNWNV", AnyRegister}},
		{RestoreFactorySettings(), "VNRFS", Signature{"VNRFS", AnyRegister}},
		{Reset(), "VNRST", Signature{"VNRST", AnyRegister}},
		{SetFilterBias(), "VNSFB", Signature{"VNSFB", AnyRegister}},
		{KnownMagneticDisturbance(true), "VNKMD,1", Signature{"VNKMD", AnyRegister}},
		{KnownAccelerationDisturbance(false), "VNKAD,0", Signature{"VNKAD", AnyRegister}},
		{AsyncOutputEnable(true), "VNASY,1", Signature{"VNASY", AnyRegister}},
		{SetInitialHeading(45), "VNSIH,+045.000", Signature{"VNSIH", AnyRegister}},
		{Generic("$VNRRG,01"), "VNRRG,01", Signature{"VNRRG", AnyRegister}},
	}

	for _, tt := range tests {
		t.Run(tt.cmd.Name+"/"+tt.body, func(t *testing.T) {
			if tt.cmd.Body != tt.body {
				t.Errorf("Body = %q, want %q", tt.cmd.Body, tt.body)
			}
			if tt.cmd.Expect != tt.expect {
				t.Errorf("Expect = %+v, want %+v", tt.cmd.Expect, tt.expect)
			}
		})
	}
}

func TestSignature_Matches(t *testing.T) {
	now := time.Now()
	rrg05 := NewAsciiPacket("VNRRG", []string{"05", "115200"}, ChecksumXOR, nil, now)
	rrg06 := NewAsciiPacket("VNRRG", []string{"06", "0"}, ChecksumXOR, nil, now)
	wnv := NewAsciiPacket("VNWNV", nil, ChecksumXOR, nil, now)

	sig := ReadRegister(5).Expect
	if !sig.Matches(rrg05) {
		t.Error("VNRRG,05 should match ReadRegister(5)")
	}
	if sig.Matches(rrg06) {
		t.Error("VNRRG,06 should not match ReadRegister(5)")
	}
	if sig.Matches(wnv) {
		t.Error("VNWNV should not match ReadRegister(5)")
	}
	if !WriteSettings().Expect.Matches(wnv) {
		t.Error("VNWNV should match WriteSettings")
	}
	if sig.Matches(nil) {
		t.Error("nil packet should not match")
	}
}

func TestEncodedCommandFrames(t *testing.T) {
	for _, mode := range []ChecksumMode{ChecksumXOR, ChecksumCRC, ChecksumNone} {
		data := ReadRegister(5).Encode(mode)
		pkts := newTestFramer().Feed(data)
		if len(pkts) != 1 {
			t.Fatalf("mode %d: expected 1 packet, got %d", mode, len(pkts))
		}
		p := pkts[0].(*AsciiPacket)
		if p.Header() != "VNRRG" || p.Checksum() != mode {
			t.Errorf("mode %d: header=%q checksum=%d", mode, p.Header(), p.Checksum())
		}
	}
}

func TestFormatPacket(t *testing.T) {
	f := newTestFramer()
	pkts := f.Feed(append([]byte(yprSentence), append(yprFrame(), 0x00)...))
	if len(pkts) != 3 {
		t.Fatalf("Expected 3 packets, got %d", len(pkts))
	}

	if out := FormatPacket(pkts[0]); !strings.Contains(out, "MEASUREMENT VNYPR") {
		t.Errorf("ASCII format = %q", out)
	}
	if out := FormatPacket(pkts[1]); !strings.Contains(out, "YawPitchRoll:") || !strings.Contains(out, "10.5") {
		t.Errorf("binary format = %q", out)
	}
	if out := FormatPacket(pkts[2]); !strings.Contains(out, "SKIPPED 0x00") {
		t.Errorf("skipped format = %q", out)
	}
}

func TestFormatHex(t *testing.T) {
	if got := FormatHex([]byte{0xFA, 0x01, 0x08}); got != "FA 01 08" {
		t.Errorf("FormatHex() = %q", got)
	}
}

func TestParseChecksumMode(t *testing.T) {
	tests := []struct {
		in      string
		want    ChecksumMode
		wantErr bool
	}{
		{"xor", ChecksumXOR, false},
		{"", ChecksumXOR, false},
		{"CRC", ChecksumCRC, false},
		{"crc16", ChecksumCRC, false},
		{"none", ChecksumNone, false},
		{"md5", ChecksumXOR, true},
	}

	for _, tt := range tests {
		got, err := ParseChecksumMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseChecksumMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseChecksumMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseFieldDescriptor(t *testing.T) {
	d, err := ParseFieldDescriptor("4:12:f32:3:YprU")
	if err != nil {
		t.Fatalf("ParseFieldDescriptor() error = %v", err)
	}
	if d.Group != GroupAttitude || d.Field != 12 || d.Type != TypeF32 || d.Count != 3 || d.Name != "YprU" {
		t.Errorf("ParseFieldDescriptor() = %+v", d)
	}
	if d.Size() != 12 {
		t.Errorf("Size() = %d, want 12", d.Size())
	}

	for _, bad := range []string{"", "0:1:f32:1", "x:1:f32:1:a", "0:1:f128:1:a", "0:1:u8:1: "} {
		if _, err := ParseFieldDescriptor(bad); err == nil {
			t.Errorf("ParseFieldDescriptor(%q) expected error", bad)
		}
	}
}
