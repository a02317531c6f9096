// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package vnproto

import (
	"fmt"
	"strconv"
	"strings"
)

// EncodeCommand wraps an ASCII command body ("VNRRG,05") into a complete
// sentence with checksum and line terminator.
func EncodeCommand(body string, mode ChecksumMode) []byte {
	var sum string
	switch mode {
	case ChecksumCRC:
		sum = fmt.Sprintf("%04X", CalculateCRC([]byte(body)))
	case ChecksumNone:
		sum = AsciiUncheckedSum
	default:
		sum = fmt.Sprintf("%02X", CalculateXOR([]byte(body)))
	}

	out := make([]byte, 0, len(body)+len(sum)+4)
	out = append(out, AsciiSyncByte)
	out = append(out, body...)
	out = append(out, AsciiChecksumDelim)
	out = append(out, sum...)
	out = append(out, AsciiCarriageRet, AsciiTerminator)
	return out
}

// AnyRegister matches a response regardless of its register id
const AnyRegister = -1

// Signature identifies the response a command expects
type Signature struct {
	Header   string
	Register int
}

// Matches reports whether an ASCII packet is the response for this signature
func (s Signature) Matches(p *AsciiPacket) bool {
	if p == nil || p.Header() != s.Header {
		return false
	}
	if s.Register == AnyRegister {
		return true
	}
	id, err := strconv.Atoi(strings.TrimSpace(p.Field(0)))
	return err == nil && id == s.Register
}

// String renders the signature as "VNRRG,05" or "VNWNV"
func (s Signature) String() string {
	if s.Register == AnyRegister {
		return s.Header
	}
	return fmt.Sprintf("%s,%02d", s.Header, s.Register)
}

// Command is an ASCII command and the response it expects
type Command struct {
	Name   string
	Body   string
	Expect Signature
}

// Encode serializes the command with the given checksum mode
func (c Command) Encode(mode ChecksumMode) []byte {
	return EncodeCommand(c.Body, mode)
}

// ReadRegister creates a VNRRG command for a register id
func ReadRegister(id int) Command {
	return Command{
		Name:   "ReadRegister",
		Body:   fmt.Sprintf("VNRRG,%02d", id),
		Expect: Signature{Header: "VNRRG", Register: id},
	}
}

// WriteRegister creates a VNWRG command. Values are written verbatim as
// comma-separated fields.
func WriteRegister(id int, values ...string) Command {
	body := fmt.Sprintf("VNWRG,%02d", id)
	if len(values) > 0 {
		body += "," + strings.Join(values, ",")
	}
	return Command{
		Name:   "WriteRegister",
		Body:   body,
		Expect: Signature{Header: "VNWRG", Register: id},
	}
}

func simple(name, header string) Command {
	return Command{
		Name:   name,
		Body:   header,
		Expect: Signature{Header: header, Register: AnyRegister},
	}
}

func withState(name, header string, state bool) Command {
	c := simple(name, header)
	if state {
		c.Body += ",1"
	} else {
		c.Body += ",0"
	}
	return c
}

// WriteSettings creates a VNWNV command (save to non-volatile memory)
func WriteSettings() Command { return simple("WriteSettings", "VNWNV") }

// RestoreFactorySettings creates a VNRFS command
func RestoreFactorySettings() Command { return simple("RestoreFactorySettings", "VNRFS") }

// Reset creates a VNRST command
func Reset() Command { return simple("Reset", "VNRST") }

// SetFilterBias creates a VNSFB command
func SetFilterBias() Command { return simple("SetFilterBias", "VNSFB") }

// KnownMagneticDisturbance creates a VNKMD command
func KnownMagneticDisturbance(present bool) Command {
	return withState("KnownMagneticDisturbance", "VNKMD", present)
}

// KnownAccelerationDisturbance creates a VNKAD command
func KnownAccelerationDisturbance(present bool) Command {
	return withState("KnownAccelerationDisturbance", "VNKAD", present)
}

// AsyncOutputEnable creates a VNASY command that pauses or resumes
// asynchronous outputs
func AsyncOutputEnable(enable bool) Command {
	return withState("AsyncOutputEnable", "VNASY", enable)
}

// SetInitialHeading creates a VNSIH command. Pass one value (heading), three
// (yaw, pitch, roll) or four (quaternion).
func SetInitialHeading(values ...float64) Command {
	c := simple("SetInitialHeading", "VNSIH")
	for _, v := range values {
		c.Body += fmt.Sprintf(",%+08.3f", v)
	}
	return c
}

// Generic creates a command from a raw body. The expected response header is
// the body's first token.
func Generic(body string) Command {
	body = strings.TrimPrefix(body, string(rune(AsciiSyncByte)))
	header := body
	if i := strings.IndexByte(body, AsciiFieldDelim); i >= 0 {
		header = body[:i]
	}
	return Command{
		Name:   "Generic",
		Body:   body,
		Expect: Signature{Header: header, Register: AnyRegister},
	}
}
