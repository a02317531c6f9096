// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/vnlink/pkg/asyncerr"
	"github.com/Thermoquad/vnlink/pkg/router"
	"github.com/Thermoquad/vnlink/pkg/sensor"
	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

var (
	packetTestTimeout int
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test connection by waiting for a valid sensor packet",
	Long: `Wait for a valid ASCII or binary packet on the connection until timeout.

This command connects to a serial port, WebSocket or replay file and waits for
any packet that passes its checksum. Skipped bytes are counted but otherwise
ignored.

Exit codes:
  0 - Packet received before timeout
  1 - Timeout reached without receiving a valid packet
  2 - Connection error

Useful for checking baud rate and wiring before a longer session.`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a packet")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	packets := router.NewQueue("packet_test", 1, router.DropNewest)
	skipped := router.NewQueue("packet_test.skipped", 4096, router.DropNewest)

	s, connInfo, err := OpenSensor(cmd.Context(), logger, func(s *sensor.Sensor) error {
		return errors.Join(
			s.Subscribe(packets, router.ExactSync(vnproto.SyncAscii)),
			s.Subscribe(packets, router.ExactSync(vnproto.SyncBinary)),
			s.Subscribe(skipped, router.None()),
		)
	})
	if err != nil {
		exitWith(2, "Connection error: %v\n", err)
	}

	fmt.Printf("vnlink - Packet Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)
	fmt.Printf("Waiting for valid packet...\n\n")

	timeout := time.After(time.Duration(packetTestTimeout) * time.Second)

	success := func(p vnproto.Packet) {
		_ = s.Disconnect()
		if n := skipped.Delivered() + skipped.Dropped(); n > 0 {
			fmt.Printf("(skipped %d bytes before first packet)\n", n)
		}
		fmt.Printf("SUCCESS: Received valid packet\n")
		fmt.Print(vnproto.FormatPacket(p))
		fmt.Printf("  Length: %d bytes\n", len(p.Bytes()))
		exitWith(0, "")
	}

	select {
	case p := <-packets.C():
		success(p)

	case <-s.Done():
		// A short replay can end before the packet is picked up
		if p, ok := packets.Pop(); ok {
			success(p)
		}
		errCh := s.AsyncErrors()
		_ = s.Disconnect()
		for _, e := range errCh.Drain() {
			if e.Kind == asyncerr.ReadFailed {
				exitWith(2, "Read error: %v\n", e)
			}
		}
		exitWith(1, "END OF STREAM: No valid packet found\n")

	case <-timeout:
		_ = s.Disconnect()
		exitWith(1, "TIMEOUT: No valid packet received within %d seconds\n", packetTestTimeout)

	case <-cmd.Context().Done():
		_ = s.Disconnect()
		exitWith(1, "Interrupted\n")
	}

	return nil
}
