// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/vnlink/pkg/transport"
)

var linkTestCmd = &cobra.Command{
	Use:   "link_test",
	Short: "Test raw connection stability",
	Long: `Test the serial, WebSocket or replay connection without framing.

This command opens the transport and just reads, logging any data received
or errors encountered. Useful for debugging connection stability issues
before blaming the framer.

Exit codes:
  0 - Test completed normally (or the replay file ended)
  1 - Test failed
  2 - Connection error`,
	RunE: runLinkTest,
}

var (
	linkTestDuration int
	linkTestQuiet    bool
)

func init() {
	rootCmd.AddCommand(linkTestCmd)
	linkTestCmd.Flags().IntVar(&linkTestDuration, "duration", 30, "Test duration in seconds")
	linkTestCmd.Flags().BoolVarP(&linkTestQuiet, "quiet", "q", false, "Only print the heartbeat and results")
}

func runLinkTest(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenTransport()
	if err != nil {
		exitWith(2, "Connection error: %v\n", err)
	}
	defer conn.Close()

	fmt.Printf("Connection Stability Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Duration: %d seconds\n\n", linkTestDuration)

	// Start a goroutine to read from the connection
	readChan := make(chan []byte, 100)
	errChan := make(chan error, 1)

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				readChan <- data
			}
			if err != nil {
				errChan <- err
				return
			}
		}
	}()

	start := time.Now()
	endTime := start.Add(time.Duration(linkTestDuration) * time.Second)
	bytesReceived := 0
	readsReceived := 0

	results := func(result string) {
		fmt.Printf("\n--- Test Results ---\n")
		fmt.Printf("Duration: %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("Reads: %d\n", readsReceived)
		fmt.Printf("Bytes received: %d\n", bytesReceived)
		fmt.Printf("Result: %s\n", result)
	}

	fmt.Printf("Listening for data...\n\n")

	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()

	for time.Now().Before(endTime) {
		select {
		case data := <-readChan:
			bytesReceived += len(data)
			readsReceived++
			if !linkTestQuiet {
				fmt.Printf("[%s] Received %d bytes: %x\n",
					time.Now().Format("15:04:05.000"), len(data), data)
			}

		case err := <-errChan:
			// Drain whatever the reader queued before failing
			for len(readChan) > 0 {
				bytesReceived += len(<-readChan)
				readsReceived++
			}
			if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrConnectionClosed) {
				fmt.Printf("\n[%s] End of stream\n", time.Now().Format("15:04:05.000"))
				results("PASSED (end of stream)")
				return nil
			}
			fmt.Printf("\n[%s] Connection error: %v\n",
				time.Now().Format("15:04:05.000"), err)
			results("FAILED (connection error)")
			_ = conn.Close()
			os.Exit(1)

		case <-heartbeat.C:
			// Just a heartbeat to show the test is running
			remaining := time.Until(endTime).Seconds()
			fmt.Printf("[%s] Still connected... (%.0fs remaining)\n",
				time.Now().Format("15:04:05.000"), remaining)

		case <-cmd.Context().Done():
			results("INTERRUPTED")
			return nil
		}
	}

	results("PASSED (connection stable)")
	return nil
}
