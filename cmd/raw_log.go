// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/vnlink/pkg/asyncerr"
	"github.com/Thermoquad/vnlink/pkg/router"
	"github.com/Thermoquad/vnlink/pkg/sensor"
	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

var (
	rawLogFilters []string
	rawLogHex     bool
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw packet log in human-readable format",
	Long: `Continuously frame and display sensor packets as they arrive.

Each ASCII sentence, binary output frame and skipped byte is printed with its
timestamp. Framing errors, buffer overruns and other asynchronous errors are
printed inline. Use --filter to limit the output:

  any, none (skipped bytes), ascii, binary, measurements,
  header:<prefix>, !header:<prefix>

When replaying a file the log ends at end of stream.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().StringSliceVar(&rawLogFilters, "filter", []string{"any"}, "Packet filters (repeatable)")
	rawLogCmd.Flags().BoolVar(&rawLogHex, "hex", false, "Also print the raw bytes of each packet")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	q := router.NewQueue("raw_log", cfg.Router.QueueCapacity, router.DropNewest)
	filters := make([]router.Filter, 0, len(rawLogFilters))
	for _, name := range rawLogFilters {
		f, err := router.ParseFilter(name)
		if err != nil {
			return err
		}
		filters = append(filters, f)
	}

	s, connInfo, err := OpenSensor(ctx, logger, func(s *sensor.Sensor) error {
		for _, f := range filters {
			if err := s.Subscribe(q, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer s.Disconnect()
	defer s.Unsubscribe(q)

	fmt.Printf("vnlink - Raw Packet Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	errCh := s.AsyncErrors()
	printPacket := func(p vnproto.Packet) {
		fmt.Print(vnproto.FormatPacket(p))
		if rawLogHex && p.Kind() != vnproto.KindSkipped {
			fmt.Println(vnproto.FormatHex(p.Bytes()))
		}
	}

	for {
		select {
		case p := <-q.C():
			printPacket(p)

		case <-errCh.Notify():
			printAsyncErrors(errCh)

		case <-s.Done():
			for p, ok := q.Pop(); ok; p, ok = q.Pop() {
				printPacket(p)
			}
			printAsyncErrors(errCh)
			if q.Dropped() > 0 {
				fmt.Fprintf(os.Stderr, "%d packets dropped by a full display queue\n", q.Dropped())
			}
			return nil

		case <-ctx.Done():
			return nil
		}
	}
}

// printAsyncErrors prints every queued asynchronous error
func printAsyncErrors(ch *asyncerr.Channel) {
	for _, e := range ch.Drain() {
		switch e.Kind {
		case asyncerr.EndOfStream:
			fmt.Printf("[%s] END OF STREAM\n", e.Time.Format("15:04:05.000"))
		case asyncerr.ErrorsDropped:
			fmt.Printf("[%s] \033[1;33m%d errors dropped\033[0m\n", e.Time.Format("15:04:05.000"), e.Count)
		default:
			fmt.Printf("[%s] \033[1;31m%s\033[0m\n", e.Time.Format("15:04:05.000"), e.Error())
		}
	}
}
