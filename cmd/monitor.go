// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/vnlink/pkg/router"
	"github.com/Thermoquad/vnlink/pkg/sensor"
	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Monitor framing statistics, errors and measurements",
	Long: `Track framing statistics, asynchronous errors and the latest measurement.

The dashboard shows:
  - ASCII and binary packet counts, packet and error rates
  - Skipped bytes by reason, buffer overruns and queue drops
  - The most recent measurement
  - Recent errors, and every packet with --show-all

Type an ASCII command body (without '$' and checksum) and press Enter to send
it to the sensor; the response is shown in the event log.

With --tui=false statistics are printed at --stats-interval instead.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all packets (not just errors)")
	monitorCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds, text mode)")
	monitorCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	log := logger
	if useTUI {
		// The dashboard owns the terminal
		log = quietLogger(cfg.Logging)
	}

	packets := router.NewQueue("monitor", cfg.Router.QueueCapacity, router.DropNewest)
	s, connInfo, err := OpenSensor(cmd.Context(), log, func(s *sensor.Sensor) error {
		if !showAll {
			return nil
		}
		if err := s.Subscribe(packets, router.ExactSync(vnproto.SyncAscii)); err != nil {
			return err
		}
		return s.Subscribe(packets, router.ExactSync(vnproto.SyncBinary))
	})
	if err != nil {
		return err
	}
	defer s.Disconnect()

	if useTUI {
		return runTUIMode(cmd.Context(), s, connInfo, packets)
	}
	return runTextMode(cmd.Context(), s, connInfo, packets)
}

// runTUIMode feeds sensor events into the dashboard until the user quits
func runTUIMode(ctx context.Context, s *sensor.Sensor, connInfo string, packets *router.Queue) error {
	m := initialMonitorModel(s, connInfo, showAll)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		errCh := s.AsyncErrors()
		for {
			select {
			case pkt := <-packets.C():
				p.Send(packetMsg{packet: pkt})
			case <-errCh.Notify():
				for _, e := range errCh.Drain() {
					p.Send(asyncErrorMsg{err: e})
				}
			case <-s.Done():
				for _, e := range errCh.Drain() {
					p.Send(asyncErrorMsg{err: e})
				}
				p.Send(streamEndedMsg{})
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// runTextMode prints errors as they arrive and statistics periodically
func runTextMode(ctx context.Context, s *sensor.Sensor, connInfo string, packets *router.Queue) error {
	fmt.Printf("vnlink - Monitor\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All packets\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	printStats := func() {
		stats, err := s.Stats()
		if err != nil {
			return
		}
		fmt.Println()
		fmt.Print(stats.Framer.String())
		if q := s.Measurements(); q != nil {
			if c, ok := q.MostRecent(); ok {
				fmt.Printf("Latest: %s\n", c)
			}
		}
		fmt.Println()
	}

	errCh := s.AsyncErrors()
	for {
		select {
		case pkt := <-packets.C():
			fmt.Print(vnproto.FormatPacket(pkt))

		case <-errCh.Notify():
			printAsyncErrors(errCh)

		case <-statsTicker.C:
			printStats()

		case <-s.Done():
			printAsyncErrors(errCh)
			printStats()
			return nil

		case <-ctx.Done():
			printStats()
			return nil
		}
	}
}
