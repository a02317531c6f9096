// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/vnlink/pkg/export"
	"github.com/Thermoquad/vnlink/pkg/router"
	"github.com/Thermoquad/vnlink/pkg/sensor"
)

var (
	exportKinds   []string
	exportDir     string
	exportFilters []string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export sensor output to files",
	Long: `Write framed sensor output to files until end of stream or Ctrl+C.

Exporters:
  csv      one CSV table per ASCII header or binary output configuration
  ascii    each ASCII sentence verbatim, one text file per header
  skipped  skipped bytes with a CBOR log of their offsets and reasons
  raw      every received byte, reproducing the stream

--filter replaces the default packet filters of every exporter. Statistics
for each exporter are printed when the run ends.`,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringSliceVarP(&exportKinds, "kind", "k", nil, "Exporters to run (csv, ascii, skipped, raw)")
	exportCmd.Flags().StringVarP(&exportDir, "dir", "d", "", "Output directory")
	exportCmd.Flags().StringSliceVar(&exportFilters, "filter", nil, "Packet filters applied to every exporter")
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	kinds := cfg.Export.Kinds
	if cmd.Flags().Changed("kind") {
		kinds = exportKinds
	}
	dir := cfg.Export.Dir
	if exportDir != "" {
		dir = exportDir
	}
	filterNames := cfg.Export.Filters
	if cmd.Flags().Changed("filter") {
		filterNames = exportFilters
	}
	if len(kinds) == 0 {
		return fmt.Errorf("no exporters selected")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	filters := make([]router.Filter, 0, len(filterNames))
	for _, name := range filterNames {
		f, err := router.ParseFilter(name)
		if err != nil {
			return err
		}
		filters = append(filters, f)
	}

	exporters := make([]*export.Exporter, 0, len(kinds))
	for _, name := range kinds {
		kind, err := export.ParseKind(name)
		if err != nil {
			return err
		}
		e, err := export.New(kind, dir,
			export.WithFilters(filters...),
			export.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		exporters = append(exporters, e)
	}

	s, connInfo, err := OpenSensor(ctx, logger, func(s *sensor.Sensor) error {
		for _, e := range exporters {
			if err := s.AddExporter(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Printf("vnlink - Export\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Output: %s\n", dir)
	fmt.Printf("Press Ctrl+C to stop\n\n")

	errCh := s.AsyncErrors()
	interrupted := false
loop:
	for {
		select {
		case <-errCh.Notify():
			printAsyncErrors(errCh)
		case <-s.Done():
			break loop
		case <-ctx.Done():
			interrupted = true
			break loop
		}
	}

	// Disconnect stops the exporters, writing whatever they have queued
	stopErr := s.Disconnect()
	printAsyncErrors(errCh)

	if interrupted {
		fmt.Printf("\nInterrupted\n")
	}
	for _, e := range exporters {
		fmt.Printf("\n%s exporter (%s)\n", e.Name(), e.State())
		fmt.Print(e.Stats().String())
		if n := e.Queue().Dropped(); n > 0 {
			fmt.Printf("Queue Drops:     %8d\n", n)
		}
	}
	return stopErr
}
