// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/vnlink/pkg/config"
	"github.com/Thermoquad/vnlink/pkg/metrics"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Replay flags
	replayFile string
	replayRate int

	// Ambient flags
	configPath  string
	logLevel    string
	logFile     string
	metricsAddr string
	checksum    string
)

// Loaded by the root PersistentPreRunE
var (
	cfg      config.Config
	logger   zerolog.Logger
	registry *metrics.Metrics
)

var rootCmd = &cobra.Command{
	Use:   "vnlink",
	Short: "VectorNav sensor link",
	Long: `vnlink - A CLI tool for talking to VectorNav inertial sensors.

Frames the ASCII and binary output of the sensor, sends commands and matches
their responses, and exports measurements to files.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]
  Replay:    --file capture.bin [--replay-rate 11520]

Settings can be loaded from a TOML or YAML file with --config; flags given on
the command line override the file.

For WebSocket authentication, the password is read from the VNLINK_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVarP(&replayFile, "file", "f", "", "Replay a recorded byte stream")
	rootCmd.PersistentFlags().IntVar(&replayRate, "replay-rate", 0, "Replay rate in bytes per second (0 for unpaced)")

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (.toml, .yaml or .yml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write JSON logs to a rotated file")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.PersistentFlags().StringVar(&checksum, "checksum", "xor", "Command checksum (xor, crc, none)")
}

// setup loads the config file, applies explicit flags over it, and starts
// logging and metrics
func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		loaded.Connection.Port = portName
	}
	if flags.Changed("baud") {
		loaded.Connection.Baud = baudRate
	}
	if flags.Changed("url") {
		loaded.Connection.URL = wsURL
	}
	if flags.Changed("username") {
		loaded.Connection.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		loaded.Connection.SkipSSLVerify = wsNoSSLVerify
	}
	if flags.Changed("file") {
		loaded.Connection.File = replayFile
	}
	if flags.Changed("replay-rate") {
		loaded.Connection.ReplayRate = replayRate
	}
	if flags.Changed("log-level") {
		loaded.Logging.Level = logLevel
	}
	if flags.Changed("log-file") {
		loaded.Logging.File = logFile
	}
	if flags.Changed("metrics-addr") {
		loaded.Metrics.Addr = metricsAddr
	}
	if flags.Changed("checksum") {
		loaded.Commands.Checksum = checksum
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	cfg = loaded

	logger, err = newLogger(cfg.Logging)
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		registry, err = metrics.New(cfg.Metrics.Namespace)
		if err != nil {
			return err
		}
		go func() {
			if err := registry.Serve(cmd.Context(), cfg.Metrics.Addr); err != nil {
				logger.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("metrics server stopped")
			}
		}()
		logger.Info().Str("addr", cfg.Metrics.Addr).Msg("serving metrics")
	}
	return nil
}

// Execute runs the root command. Ctrl+C cancels the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// exitWith flushes and exits with a command-specific status code
func exitWith(code int, format string, args ...any) {
	if format != "" {
		fmt.Fprintf(os.Stderr, format, args...)
	}
	os.Exit(code)
}
