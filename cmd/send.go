// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/vnlink/pkg/cmdtrack"
	"github.com/Thermoquad/vnlink/pkg/sensor"
	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

var (
	sendReadRegister  int
	sendWriteSettings bool
	sendNoRetry       bool
)

var sendCmd = &cobra.Command{
	Use:   "send [BODY]",
	Short: "Send an ASCII command and print the response",
	Long: `Send one ASCII command to the sensor and wait for its response.

The body is given without the leading '$' and checksum, for example:

  vnlink send -p /dev/ttyUSB0 VNRRG,05
  vnlink send -p /dev/ttyUSB0 --read-register 1
  vnlink send -p /dev/ttyUSB0 --write-settings

The command is resent at the configured resend interval until the sensor
answers or the retries are used up. A VNERR reply is printed with its error
code.

Exit codes:
  0 - Response received
  1 - No response
  2 - Connection error
  3 - Sensor reported an error`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().IntVar(&sendReadRegister, "read-register", -1, "Read a register by id")
	sendCmd.Flags().BoolVar(&sendWriteSettings, "write-settings", false, "Save the current settings to non-volatile memory")
	sendCmd.Flags().BoolVar(&sendNoRetry, "no-retry", false, "Send once and wait for the removal timeout")
}

func runSend(cmd *cobra.Command, args []string) error {
	var command vnproto.Command
	switch {
	case sendReadRegister >= 0:
		command = vnproto.ReadRegister(sendReadRegister)
	case sendWriteSettings:
		command = vnproto.WriteSettings()
	case len(args) == 1 && strings.TrimSpace(args[0]) != "":
		command = vnproto.Generic(strings.TrimSpace(args[0]))
	default:
		return fmt.Errorf("a command body, --read-register or --write-settings is required")
	}

	s, connInfo, err := OpenSensor(cmd.Context(), logger, nil)
	if err != nil {
		exitWith(2, "Connection error: %v\n", err)
	}
	defer s.Disconnect()

	mode := sensor.BlockWithRetry
	if sendNoRetry {
		mode = sensor.Block
	}

	sum, _ := vnproto.ParseChecksumMode(cfg.Commands.Checksum)
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Sending: %s", command.Encode(sum))

	res, err := s.SendCommand(cmd.Context(), command, mode)

	var sensorErr *cmdtrack.SensorError
	switch {
	case err == nil:
		fmt.Printf("Response: %s\n", res.Response.Line())
		fmt.Printf("  Latency: %s\n", res.RespondedAt.Sub(res.SubmittedAt))
		return nil
	case errors.As(err, &sensorErr):
		_ = s.Disconnect()
		exitWith(3, "Sensor error: %d (%s)\n", sensorErr.Code, sensorErr.Code)
	case errors.Is(err, cmdtrack.ErrCommandExpired), errors.Is(err, cmdtrack.ErrResponseTimeout):
		_ = s.Disconnect()
		exitWith(1, "No response to %s\n", command.Expect)
	case errors.Is(err, sensor.ErrNotConnected):
		exitWith(2, "Connection lost\n")
	}
	return err
}
