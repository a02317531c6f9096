// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// vnlink - VectorNav Sensor Link
//
// A CLI tool for framing, logging and commanding VectorNav inertial
// sensors over serial, WebSocket or recorded byte streams.

package main

import (
	"os"

	"github.com/Thermoquad/vnlink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
