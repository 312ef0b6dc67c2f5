// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Clockbox - Si570 oscillator configurator
//
// A CLI tool that configures the frequency registers of a Si570 oscillator
// through a clockbox device, and can run the device firmware itself.

package main

import (
	"os"

	"github.com/Thermoquad/clockbox/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
