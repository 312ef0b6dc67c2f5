// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package twowire implements a bit-banged two-wire (I2C style) bus master.
//
// The package is split in two layers. Driver owns the raw pin primitives and
// enforces the settling delay after every edge. Bus builds start/stop framing,
// byte transfer with acknowledgment and addressed register access on top of
// it. Every transfer is single-shot: a missing acknowledgment is reported to
// the caller and never retried.
package twowire

import "time"

// DefaultSettleDelay is the minimum time a line is held after each edge.
const DefaultSettleDelay = 1 * time.Microsecond

// Lines gives access to the two bus pins.
//
// SDA is open drain: SetSDA(true) releases the line, and SDA() returns the
// resulting wire level, which a partner may be pulling low.
type Lines interface {
	SetSDA(high bool)
	SetSCL(high bool)
	SDA() bool
}

// Delay blocks for at least d.
type Delay func(d time.Duration)

// BusyWait spins until d has elapsed. It never yields to the scheduler on
// purpose so edge timing does not depend on goroutine wakeup latency.
func BusyWait(d time.Duration) {
	start := time.Now()
	for time.Since(start) < d {
	}
}

// NoDelay is a Delay that returns immediately. Useful with simulated lines.
func NoDelay(time.Duration) {}

// Driver drives the bus pins and waits after every edge.
type Driver struct {
	lines  Lines
	delay  Delay
	settle time.Duration
}

// NewDriver creates a pin driver. A nil delay selects BusyWait.
func NewDriver(lines Lines, delay Delay, settle time.Duration) *Driver {
	if delay == nil {
		delay = BusyWait
	}
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	return &Driver{lines: lines, delay: delay, settle: settle}
}

// Settle returns the delay applied after each edge.
func (d *Driver) Settle() time.Duration {
	return d.settle
}

func (d *Driver) sdaHigh() {
	d.lines.SetSDA(true)
	d.delay(d.settle)
}

func (d *Driver) sdaLow() {
	d.lines.SetSDA(false)
	d.delay(d.settle)
}

func (d *Driver) sclHigh() {
	d.lines.SetSCL(true)
	d.delay(d.settle)
}

func (d *Driver) sclLow() {
	d.lines.SetSCL(false)
	d.delay(d.settle)
}

// sda samples the data line without delay.
func (d *Driver) sda() bool {
	return d.lines.SDA()
}
