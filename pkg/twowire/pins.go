// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package twowire

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
)

// PinLines drives the bus through periph.io GPIO pins.
//
// Releasing SDA switches the pin to an input with pull-up so the partner can
// pull it low. SCL is driven push-pull.
type PinLines struct {
	sda gpio.PinIO
	scl gpio.PinOut

	mu  sync.Mutex
	err error
}

// NewPinLines creates a Lines implementation on top of two GPIO pins.
func NewPinLines(sda gpio.PinIO, scl gpio.PinOut) (*PinLines, error) {
	if sda == nil || scl == nil {
		return nil, fmt.Errorf("both SDA and SCL pins are required")
	}
	p := &PinLines{sda: sda, scl: scl}
	p.SetSDA(true)
	p.SetSCL(true)
	if err := p.Err(); err != nil {
		return nil, fmt.Errorf("failed to idle bus pins: %w", err)
	}
	return p, nil
}

// SetSDA releases (high) or pulls down (low) the data line.
func (p *PinLines) SetSDA(high bool) {
	if high {
		p.latch(p.sda.In(gpio.PullUp, gpio.NoEdge))
		return
	}
	p.latch(p.sda.Out(gpio.Low))
}

// SetSCL drives the clock line.
func (p *PinLines) SetSCL(high bool) {
	p.latch(p.scl.Out(gpio.Level(high)))
}

// SDA reads the data line level.
func (p *PinLines) SDA() bool {
	return p.sda.Read() == gpio.High
}

// Err returns the first pin error seen since the lines were created.
// Pin primitives cannot report failures inline, so errors are latched here.
func (p *PinLines) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *PinLines) latch(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
}

// String names the pins, e.g. "GPIO2/GPIO3".
func (p *PinLines) String() string {
	return p.sda.String() + "/" + p.scl.String()
}
