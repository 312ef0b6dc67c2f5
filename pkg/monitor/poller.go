// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package monitor

import (
	"context"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/Thermoquad/clockbox/pkg/si570"
)

// Device is the part of client.Client a Poller uses.
type Device interface {
	Read(ctx context.Context) (si570.Registers, error)
	Flash(ctx context.Context) (si570.Registers, error)
}

// Sample is the outcome of one poll.
type Sample struct {
	Time      time.Time
	Live      si570.Registers
	Stored    si570.Registers
	HasStored bool
	Err       error
	Errors    []ValidationError
}

// OK reports whether the poll succeeded without anomalies.
func (s Sample) OK() bool {
	return s.Err == nil && len(s.Errors) == 0
}

// Poller reads the live registers and optionally the flash copy.
type Poller struct {
	dev        Device
	fxtal      physic.Frequency
	checkFlash bool
}

// Option configures a Poller.
type Option func(*Poller)

// WithCrystal enables the DCO range check for crystal frequency fxtal.
func WithCrystal(fxtal physic.Frequency) Option {
	return func(p *Poller) {
		p.fxtal = fxtal
	}
}

// WithFlashCompare also reads flash each poll and reports drift.
func WithFlashCompare() Option {
	return func(p *Poller) {
		p.checkFlash = true
	}
}

// NewPoller creates a poller for dev.
func NewPoller(dev Device, opts ...Option) *Poller {
	p := &Poller{dev: dev}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll performs one poll. A failed read ends the poll with Err set.
func (p *Poller) Poll(ctx context.Context) Sample {
	s := Sample{Time: time.Now()}

	live, err := p.dev.Read(ctx)
	if err != nil {
		s.Err = err
		return s
	}
	s.Live = live
	s.Errors = Validate(live, p.fxtal)

	if p.checkFlash {
		stored, err := p.dev.Flash(ctx)
		if err != nil {
			s.Err = err
			return s
		}
		s.Stored = stored
		s.HasStored = true
		s.Errors = append(s.Errors, CompareStored(live, stored)...)
	}
	return s
}
