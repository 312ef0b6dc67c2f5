// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package si570

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// RegisterBus performs addressed register transfers.
// twowire.Bus satisfies it.
type RegisterBus interface {
	WriteRegisters(addr, reg uint8, data []byte) error
	ReadRegisters(addr, reg uint8, n int) ([]byte, error)
}

// Device is a Si570 on a register bus.
type Device struct {
	bus    RegisterBus
	addr   uint8
	offset uint8
	logger zerolog.Logger
}

// Option configures a Device.
type Option func(*Device)

// WithAddr overrides the bus address (default 0x55).
func WithAddr(addr uint8) Option {
	return func(d *Device) {
		d.addr = addr
	}
}

// WithRegOffset selects the first frequency register (default RegOffset).
func WithRegOffset(offset uint8) Option {
	return func(d *Device) {
		d.offset = offset
	}
}

// WithLogger attaches a logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Device) {
		d.logger = l
	}
}

// New creates a Device.
func New(bus RegisterBus, opts ...Option) *Device {
	d := &Device{
		bus:    bus,
		addr:   DefaultAddr,
		offset: RegOffset,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Addr returns the bus address.
func (d *Device) Addr() uint8 {
	return d.addr
}

// RegOffset returns the first frequency register.
func (d *Device) RegOffset() uint8 {
	return d.offset
}

// Read reads the frequency register block.
func (d *Device) Read() (Registers, error) {
	var r Registers
	buf, err := d.bus.ReadRegisters(d.addr, d.offset, BlockSize)
	copy(r[:], buf)
	if err != nil {
		return r, fmt.Errorf("read registers: %w", err)
	}
	return r, nil
}

// Apply writes a new frequency configuration:
//
//  1. freeze the DCO
//  2. write all six frequency registers
//  3. unfreeze the DCO
//  4. assert NewFreq
//
// All four steps run even if an earlier one was not acknowledged. The
// returned error joins every failed step and is nil only when the whole
// sequence was acknowledged.
func (d *Device) Apply(r Registers) error {
	steps := []struct {
		name string
		reg  uint8
		data []byte
	}{
		{"freeze DCO", FreezeDCOReg, []byte{FreezeDCO}},
		{"write frequency registers", d.offset, r[:]},
		{"unfreeze DCO", FreezeDCOReg, []byte{0}},
		{"assert NewFreq", CtrlReg, []byte{CtrlNewFreq}},
	}

	var errs []error
	for _, s := range steps {
		if err := d.bus.WriteRegisters(d.addr, s.reg, s.data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}

	err := errors.Join(errs...)
	ev := d.logger.Debug()
	if err != nil {
		ev = d.logger.Warn().Err(err).Int("failed_steps", len(errs))
	}
	ev.Str("registers", r.Hex()).Msg("apply frequency registers")
	return err
}
