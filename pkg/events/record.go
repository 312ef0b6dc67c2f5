// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package events exports dispatcher events as CBOR records to logs and MQTT.
package events

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/clockbox/pkg/command"
	"github.com/Thermoquad/clockbox/pkg/si570"
)

// Record is the wire form of a command.Event.
type Record struct {
	Device    string `cbor:"1,keyasint,omitempty"`
	Time      int64  `cbor:"2,keyasint"` // Unix milliseconds
	Command   string `cbor:"3,keyasint,omitempty"`
	Registers []byte `cbor:"4,keyasint,omitempty"`
	Status    string `cbor:"5,keyasint,omitempty"`
	OK        bool   `cbor:"6,keyasint"`
	Error     string `cbor:"7,keyasint,omitempty"`
}

// NewRecord converts an event.
func NewRecord(device string, ev command.Event) Record {
	r := Record{
		Device: device,
		Time:   ev.Time.UnixMilli(),
		Status: ev.Status,
		OK:     ev.OK(),
	}
	if ev.Command != 0 {
		r.Command = string(ev.Command)
	}
	if ev.Registers != (si570.Registers{}) || ev.Command == command.CmdWrite {
		r.Registers = append([]byte(nil), ev.Registers[:]...)
	}
	if ev.Err != nil {
		r.Error = ev.Err.Error()
	}
	return r
}

// Timestamp returns the record time.
func (r Record) Timestamp() time.Time {
	return time.UnixMilli(r.Time)
}

// Block returns the register block carried by the record, if any.
func (r Record) Block() (si570.Registers, bool) {
	var regs si570.Registers
	if len(r.Registers) != si570.BlockSize {
		return regs, false
	}
	copy(regs[:], r.Registers)
	return regs, true
}

// Encode marshals the record.
func (r Record) Encode() ([]byte, error) {
	data, err := cbor.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return data, nil
}

// DecodeRecord unmarshals a record.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if len(data) == 0 {
		return r, fmt.Errorf("empty CBOR payload")
	}
	if err := cbor.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("failed to decode event: %w", err)
	}
	return r, nil
}
