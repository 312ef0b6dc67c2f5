// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package twowire

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNack is returned (wrapped) when a partner did not acknowledge a byte.
// Absent devices and devices that refuse a byte look the same on the wire.
var ErrNack = errors.New("no acknowledgment")

// NackError lists the bytes of one transaction that were not acknowledged.
//
// Positions count every transmitted byte of the transaction, starting with the
// address byte at 0.
type NackError struct {
	Op        string
	Addr      uint8
	Reg       uint8
	Positions []int
}

// Error implements the error interface
func (e *NackError) Error() string {
	pos := make([]string, len(e.Positions))
	for i, p := range e.Positions {
		pos[i] = fmt.Sprintf("%d", p)
	}
	return fmt.Sprintf("%s 0x%02X reg %d: no acknowledgment for byte(s) %s",
		e.Op, e.Addr, e.Reg, strings.Join(pos, ","))
}

// Unwrap makes errors.Is(err, ErrNack) work.
func (e *NackError) Unwrap() error {
	return ErrNack
}

// IsNack reports whether err was caused by a missing acknowledgment.
func IsNack(err error) bool {
	return errors.Is(err, ErrNack)
}
