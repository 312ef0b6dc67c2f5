// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package si570

import (
	"fmt"
	"strconv"
	"strings"
)

// Registers is the six-byte frequency configuration block.
//
// Byte 0 holds HS_DIV[2:0] and N1[6:2], byte 1 holds N1[1:0] and RFFREQ[37:32],
// bytes 2..5 hold RFFREQ[31:0].
type Registers [BlockSize]byte

// HSDiv returns the DCO high speed divider, or 0 for a reserved code.
func (r Registers) HSDiv() int {
	return hsDivLookup[r[0]>>5]
}

// SetHSDiv sets the high speed divider (4, 5, 6, 7, 9 or 11).
func (r *Registers) SetHSDiv(v int) error {
	for code, div := range hsDivLookup {
		if div != 0 && div == v {
			r[0] = r[0]&0x1F | byte(code)<<5
			return nil
		}
	}
	return fmt.Errorf("invalid HS_DIV %d", v)
}

// RawN1 returns the N1 field as stored (divider minus one).
func (r Registers) RawN1() int {
	return int(r[0]&0x1F)<<2 | int(r[1]>>6)
}

// N1 returns the output divider. Illegal odd dividers are rounded up to the
// next even value, which is what the part does.
func (r Registers) N1() int {
	n1 := r.RawN1() + 1
	if n1 > 1 && n1&1 != 0 {
		n1++
	}
	return n1
}

// SetN1 sets the output divider: 1 or an even number from 2 to 128.
func (r *Registers) SetN1(v int) error {
	if v < 1 || v > 128 || (v > 1 && v&1 != 0) {
		return fmt.Errorf("invalid N1 %d", v)
	}
	v--
	r[0] = r[0]&0xE0 | byte(v>>2)&0x1F
	r[1] = r[1]&0x3F | byte(v<<6)&0xC0
	return nil
}

// RawRFFreq returns the 38-bit RFFREQ field.
func (r Registers) RawRFFreq() uint64 {
	return uint64(r[1]&0x3F)<<32 | uint64(r[2])<<24 | uint64(r[3])<<16 |
		uint64(r[4])<<8 | uint64(r[5])
}

// RFFreq returns the reference frequency multiplier (10.28 fixed point).
func (r Registers) RFFreq() float64 {
	return float64(r.RawRFFreq()) / (1 << 28)
}

// SetRFFreq sets the reference frequency multiplier. It must be below 64.
func (r *Registers) SetRFFreq(v float64) error {
	if v <= 0 || v >= 64 {
		return fmt.Errorf("RFFREQ %f out of range", v)
	}
	raw := uint64(v * (1 << 28))
	r[1] = r[1]&0xC0 | byte(raw>>32)&0x3F
	r[2] = byte(raw >> 24)
	r[3] = byte(raw >> 16)
	r[4] = byte(raw >> 8)
	r[5] = byte(raw)
	return nil
}

// Hex renders the block as space separated lowercase hex pairs,
// e.g. "01 c2 bc 81 83 02".
func (r Registers) Hex() string {
	var sb strings.Builder
	for i, v := range r {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", v)
	}
	return sb.String()
}

// String returns the decoded fields.
func (r Registers) String() string {
	return fmt.Sprintf("HS_DIV:%2d, N1:%3d, RFFREQ:%13.9f", r.HSDiv(), r.N1(), r.RFFreq())
}

// ParseRegisters parses six hex pairs separated by whitespace, as found in
// device responses ("01 C2 BC 81 83 02").
func ParseRegisters(s string) (Registers, error) {
	var r Registers
	fields := strings.Fields(s)
	if len(fields) != BlockSize {
		return r, fmt.Errorf("expected %d register values, got %d", BlockSize, len(fields))
	}
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return r, fmt.Errorf("register %d: %w", i, err)
		}
		r[i] = byte(v)
	}
	return r, nil
}
