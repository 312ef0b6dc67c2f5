// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package si570 drives the frequency-control registers of Si570/Si571
// programmable oscillators.
//
// The six registers HS_DIV/N1/RFFREQ live in a contiguous block whose start
// depends on the part's temperature stability grade. Updating them follows the
// datasheet procedure: freeze the DCO, write the block, unfreeze, then assert
// NewFreq in the control register.
package si570

// DefaultAddr is the factory 7-bit bus address.
const DefaultAddr = 0x55

// Register block location
const (
	// RegOffset is the first frequency register on 7 ppm parts.
	RegOffset = 0x0D
	// RegOffset20ppm is the first frequency register on Si571 and on
	// Si570 parts with 20 ppm or 50 ppm temperature stability.
	RegOffset20ppm = 0x07
	// BlockSize is the number of frequency registers.
	BlockSize = 6
)

// Control register (135) bits
const (
	CtrlReg         = 135
	CtrlRstReg      = 1 << 7
	CtrlNewFreq     = 1 << 6
	CtrlFreezeM     = 1 << 5
	CtrlFreezeVCADC = 1 << 4
	CtrlRecall      = 1 << 0
)

// Freeze DCO register (137)
const (
	FreezeDCOReg = 137
	FreezeDCO    = 1 << 4
)

// DCO operating range in Hz
const (
	dcoMin = 4.85e9
	dcoMax = 5.67e9
)

// hsDivLookup maps the 3-bit HS_DIV code to the divider value.
// Codes 4 and 6 are reserved.
var hsDivLookup = [8]int{4, 5, 6, 7, 0, 9, 0, 11}
