// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package monitor polls a clockbox device, checks the register blocks it
// reports for anomalies and keeps running statistics.
package monitor

import (
	"fmt"

	"periph.io/x/conn/v3/physic"

	"github.com/Thermoquad/clockbox/pkg/si570"
)

// AnomalyType represents different types of register anomalies
type AnomalyType int

const (
	AnomalyReservedHSDiv AnomalyType = iota
	AnomalyIllegalN1
	AnomalyZeroRFFreq
	AnomalyDCORange
	AnomalyDrift
)

// String returns a short name for the anomaly
func (a AnomalyType) String() string {
	switch a {
	case AnomalyReservedHSDiv:
		return "reserved HS_DIV"
	case AnomalyIllegalN1:
		return "illegal N1"
	case AnomalyZeroRFFreq:
		return "zero RFFREQ"
	case AnomalyDCORange:
		return "DCO out of range"
	case AnomalyDrift:
		return "drift"
	default:
		return fmt.Sprintf("AnomalyType(%d)", int(a))
	}
}

// ValidationError represents a register validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// Validate checks a register block for values the part cannot run with.
// The DCO range is only checked when fxtal is non-zero.
func Validate(regs si570.Registers, fxtal physic.Frequency) []ValidationError {
	errors := []ValidationError{}

	if regs.HSDiv() == 0 {
		code := regs[0] >> 5
		errors = append(errors, ValidationError{
			Type:    AnomalyReservedHSDiv,
			Message: fmt.Sprintf("Reserved HS_DIV code %d", code),
			Details: map[string]interface{}{"code": code},
		})
	}

	if n1 := regs.RawN1() + 1; n1 > 1 && n1&1 != 0 {
		errors = append(errors, ValidationError{
			Type:    AnomalyIllegalN1,
			Message: fmt.Sprintf("Illegal odd N1=%d (part uses %d)", n1, regs.N1()),
			Details: map[string]interface{}{"n1": n1, "effective": regs.N1()},
		})
	}

	if regs.RawRFFreq() == 0 {
		errors = append(errors, ValidationError{
			Type:    AnomalyZeroRFFreq,
			Message: "RFFREQ is zero",
		})
	}

	if fxtal > 0 && regs.RawRFFreq() != 0 {
		dco := regs.DCO(fxtal)
		if !si570.DCOInRange(dco) {
			errors = append(errors, ValidationError{
				Type:    AnomalyDCORange,
				Message: fmt.Sprintf("DCO %s outside 4.85-5.67 GHz", dco),
				Details: map[string]interface{}{"dco": dco},
			})
		}
	}

	return errors
}

// CompareStored reports a drift anomaly when the live registers differ from
// the block stored in flash.
func CompareStored(live, stored si570.Registers) []ValidationError {
	if live == stored {
		return nil
	}
	return []ValidationError{{
		Type:    AnomalyDrift,
		Message: fmt.Sprintf("Live %s differs from flash %s", live.Hex(), stored.Hex()),
		Details: map[string]interface{}{"live": live, "stored": stored},
	}}
}
