// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package si570

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
)

// hsDivs are the usable high speed dividers, ascending.
var hsDivs = []int{4, 5, 6, 7, 9, 11}

func toHz(f physic.Frequency) float64 {
	return float64(f) / float64(physic.Hertz)
}

func fromHz(hz float64) physic.Frequency {
	return physic.Frequency(hz * float64(physic.Hertz))
}

// FXtal computes the internal crystal frequency from the factory startup
// frequency f0 and the power-up register values.
func (r Registers) FXtal(f0 physic.Frequency) (physic.Frequency, error) {
	hs := r.HSDiv()
	if hs == 0 {
		return 0, fmt.Errorf("reserved HS_DIV code %d", r[0]>>5)
	}
	rf := r.RFFreq()
	if rf == 0 {
		return 0, fmt.Errorf("RFFREQ is zero")
	}
	return fromHz(toHz(f0) * float64(hs) * float64(r.N1()) / rf), nil
}

// Output computes the output frequency for a crystal frequency fxtal.
func (r Registers) Output(fxtal physic.Frequency) physic.Frequency {
	hs, n1 := r.HSDiv(), r.N1()
	if hs == 0 || n1 == 0 {
		return 0
	}
	return fromHz(toHz(fxtal) * r.RFFreq() / float64(hs*n1))
}

// Dividers returns the HS_DIV and N1 pair for output frequency f1 that keeps
// the DCO inside its 4.85-5.67 GHz range, preferring the largest HS_DIV.
func Dividers(f1 physic.Frequency) (hsDiv, n1 int, fdco physic.Frequency, err error) {
	hz := toHz(f1)
	if hz <= 0 {
		return 0, 0, 0, fmt.Errorf("invalid output frequency %s", f1)
	}
	for i := len(hsDivs) - 1; i >= 0; i-- {
		h := hsDivs[i]
		for n := 1; n <= 128; n = nextN1(n) {
			dco := hz * float64(h) * float64(n)
			if dco > dcoMax {
				break
			}
			if dco >= dcoMin {
				return h, n, fromHz(dco), nil
			}
		}
	}
	return 0, 0, 0, fmt.Errorf("no divider combination reaches %s", f1)
}

// nextN1 steps through the legal N1 values 1, 2, 4, ..., 128.
func nextN1(n int) int {
	if n == 1 {
		return 2
	}
	return n + 2
}

// Plan computes the register block producing f1, given the power-up
// registers and the factory startup frequency f0 they correspond to.
func Plan(startup Registers, f0, f1 physic.Frequency) (Registers, error) {
	var r Registers
	fxtal, err := startup.FXtal(f0)
	if err != nil {
		return r, fmt.Errorf("crystal frequency: %w", err)
	}
	hs, n1, fdco, err := Dividers(f1)
	if err != nil {
		return r, err
	}
	if err := r.SetHSDiv(hs); err != nil {
		return r, err
	}
	if err := r.SetN1(n1); err != nil {
		return r, err
	}
	if err := r.SetRFFreq(toHz(fdco) / toHz(fxtal)); err != nil {
		return r, err
	}
	return r, nil
}

// DCO returns the oscillator core frequency for a crystal frequency fxtal.
func (r Registers) DCO(fxtal physic.Frequency) physic.Frequency {
	return fromHz(toHz(fxtal) * r.RFFreq())
}

// DCOInRange reports whether f lies inside the 4.85-5.67 GHz DCO range.
func DCOInRange(f physic.Frequency) bool {
	hz := toHz(f)
	return hz >= dcoMin && hz <= dcoMax
}
