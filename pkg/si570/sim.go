// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package si570

import (
	"sync"

	"github.com/Thermoquad/clockbox/pkg/twowire/sim"
)

// Chip is a simulated Si570 for the pin-level bus simulator.
//
// It emulates the control register side effects: NewFreq and Recall
// self-clear, RST_REG and Recall reload the power-up values, and the active
// configuration only changes when NewFreq is asserted.
type Chip struct {
	target  *sim.Target
	offset  uint8
	powerUp Registers

	mu             sync.Mutex
	frozen         bool
	active         Registers
	commits        int
	unfrozenWrites int
}

// NewChip creates a simulated chip at addr whose registers start at offset.
func NewChip(addr, offset uint8, powerUp Registers) *Chip {
	c := &Chip{
		target:  sim.NewTarget(addr),
		offset:  offset,
		powerUp: powerUp,
		active:  powerUp,
	}
	c.target.SetRegisters(offset, powerUp[:])
	c.target.OnWrite(c.onWrite)
	return c
}

// Target returns the bus target to attach to a sim.Wire.
func (c *Chip) Target() *sim.Target {
	return c.target
}

func (c *Chip) onWrite(t *sim.Target, reg, v byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case reg == FreezeDCOReg:
		c.frozen = v&FreezeDCO != 0
	case reg == CtrlReg:
		if v&(CtrlRstReg|CtrlRecall) != 0 {
			for i, b := range c.powerUp {
				t.Poke(c.offset+byte(i), b)
			}
			c.active = c.powerUp
		}
		if v&CtrlNewFreq != 0 {
			for i := range c.active {
				c.active[i] = t.Peek(c.offset + byte(i))
			}
			c.commits++
		}
		t.Poke(CtrlReg, v&^(CtrlNewFreq|CtrlRecall|CtrlRstReg))
	case reg >= c.offset && reg < c.offset+BlockSize:
		if !c.frozen {
			c.unfrozenWrites++
		}
	}
}

// Frozen reports whether the DCO is currently frozen.
func (c *Chip) Frozen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frozen
}

// Active returns the configuration the chip is currently generating.
func (c *Chip) Active() Registers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Commits returns how many times NewFreq was asserted.
func (c *Chip) Commits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commits
}

// UnfrozenWrites counts frequency register writes made while the DCO was
// running, which glitch the output on real parts.
func (c *Chip) UnfrozenWrites() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unfrozenWrites
}

// PowerUp returns the factory register values.
func (c *Chip) PowerUp() Registers {
	return c.powerUp
}
