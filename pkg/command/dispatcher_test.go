// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package command

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/clockbox/pkg/flashstore"
	"github.com/Thermoquad/clockbox/pkg/si570"
	"github.com/Thermoquad/clockbox/pkg/twowire"
	"github.com/Thermoquad/clockbox/pkg/twowire/sim"
)

var (
	powerUp = si570.Registers{0x01, 0xC2, 0xBC, 0x81, 0x83, 0x02}
	other   = si570.Registers{0x22, 0x42, 0xBC, 0x01, 0x1E, 0xB8}
)

// stubOsc records calls and returns configured errors.
type stubOsc struct {
	regs     si570.Registers
	applied  []si570.Registers
	applyErr error
	readErr  error
	calls    []string
}

func (s *stubOsc) Apply(r si570.Registers) error {
	s.calls = append(s.calls, "apply")
	s.applied = append(s.applied, r)
	return s.applyErr
}

func (s *stubOsc) Read() (si570.Registers, error) {
	return s.regs, s.readErr
}

// stubStore shares the call log with stubOsc to check ordering.
type stubStore struct {
	regs    si570.Registers
	saveErr error
	loadErr error
	calls   *[]string
}

func (s *stubStore) Save(r si570.Registers) error {
	*s.calls = append(*s.calls, "save")
	if s.saveErr != nil {
		return s.saveErr
	}
	s.regs = r
	return nil
}

func (s *stubStore) Load() (si570.Registers, error) {
	return s.regs, s.loadErr
}

func newStubDispatcher(opts ...Option) (*Dispatcher, *stubOsc, *stubStore) {
	osc := &stubOsc{regs: powerUp}
	store := &stubStore{regs: powerUp, calls: &osc.calls}
	return NewDispatcher(osc, store, powerUp, opts...), osc, store
}

// run feeds input and collects the non-nil responses.
func run(d *Dispatcher, input string) []string {
	var out []string
	for i := 0; i < len(input); i++ {
		if resp := d.Handle(input[i]); resp != nil {
			out = append(out, string(resp))
		}
	}
	return out
}

func TestDispatcher_WriteConfigDone(t *testing.T) {
	d, osc, store := newStubDispatcher()

	out := run(d, "w01 c2,bc818302")
	assert.Equal(t, []string{"w 01 c2 bc 81 83 02 config_done\n"}, out)
	assert.Equal(t, []string{"save", "apply"}, osc.calls, "store is written before the chip")
	assert.Equal(t, powerUp, store.regs)
	assert.Equal(t, powerUp, d.Working())
}

func TestDispatcher_WriteBusError(t *testing.T) {
	d, osc, store := newStubDispatcher()
	osc.applyErr = twowire.ErrNack

	out := run(d, "w 22 42 bc 01 1e b8")
	assert.Equal(t, []string{"w 22 42 bc 01 1e b8 i2c_err\n"}, out)
	assert.Equal(t, other, store.regs, "block is persisted even if the chip NACKs")
	assert.Equal(t, other, d.Working())
}

func TestDispatcher_WriteSaveErrorStillAppliesChip(t *testing.T) {
	var events []Event
	d, osc, store := newStubDispatcher(WithObserver(func(ev Event) { events = append(events, ev) }))
	store.saveErr = errors.New("disk full")

	out := run(d, "w224 2bc011eb8")
	assert.Equal(t, []string{"w 22 42 bc 01 1e b8 config_done\n"}, out)
	assert.Equal(t, []si570.Registers{other}, osc.applied)
	require.Len(t, events, 1)
	assert.False(t, events[0].OK())
	assert.Equal(t, TokenConfigDone, events[0].Status)
	assert.ErrorIs(t, events[0].Err, store.saveErr)
}

func TestDispatcher_WriteSaveAndBusErrorsBothReported(t *testing.T) {
	var events []Event
	d, osc, store := newStubDispatcher(WithObserver(func(ev Event) { events = append(events, ev) }))
	store.saveErr = errors.New("disk full")
	osc.applyErr = twowire.ErrNack

	out := run(d, "w 22 42 bc 01 1e b8")
	assert.Equal(t, []string{"w 22 42 bc 01 1e b8 i2c_err\n"}, out)
	require.Len(t, events, 1)
	assert.Equal(t, TokenBusError, events[0].Status)
	assert.ErrorIs(t, events[0].Err, store.saveErr)
	assert.ErrorIs(t, events[0].Err, twowire.ErrNack)
}

func TestDispatcher_InputError(t *testing.T) {
	d, osc, _ := newStubDispatcher(WithWorking(other))

	out := run(d, "wZ")
	assert.Equal(t, []string{"inp_err\n"}, out)
	assert.Empty(t, osc.calls)
	assert.Equal(t, other, d.Working(), "committed block untouched")

	// Partial block followed by garbage
	out = run(d, "w01c2bc\r")
	assert.Equal(t, []string{"inp_err\n"}, out)
	assert.Equal(t, other, d.Working())

	// Next write starts over
	out = run(d, "w010203040506")
	assert.Equal(t, []string{"w 01 02 03 04 05 06 config_done\n"}, out)
}

func TestDispatcher_SingleCharacterCommands(t *testing.T) {
	d, osc, store := newStubDispatcher(WithWorking(other))
	osc.regs = other
	store.regs = other

	assert.Equal(t, "i 01 c2 bc 81 83 02\n", string(d.Handle('i')))
	assert.Equal(t, "r 22 42 bc 01 1e b8\n", string(d.Handle('r')))
	assert.Equal(t, "f 22 42 bc 01 1e b8\n", string(d.Handle('f')))
	assert.Equal(t, HelpText, string(d.Handle('?')))

	for _, c := range []byte("xIRF \n0") {
		assert.Nil(t, d.Handle(c), "byte %q", c)
	}
	assert.Equal(t, powerUp, d.PowerUp())
}

func TestDispatcher_ReadBusError(t *testing.T) {
	d, osc, _ := newStubDispatcher()
	osc.readErr = &twowire.NackError{Op: "read", Addr: si570.DefaultAddr, Positions: []int{0}}

	assert.Equal(t, "r i2c_err\n", string(d.Handle('r')))
}

func TestDispatcher_FlashReloadsWorkingBlock(t *testing.T) {
	d, _, store := newStubDispatcher(WithWorking(powerUp))
	store.regs = other

	assert.Equal(t, "f 22 42 bc 01 1e b8\n", string(d.Handle('f')))
	assert.Equal(t, other, d.Working())

	store.loadErr = flashstore.ErrCorrupt
	assert.Equal(t, "f flash_err\n", string(d.Handle('f')))
	assert.Equal(t, other, d.Working())
}

func TestDispatcher_CommandLettersInsidePayload(t *testing.T) {
	d, _, _ := newStubDispatcher()

	// 'f' is a hex digit while accumulating, 'r' is not.
	out := run(d, "wffffffffffff")
	assert.Equal(t, []string{"w ff ff ff ff ff ff config_done\n"}, out)
	out = run(d, "w0r")
	assert.Equal(t, []string{"inp_err\n"}, out)
}

func TestDispatcher_Observer(t *testing.T) {
	var events []Event
	d, osc, _ := newStubDispatcher(WithObserver(func(ev Event) { events = append(events, ev) }))
	osc.readErr = twowire.ErrNack

	run(d, "ir?wq")
	require.Len(t, events, 4)

	assert.Equal(t, byte('i'), events[0].Command)
	assert.Equal(t, powerUp, events[0].Registers)
	assert.True(t, events[0].OK())

	assert.Equal(t, byte('r'), events[1].Command)
	assert.Equal(t, TokenBusError, events[1].Status)
	assert.ErrorIs(t, events[1].Err, twowire.ErrNack)
	assert.False(t, events[1].OK())

	assert.Equal(t, byte('?'), events[2].Command)
	assert.Equal(t, HelpText, events[2].Response)

	assert.Equal(t, byte(0), events[3].Command)
	assert.Equal(t, TokenInputError, events[3].Status)
	assert.False(t, events[3].Time.IsZero())
}

// newSimDispatcher wires a dispatcher to a pin-level simulated Si570.
func newSimDispatcher(t *testing.T) (*Dispatcher, *si570.Chip, *flashstore.MemFlash) {
	t.Helper()
	chip := si570.NewChip(si570.DefaultAddr, si570.RegOffset, powerUp)
	bus := twowire.New(sim.NewWire(chip.Target()), twowire.WithDelay(twowire.NoDelay))
	dev := si570.New(bus)
	flash := flashstore.NewMemFlash(0, 0)
	snap, err := dev.Read()
	require.NoError(t, err)
	return NewDispatcher(dev, flashstore.New(flash), snap), chip, flash
}

func TestDispatcher_SimulatedChip(t *testing.T) {
	d, chip, _ := newSimDispatcher(t)

	out := run(d, "w 22 42 bc 01 1e b8\nrfi")
	assert.Equal(t, []string{
		"w 22 42 bc 01 1e b8 config_done\n",
		"r 22 42 bc 01 1e b8\n",
		"f 22 42 bc 01 1e b8\n",
		"i 01 c2 bc 81 83 02\n",
	}, out)
	assert.Equal(t, other, chip.Active())
	assert.Equal(t, 1, chip.Commits())
	assert.Equal(t, 0, chip.UnfrozenWrites())
}

func TestDispatcher_SimulatedChipNacksAddress(t *testing.T) {
	d, chip, flash := newSimDispatcher(t)
	chip.Target().SetNackAddress(true)

	assert.Equal(t, "r i2c_err\n", string(d.Handle('r')))

	out := run(d, "w224 2bc011eb8")
	assert.Equal(t, []string{"w 22 42 bc 01 1e b8 i2c_err\n"}, out)
	assert.Equal(t, powerUp, chip.Active())

	// The store was still written.
	regs, err := flashstore.New(flash).Load()
	require.NoError(t, err)
	assert.Equal(t, other, regs)
}
