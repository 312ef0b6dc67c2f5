// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/clockbox/pkg/command"
	"github.com/Thermoquad/clockbox/pkg/flashstore"
	"github.com/Thermoquad/clockbox/pkg/si570"
	"github.com/Thermoquad/clockbox/pkg/twowire"
	"github.com/Thermoquad/clockbox/pkg/twowire/sim"
)

var (
	powerUp = si570.Registers{0x01, 0xC2, 0xBC, 0x81, 0x83, 0x02}
	stored  = si570.Registers{0x22, 0x42, 0xBC, 0x01, 0x1E, 0xB8}
)

type rig struct {
	fw    *Firmware
	chip  *si570.Chip
	flash *flashstore.MemFlash
}

func newRig(t *testing.T, opts ...Option) *rig {
	t.Helper()
	chip := si570.NewChip(si570.DefaultAddr, si570.RegOffset, powerUp)
	bus := twowire.New(sim.NewWire(chip.Target()), twowire.WithDelay(twowire.NoDelay))
	flash := flashstore.NewMemFlash(0, 0)
	require.NoError(t, flashstore.New(flash).Save(stored))
	fw := New(si570.New(bus), flashstore.New(flash), opts...)
	return &rig{fw: fw, chip: chip, flash: flash}
}

func TestBoot_AppliesStoredBlock(t *testing.T) {
	r := newRig(t)

	st := r.fw.Boot()
	require.True(t, st.OK(), "%v", st.Err())
	assert.Equal(t, powerUp, st.PowerUp)
	assert.Equal(t, stored, st.Working)
	assert.Equal(t, stored, r.chip.Active())
	assert.Equal(t, 1, r.chip.Commits())
}

func TestBoot_SnapshotTakenOnce(t *testing.T) {
	r := newRig(t)
	r.fw.Boot()

	// The chip now runs the stored block; a second boot must keep the
	// original power-up values.
	st := r.fw.Boot()
	assert.Equal(t, powerUp, st.PowerUp)

	out, err := r.fw.Process([]byte("i"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("i 01 c2 bc 81 83 02\n")}, out)
}

func TestBoot_BusFailureIsNotFatal(t *testing.T) {
	r := newRig(t)
	r.chip.Target().SetAbsent(true)

	st := r.fw.Boot()
	assert.False(t, st.OK())
	assert.True(t, twowire.IsNack(st.PowerUpErr))
	assert.True(t, twowire.IsNack(st.ApplyErr))
	assert.NoError(t, st.LoadErr)
	assert.True(t, twowire.IsNack(st.Err()))

	out, err := r.fw.Process([]byte("rf"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{
		[]byte("r i2c_err\n"),
		[]byte("f 22 42 bc 01 1e b8\n"),
	}, out)
}

func TestBoot_CorruptStoreKeepsPowerUp(t *testing.T) {
	chip := si570.NewChip(si570.DefaultAddr, si570.RegOffset, powerUp)
	bus := twowire.New(sim.NewWire(chip.Target()), twowire.WithDelay(twowire.NoDelay))
	// Erased flash never carries a valid checksum.
	store := flashstore.New(flashstore.NewMemFlash(0, 0), flashstore.WithChecksum())
	fw := New(si570.New(bus), store)

	st := fw.Boot()
	assert.False(t, st.OK())
	assert.ErrorIs(t, st.LoadErr, flashstore.ErrCorrupt)
	assert.NoError(t, st.ApplyErr)
	assert.Equal(t, powerUp, st.Working)
	assert.Equal(t, powerUp, chip.Active())
	assert.Equal(t, 0, chip.Commits())

	out, err := fw.Process([]byte("rf"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{
		[]byte("r 01 c2 bc 81 83 02\n"),
		[]byte("f flash_err\n"),
	}, out)
}

func TestProcess_RequiresBoot(t *testing.T) {
	r := newRig(t)
	_, err := r.fw.Process([]byte("i"))
	assert.ErrorIs(t, err, ErrNotBooted)
	assert.ErrorIs(t, r.fw.Serve(context.Background(), nil), ErrNotBooted)
}

func TestProcess_KeepsParsingAfterResponse(t *testing.T) {
	r := newRig(t)
	r.fw.Boot()

	out, err := r.fw.Process([]byte("i?w0102030405 06r"))
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, command.HelpText, string(out[1]))
	assert.Equal(t, "w 01 02 03 04 05 06 config_done\n", string(out[2]))
	assert.Equal(t, "r 01 02 03 04 05 06\n", string(out[3]))
}

func TestServe_PipeSession(t *testing.T) {
	var events []command.Event
	r := newRig(t, WithObserver(func(ev command.Event) { events = append(events, ev) }))
	r.fw.Boot()

	host, device := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- r.fw.Serve(context.Background(), device) }()

	lines := bufio.NewReader(host)
	send := func(s string) string {
		t.Helper()
		_, err := host.Write([]byte(s))
		require.NoError(t, err)
		line, err := lines.ReadString('\n')
		require.NoError(t, err)
		return line
	}

	assert.Equal(t, "i 01 c2 bc 81 83 02\n", send("i"))
	assert.Equal(t, "w 01 c2 bc 81 83 02 config_done\n", send("w01 c2,bc818302"))
	assert.Equal(t, "r 01 c2 bc 81 83 02\n", send("r"))
	assert.Equal(t, "inp_err\n", send("wZ"))
	assert.Equal(t, "f 01 c2 bc 81 83 02\n", send("f"))

	require.NoError(t, host.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after EOF")
	}
	assert.Len(t, events, 5)
}

func TestServe_Cancel(t *testing.T) {
	r := newRig(t)
	r.fw.Boot()

	host, device := net.Pipe()
	defer host.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.fw.Serve(ctx, device) }()

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	device.Close()
}

// failingWriter accepts reads from a fixed script and fails every write.
type failingWriter struct {
	data []byte
}

func (f *failingWriter) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		select {}
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func (f *failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("link down")
}

func TestServe_WriteError(t *testing.T) {
	r := newRig(t)
	r.fw.Boot()

	err := r.fw.Serve(context.Background(), &failingWriter{data: []byte("i")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "link down")
}
