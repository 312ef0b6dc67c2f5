// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/clockbox/pkg/si570"
)

var sample = si570.Registers{0x01, 0xC2, 0xBC, 0x81, 0x83, 0x02}

func dump(t *testing.T, f Flash, from, n uint32) []byte {
	t.Helper()
	out := make([]byte, n)
	for i := range out {
		v, err := f.ReadByteAt(from + uint32(i))
		require.NoError(t, err)
		out[i] = v
	}
	return out
}

func TestChecksum_KnownValue(t *testing.T) {
	assert.Equal(t, uint16(crcInitial), checksum(nil))
	assert.Equal(t, uint16(0x29B1), checksum([]byte("123456789")))
}

func TestStore_SaveLoad(t *testing.T) {
	flash := NewMemFlash(0, 0)
	store := New(flash)

	regs, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, si570.Registers{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, regs, "erased store")

	require.NoError(t, store.Save(sample))
	regs, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, sample, regs)
	assert.Equal(t, sample[:], dump(t, flash, DefaultBase, si570.BlockSize))
}

func TestStore_SaveOverwritesWithErase(t *testing.T) {
	flash := NewMemFlash(0, 0)
	store := New(flash)

	require.NoError(t, store.Save(si570.Registers{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}))
	require.NoError(t, store.Save(sample))

	regs, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, sample, regs)
	assert.Equal(t, 2, flash.Erases())
}

func TestStore_SaveOfLoadIsIdempotent(t *testing.T) {
	flash := NewMemFlash(0, 0)
	store := New(flash)
	require.NoError(t, store.Save(sample))

	page := uint32(DefaultBase) - uint32(DefaultBase)%flash.PageSize()
	before := dump(t, flash, page, flash.PageSize())

	regs, err := store.Load()
	require.NoError(t, err)
	require.NoError(t, store.Save(regs))

	assert.Equal(t, before, dump(t, flash, page, flash.PageSize()))
}

func TestStore_Checksum(t *testing.T) {
	flash := NewMemFlash(0, 0)
	store := New(flash, WithChecksum())

	require.NoError(t, store.Save(sample))
	regs, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, sample, regs)

	// Clearing a bit in the block must be detected.
	require.NoError(t, flash.ProgramByte(DefaultBase+2, 0x00))
	_, err = store.Load()
	assert.ErrorIs(t, err, ErrCorrupt)

	// Erased flash has no valid checksum either.
	_, err = New(NewMemFlash(0, 0), WithChecksum()).Load()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestStore_Base(t *testing.T) {
	flash := NewMemFlash(0, 0)
	store := New(flash, WithBase(0x100))
	assert.Equal(t, uint32(0x100), store.Base())
	require.NoError(t, store.Save(sample))
	assert.Equal(t, sample[:], dump(t, flash, 0x100, si570.BlockSize))

	_, err := New(NewMemFlash(0x80, 0x40), WithBase(0x7E)).Load()
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestStore_SaveAcrossPageBoundary(t *testing.T) {
	flash := NewMemFlash(0x100, 0x40)
	// The 8-byte image at 0x3C ends in the second page.
	store := New(flash, WithBase(0x3C), WithChecksum())
	for addr := uint32(0x40); addr < 0x44; addr++ {
		require.NoError(t, flash.ProgramByte(addr, 0x00))
	}

	require.NoError(t, store.Save(sample))
	assert.Equal(t, 2, flash.Erases())
	regs, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, sample, regs)

	// A block inside one page still costs a single erase.
	inPage := NewMemFlash(0x100, 0x40)
	require.NoError(t, New(inPage, WithBase(0x10), WithChecksum()).Save(sample))
	assert.Equal(t, 1, inPage.Erases())
}

// unpaged hides the page size of the wrapped flash.
type unpaged struct {
	Flash
}

func TestStore_SaveAcrossPageBoundaryUnknownGeometry(t *testing.T) {
	flash := NewMemFlash(0x100, 0x40)
	for addr := uint32(0x40); addr < 0x44; addr++ {
		require.NoError(t, flash.ProgramByte(addr, 0x00))
	}
	store := New(unpaged{flash}, WithBase(0x3C), WithChecksum())

	require.NoError(t, store.Save(sample))
	regs, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, sample, regs)
}

func TestMemFlash_ProgrammingClearsBitsOnly(t *testing.T) {
	flash := NewMemFlash(0, 0)

	require.NoError(t, flash.ProgramByte(0x10, 0xF0))
	require.NoError(t, flash.ProgramByte(0x10, 0x3C))
	v, err := flash.ReadByteAt(0x10)
	require.NoError(t, err)
	assert.Equal(t, byte(0x30), v)

	require.NoError(t, flash.ErasePage(0x1FF))
	v, err = flash.ReadByteAt(0x10)
	require.NoError(t, err)
	assert.Equal(t, byte(0xFF), v)
}

func TestMemFlash_ErasesWholePageOnly(t *testing.T) {
	flash := NewMemFlash(0, 0)
	require.NoError(t, flash.ProgramByte(0x1FF, 0x00))
	require.NoError(t, flash.ProgramByte(0x200, 0x00))

	require.NoError(t, flash.ErasePage(0x000))

	v, err := flash.ReadByteAt(0x1FF)
	require.NoError(t, err)
	assert.Equal(t, byte(0xFF), v)
	v, err = flash.ReadByteAt(0x200)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), v)
}

func TestMemFlash_OutOfRange(t *testing.T) {
	flash := NewMemFlash(0x100, 0x80)
	assert.ErrorIs(t, flash.ErasePage(0x100), ErrOutOfRange)
	assert.ErrorIs(t, flash.ProgramByte(0x100, 0), ErrOutOfRange)
	_, err := flash.ReadByteAt(0x100)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestFileFlash_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.cbor")

	flash, err := OpenFileFlash(path)
	require.NoError(t, err)
	assert.Equal(t, path, flash.Path())
	require.NoError(t, New(flash).Save(sample))

	_, err = os.Stat(path)
	require.NoError(t, err, "Save syncs the image")

	reopened, err := OpenFileFlash(path)
	require.NoError(t, err)
	regs, err := New(reopened).Load()
	require.NoError(t, err)
	assert.Equal(t, sample, regs)
}

func TestFileFlash_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.cbor")
	require.NoError(t, os.WriteFile(path, []byte("not cbor"), 0o644))

	_, err := OpenFileFlash(path)
	assert.Error(t, err)
}
