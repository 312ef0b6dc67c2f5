// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package flashstore persists the oscillator register block in page-erased
// non-volatile memory.
//
// The block is stored raw at a fixed base address. There is no integrity
// marker unless the store is created WithChecksum, in which case a
// CRC-16-CCITT follows the block.
package flashstore

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/clockbox/pkg/si570"
)

// DefaultBase is the flash address of the stored block.
const DefaultBase = 0x5FF0

var (
	// ErrCorrupt is returned by Load when the stored checksum does not match.
	ErrCorrupt = errors.New("stored configuration is corrupt")
	// ErrOutOfRange is returned for accesses outside the flash array.
	ErrOutOfRange = errors.New("flash address out of range")
)

// Flash is a byte-programmable, page-erasable memory.
type Flash interface {
	// ErasePage sets every byte of the page containing addr to 0xFF.
	ErasePage(addr uint32) error
	// ProgramByte programs one byte. Programming can only clear bits.
	ProgramByte(addr uint32, v byte) error
	// ReadByteAt reads one byte.
	ReadByteAt(addr uint32) (byte, error)
}

// Paged is implemented by flash backends that report their erase
// granularity.
type Paged interface {
	PageSize() uint32
}

// Syncer is implemented by flash backends that buffer writes.
type Syncer interface {
	Sync() error
}

// Store saves and loads the register block.
type Store struct {
	flash    Flash
	base     uint32
	checksum bool
	logger   zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithBase overrides the block address.
func WithBase(addr uint32) Option {
	return func(s *Store) {
		s.base = addr
	}
}

// WithChecksum appends a CRC-16-CCITT to the saved block and verifies it on
// Load. Images written without it do not load with it.
func WithChecksum() Option {
	return func(s *Store) {
		s.checksum = true
	}
}

// WithLogger attaches a logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates a Store on flash.
func New(flash Flash, opts ...Option) *Store {
	s := &Store{
		flash:  flash,
		base:   DefaultBase,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Base returns the block address.
func (s *Store) Base() uint32 {
	return s.base
}

func (s *Store) image(regs si570.Registers) []byte {
	img := append([]byte(nil), regs[:]...)
	if s.checksum {
		crc := checksum(regs[:])
		img = append(img, byte(crc>>8), byte(crc))
	}
	return img
}

// erase clears every page the n-byte image starting at base touches.
// Without a known page size the first and last byte's pages are erased.
func (s *Store) erase(n int) error {
	last := s.base + uint32(n) - 1
	addrs := []uint32{s.base}
	if p, ok := s.flash.(Paged); ok && p.PageSize() > 0 {
		size := p.PageSize()
		for page := s.base - s.base%size + size; page <= last; page += size {
			addrs = append(addrs, page)
		}
	} else if last != s.base {
		addrs = append(addrs, last)
	}
	for _, addr := range addrs {
		if err := s.flash.ErasePage(addr); err != nil {
			return fmt.Errorf("erase page at 0x%04X: %w", addr, err)
		}
	}
	return nil
}

// Save erases the pages holding the block and programs the new values.
func (s *Store) Save(regs si570.Registers) error {
	img := s.image(regs)
	if err := s.erase(len(img)); err != nil {
		return err
	}
	for i, v := range img {
		addr := s.base + uint32(i)
		if err := s.flash.ProgramByte(addr, v); err != nil {
			return fmt.Errorf("program 0x%04X: %w", addr, err)
		}
	}
	if sy, ok := s.flash.(Syncer); ok {
		if err := sy.Sync(); err != nil {
			return fmt.Errorf("sync flash: %w", err)
		}
	}
	s.logger.Debug().Str("registers", regs.Hex()).Msg("saved configuration")
	return nil
}

// Load reads the stored block. A never-written (erased) store loads as all
// 0xFF bytes.
func (s *Store) Load() (si570.Registers, error) {
	var regs si570.Registers
	n := si570.BlockSize
	if s.checksum {
		n += 2
	}
	buf := make([]byte, n)
	for i := range buf {
		v, err := s.flash.ReadByteAt(s.base + uint32(i))
		if err != nil {
			return regs, fmt.Errorf("read 0x%04X: %w", s.base+uint32(i), err)
		}
		buf[i] = v
	}
	copy(regs[:], buf)

	if s.checksum {
		want := uint16(buf[si570.BlockSize])<<8 | uint16(buf[si570.BlockSize+1])
		if got := checksum(regs[:]); got != want {
			s.logger.Warn().Uint16("stored", want).Uint16("computed", got).Msg("checksum mismatch")
			return regs, fmt.Errorf("%w: checksum 0x%04X, expected 0x%04X", ErrCorrupt, want, got)
		}
	}
	return regs, nil
}
