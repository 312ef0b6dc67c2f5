// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashstore

import (
	"fmt"
	"sync"
)

// Flash geometry defaults
const (
	DefaultPageSize = 512
	DefaultSize     = 0x10000
)

// MemFlash emulates NOR flash in memory. Erased bytes read 0xFF and
// programming a byte ANDs it into the stored value.
type MemFlash struct {
	mu       sync.Mutex
	pageSize uint32
	size     uint32
	pages    map[uint32][]byte
	erases   int
}

// NewMemFlash creates an erased flash array. Zero arguments select the
// defaults.
func NewMemFlash(size, pageSize uint32) *MemFlash {
	if size == 0 {
		size = DefaultSize
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	return &MemFlash{
		pageSize: pageSize,
		size:     size,
		pages:    make(map[uint32][]byte),
	}
}

// PageSize returns the erase granularity.
func (m *MemFlash) PageSize() uint32 {
	return m.pageSize
}

func (m *MemFlash) check(addr uint32) error {
	if addr >= m.size {
		return fmt.Errorf("%w: 0x%04X", ErrOutOfRange, addr)
	}
	return nil
}

func (m *MemFlash) pageStart(addr uint32) uint32 {
	return addr - addr%m.pageSize
}

// ErasePage implements Flash.
func (m *MemFlash) ErasePage(addr uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(addr); err != nil {
		return err
	}
	delete(m.pages, m.pageStart(addr))
	m.erases++
	return nil
}

// ProgramByte implements Flash.
func (m *MemFlash) ProgramByte(addr uint32, v byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(addr); err != nil {
		return err
	}
	start := m.pageStart(addr)
	page, ok := m.pages[start]
	if !ok {
		page = erasedPage(m.pageSize)
		m.pages[start] = page
	}
	page[addr-start] &= v
	return nil
}

// ReadByteAt implements Flash.
func (m *MemFlash) ReadByteAt(addr uint32) (byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(addr); err != nil {
		return 0, err
	}
	start := m.pageStart(addr)
	page, ok := m.pages[start]
	if !ok {
		return 0xFF, nil
	}
	return page[addr-start], nil
}

// Erases returns how many page erases were performed.
func (m *MemFlash) Erases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.erases
}

func erasedPage(n uint32) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = 0xFF
	}
	return p
}
