// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sim provides a pin-level simulated two-wire bus with register-file
// targets attached to it.
//
// Wire implements twowire.Lines. Each time the master changes a pin the wire
// recomputes the bus level and feeds edges to every attached Target, which
// decodes start/stop conditions, matches its address, acknowledges bytes and
// shifts register contents out in read mode.
package sim

import "sync"

// WriteHook is called after a register has been written by the bus master.
// The target is locked while the hook runs; use Peek and Poke only.
type WriteHook func(t *Target, reg, value byte)

// Target is a simulated bus partner with a 256-byte register file and an
// auto-incrementing register pointer.
type Target struct {
	mu   sync.Mutex
	addr uint8
	regs [256]byte
	hook WriteHook

	// Fault injection
	absent     bool
	nackAddr   bool
	nackByteAt int // 1-based data byte index (register pointer is byte 1), 0 = off

	// Counters
	starts       int
	bytesWritten int
	bytesRead    int
	writes       []Write
}

// Write records one register write seen by a target.
type Write struct {
	Reg   byte
	Value byte
}

// NewTarget creates a target answering at the 7-bit address addr.
func NewTarget(addr uint8) *Target {
	return &Target{addr: addr}
}

// Addr returns the 7-bit address of the target.
func (t *Target) Addr() uint8 {
	return t.addr
}

// OnWrite installs a hook called for each written register.
func (t *Target) OnWrite(h WriteHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hook = h
}

// SetRegisters loads data into the register file starting at reg.
func (t *Target) SetRegisters(reg byte, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, v := range data {
		t.regs[reg+byte(i)] = v
	}
}

// Registers returns a copy of n registers starting at reg.
func (t *Target) Registers(reg byte, n int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = t.regs[reg+byte(i)]
	}
	return out
}

// SetAbsent makes the target ignore the bus entirely, as if unplugged.
func (t *Target) SetAbsent(absent bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.absent = absent
}

// SetNackAddress makes the target refuse its own address byte.
func (t *Target) SetNackAddress(nack bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nackAddr = nack
}

// SetNackByte makes the target refuse the n-th byte after the address in
// every write transaction (1 = register pointer). 0 disables the fault.
// A refused data byte is not stored.
func (t *Target) SetNackByte(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nackByteAt = n
}

// Stats returns the transaction and byte counters.
func (t *Target) Stats() (starts, written, read int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.starts, t.bytesWritten, t.bytesRead
}

// Writes returns every register write seen so far, in order.
func (t *Target) Writes() []Write {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Write, len(t.writes))
	copy(out, t.writes)
	return out
}

// ResetStats clears counters and the write log.
func (t *Target) ResetStats() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.starts, t.bytesWritten, t.bytesRead = 0, 0, 0
	t.writes = nil
}

// Poke sets a register without recording a write. Only call it from a
// WriteHook, e.g. to emulate self-clearing bits.
func (t *Target) Poke(reg, value byte) {
	t.regs[reg] = value
}

// Peek reads a register from within a hook.
func (t *Target) Peek(reg byte) byte {
	return t.regs[reg]
}
