// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sim

import "sync"

// Target protocol states
const (
	stateIdle     = iota // waiting for a start condition
	stateAddress         // shifting in the address byte
	stateAckOut          // driving ACK during the ninth clock
	stateRecv            // shifting in a register pointer or data byte
	stateSend            // shifting a register out to the master
	stateAckIn           // sampling the master's ACK/NACK
	stateIgnore          // not addressed or refused, wait for start/stop
)

// Wire connects a bus master to simulated targets.
//
// SDA is wired-AND: the line is high only if the master and every target
// release it. SCL is driven by the master only (no clock stretching).
type Wire struct {
	mu      sync.Mutex
	sdaM    bool
	scl     bool
	targets []*targetPort
	edges   int
}

// targetPort is the protocol engine for one target.
type targetPort struct {
	t *Target

	state    int
	bits     int
	shift    byte
	read     bool // current transaction is a read
	next     int  // state after stateAckOut
	index    int  // bytes received after the address in this transaction
	ptr      byte
	sdaDrive bool // true when the target pulls SDA low
	ackRecv  bool
}

// NewWire creates an idle wire (both lines high) with targets attached.
func NewWire(targets ...*Target) *Wire {
	w := &Wire{sdaM: true, scl: true}
	for _, t := range targets {
		w.Attach(t)
	}
	return w
}

// Attach connects another target to the wire.
func (w *Wire) Attach(t *Target) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.targets = append(w.targets, &targetPort{t: t})
}

// Edges returns the number of pin changes seen, for timing assertions.
func (w *Wire) Edges() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.edges
}

func (w *Wire) level() bool {
	if !w.sdaM {
		return false
	}
	for _, p := range w.targets {
		if p.sdaDrive {
			return false
		}
	}
	return true
}

// SetSDA implements twowire.Lines.
func (w *Wire) SetSDA(high bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	before := w.level()
	w.sdaM = high
	after := w.level()
	w.edges++
	if w.scl && before != after {
		for _, p := range w.targets {
			if after {
				p.stop()
			} else {
				p.start()
			}
		}
	}
}

// SetSCL implements twowire.Lines.
func (w *Wire) SetSCL(high bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.edges++
	if w.scl == high {
		return
	}
	w.scl = high
	sda := w.level()
	for _, p := range w.targets {
		if high {
			p.rise(sda)
		} else {
			p.fall()
		}
	}
}

// SDA implements twowire.Lines.
func (w *Wire) SDA() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.level()
}

func (p *targetPort) start() {
	p.t.mu.Lock()
	defer p.t.mu.Unlock()
	p.sdaDrive = false
	if p.t.absent {
		p.state = stateIdle
		return
	}
	p.t.starts++
	p.state = stateAddress
	p.bits = 0
	p.shift = 0
	p.index = 0
}

func (p *targetPort) stop() {
	p.sdaDrive = false
	p.state = stateIdle
}

// rise handles a rising SCL edge; the line level is stable while SCL is high.
func (p *targetPort) rise(sda bool) {
	switch p.state {
	case stateAddress, stateRecv:
		p.shift <<= 1
		if sda {
			p.shift |= 1
		}
		p.bits++
	case stateAckIn:
		p.ackRecv = !sda
	}
}

// fall handles a falling SCL edge; targets change SDA only while SCL is low.
func (p *targetPort) fall() {
	p.t.mu.Lock()
	defer p.t.mu.Unlock()

	switch p.state {
	case stateAddress:
		if p.bits < 8 {
			return
		}
		addr, read := p.shift>>1, p.shift&1 == 1
		if addr != p.t.addr || p.t.nackAddr {
			p.state = stateIgnore
			return
		}
		p.read = read
		p.sdaDrive = true
		p.state = stateAckOut
		if read {
			p.next = stateSend
		} else {
			p.next = stateRecv
		}

	case stateAckOut:
		p.sdaDrive = false
		if p.next == stateSend {
			p.load()
			return
		}
		p.state = stateRecv
		p.bits = 0
		p.shift = 0

	case stateRecv:
		if p.bits < 8 {
			return
		}
		p.index++
		if p.t.nackByteAt != 0 && p.index == p.t.nackByteAt {
			p.state = stateIgnore
			return
		}
		p.t.bytesWritten++
		if p.index == 1 {
			p.ptr = p.shift
		} else {
			reg, v := p.ptr, p.shift
			p.t.regs[reg] = v
			p.t.writes = append(p.t.writes, Write{Reg: reg, Value: v})
			p.ptr++
			if p.t.hook != nil {
				p.t.hook(p.t, reg, v)
			}
		}
		p.sdaDrive = true
		p.state = stateAckOut
		p.next = stateRecv

	case stateSend:
		if p.bits == 8 {
			p.sdaDrive = false
			p.state = stateAckIn
			return
		}
		p.sdaDrive = p.shift&(0x80>>uint(p.bits)) == 0
		p.bits++

	case stateAckIn:
		if p.ackRecv {
			p.load()
			return
		}
		p.state = stateIgnore
	}
}

// load fetches the register at the pointer and drives its first bit.
func (p *targetPort) load() {
	p.shift = p.t.regs[p.ptr]
	p.ptr++
	p.t.bytesRead++
	p.state = stateSend
	p.sdaDrive = p.shift&0x80 == 0
	p.bits = 1
}
