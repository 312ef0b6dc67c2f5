// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package twowire

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// Direction bits, placed in the low bit of the address byte
const (
	dirWrite = 0
	dirRead  = 1
)

// Bus is a bit-banged bus master.
//
// Only one transaction is on the wire at a time; concurrent callers are
// serialized. Bus implements periph.io i2c.Bus.
type Bus struct {
	mu     sync.Mutex
	drv    *Driver
	name   string
	logger zerolog.Logger
}

var _ i2c.Bus = (*Bus)(nil)

// Option configures a Bus.
type Option func(*busConfig)

type busConfig struct {
	delay  Delay
	settle time.Duration
	name   string
	logger zerolog.Logger
}

// WithDelay overrides the settling delay implementation (default BusyWait).
func WithDelay(d Delay) Option {
	return func(c *busConfig) {
		c.delay = d
	}
}

// WithSettleDelay sets the time each edge is held (default 1µs).
func WithSettleDelay(d time.Duration) Option {
	return func(c *busConfig) {
		if d > 0 {
			c.settle = d
		}
	}
}

// WithName sets the name returned by String.
func WithName(name string) Option {
	return func(c *busConfig) {
		c.name = name
	}
}

// WithLogger attaches a logger; transactions are logged at trace level.
func WithLogger(l zerolog.Logger) Option {
	return func(c *busConfig) {
		c.logger = l
	}
}

// New creates a bus master on the given lines and idles the bus.
func New(lines Lines, opts ...Option) *Bus {
	cfg := busConfig{
		settle: DefaultSettleDelay,
		name:   "twowire",
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	b := &Bus{
		drv:    NewDriver(lines, cfg.delay, cfg.settle),
		name:   cfg.name,
		logger: cfg.logger,
	}
	b.drv.sdaHigh()
	b.drv.sclHigh()
	return b
}

// Start emits a start condition: SDA falls while SCL is high. It ends with
// SCL low. Issued without a preceding Stop it acts as a repeated start.
func (b *Bus) Start() {
	b.drv.sdaHigh()
	b.drv.sclHigh()
	b.drv.sdaLow()
	b.drv.sclLow()
}

// Stop emits a stop condition: SDA rises while SCL is high, leaving the bus
// idle with both lines released.
func (b *Bus) Stop() {
	b.drv.sdaLow()
	b.drv.sclHigh()
	b.drv.sdaHigh()
}

// TransmitByte clocks out v MSB first and samples the acknowledgment during
// the ninth clock. It returns true when the partner pulled SDA low.
func (b *Bus) TransmitByte(v byte) bool {
	for i := 0; i < 8; i++ {
		if v&0x80 != 0 {
			b.drv.sdaHigh()
		} else {
			b.drv.sdaLow()
		}
		b.drv.sclHigh()
		v <<= 1
		b.drv.sclLow()
	}
	b.drv.sdaHigh()
	b.drv.sclHigh()
	ack := !b.drv.sda()
	b.drv.sclLow()
	return ack
}

// ReceiveByte clocks in one byte MSB first, sampling while SCL is high.
// sendAck requests another byte; pass false for the last byte of a read.
//
// Clock stretching is not supported: a partner holding SCL low is not
// detected and the byte is sampled on the master's timing regardless.
func (b *Bus) ReceiveByte(sendAck bool) byte {
	var v byte
	for i := 0; i < 8; i++ {
		v <<= 1
		b.drv.sclHigh()
		if b.drv.sda() {
			v |= 1
		}
		b.drv.sclLow()
	}
	if sendAck {
		b.drv.sdaLow()
	} else {
		b.drv.sdaHigh()
	}
	b.drv.sclHigh()
	b.drv.sclLow()
	b.drv.sdaHigh()
	return v
}

// ackTracker folds acknowledgments of one transaction. It never aborts the
// transaction; it only remembers which byte positions were refused.
type ackTracker struct {
	pos    int
	missed []int
}

func (t *ackTracker) fold(ack bool) {
	if !ack {
		t.missed = append(t.missed, t.pos)
	}
	t.pos++
}

func (t *ackTracker) err(op string, addr, reg uint8) error {
	if len(t.missed) == 0 {
		return nil
	}
	return &NackError{Op: op, Addr: addr, Reg: reg, Positions: t.missed}
}

// WriteRegisters writes data to consecutive registers starting at reg.
//
// Every byte is sent even after a refused one; the result is the conjunction
// of all acknowledgments, reported as a *NackError.
func (b *Bus) WriteRegisters(addr, reg uint8, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var t ackTracker
	b.Start()
	t.fold(b.TransmitByte(addr<<1 | dirWrite))
	t.fold(b.TransmitByte(reg))
	for _, v := range data {
		t.fold(b.TransmitByte(v))
	}
	b.Stop()

	err := t.err("write", addr, reg)
	b.logger.Trace().
		Uint8("addr", addr).
		Uint8("reg", reg).
		Hex("data", data).
		Err(err).
		Msg("write registers")
	return err
}

// ReadRegisters reads n consecutive registers starting at reg, using a
// repeated start to switch direction. On failure the returned bytes are
// whatever was sampled (all ones when nobody drives the bus). n must be
// positive; nothing is sent otherwise.
func (b *Bus) ReadRegisters(addr, reg uint8, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid read length %d", n)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := make([]byte, n)
	var t ackTracker
	b.Start()
	t.fold(b.TransmitByte(addr<<1 | dirWrite))
	t.fold(b.TransmitByte(reg))
	b.Start()
	t.fold(b.TransmitByte(addr<<1 | dirRead))
	for i := range buf {
		buf[i] = b.ReceiveByte(i != n-1)
	}
	b.Stop()

	err := t.err("read", addr, reg)
	b.logger.Trace().
		Uint8("addr", addr).
		Uint8("reg", reg).
		Hex("data", buf).
		Err(err).
		Msg("read registers")
	return buf, err
}

// WriteRegister writes a single register.
func (b *Bus) WriteRegister(addr, reg, v uint8) error {
	return b.WriteRegisters(addr, reg, []byte{v})
}

// ReadRegister reads a single register.
func (b *Bus) ReadRegister(addr, reg uint8) (uint8, error) {
	buf, err := b.ReadRegisters(addr, reg, 1)
	return buf[0], err
}

// Tx implements i2c.Bus. Only 7-bit addresses are supported.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	if addr > 0x7F {
		return fmt.Errorf("invalid address 0x%X: only 7-bit addresses are supported", addr)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	a := uint8(addr)
	var t ackTracker
	b.Start()
	if len(w) > 0 {
		t.fold(b.TransmitByte(a<<1 | dirWrite))
		for _, v := range w {
			t.fold(b.TransmitByte(v))
		}
		if len(r) > 0 {
			b.Start()
		}
	}
	if len(r) > 0 {
		t.fold(b.TransmitByte(a<<1 | dirRead))
		for i := range r {
			r[i] = b.ReceiveByte(i != len(r)-1)
		}
	}
	b.Stop()
	return t.err("tx", a, 0)
}

// SetSpeed implements i2c.Bus. The settling delay becomes half the clock
// period of f.
func (b *Bus) SetSpeed(f physic.Frequency) error {
	if f <= 0 {
		return fmt.Errorf("invalid bus speed %s", f)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	d := f.Period() / 2
	if d <= 0 {
		return fmt.Errorf("bus speed %s is too high", f)
	}
	b.drv.settle = d
	return nil
}

// String implements i2c.Bus.
func (b *Bus) String() string {
	return b.name
}
