// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package firmware is the device runtime: it brings the oscillator up from
// the stored configuration and serves the command protocol over a host
// channel.
package firmware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/clockbox/pkg/command"
	"github.com/Thermoquad/clockbox/pkg/flashstore"
	"github.com/Thermoquad/clockbox/pkg/si570"
)

// PacketSize is the largest chunk read from the host channel at once.
const PacketSize = 64

// ErrNotBooted is returned by Serve and Process before Boot.
var ErrNotBooted = errors.New("firmware not booted")

// BootStatus reports the outcome of Boot. Failures are never fatal: the
// device keeps serving commands even with an unconfigured oscillator.
type BootStatus struct {
	PowerUp    si570.Registers
	Working    si570.Registers
	PowerUpErr error
	LoadErr    error
	ApplyErr   error
}

// OK reports whether every boot step succeeded.
func (s BootStatus) OK() bool {
	return s.PowerUpErr == nil && s.LoadErr == nil && s.ApplyErr == nil
}

// Err joins the boot step errors.
func (s BootStatus) Err() error {
	return errors.Join(s.PowerUpErr, s.LoadErr, s.ApplyErr)
}

// Firmware serializes all host channels onto one dispatcher.
type Firmware struct {
	mu       sync.Mutex
	osc      command.Oscillator
	store    command.ConfigStore
	disp     *command.Dispatcher
	observer command.Observer
	logger   zerolog.Logger
}

// Option configures Firmware.
type Option func(*Firmware)

// WithObserver forwards dispatcher events.
func WithObserver(o command.Observer) Option {
	return func(f *Firmware) {
		f.observer = o
	}
}

// WithLogger attaches a logger.
func WithLogger(l zerolog.Logger) Option {
	return func(f *Firmware) {
		f.logger = l
	}
}

// New creates the runtime. Call Boot before serving.
func New(osc command.Oscillator, store command.ConfigStore, opts ...Option) *Firmware {
	f := &Firmware{
		osc:    osc,
		store:  store,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Boot reads the power-up snapshot, loads the stored block and pushes it to
// the oscillator. The snapshot is taken once; calling Boot again only
// reloads and reapplies the stored block. A stored block that fails its
// checksum is never applied; the oscillator keeps its power-up
// configuration and that becomes the working block.
func (f *Firmware) Boot() BootStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	var st BootStatus
	if f.disp != nil {
		st.PowerUp = f.disp.PowerUp()
	} else {
		st.PowerUp, st.PowerUpErr = f.osc.Read()
	}
	st.Working, st.LoadErr = f.store.Load()
	if errors.Is(st.LoadErr, flashstore.ErrCorrupt) {
		st.Working = st.PowerUp
	} else {
		st.ApplyErr = f.osc.Apply(st.Working)
	}

	opts := []command.Option{
		command.WithWorking(st.Working),
		command.WithLogger(f.logger),
	}
	if f.observer != nil {
		opts = append(opts, command.WithObserver(f.observer))
	}
	f.disp = command.NewDispatcher(f.osc, f.store, st.PowerUp, opts...)

	ev := f.logger.Info()
	if !st.OK() {
		ev = f.logger.Warn().Err(st.Err())
	}
	ev.Str("power_up", st.PowerUp.Hex()).
		Str("working", st.Working.Hex()).
		Bool("ok", st.OK()).
		Msg("boot")
	return st
}

// Process feeds received bytes to the dispatcher and returns the responses
// in order, one per triggering byte.
func (f *Firmware) Process(data []byte) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.disp == nil {
		return nil, ErrNotBooted
	}
	var out [][]byte
	for _, b := range data {
		if resp := f.disp.Handle(b); resp != nil {
			out = append(out, resp)
		}
	}
	return out, nil
}

// Serve runs the host channel loop: it reads packets of up to PacketSize
// bytes and writes each response as soon as it is produced. It returns nil
// on EOF, ctx.Err() on cancellation, or the first read/write error.
//
// A Read blocked in conn is only interrupted by closing conn.
func (f *Firmware) Serve(ctx context.Context, conn io.ReadWriter) error {
	f.mu.Lock()
	booted := f.disp != nil
	f.mu.Unlock()
	if !booted {
		return ErrNotBooted
	}

	type packet struct {
		data []byte
		err  error
	}
	packets := make(chan packet)

	go func() {
		buf := make([]byte, PacketSize)
		for {
			n, err := conn.Read(buf)
			p := packet{data: append([]byte(nil), buf[:n]...), err: err}
			select {
			case packets <- p:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-packets:
			if len(p.data) > 0 {
				f.logger.Trace().Int("bytes", len(p.data)).Msg("packet received")
				if err := f.serve(conn, p.data); err != nil {
					return err
				}
			}
			if p.err != nil {
				if errors.Is(p.err, io.EOF) {
					return nil
				}
				return fmt.Errorf("read host channel: %w", p.err)
			}
		}
	}
}

func (f *Firmware) serve(w io.Writer, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, b := range data {
		resp := f.disp.Handle(b)
		if resp == nil {
			continue
		}
		if _, err := w.Write(resp); err != nil {
			return fmt.Errorf("write host channel: %w", err)
		}
	}
	return nil
}
