// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package command

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/clockbox/pkg/si570"
)

// Oscillator reads and commits the frequency register block.
// si570.Device satisfies it.
type Oscillator interface {
	Apply(r si570.Registers) error
	Read() (si570.Registers, error)
}

// ConfigStore persists the working block.
// flashstore.Store satisfies it.
type ConfigStore interface {
	Save(r si570.Registers) error
	Load() (si570.Registers, error)
}

// Event describes one dispatched response.
type Event struct {
	Time      time.Time
	Command   byte // 'i', 'r', 'f', 'w', '?', or 0 for an input error
	Registers si570.Registers
	Status    string // status token, empty for plain responses
	Response  string
	Err       error
}

// OK reports whether the command succeeded.
func (e Event) OK() bool {
	return e.Err == nil && e.Status != TokenBusError && e.Status != TokenInputError &&
		e.Status != TokenFlashError
}

// Observer receives an Event for every response.
type Observer func(Event)

// Dispatcher maps parser outcomes and single-character commands to
// responses. It is not safe for concurrent use; feed it from one stream.
type Dispatcher struct {
	parser   Parser
	osc      Oscillator
	store    ConfigStore
	powerUp  si570.Registers
	working  si570.Registers
	observer Observer
	logger   zerolog.Logger
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorking sets the working block, normally the one loaded at boot.
func WithWorking(r si570.Registers) Option {
	return func(d *Dispatcher) {
		d.working = r
	}
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		d.observer = o
	}
}

// WithLogger attaches a logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// NewDispatcher creates a dispatcher. powerUp is the snapshot read from the
// oscillator at boot; it is never changed afterwards.
func NewDispatcher(osc Oscillator, store ConfigStore, powerUp si570.Registers, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		osc:     osc,
		store:   store,
		powerUp: powerUp,
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// PowerUp returns the power-up snapshot.
func (d *Dispatcher) PowerUp() si570.Registers {
	return d.powerUp
}

// Working returns the working block.
func (d *Dispatcher) Working() si570.Registers {
	return d.working
}

// Parser exposes the parser state, mostly for diagnostics.
func (d *Dispatcher) Parser() *Parser {
	return &d.parser
}

// Handle feeds one input byte and returns the response it triggers, or nil.
func (d *Dispatcher) Handle(c byte) []byte {
	switch d.parser.Advance(c) {
	case Complete:
		block, _ := d.parser.Block()
		return d.write(block)
	case Error:
		d.logger.Debug().Str("byte", string(rune(c))).Msg("invalid write payload")
		return d.emit(Event{Status: TokenInputError}, formatInputError())
	case AwaitingCommand:
		switch c {
		case CmdInfo:
			return d.emit(Event{Command: CmdInfo, Registers: d.powerUp},
				formatBlock(CmdInfo, d.powerUp, ""))
		case CmdRead:
			return d.read()
		case CmdFlash:
			return d.flash()
		case CmdHelp:
			return d.emit(Event{Command: CmdHelp}, []byte(HelpText))
		}
	}
	return nil
}

// write promotes a completed block: save to the store first, then push it
// to the oscillator. The reply only reflects the bus outcome; a failed save
// is carried in the event error.
func (d *Dispatcher) write(block si570.Registers) []byte {
	d.working = block
	ev := Event{Command: CmdWrite, Registers: block, Status: TokenConfigDone}

	if err := d.store.Save(block); err != nil {
		d.logger.Warn().Err(err).Str("block", block.Hex()).Msg("configuration not saved, flash and oscillator differ")
		ev.Err = fmt.Errorf("save: %w", err)
	}
	if err := d.osc.Apply(block); err != nil {
		ev.Status = TokenBusError
		ev.Err = errors.Join(ev.Err, err)
	}
	return d.emit(ev, formatBlock(CmdWrite, block, ev.Status))
}

func (d *Dispatcher) read() []byte {
	regs, err := d.osc.Read()
	if err != nil {
		return d.emit(Event{Command: CmdRead, Status: TokenBusError, Err: err},
			formatStatus(CmdRead, TokenBusError))
	}
	return d.emit(Event{Command: CmdRead, Registers: regs}, formatBlock(CmdRead, regs, ""))
}

func (d *Dispatcher) flash() []byte {
	regs, err := d.store.Load()
	if err != nil {
		d.logger.Warn().Err(err).Msg("load configuration")
		return d.emit(Event{Command: CmdFlash, Status: TokenFlashError, Err: err},
			formatStatus(CmdFlash, TokenFlashError))
	}
	d.working = regs
	return d.emit(Event{Command: CmdFlash, Registers: regs}, formatBlock(CmdFlash, regs, ""))
}

func (d *Dispatcher) emit(ev Event, resp []byte) []byte {
	ev.Time = d.now()
	ev.Response = string(resp)
	d.logger.Debug().Str("response", ev.Response).Msg("dispatch")
	if d.observer != nil {
		d.observer(ev)
	}
	return resp
}
