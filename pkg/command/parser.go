// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package command implements the textual host command protocol: an
// incremental parser for the "w" register write command and a dispatcher
// that turns parser outcomes and single-character commands into responses.
package command

import (
	"fmt"

	"github.com/Thermoquad/clockbox/pkg/si570"
)

// State is the parser state reported after each input byte.
type State int

// Parser states
const (
	AwaitingCommand State = iota
	AccumulatingNibbles
	Complete
	Error
)

// String returns the state name
func (s State) String() string {
	switch s {
	case AwaitingCommand:
		return "AwaitingCommand"
	case AccumulatingNibbles:
		return "AccumulatingNibbles"
	case Complete:
		return "Complete"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// nibbleCount is the number of hex digits in a register block.
const nibbleCount = si570.BlockSize * 2

// Parser decodes "w <12 hex digits>" one byte at a time.
//
// Complete and Error are one-shot results: the parser is back in
// AwaitingCommand for the next byte. The zero value is ready to use.
type Parser struct {
	state   State
	cursor  int
	pending si570.Registers
	ready   bool
}

// Advance feeds one byte and returns the resulting state.
func (p *Parser) Advance(c byte) State {
	p.ready = false

	switch p.state {
	case AwaitingCommand:
		if c == 'w' {
			p.cursor = 0
			p.pending = si570.Registers{}
			p.state = AccumulatingNibbles
		}
		return p.state

	case AccumulatingNibbles:
		v, ok := hexNibble(c)
		if !ok {
			if isSeparator(c) {
				return p.state
			}
			p.reset()
			return Error
		}
		if p.cursor&1 == 0 {
			p.pending[p.cursor/2] = v << 4
		} else {
			p.pending[p.cursor/2] |= v
		}
		p.cursor++
		if p.cursor == nibbleCount {
			p.reset()
			p.ready = true
			return Complete
		}
		return p.state

	default:
		p.reset()
		return p.state
	}
}

func (p *Parser) reset() {
	p.state = AwaitingCommand
	p.cursor = 0
}

// Block returns the decoded block. ok is true only immediately after
// Advance returned Complete.
func (p *Parser) Block() (si570.Registers, bool) {
	if !p.ready {
		return si570.Registers{}, false
	}
	return p.pending, true
}

// State returns the current state.
func (p *Parser) State() State {
	return p.state
}

// Cursor returns the number of nibbles accepted for the pending block.
func (p *Parser) Cursor() int {
	return p.cursor
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func isSeparator(c byte) bool {
	return c == ' ' || c == ',' || c == ';'
}
