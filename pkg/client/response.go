// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Thermoquad/clockbox/pkg/command"
	"github.com/Thermoquad/clockbox/pkg/si570"
)

// Errors reported by the device, wrapped in *ResponseError.
var (
	ErrBus   = errors.New("device bus error")
	ErrInput = errors.New("device rejected input")
	ErrFlash = errors.New("device flash error")
)

// Response is one decoded device response line.
type Response struct {
	Command      byte // 'i', 'r', 'f', 'w', or 0 for a bare status
	Registers    si570.Registers
	HasRegisters bool
	Status       string // config_done, i2c_err, inp_err, flash_err or empty
}

// Err converts an error status into a *ResponseError.
func (r Response) Err() error {
	switch r.Status {
	case command.TokenBusError, command.TokenInputError, command.TokenFlashError:
		return &ResponseError{Command: r.Command, Status: r.Status}
	}
	return nil
}

// String renders the response as the device sent it, without the newline.
func (r Response) String() string {
	var parts []string
	if r.Command != 0 {
		parts = append(parts, string(r.Command))
	}
	if r.HasRegisters {
		parts = append(parts, r.Registers.Hex())
	}
	if r.Status != "" {
		parts = append(parts, r.Status)
	}
	return strings.Join(parts, " ")
}

// ResponseError is a failure reported by the device.
type ResponseError struct {
	Command byte
	Status  string
}

// Error implements the error interface
func (e *ResponseError) Error() string {
	if e.Command == 0 {
		return fmt.Sprintf("device responded %s", e.Status)
	}
	return fmt.Sprintf("device responded %s to '%c'", e.Status, e.Command)
}

// Unwrap maps the status token to ErrBus, ErrInput or ErrFlash.
func (e *ResponseError) Unwrap() error {
	switch e.Status {
	case command.TokenBusError:
		return ErrBus
	case command.TokenInputError:
		return ErrInput
	case command.TokenFlashError:
		return ErrFlash
	}
	return nil
}

// ParseResponse decodes a response line such as "r 01 c2 bc 81 83 02",
// "w 01 c2 bc 81 83 02 config_done", "r i2c_err" or "inp_err".
func ParseResponse(line string) (Response, error) {
	var resp Response
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return resp, fmt.Errorf("empty response")
	}

	if len(fields) == 1 && fields[0] == command.TokenInputError {
		resp.Status = command.TokenInputError
		return resp, nil
	}

	tag := fields[0]
	if len(tag) != 1 || !strings.Contains("irfw", tag) {
		return resp, fmt.Errorf("unknown response %q", line)
	}
	resp.Command = tag[0]
	rest := fields[1:]

	switch {
	case len(rest) == 1 && resp.Command != command.CmdWrite:
		switch {
		case rest[0] == command.TokenBusError && resp.Command == command.CmdRead,
			rest[0] == command.TokenFlashError && resp.Command == command.CmdFlash:
			resp.Status = rest[0]
			return resp, nil
		}
	case len(rest) == si570.BlockSize && resp.Command != command.CmdWrite:
	case len(rest) == si570.BlockSize+1 && resp.Command == command.CmdWrite:
		switch rest[si570.BlockSize] {
		case command.TokenConfigDone, command.TokenBusError:
			resp.Status = rest[si570.BlockSize]
			rest = rest[:si570.BlockSize]
		default:
			return resp, fmt.Errorf("unknown status in %q", line)
		}
	default:
		return resp, fmt.Errorf("malformed response %q", line)
	}
	if len(rest) != si570.BlockSize {
		return resp, fmt.Errorf("malformed response %q", line)
	}

	regs, err := si570.ParseRegisters(strings.Join(rest, " "))
	if err != nil {
		return resp, fmt.Errorf("response %q: %w", line, err)
	}
	resp.Registers = regs
	resp.HasRegisters = true
	return resp, nil
}
