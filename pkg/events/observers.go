// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package events

import (
	"github.com/rs/zerolog"

	"github.com/Thermoquad/clockbox/pkg/command"
)

// Fanout delivers each event to every non-nil observer in order.
func Fanout(observers ...command.Observer) command.Observer {
	var list []command.Observer
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return func(ev command.Event) {
		for _, o := range list {
			o(ev)
		}
	}
}

// LogObserver logs every event: failures at warn level, the rest at info.
func LogObserver(l zerolog.Logger) command.Observer {
	return func(ev command.Event) {
		e := l.Info()
		if !ev.OK() {
			e = l.Warn().Err(ev.Err)
		}
		if ev.Command != 0 {
			e = e.Str("command", string(ev.Command))
		}
		if ev.Status != "" {
			e = e.Str("status", ev.Status)
		}
		if ev.Command == command.CmdHelp {
			e.Msg("command")
			return
		}
		if ev.Command != 0 && ev.Status != command.TokenBusError && ev.Status != command.TokenFlashError {
			e = e.Str("registers", ev.Registers.Hex()).Stringer("decoded", ev.Registers)
		}
		e.Msg("command")
	}
}
