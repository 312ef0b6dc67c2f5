// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package command

import "github.com/Thermoquad/clockbox/pkg/si570"

// Single-character commands
const (
	CmdInfo  = 'i'
	CmdRead  = 'r'
	CmdFlash = 'f'
	CmdWrite = 'w'
	CmdHelp  = '?'
)

// Status tokens
const (
	TokenConfigDone = "config_done"
	TokenBusError   = "i2c_err"
	TokenInputError = "inp_err"
	// TokenFlashError is only produced when the store detects a corrupt
	// image, which requires the checksum extension.
	TokenFlashError = "flash_err"
)

// HelpText is the response to '?'.
const HelpText = "\n----------------------------------" +
	"\n clockbox Si570 configurator" +
	"\n----------------------------------" +
	"\ni = show Si570 power-up values" +
	"\nf = show flash values" +
	"\nr = read current values" +
	"\nw = write values ('w 01 c2 ...')\n\n"

// formatBlock renders "<tag> <hex pairs>[ <status>]\n".
func formatBlock(tag byte, r si570.Registers, status string) []byte {
	out := make([]byte, 0, 2+3*si570.BlockSize+len(status)+1)
	out = append(out, tag, ' ')
	out = append(out, r.Hex()...)
	if status != "" {
		out = append(out, ' ')
		out = append(out, status...)
	}
	return append(out, '\n')
}

// formatStatus renders "<tag> <status>\n".
func formatStatus(tag byte, status string) []byte {
	return append([]byte{tag, ' '}, status+"\n"...)
}

func formatInputError() []byte {
	return []byte(TokenInputError + "\n")
}
