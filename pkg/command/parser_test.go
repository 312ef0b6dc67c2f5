// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package command

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/clockbox/pkg/si570"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

// feed advances the parser over s and returns every state it reported.
func feed(p *Parser, s string) []State {
	states := make([]State, len(s))
	for i := 0; i < len(s); i++ {
		states[i] = p.Advance(s[i])
	}
	return states
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "AwaitingCommand", AwaitingCommand.String())
	assert.Equal(t, "AccumulatingNibbles", AccumulatingNibbles.String())
	assert.Equal(t, "Complete", Complete.String())
	assert.Equal(t, "Error", Error.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestParser_ConcreteWrite(t *testing.T) {
	var p Parser
	states := feed(&p, "w01 c2,bc818302")

	for i, st := range states[:len(states)-1] {
		assert.Equal(t, AccumulatingNibbles, st, "byte %d", i)
	}
	assert.Equal(t, Complete, states[len(states)-1])

	block, ok := p.Block()
	require.True(t, ok)
	assert.Equal(t, si570.Registers{0x01, 0xC2, 0xBC, 0x81, 0x83, 0x02}, block)
	assert.Equal(t, AwaitingCommand, p.State())
	assert.Equal(t, 0, p.Cursor())

	// One-shot: the block is gone after the next byte.
	p.Advance('x')
	_, ok = p.Block()
	assert.False(t, ok)
}

func TestParser_InvalidByteThenFreshWrite(t *testing.T) {
	var p Parser
	assert.Equal(t, []State{AccumulatingNibbles, Error}, feed(&p, "wZ"))
	assert.Equal(t, AwaitingCommand, p.State())

	assert.Equal(t, AccumulatingNibbles, p.Advance('w'))
	assert.Equal(t, 0, p.Cursor())

	states := feed(&p, "0123456789ab")
	assert.Equal(t, Complete, states[11])
	block, ok := p.Block()
	require.True(t, ok)
	assert.Equal(t, si570.Registers{0x01, 0x23, 0x45, 0x67, 0x89, 0xAB}, block)
}

func TestParser_ErrorMidBlock(t *testing.T) {
	var p Parser
	states := feed(&p, "w01c2\n")
	assert.Equal(t, Error, states[len(states)-1])
	_, ok := p.Block()
	assert.False(t, ok)

	// A new 'w' restarts from the first nibble.
	states = feed(&p, "wAABBCCDDEEFF")
	assert.Equal(t, Complete, states[len(states)-1])
	block, _ := p.Block()
	assert.Equal(t, si570.Registers{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, block)
}

func TestParser_AwaitingIgnoresOtherBytes(t *testing.T) {
	var p Parser
	for _, c := range []byte("irf?x 0\n") {
		assert.Equal(t, AwaitingCommand, p.Advance(c))
	}
	assert.Equal(t, 0, p.Cursor())
}

func TestParser_SeparatorsAndCase(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no separators", "w01c2bc818302"},
		{"spaces", "w 01 c2 bc 81 83 02"},
		{"commas", "w01,c2,bc,81,83,02"},
		{"semicolons", "w;01;c2;bc;81;83;02"},
		{"uppercase", "w01C2BC818302"},
		{"mixed", "w 0 1;C,2 b;C 8,1 8 3 0 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Parser
			states := feed(&p, tt.input)
			assert.Equal(t, Complete, states[len(states)-1])
			block, ok := p.Block()
			require.True(t, ok)
			assert.Equal(t, si570.Registers{0x01, 0xC2, 0xBC, 0x81, 0x83, 0x02}, block)
		})
	}
}

func TestParser_RejectsOtherSeparators(t *testing.T) {
	for _, c := range []byte("\t\r\n:-_xGgwW") {
		var p Parser
		p.Advance('w')
		p.Advance('0')
		assert.Equal(t, Error, p.Advance(c), "byte %q", c)
		assert.Equal(t, AwaitingCommand, p.State())
	}
}

// ============================================================
// Randomized property tests
// ============================================================

func TestFuzzParser_ValidBlocks(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	seps := []byte{' ', ',', ';'}
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		var want si570.Registers
		rng.Read(want[:])

		digits := fmt.Sprintf("%x", want[:])
		if rng.Intn(2) == 1 {
			digits = strings.ToUpper(digits)
		}

		var sb strings.Builder
		sb.WriteByte('w')
		for j := 0; j < len(digits); j++ {
			for k := rng.Intn(3); k > 0; k-- {
				sb.WriteByte(seps[rng.Intn(len(seps))])
			}
			sb.WriteByte(digits[j])
		}
		input := sb.String()

		var p Parser
		completes := 0
		nibbles := 0
		for j := 0; j < len(input); j++ {
			st := p.Advance(input[j])
			if _, ok := hexNibble(input[j]); ok && j > 0 {
				nibbles++
			}
			if st == Complete {
				completes++
				require.Equal(t, 12, nibbles, "input %q", input)
			}
			require.NotEqual(t, Error, st, "input %q", input)
		}
		require.Equal(t, 1, completes, "input %q", input)
		got, ok := p.Block()
		require.True(t, ok)
		require.Equal(t, want, got, "input %q", input)
	}
}

func TestFuzzParser_InvalidByte(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		var bad byte
		for {
			bad = byte(rng.Intn(256))
			if _, ok := hexNibble(bad); !ok && !isSeparator(bad) {
				break
			}
		}

		var p Parser
		p.Advance('w')
		for j := rng.Intn(12); j > 0; j-- {
			p.Advance("0123456789abcdef"[rng.Intn(16)])
		}
		require.Equal(t, Error, p.Advance(bad), "byte 0x%02X", bad)
		require.Equal(t, AwaitingCommand, p.State())

		p.Advance('w')
		require.Equal(t, 0, p.Cursor())
	}
}

func TestFuzzParser_RandomBytes(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		var p Parser
		data := make([]byte, rng.Intn(256)+1)
		rng.Read(data)

		for _, b := range data {
			st := p.Advance(b)
			_, ok := p.Block()
			require.Equal(t, st == Complete, ok)
			require.True(t, p.Cursor() >= 0 && p.Cursor() < 12)
		}
	}
}
