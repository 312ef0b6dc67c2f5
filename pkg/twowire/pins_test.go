// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package twowire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func TestPinLines(t *testing.T) {
	sda := &gpiotest.Pin{N: "SDA", Num: 2, L: gpio.Low}
	scl := &gpiotest.Pin{N: "SCL", Num: 3, L: gpio.Low}

	lines, err := NewPinLines(sda, scl)
	require.NoError(t, err)

	// Construction idles the bus
	assert.Equal(t, gpio.High, sda.L)
	assert.Equal(t, gpio.PullUp, sda.P)
	assert.Equal(t, gpio.High, scl.L)
	assert.True(t, lines.SDA())

	lines.SetSDA(false)
	assert.Equal(t, gpio.Low, sda.L)
	assert.False(t, lines.SDA())

	lines.SetSDA(true)
	assert.Equal(t, gpio.High, sda.L)

	lines.SetSCL(false)
	assert.Equal(t, gpio.Low, scl.L)

	assert.NoError(t, lines.Err())
}

func TestPinLines_RequiresBothPins(t *testing.T) {
	_, err := NewPinLines(nil, &gpiotest.Pin{N: "SCL"})
	assert.Error(t, err)
}

func TestPinLines_DrivesBusTransaction(t *testing.T) {
	sda := &gpiotest.Pin{N: "SDA", Num: 2}
	scl := &gpiotest.Pin{N: "SCL", Num: 3}
	lines, err := NewPinLines(sda, scl)
	require.NoError(t, err)

	bus := New(lines, WithDelay(NoDelay))
	// Nothing pulls the line low on a fake pin, so no acknowledgment
	err = bus.WriteRegister(testAddr, 137, 0x10)
	assert.True(t, IsNack(err))
	assert.Equal(t, gpio.High, sda.L)
	assert.Equal(t, gpio.High, scl.L)
}
