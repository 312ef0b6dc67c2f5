// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package monitor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"github.com/Thermoquad/clockbox/pkg/client"
	"github.com/Thermoquad/clockbox/pkg/command"
	"github.com/Thermoquad/clockbox/pkg/si570"
)

var sample = si570.Registers{0x01, 0xC2, 0xBC, 0x81, 0x83, 0x02}

func anomalyTypes(errs []ValidationError) []AnomalyType {
	var out []AnomalyType
	for _, e := range errs {
		out = append(out, e.Type)
	}
	return out
}

func TestValidate(t *testing.T) {
	fxtal, err := sample.FXtal(156250 * physic.KiloHertz)
	require.NoError(t, err)

	tests := []struct {
		name  string
		regs  si570.Registers
		fxtal physic.Frequency
		want  []AnomalyType
	}{
		{"valid", sample, 0, nil},
		{"valid with crystal", sample, fxtal, nil},
		{"illegal N1", si570.Registers{0x00, 0x80, 0x01, 0, 0, 0}, 0, []AnomalyType{AnomalyIllegalN1}},
		{"reserved HS_DIV and zero RFFREQ", si570.Registers{0x80, 0, 0, 0, 0, 0}, fxtal,
			[]AnomalyType{AnomalyReservedHSDiv, AnomalyZeroRFFreq}},
		{"DCO too high", sample, 200 * physic.MegaHertz, []AnomalyType{AnomalyDCORange}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, anomalyTypes(Validate(tt.regs, tt.fxtal)))
		})
	}
}

func TestCompareStored(t *testing.T) {
	assert.Empty(t, CompareStored(sample, sample))

	other := sample
	other[5] = 0x03
	errs := CompareStored(sample, other)
	require.Len(t, errs, 1)
	assert.Equal(t, AnomalyDrift, errs[0].Type)
	assert.Contains(t, errs[0].Error(), "01 c2 bc 81 83 03")
}

type stubDevice struct {
	live, stored si570.Registers
	readErr      error
	flashErr     error
	flashCalls   int
}

func (d *stubDevice) Read(context.Context) (si570.Registers, error) {
	return d.live, d.readErr
}

func (d *stubDevice) Flash(context.Context) (si570.Registers, error) {
	d.flashCalls++
	return d.stored, d.flashErr
}

func TestPoller(t *testing.T) {
	t.Run("live only", func(t *testing.T) {
		dev := &stubDevice{live: sample}
		s := NewPoller(dev).Poll(context.Background())
		assert.True(t, s.OK())
		assert.Equal(t, sample, s.Live)
		assert.False(t, s.HasStored)
		assert.Zero(t, dev.flashCalls)
	})

	t.Run("drift against flash", func(t *testing.T) {
		stored := sample
		stored[0] = 0x21
		dev := &stubDevice{live: sample, stored: stored}
		s := NewPoller(dev, WithFlashCompare()).Poll(context.Background())
		assert.False(t, s.OK())
		assert.True(t, s.HasStored)
		assert.Equal(t, []AnomalyType{AnomalyDrift}, anomalyTypes(s.Errors))
	})

	t.Run("read failure skips flash", func(t *testing.T) {
		dev := &stubDevice{readErr: client.ErrTimeout}
		s := NewPoller(dev, WithFlashCompare()).Poll(context.Background())
		assert.ErrorIs(t, s.Err, client.ErrTimeout)
		assert.Zero(t, dev.flashCalls)
	})

	t.Run("crystal check", func(t *testing.T) {
		dev := &stubDevice{live: sample}
		s := NewPoller(dev, WithCrystal(200*physic.MegaHertz)).Poll(context.Background())
		assert.Equal(t, []AnomalyType{AnomalyDCORange}, anomalyTypes(s.Errors))
	})
}

func TestStatistics_Update(t *testing.T) {
	stats := NewStatistics()

	stats.Update(Sample{Live: sample})
	stats.Update(Sample{Err: &client.ResponseError{Command: command.CmdRead, Status: command.TokenBusError}})
	stats.Update(Sample{Err: &client.ResponseError{Command: command.CmdFlash, Status: command.TokenFlashError}})
	stats.Update(Sample{Err: client.ErrTimeout})
	stats.Update(Sample{Err: errors.New("broken pipe")})
	stats.Update(Sample{Errors: []ValidationError{{Type: AnomalyDrift}, {Type: AnomalyIllegalN1}}})

	assert.Equal(t, uint64(6), stats.TotalPolls)
	assert.Equal(t, uint64(1), stats.ValidPolls)
	assert.Equal(t, uint64(1), stats.BusErrors)
	assert.Equal(t, uint64(1), stats.FlashErrors)
	assert.Equal(t, uint64(1), stats.Timeouts)
	assert.Equal(t, uint64(1), stats.LinkErrors)
	assert.Equal(t, uint64(2), stats.Anomalies)
	assert.Equal(t, uint64(1), stats.Drift)
	assert.Equal(t, uint64(1), stats.IllegalN1)
	assert.Equal(t, uint64(6), stats.Errors())

	out := stats.String()
	assert.Contains(t, out, "Total Polls:            6")
	assert.Contains(t, out, "Bus Errors:")
	assert.Contains(t, out, "Flash Drift:")
	assert.NotContains(t, out, "DCO Range:")

	stats.Reset()
	assert.Zero(t, stats.TotalPolls)
	assert.Zero(t, stats.Errors())
}
