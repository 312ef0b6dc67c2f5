// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/Thermoquad/clockbox/pkg/client"
)

// Statistics tracks poll outcomes and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalPolls    uint64
	ValidPolls    uint64
	BusErrors     uint64
	FlashErrors   uint64
	Timeouts      uint64
	LinkErrors    uint64
	Anomalies     uint64
	ReservedHSDiv uint64
	IllegalN1     uint64
	ZeroRFFreq    uint64
	DCORange      uint64
	Drift         uint64

	// Rates (calculated)
	PollRate  float64 // polls/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Errors returns the number of failed polls plus anomalies.
func (s *Statistics) Errors() uint64 {
	return s.BusErrors + s.FlashErrors + s.Timeouts + s.LinkErrors + s.Anomalies
}

// Update updates statistics based on a poll sample
func (s *Statistics) Update(sample Sample) {
	s.TotalPolls++
	s.LastUpdateTime = time.Now()

	if sample.Err != nil {
		switch {
		case errors.Is(sample.Err, client.ErrBus):
			s.BusErrors++
		case errors.Is(sample.Err, client.ErrFlash):
			s.FlashErrors++
		case errors.Is(sample.Err, client.ErrTimeout):
			s.Timeouts++
		default:
			s.LinkErrors++
		}
		return
	}

	if len(sample.Errors) == 0 {
		s.ValidPolls++
		return
	}
	for _, err := range sample.Errors {
		s.Anomalies++
		switch err.Type {
		case AnomalyReservedHSDiv:
			s.ReservedHSDiv++
		case AnomalyIllegalN1:
			s.IllegalN1++
		case AnomalyZeroRFFreq:
			s.ZeroRFFreq++
		case AnomalyDCORange:
			s.DCORange++
		case AnomalyDrift:
			s.Drift++
		}
	}
}

// CalculateRates calculates poll and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.PollRate = float64(s.TotalPolls) / elapsed
		s.ErrorRate = float64(s.Errors()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	percent := func(n uint64) float64 {
		if s.TotalPolls == 0 {
			return 0
		}
		return float64(n) * 100.0 / float64(s.TotalPolls)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Polls:     %8d\n", s.TotalPolls)
	result += fmt.Sprintf("Valid Polls:     %8d (%.1f%%)\n", s.ValidPolls, percent(s.ValidPolls))

	if s.BusErrors > 0 {
		result += fmt.Sprintf("Bus Errors:      %8d (%.1f%%)\n", s.BusErrors, percent(s.BusErrors))
	}
	if s.FlashErrors > 0 {
		result += fmt.Sprintf("Flash Errors:    %8d (%.1f%%)\n", s.FlashErrors, percent(s.FlashErrors))
	}
	if s.Timeouts > 0 {
		result += fmt.Sprintf("Timeouts:        %8d (%.1f%%)\n", s.Timeouts, percent(s.Timeouts))
	}
	if s.LinkErrors > 0 {
		result += fmt.Sprintf("Link Errors:     %8d (%.1f%%)\n", s.LinkErrors, percent(s.LinkErrors))
	}
	if s.Anomalies > 0 {
		result += fmt.Sprintf("Anomalies:       %8d\n", s.Anomalies)
		if s.ReservedHSDiv > 0 {
			result += fmt.Sprintf("  Reserved HS_DIV: %5d\n", s.ReservedHSDiv)
		}
		if s.IllegalN1 > 0 {
			result += fmt.Sprintf("  Illegal N1:      %5d\n", s.IllegalN1)
		}
		if s.ZeroRFFreq > 0 {
			result += fmt.Sprintf("  Zero RFFREQ:     %5d\n", s.ZeroRFFreq)
		}
		if s.DCORange > 0 {
			result += fmt.Sprintf("  DCO Range:       %5d\n", s.DCORange)
		}
		if s.Drift > 0 {
			result += fmt.Sprintf("  Flash Drift:     %5d\n", s.Drift)
		}
	}

	result += fmt.Sprintf("Poll Rate:       %8.1f polls/sec\n", s.PollRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
