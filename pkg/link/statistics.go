// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Counters is a point-in-time copy of link statistics
type Counters struct {
	TotalPackets    uint64 `json:"total_packets"`
	ValidPackets    uint64 `json:"valid_packets"`
	Malformed       uint64 `json:"malformed"`
	UnknownKind     uint64 `json:"unknown_kind"`
	AuthFailed      uint64 `json:"auth_failed"`
	VersionMismatch uint64 `json:"version_mismatch"`

	// Rejected counts packets that decoded but were refused by the session layer
	Rejected uint64 `json:"rejected"`

	// Rates (calculated)
	PacketRate float64 `json:"packet_rate"` // packets/sec
	ErrorRate  float64 `json:"error_rate"`  // errors/sec
}

// Errors returns the total number of decode failures
func (c Counters) Errors() uint64 {
	return c.Malformed + c.UnknownKind + c.AuthFailed + c.VersionMismatch
}

// Statistics tracks packet statistics and error rates.
// It is safe for concurrent use.
type Statistics struct {
	mu        sync.Mutex
	startTime time.Time
	c         Counters
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

// Update records the outcome of decoding one frame
func (s *Statistics) Update(decodeErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.c.TotalPackets++
	switch {
	case decodeErr == nil:
		s.c.ValidPackets++
	case errors.Is(decodeErr, ErrAuthFailed):
		s.c.AuthFailed++
	case errors.Is(decodeErr, ErrVersionMismatch):
		s.c.VersionMismatch++
	case errors.Is(decodeErr, ErrUnknownKind):
		s.c.UnknownKind++
	default:
		s.c.Malformed++
	}
}

// Reject records a decoded packet refused by the session layer
func (s *Statistics) Reject() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Rejected++
}

// Counters returns a copy of the counters with rates calculated
func (s *Statistics) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.c
	if elapsed := time.Since(s.startTime).Seconds(); elapsed > 0 {
		c.PacketRate = float64(c.TotalPackets) / elapsed
		c.ErrorRate = float64(c.Errors()) / elapsed
	}
	return c
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	c := s.Counters()

	pct := func(n uint64) float64 {
		if c.TotalPackets == 0 {
			return 0
		}
		return float64(n) * 100.0 / float64(c.TotalPackets)
	}

	s.mu.Lock()
	elapsed := time.Since(s.startTime)
	s.mu.Unlock()

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Packets:   %8d\n", c.TotalPackets)
	result += fmt.Sprintf("Valid Packets:   %8d (%.1f%%)\n", c.ValidPackets, pct(c.ValidPackets))

	if c.Malformed > 0 {
		result += fmt.Sprintf("Malformed:       %8d (%.1f%%)\n", c.Malformed, pct(c.Malformed))
	}
	if c.AuthFailed > 0 {
		result += fmt.Sprintf("Auth Failures:   %8d (%.1f%%)\n", c.AuthFailed, pct(c.AuthFailed))
	}
	if c.VersionMismatch > 0 {
		result += fmt.Sprintf("Version Errors:  %8d (%.1f%%)\n", c.VersionMismatch, pct(c.VersionMismatch))
	}
	if c.UnknownKind > 0 {
		result += fmt.Sprintf("Unknown Kinds:   %8d (%.1f%%)\n", c.UnknownKind, pct(c.UnknownKind))
	}
	if c.Rejected > 0 {
		result += fmt.Sprintf("Rejected:        %8d\n", c.Rejected)
	}

	result += fmt.Sprintf("Packet Rate:     %8.1f pkts/sec\n", c.PacketRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", c.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startTime = time.Now()
	s.c = Counters{}
}
