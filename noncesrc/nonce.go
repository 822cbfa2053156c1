// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package noncesrc is the Nonce Source (spec.md §4.1): a monotonically
// increasing, decimal-string nonce generator with a bounded window of
// accepted-but-unused values, rejecting malformed, replayed and stale
// tokens. Grounded on boulder's core.NonceService, whose production body
// was not retrieved in the example pack — its API and algorithm are
// reconstructed from core/nonce_test.go, the only surviving artifact
// (NewNonceService, ns.Nonce(), ns.Valid(n), internal latest/maxUsed
// fields exercised directly by the tests).
package noncesrc

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/jmhodges/clock"
)

const defaultMaxUsed = 1024

// Service issues and validates single-use nonces.
type Service struct {
	mu      sync.Mutex
	clk     clock.Clock
	latest  int64 // counter: the highest nonce ever issued
	min     int64 // the oldest value still eligible for acceptance
	used    []int64
	maxUsed int
}

// New constructs a Service with the default used-window size, starting
// the counter at start.
func New(clk clock.Clock, start int64) *Service {
	return &Service{clk: clk, latest: start, min: start, maxUsed: defaultMaxUsed}
}

// NewSized constructs a Service with an explicit used-window size, for
// tests that need to exercise eviction without issuing thousands of
// nonces.
func NewSized(clk clock.Clock, start int64, maxUsed int) *Service {
	return &Service{clk: clk, latest: start, min: start, maxUsed: maxUsed}
}

// Nonce issues a fresh nonce: the decimal string of the next counter
// value.
func (s *Service) Nonce() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest++
	return strconv.FormatInt(s.latest, 10), nil
}

// Valid reports whether s is an acceptable, unused nonce and, if so,
// consumes it so it cannot be accepted again (spec.md §4.1, §8 property
// 2: nonce exactly-once). s must be all-digits, satisfy
// min < value <= counter, and not already appear in the used window.
// Once the used window is full, accepting a value evicts the oldest used
// value, which becomes the new min.
func (s *Service) Valid(raw string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := parseDecimal(raw)
	if err != nil {
		return false
	}
	if value <= s.min || value > s.latest {
		return false
	}
	for _, u := range s.used {
		if u == value {
			return false
		}
	}

	if s.maxUsed > 0 && len(s.used) >= s.maxUsed {
		s.min = s.used[0]
		s.used = s.used[1:]
	}
	s.used = append(s.used, value)
	return true
}

func parseDecimal(raw string) (int64, error) {
	if raw == "" {
		return 0, fmt.Errorf("empty nonce")
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("nonce %q is not all-digits", raw)
		}
	}
	return strconv.ParseInt(raw, 10, 64)
}
