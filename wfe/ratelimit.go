// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package wfe

import (
	"sync"
	"time"

	"github.com/jmhodges/clock"
)

// windowLimiter is the Transport Layer's rate-limit gate (spec.md §4.4
// gate 3): a fixed-size window tracking the timestamps of the last size
// POSTs. Once full, a new POST is rejected until the oldest timestamp
// ages out of window. Grounded on spec.md's description directly; no
// teacher file implements this (boulder's production rate limiting lives
// in a separate `ratelimit` package keyed by Redis, out of scope per
// spec.md §1's "production-grade rate limiting" non-goal — this is the
// small, in-memory substitute the spec itself describes).
type windowLimiter struct {
	mu     sync.Mutex
	clk    clock.Clock
	size   int
	window time.Duration
	stamps []time.Time
}

func newWindowLimiter(clk clock.Clock, size int, window time.Duration) *windowLimiter {
	return &windowLimiter{clk: clk, size: size, window: window}
}

// allow reports whether a POST at the current time falls within the
// limit and, if so, records it. If not, it also returns the number of whole
// seconds until the oldest slot exits the window.
func (l *windowLimiter) allow() (ok bool, retryAfter int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	cutoff := now.Add(-l.window)
	kept := l.stamps[:0]
	for _, s := range l.stamps {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	l.stamps = kept

	if len(l.stamps) >= l.size {
		oldest := l.stamps[0]
		wait := oldest.Add(l.window).Sub(now)
		secs := int(wait.Seconds())
		if secs < 1 {
			secs = 1
		}
		return false, secs
	}

	l.stamps = append(l.stamps, now)
	return true, 0
}
