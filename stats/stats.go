// Package stats tracks per-queue packet/byte throughput and logs a rolling
// rate on a fixed cadence, grounded on the teacher's migration package style
// of counting a batch and logging a computed rate with log.Printf rather
// than wiring in a metrics library.
package stats

import (
	"log"
	"time"
)

// Counter accumulates packets and bytes per queue between the flushes
// MaybeLog performs.
type Counter struct {
	packets [2]uint64
	bytes   [2]uint64
	last    time.Time
	window  time.Duration
}

// New returns a Counter that logs at most once per window.
func New(window time.Duration) *Counter {
	return &Counter{window: window}
}

// Add records one processed chain of n bytes on queue idx (0=rx, 1=tx).
func (c *Counter) Add(idx int, n uint64) {
	c.packets[idx]++
	c.bytes[idx] += n
}

// MaybeLog logs the accumulated throughput if at least window has elapsed
// since the last log, then resets the counters. now is supplied by the
// caller (rather than taken via time.Now internally) so callers that need
// deterministic behavior can drive it explicitly; production callers pass
// time.Now().
func (c *Counter) MaybeLog(now time.Time) {
	if c.last.IsZero() {
		c.last = now

		return
	}

	elapsed := now.Sub(c.last)
	if elapsed < c.window {
		return
	}

	rxPps := float64(c.packets[0]) / elapsed.Seconds()
	txPps := float64(c.packets[1]) / elapsed.Seconds()

	log.Printf("stats: rx %.0f pps (%d bytes), tx %.0f pps (%d bytes) over %s",
		rxPps, c.bytes[0], txPps, c.bytes[1], elapsed)

	c.packets = [2]uint64{}
	c.bytes = [2]uint64{}
	c.last = now
}
