// SPDX-License-Identifier: GPL-3.0-or-later

// Package dispatch implements the Query Dispatcher and Response
// Correlator: a rolling 16-bit transaction id allocator backed by a
// small open-addressed occupancy table (never a general map, per the
// design note this carries forward from SPEC_FULL.md §9/§4.4), plus the
// bookkeeping that matches an inbound DNS response back to the outbound
// query — and therefore the QUIC path and datagram — that caused it.
package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/bassosimone/runtimex"
)

// ErrTableFull is returned by [*Dispatcher.Allocate] when every slot in
// the occupancy table is in use.
var ErrTableFull = errors.New("dispatch: txid table full")

// ErrTxidUnknown is returned when a response's transaction id does not
// match any outstanding query.
var ErrTxidUnknown = errors.New("dispatch: unknown or already-correlated txid")

// entry is one slot of the occupancy table.
type entry struct {
	used   bool
	txid   uint16
	pathID uint64
	sentAt time.Time
}

// Dispatcher allocates transaction ids for outbound queries and
// correlates inbound responses back to the path that sent the query.
//
// Construct using [NewDispatcher]. Capacity must be a power of two;
// [NewDispatcher] rounds up if it is not.
type Dispatcher struct {
	mu      sync.Mutex
	counter uint16
	table   []entry
	mask    uint16
}

// NewDispatcher creates a [*Dispatcher] with room for capacity
// concurrently outstanding queries.
func NewDispatcher(capacity int) *Dispatcher {
	size := nextPowerOfTwo(capacity)
	runtimex.Assert(size > 0 && size&(size-1) == 0)
	return &Dispatcher{
		table: make([]entry, size),
		mask:  uint16(size - 1),
	}
}

func nextPowerOfTwo(n int) int {
	if n < 1 {
		n = 1
	}
	size := 1
	for size < n {
		size <<= 1
	}
	return size
}

// Allocate reserves a fresh transaction id for a query about to be sent
// on pathID. It probes linearly from the rolling counter until it finds
// a free slot, wrapping the 16-bit counter as needed; it gives up after
// trying every slot once.
func (d *Dispatcher) Allocate(pathID uint64) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	attempts := len(d.table)
	for i := 0; i < attempts; i++ {
		candidate := d.counter
		idx := candidate & d.mask
		d.counter++
		if !d.table[idx].used {
			d.table[idx] = entry{used: true, txid: candidate, pathID: pathID, sentAt: time.Now()}
			return candidate, nil
		}
	}
	return 0, ErrTableFull
}

// Release frees a previously allocated transaction id, whether or not it
// was ever correlated with a response. It reports false if txid was not
// outstanding.
func (d *Dispatcher) Release(txid uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := txid & d.mask
	if d.table[idx].used && d.table[idx].txid == txid {
		d.table[idx] = entry{}
		return true
	}
	return false
}

// Lookup returns the path id and send time associated with an
// outstanding txid without releasing it.
func (d *Dispatcher) Lookup(txid uint16) (pathID uint64, sentAt time.Time, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := txid & d.mask
	e := d.table[idx]
	if e.used && e.txid == txid {
		return e.pathID, e.sentAt, true
	}
	return 0, time.Time{}, false
}

// Correlate releases txid and returns the path id that sent it, for use
// when a response arrives. It returns [ErrTxidUnknown] if txid is not
// outstanding (already correlated, expired, or never allocated).
func (d *Dispatcher) Correlate(txid uint16) (pathID uint64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := txid & d.mask
	e := d.table[idx]
	if !e.used || e.txid != txid {
		return 0, ErrTxidUnknown
	}
	d.table[idx] = entry{}
	return e.pathID, nil
}

// ExpireOlderThan releases every outstanding txid sent before the cutoff
// and returns them, grouped by path id counts, so callers (the polling
// scheduler) can decrement per-path inflight counters.
func (d *Dispatcher) ExpireOlderThan(cutoff time.Time) map[uint64]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	expired := make(map[uint64]int64)
	for i := range d.table {
		e := d.table[i]
		if e.used && e.sentAt.Before(cutoff) {
			expired[e.pathID]++
			d.table[i] = entry{}
		}
	}
	return expired
}

// Outstanding returns the number of currently allocated transaction ids.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, e := range d.table {
		if e.used {
			n++
		}
	}
	return n
}
