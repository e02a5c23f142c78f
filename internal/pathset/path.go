// SPDX-License-Identifier: GPL-3.0-or-later

// Package pathset implements the Resolver Path Set: the ordered
// collection of DNS resolver endpoints a Slipstream client polls, each
// tagged recursive or authoritative and carrying its own inflight, byte
// and RTT state.
package pathset

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// Kind distinguishes a recursive resolver path from an authoritative one.
type Kind int

const (
	// KindRecursive is a normal caching/forwarding resolver.
	KindRecursive Kind = iota + 1
	// KindAuthoritative is the tunnel's own authoritative server, queried
	// directly.
	KindAuthoritative
)

func (k Kind) String() string {
	switch k {
	case KindRecursive:
		return "recursive"
	case KindAuthoritative:
		return "authoritative"
	default:
		return "unknown"
	}
}

// ErrDuplicateAddr is returned by [*PathSet.Add] when addr already has a
// path, matching original_source's resolve_resolvers rejection of
// duplicate resolver addresses.
var ErrDuplicateAddr = errors.New("pathset: duplicate resolver address")

// ErrNotFound is returned when a path lookup fails.
var ErrNotFound = errors.New("pathset: path not found")

// Path is one Resolver Path: an endpoint, its kind, and the live stats
// the polling scheduler (internal/pacer) reads and updates.
type Path struct {
	ID   uint64
	Addr netip.AddrPort
	Kind Kind
	Added time.Time

	// inflightPolls counts polls sent but not yet answered or expired.
	inflightPolls atomic.Int64
	// pendingPolls counts polls queued but not yet sent.
	pendingPolls atomic.Int64
	// probeAttempts counts consecutive probe failures, used to back off
	// reprobing a path that looks dead.
	probeAttempts atomic.Int64
	// bytesSent/bytesRecv are running totals for the debug surface.
	bytesSent atomic.Uint64
	bytesRecv atomic.Uint64

	mu          sync.Mutex
	lastRTT     time.Duration
	nextProbeAt time.Time
}

// InflightPolls returns the number of polls currently outstanding on
// this path.
func (p *Path) InflightPolls() int64 { return p.inflightPolls.Load() }

// IncInflightPolls adjusts the inflight poll counter by delta.
func (p *Path) IncInflightPolls(delta int64) { p.inflightPolls.Add(delta) }

// PendingPolls returns the number of polls queued but not yet sent.
func (p *Path) PendingPolls() int64 { return p.pendingPolls.Load() }

// IncPendingPolls adjusts the pending poll counter by delta.
func (p *Path) IncPendingPolls(delta int64) { p.pendingPolls.Add(delta) }

// RecordSent records bytesSent of a query sent over this path.
func (p *Path) RecordSent(n int) { p.bytesSent.Add(uint64(n)) }

// RecordReceived records bytesRecv of a response received over this path.
func (p *Path) RecordReceived(n int) { p.bytesRecv.Add(uint64(n)) }

// Stats returns a snapshot of the byte counters.
func (p *Path) Stats() (sent, recv uint64) {
	return p.bytesSent.Load(), p.bytesRecv.Load()
}

// UpdateRTT records a fresh round-trip-time sample.
func (p *Path) UpdateRTT(rtt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastRTT = rtt
}

// RTT returns the most recent round-trip-time sample.
func (p *Path) RTT() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRTT
}

// MarkProbeFailure increments the consecutive-probe-failure counter and
// schedules the next probe attempt with a linear backoff of one second
// per consecutive failure, capped at one minute.
func (p *Path) MarkProbeFailure(now time.Time) {
	attempts := p.probeAttempts.Add(1)
	backoff := time.Duration(attempts) * time.Second
	if backoff > time.Minute {
		backoff = time.Minute
	}
	p.mu.Lock()
	p.nextProbeAt = now.Add(backoff)
	p.mu.Unlock()
}

// ShouldProbe reports whether enough time has passed to retry a path
// that previously failed probing.
func (p *Path) ShouldProbe(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !now.Before(p.nextProbeAt)
}

// Reset clears a path's transient state, matching
// original_source/crates/slipstream-client/src/dns/resolver.rs's
// reset_resolver_path.
func (p *Path) Reset() {
	p.inflightPolls.Store(0)
	p.pendingPolls.Store(0)
	p.probeAttempts.Store(0)
	p.mu.Lock()
	p.lastRTT = 0
	p.nextProbeAt = time.Time{}
	p.mu.Unlock()
}

// PathSet is the ordered collection of resolver paths a client polls.
//
// Construct using [NewPathSet].
type PathSet struct {
	mu     sync.RWMutex
	paths  []*Path
	byAddr map[netip.AddrPort]*Path
	nextID uint64
}

// NewPathSet creates an empty [*PathSet].
func NewPathSet() *PathSet {
	return &PathSet{byAddr: make(map[netip.AddrPort]*Path)}
}

// Add registers a new resolver path, preserving the order paths were
// added in (order matters for the tie-break rules in
// SPEC_FULL.md §4.3). It rejects an addr already present.
func (ps *PathSet) Add(addr netip.AddrPort, kind Kind) (*Path, error) {
	addr = NormalizeDualStackAddr(addr)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, exists := ps.byAddr[addr]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAddr, addr)
	}

	ps.nextID++
	p := &Path{ID: ps.nextID, Addr: addr, Kind: kind, Added: time.Now()}
	ps.paths = append(ps.paths, p)
	ps.byAddr[addr] = p
	return p, nil
}

// Remove drops a path from the set by id.
func (ps *PathSet) Remove(id uint64) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for i, p := range ps.paths {
		if p.ID == id {
			ps.paths = append(ps.paths[:i], ps.paths[i+1:]...)
			delete(ps.byAddr, p.Addr)
			return nil
		}
	}
	return ErrNotFound
}

// ByAddr looks up a path by its resolver endpoint.
func (ps *PathSet) ByAddr(addr netip.AddrPort) (*Path, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.byAddr[NormalizeDualStackAddr(addr)]
	return p, ok
}

// ByID looks up a path by id.
func (ps *PathSet) ByID(id uint64) (*Path, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	for _, p := range ps.paths {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// All returns a snapshot slice of every path, in the order they were
// added.
func (ps *PathSet) All() []*Path {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]*Path, len(ps.paths))
	copy(out, ps.paths)
	return out
}

// NormalizeDualStackAddr unwraps an IPv4-mapped IPv6 address to its plain
// IPv4 form, so the same resolver reached via a dual-stack socket is
// never registered twice under different representations. Ported from
// original_source's normalize_dual_stack_addr.
func NormalizeDualStackAddr(addr netip.AddrPort) netip.AddrPort {
	ip := addr.Addr()
	if ip.Is4In6() {
		return netip.AddrPortFrom(ip.Unmap(), addr.Port())
	}
	return addr
}
