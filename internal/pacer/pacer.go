// SPDX-License-Identifier: GPL-3.0-or-later

// Package pacer implements the Polling Scheduler: it turns a QUIC path's
// pacing rate and congestion window into a DNS query issuance rate, and
// decides when to send an empty poll versus let a data-bearing query
// stand in for one.
//
// The backoff/reset timer logic is modeled on
// other_examples/irannetdrifter-dnstt-fast__dns.go's sendLoop; the
// inflight-poll expiry and authoritative-mode aggressiveness multiplier
// are modeled on original_source/crates/slipstream-client/src/dns/poll.rs
// and runtime_tquic/path.rs.
package pacer

import (
	"math"
	"time"

	"github.com/slipstream-tunnel/slipstream/internal/pathset"
)

// Timing constants for the empty-poll timer, ported from dnstt's sendLoop
// (initPollDelay, maxPollDelay, pollDelayMultiplier).
const (
	InitialPollDelay   = 20 * time.Millisecond
	MaxPollDelay       = 500 * time.Millisecond
	PollDelayMultiplier = 1.3
)

// AuthoritativePollTimeout is how long an authoritative-mode poll stays
// inflight before it is considered lost, ported from
// original_source's AUTHORITATIVE_POLL_TIMEOUT_US (5s).
const AuthoritativePollTimeout = 5 * time.Second

// RecursivePollTimeout is the equivalent timeout for recursive-mode
// polls, which must tolerate an extra hop of caching/forwarding latency.
const RecursivePollTimeout = 8 * time.Second

// AuthoritativeLoopMultiplier scales up the per-loop poll burst when
// talking directly to the authoritative server, since there is no
// recursive resolver absorbing bursts, ported from
// original_source's AUTHORITATIVE_LOOP_MULTIPLIER.
const AuthoritativeLoopMultiplier = 4

// HardCap bounds the number of queries a recursive path may have
// outstanding at once, ported from original_source's
// runtime_tquic/path.rs path_poll_burst_max (the `64usize` literal
// before path_loop_multiplier is applied). An authoritative path's cap
// is HardCap*AuthoritativeLoopMultiplier, matching that same function.
const HardCap = 64

// Scheduler decides, for each path, how many queries to issue and when.
//
// Construct using [NewScheduler].
type Scheduler struct {
	// FragmentOverhead multiplies the per-query payload budget in the
	// authoritative-mode QPS formula, absorbing the extra queries
	// fragmentation (internal/wire) introduces. Defaults to 1.0.
	FragmentOverhead float64
}

// NewScheduler creates a [*Scheduler] with the default fragment overhead.
func NewScheduler() *Scheduler {
	return &Scheduler{FragmentOverhead: 1.0}
}

// hardCapFor returns the hard cap on concurrently outstanding queries for
// kind, scaling up for authoritative paths the same way
// AuthoritativeLoopMultiplier scales the empty-poll burst.
func hardCapFor(kind pathset.Kind) int64 {
	if kind == pathset.KindAuthoritative {
		return HardCap * AuthoritativeLoopMultiplier
	}
	return HardCap
}

// congestionWindowBudget implements the recursive-mode formula:
// min(congestion_window / B, hard_cap). Also used as the authoritative
// fallback when the pacing rate isn't available yet.
func congestionWindowBudget(cwnd uint64, payloadBudget int, hardCap int64) int64 {
	if payloadBudget <= 0 {
		return 0
	}
	budget := int64(cwnd) / int64(payloadBudget)
	if budget < 1 {
		budget = 1
	}
	if budget > hardCap {
		budget = hardCap
	}
	return budget
}

// InflightBudget returns the maximum number of queries this path may
// have outstanding at once, following SPEC_FULL.md §4.3 verbatim:
//
//   - recursive: budget = min(congestion_window / B, hard_cap).
//   - authoritative: target_qps = pacing_rate_bps / (8 * B_eff), clamped
//     to [1, hard_cap]; budget = ceil(target_qps * smoothed_rtt).
//     B_eff = B * FragmentOverhead, so a larger overhead lowers the
//     query rate and the budget. Falls back to the congestion-window
//     formula above when the pacing rate is unavailable or zero — the
//     spec's fallback runs authoritative-mode's pacing-rate formula into
//     the congestion-window one, not the other way around.
func (s *Scheduler) InflightBudget(kind pathset.Kind, pacingRateBps, cwnd uint64, smoothedRTT time.Duration, payloadBudget int) int64 {
	if payloadBudget <= 0 {
		return 0
	}
	hardCap := hardCapFor(kind)

	if kind == pathset.KindAuthoritative && pacingRateBps > 0 {
		overhead := s.FragmentOverhead
		if overhead <= 0 {
			overhead = 1.0
		}
		effectiveBudget := float64(payloadBudget) * overhead
		qps := float64(pacingRateBps) / (8 * effectiveBudget)
		if qps < 1 {
			qps = 1
		}
		if qps > float64(hardCap) {
			qps = float64(hardCap)
		}
		budget := int64(math.Ceil(qps * smoothedRTT.Seconds()))
		if budget < 1 {
			budget = 1
		}
		if budget > hardCap {
			budget = hardCap
		}
		return budget
	}

	return congestionWindowBudget(cwnd, payloadBudget, hardCap)
}

// PollTimeout returns the inflight-poll expiry timeout for a path kind.
func PollTimeout(kind pathset.Kind) time.Duration {
	if kind == pathset.KindAuthoritative {
		return AuthoritativePollTimeout
	}
	return RecursivePollTimeout
}

// NextPollDelay computes the next empty-poll timer delay, backing off
// exponentially from the previous delay, capped at MaxPollDelay. Pass 0
// as prev to get the initial delay. After a real send, callers reset
// their delay to 0 so the next call returns the initial value again.
func NextPollDelay(prev time.Duration) time.Duration {
	if prev <= 0 {
		return InitialPollDelay
	}
	next := time.Duration(float64(prev) * PollDelayMultiplier)
	if next > MaxPollDelay {
		next = MaxPollDelay
	}
	return next
}

// PickPath selects the best path to send the next query on, per
// SPEC_FULL.md §4.3's cross-path tie-break: "Paths are ranked by (kind
// priority, inflight/budget ratio); authoritative paths are preferred
// for data-bearing queries when both are usable; recursive paths absorb
// empty polls more aggressively." budgets supplies each path's current
// [*Scheduler.InflightBudget], keyed by [pathset.Path.ID]. forData
// selects which kind gets priority. Ties in priority are broken by the
// lower inflight/budget ratio; ties in both are broken by paths' order
// in the slice, which callers pass in add order to get the spec's
// "within a path, FIFO by readiness timestamp" behavior across paths of
// equal standing.
func PickPath(paths []*pathset.Path, budgets map[uint64]int64, forData bool) *pathset.Path {
	var best *pathset.Path
	var bestPriority int
	var bestRatio float64
	for _, p := range paths {
		priority := kindPriority(p.Kind, forData)
		ratio := inflightRatio(p, budgets[p.ID])
		if best == nil || priority > bestPriority || (priority == bestPriority && ratio < bestRatio) {
			best, bestPriority, bestRatio = p, priority, ratio
		}
	}
	return best
}

// kindPriority ranks a path's kind for the given query purpose:
// authoritative paths rank highest for data-bearing queries, recursive
// paths rank highest for empty polls.
func kindPriority(kind pathset.Kind, forData bool) int {
	if forData == (kind == pathset.KindAuthoritative) {
		return 2
	}
	return 1
}

// inflightRatio returns p's current load relative to budget. A
// non-positive budget (no pacing signal yet) ranks last.
func inflightRatio(p *pathset.Path, budget int64) float64 {
	if budget <= 0 {
		return math.Inf(1)
	}
	return float64(p.InflightPolls()) / float64(budget)
}

// ExpireInflightPolls decrements path's inflight poll counter by
// expiredCount, the number of its polls the caller found timed out. Since
// [*pathset.Path] tracks only a count (per-poll send times live in
// internal/dispatch), the caller determines which txids expired; a
// non-positive expiredCount leaves the counter unchanged.
func ExpireInflightPolls(path *pathset.Path, expiredCount int64) {
	if expiredCount <= 0 {
		return
	}
	path.IncInflightPolls(-expiredCount)
}
