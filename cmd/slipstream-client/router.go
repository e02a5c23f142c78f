// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"time"

	"github.com/slipstream-tunnel/slipstream/internal/pacer"
	"github.com/slipstream-tunnel/slipstream/internal/pathset"
	"github.com/slipstream-tunnel/slipstream/internal/wire"
)

// dataRouter is the single goroutine that pops outbound QUIC datagrams
// from the engine and hands each one to the [*pollWorker] for the path
// [pacer.PickPath] ranks best for carrying data, per SPEC_FULL.md §4.3's
// "authoritative paths are preferred for data-bearing queries when both
// are usable" tie-break. Centralizing the pop here — rather than letting
// every pollWorker race to pop independently — is what makes that
// ranking meaningful: a path only ever sees a datagram once the router
// has already decided it is the best path for it.
type dataRouter struct {
	domain    wire.Domain
	clientID  string
	paths     *pathset.PathSet
	workers   map[uint64]*pollWorker
	engine    pollEngine
	scheduler *pacer.Scheduler
}

func newDataRouter(domain wire.Domain, clientID string, paths *pathset.PathSet, workers map[uint64]*pollWorker, engine pollEngine, scheduler *pacer.Scheduler) *dataRouter {
	return &dataRouter{domain: domain, clientID: clientID, paths: paths, workers: workers, engine: engine, scheduler: scheduler}
}

// popTimeout bounds each PopDatagram attempt so the router keeps
// checking ctx between pops instead of blocking on it indefinitely.
const popTimeout = 50 * time.Millisecond

// Run pops datagrams and routes them until ctx is canceled.
func (r *dataRouter) Run(ctx context.Context) {
	for {
		popCtx, cancel := context.WithTimeout(ctx, popTimeout)
		dgram, err := r.engine.PopDatagram(popCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil || len(dgram) == 0 {
			continue
		}

		all := r.paths.All()
		if len(all) == 0 {
			continue
		}
		best := pacer.PickPath(all, r.budgets(all), true)
		w, ok := r.workers[best.ID]
		if !ok {
			continue
		}

		select {
		case w.dataCh <- dgram:
		case <-ctx.Done():
			return
		}
	}
}

// budgets computes every path's current inflight budget from the
// engine's live pacing/congestion signals, for [pacer.PickPath]'s
// inflight/budget ratio tie-break.
func (r *dataRouter) budgets(paths []*pathset.Path) map[uint64]int64 {
	budget := r.domain.PayloadBudget(len(r.clientID))
	pacingRateBps := r.engine.PacingRateBps()
	cwnd := r.engine.CongestionWindow()
	rtt := r.engine.SmoothedRTT()

	out := make(map[uint64]int64, len(paths))
	for _, p := range paths {
		out[p.ID] = r.scheduler.InflightBudget(p.Kind, pacingRateBps, cwnd, rtt, budget)
	}
	return out
}
