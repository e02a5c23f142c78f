// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/slipstream-tunnel/slipstream/internal/dispatch"
	"github.com/slipstream-tunnel/slipstream/internal/logging"
	"github.com/slipstream-tunnel/slipstream/internal/pacer"
	"github.com/slipstream-tunnel/slipstream/internal/pathset"
	"github.com/slipstream-tunnel/slipstream/internal/quicengine"
	"github.com/slipstream-tunnel/slipstream/internal/wire"
)

// pollWorker owns one resolver [*pathset.Path]'s UDP socket: a dedicated
// reader goroutine correlates inbound responses via
// [*dispatch.Dispatcher.Correlate] as they arrive, while the writer loop
// issues queries — data-bearing ones handed to it by the client's
// [*dataRouter], empty ones of its own accord — up to the path's current
// [*pacer.Scheduler.InflightBudget]. The socket is dialed once and held
// for the life of the worker, not redialed per query.
//
// Grounded on other_examples/irannetdrifter-dnstt-fast__dns.go's
// sendLoop for the empty-poll backoff timer, and on
// internal/tunnel.Server's push/pop split for the reader/writer
// separation.
type pollWorker struct {
	domain      wire.Domain
	clientID    string
	path        *pathset.Path
	engine      pollEngine
	dispatcher  *dispatch.Dispatcher
	scheduler   *pacer.Scheduler
	fragmenter  *wire.Fragmenter
	reassembler *wire.Reassembler
	logger      logging.Logger

	dialer dialer
	conn   net.Conn

	// dataCh carries both datagrams the data router assigns this path and
	// any fragmentation remainder the path's own send produced; it is the
	// path's single outbound queue.
	dataCh chan []byte
}

// dataQueueDepth bounds how many outbound pieces a path may have queued
// awaiting a send slot, generous enough to hold one fully-fragmented
// datagram under the authoritative hard cap (internal/pacer.HardCap *
// internal/pacer.AuthoritativeLoopMultiplier) without blocking the data
// router.
const dataQueueDepth = 256

// dialer is the subset of *net.Dialer the worker needs to exchange raw
// DNS messages with a resolver, narrowed so tests can inject
// netstub.FuncDialer the way bassosimone-minest's
// DNSOverUDPTransportExchangeDialFailure does.
type dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// pollEngine is the subset of [*quicengine.Engine] the worker needs,
// narrowed the same way internal/tunnel.Engine narrows it for the
// server side, so tests can drive send/fillBudget without a real QUIC
// handshake.
type pollEngine interface {
	PushDatagram(b []byte) error
	PopDatagram(ctx context.Context) ([]byte, error)
	PacingRateBps() uint64
	CongestionWindow() uint64
	SmoothedRTT() time.Duration
	FlowControlBlocked() bool
}

func newPollWorker(domain wire.Domain, clientID string, path *pathset.Path, engine *quicengine.Engine, dispatcher *dispatch.Dispatcher, scheduler *pacer.Scheduler) *pollWorker {
	budget := domain.PayloadBudget(len(clientID))
	return &pollWorker{
		domain:      domain,
		clientID:    clientID,
		path:        path,
		engine:      engine,
		dispatcher:  dispatcher,
		scheduler:   scheduler,
		fragmenter:  wire.NewFragmenter(budget - wire.FragmentHeaderSize),
		reassembler: wire.NewReassembler(30 * time.Second),
		logger:      logging.GetLogger(),
		dialer:      &net.Dialer{},
		dataCh:      make(chan []byte, dataQueueDepth),
	}
}

// Run dials the path's socket once and runs its reader and writer loops
// until ctx is canceled.
func (w *pollWorker) Run(ctx context.Context) {
	conn, err := w.dialer.DialContext(ctx, "udp", w.path.Addr.String())
	if err != nil {
		w.logger.Error(map[string]any{"path": w.path.Addr.String(), "err": err.Error()}, "failed to open path socket")
		return
	}
	w.conn = conn
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.readLoop(ctx)
	}()

	w.writeLoop(ctx)
	<-done
}

// writeLoop issues queries until ctx is canceled, filling the path's
// inflight budget on every tick and backing off with an empty-poll timer
// whenever no data was sent.
func (w *pollWorker) writeLoop(ctx context.Context) {
	pollDelay := pacer.NextPollDelay(0)
	timer := time.NewTimer(pollDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if w.fillBudget(ctx) {
			pollDelay = 0
		} else {
			pollDelay = pacer.NextPollDelay(pollDelay)
		}
		timer.Reset(pollDelay)

		w.expireStale()
	}
}

// currentBudget returns this path's current inflight budget, derived
// from the engine's live pacing/congestion signals.
func (w *pollWorker) currentBudget() int64 {
	budget := w.domain.PayloadBudget(len(w.clientID))
	return w.scheduler.InflightBudget(w.path.Kind, w.engine.PacingRateBps(), w.engine.CongestionWindow(), w.engine.SmoothedRTT(), budget)
}

// fillBudget issues queries until the path's inflight budget is
// exhausted for this tick: data queued by the data router (or left over
// from this path's own fragmentation) first, then a single empty poll if
// budget remains and either no data was sent or the engine reports
// flow-control-blocked, since a blocked connection still needs polls to
// drain the responses it is waiting on.
func (w *pollWorker) fillBudget(ctx context.Context) bool {
	budget := w.currentBudget()
	sentData := false

	for w.path.InflightPolls() < budget {
		select {
		case piece := <-w.dataCh:
			w.send(ctx, piece)
			sentData = true
			continue
		default:
		}
		break
	}

	if w.path.InflightPolls() < budget && (!sentData || w.engine.FlowControlBlocked()) {
		w.send(ctx, nil)
	}

	return sentData
}

// send allocates a txid, fragments payload if it exceeds this domain's
// per-query budget (re-queuing the remainder on dataCh), and writes the
// encoded query to the path's persistent socket without waiting for a
// reply — the reader loop correlates the eventual response
// independently.
func (w *pollWorker) send(ctx context.Context, payload []byte) {
	txid, err := w.dispatcher.Allocate(w.path.ID)
	if err != nil {
		w.logger.Warn(map[string]any{"path": w.path.Addr.String()}, "dispatcher table full, skipping poll")
		return
	}

	outPayload := payload
	budget := w.domain.PayloadBudget(len(w.clientID))
	if len(payload) > budget {
		pieces := w.fragmenter.Fragment(payload)
		outPayload = pieces[0]
		for _, piece := range pieces[1:] {
			select {
			case w.dataCh <- piece:
			case <-ctx.Done():
				return
			}
		}
	}

	query, err := wire.EncodeQuery(w.domain, w.clientID, txid, outPayload)
	if err != nil {
		w.dispatcher.Release(txid)
		w.logger.Error(map[string]any{"err": err.Error()}, "failed to encode query")
		return
	}
	raw, err := query.Pack()
	if err != nil {
		w.dispatcher.Release(txid)
		return
	}

	w.path.IncInflightPolls(1)
	if _, err := w.conn.Write(raw); err != nil {
		w.path.IncInflightPolls(-1)
		w.dispatcher.Release(txid)
		w.path.MarkProbeFailure(time.Now())
		w.logger.Warn(map[string]any{"path": w.path.Addr.String(), "err": err.Error()}, "failed to write query")
		return
	}
	w.path.RecordSent(len(raw))
}

// readLoop continuously reads responses off the path's persistent socket
// and correlates them, until ctx is canceled or the socket is closed.
func (w *pollWorker) readLoop(ctx context.Context) {
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = w.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := w.conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			continue
		}
		w.handleResponse(buf[:n])
	}
}

// handleResponse decodes a single raw response and, once correlated to
// an outstanding txid this path actually sent, feeds its payload back
// into the QUIC engine. resp.Id alone is sufficient to correlate the
// response: [wire.EncodeResponse] copies the originating query's id via
// dns.Msg.SetReply, so the reader never needs the raw query bytes it
// sent.
func (w *pollWorker) handleResponse(rawResp []byte) {
	resp := new(dns.Msg)
	if err := resp.Unpack(rawResp); err != nil {
		return
	}

	pathID, err := w.dispatcher.Correlate(resp.Id)
	if err != nil || pathID != w.path.ID {
		return
	}
	w.path.IncInflightPolls(-1)
	w.path.RecordReceived(len(rawResp))

	payload, err := wire.DecodeResponse(resp)
	if err != nil || len(payload) == 0 {
		return
	}

	if wire.IsFragmented(payload) {
		dgram, complete, err := w.reassembler.Receive(payload)
		if err != nil || !complete {
			return
		}
		payload = dgram
	}

	if err := w.engine.PushDatagram(payload); err != nil {
		w.logger.Warn(map[string]any{"err": err.Error()}, "push datagram into engine failed")
	}
}

func (w *pollWorker) expireStale() {
	if evicted := w.reassembler.CleanupStale(); evicted > 0 {
		w.logger.Debug(map[string]any{"evicted": evicted}, "evicted stale fragment groups")
	}
}
