// SPDX-License-Identifier: GPL-3.0-or-later

// Package quicengine adapts a QUIC connection to the opaque transport
// surface SPEC_FULL.md §4.2 expects: push/pop a datagram, open/accept a
// stream, and read pacing/congestion/RTT signals back out — all without
// quic-go ever touching a kernel socket. The connection is instead
// driven by a synthetic [net.PacketConn] fed and drained by DNS query and
// response payloads (internal/wire).
//
// Grounded on the teacher's quic.go (NewQUICDialer,
// quic.Transport{Conn: pconn}, quicConnAdapter) and
// bassosimone-minest/quicx.go's QUICDialConfig/QUICListenConfig.
package quicengine

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// Config configures an [Engine] before it is created. quic-go does not
// support changing keep-alive or MTU mid-connection, so SetKeepAlive and
// SetMTU on an existing [Engine] do nothing and log nothing.
type Config struct {
	MaxIdleTimeout    time.Duration
	KeepAlivePeriod   time.Duration
	InitialRTT        time.Duration
	MaxData           uint64
	EnableDatagrams   bool
	QueueDepth        int
}

// DefaultConfig returns the [Config] matching
// original_source/crates/slipstream-quic/src/config.rs's defaults
// (idle_timeout=30s, keep_alive_interval=400ms, initial_rtt_ms=100).
func DefaultConfig() Config {
	return Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 400 * time.Millisecond,
		InitialRTT:      100 * time.Millisecond,
		EnableDatagrams: true,
		QueueDepth:      64,
	}
}

// Engine wraps a *quic.Conn and the synthetic [net.PacketConn] feeding
// it, exposing the push/pop-datagram and pacing-introspection surface
// the polling scheduler (internal/pacer) and TCP bridge
// (internal/bridge) need.
//
// PushDatagram and PopDatagram only touch the synthetic [net.PacketConn]
// and never conn, so they work before the handshake completes; a server
// can feed a [*Engine] from [AcceptServer] the client's first queries
// while the handshake AcceptServer started is still in progress (the DNS
// request loop must start pumping bytes before any handshake can
// proceed).
// OpenStream and AcceptStream block on connReady since they need a live
// conn.
//
// Construct using [DialClient] or [AcceptServer].
type Engine struct {
	conn  *quic.Conn
	pipe  *pipeConn
	state *congestionState

	connReady chan struct{}
	connErr   error

	closeOnce sync.Once
	stopPop   chan struct{}
}

func (e *Engine) awaitConn(ctx context.Context) (*quic.Conn, error) {
	select {
	case <-e.connReady:
		return e.conn, e.connErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DialClient dials a QUIC connection over a synthetic packet conn,
// mirroring the teacher's *QUICDialer.Dial but without a real socket.
// tlsConf is built by the caller (cmd/slipstream-client's
// loadClientTLSConfig) so --cert/--key pinning and mutual
// authentication are under the caller's control, the same way
// [AcceptServer] takes a caller-built tlsConf.
func DialClient(ctx context.Context, tlsConf *tls.Config, cfg Config) (*Engine, error) {
	state := &congestionState{}
	pipe := newPipeConn(localPseudoAddr(), remotePseudoAddr(), cfg.QueueDepth)

	transport := &quic.Transport{Conn: pipe}
	quicConf := &quic.Config{
		MaxIdleTimeout:  cfg.MaxIdleTimeout,
		KeepAlivePeriod: cfg.KeepAlivePeriod,
		EnableDatagrams: cfg.EnableDatagrams,
		Tracer:          newConnectionTracer(state),
	}

	conn, err := transport.Dial(ctx, remotePseudoAddr(), tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	ready := make(chan struct{})
	close(ready)
	return &Engine{conn: conn, connReady: ready, pipe: pipe, state: state, stopPop: make(chan struct{})}, nil
}

// AcceptServer returns an [*Engine] whose PushDatagram/PopDatagram are
// usable immediately, while the QUIC handshake itself completes in the
// background as the server request loop (internal/tunnel) feeds it the
// client's first queries. OpenStream/AcceptStream block until the
// handshake finishes. This ordering exists because the handshake packets
// themselves only arrive via PushDatagram calls the caller makes after
// AcceptServer returns, so a blocking Accept here would deadlock the
// caller against itself.
func AcceptServer(ctx context.Context, tlsConf *tls.Config, cfg Config) (*Engine, error) {
	state := &congestionState{}
	pipe := newPipeConn(localPseudoAddr(), remotePseudoAddr(), cfg.QueueDepth)

	transport := &quic.Transport{Conn: pipe}
	quicConf := &quic.Config{
		MaxIdleTimeout:  cfg.MaxIdleTimeout,
		KeepAlivePeriod: cfg.KeepAlivePeriod,
		EnableDatagrams: cfg.EnableDatagrams,
		Tracer:          newConnectionTracer(state),
	}

	listener, err := transport.Listen(tlsConf, quicConf)
	if err != nil {
		return nil, err
	}

	e := &Engine{pipe: pipe, state: state, stopPop: make(chan struct{}), connReady: make(chan struct{})}
	go func() {
		conn, err := listener.Accept(ctx)
		e.conn, e.connErr = conn, err
		close(e.connReady)
	}()
	return e, nil
}

// PushDatagram hands an opaque payload to quic-go's receive path,
// simulating a datagram that arrived via a DNS response's decoded
// payload (client) or a DNS query's decoded payload (server).
func (e *Engine) PushDatagram(b []byte) error {
	return e.pipe.push(b)
}

// PopDatagram blocks until quic-go has a datagram ready to send, or ctx
// is canceled.
func (e *Engine) PopDatagram(ctx context.Context) ([]byte, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			close(done)
		case <-e.stopPop:
		}
	}()
	b, err := e.pipe.pop(done)
	if b == nil && err == nil {
		return nil, ctx.Err()
	}
	return b, err
}

// OpenStream opens a new bidirectional stream for the TCP bridge,
// waiting for the handshake to complete first if this [*Engine] came
// from [AcceptServer].
func (e *Engine) OpenStream(ctx context.Context) (*quic.Stream, error) {
	conn, err := e.awaitConn(ctx)
	if err != nil {
		return nil, err
	}
	return conn.OpenStreamSync(ctx)
}

// AcceptStream accepts the peer's next bidirectional stream, waiting for
// the handshake to complete first if this [*Engine] came from
// [AcceptServer].
func (e *Engine) AcceptStream(ctx context.Context) (*quic.Stream, error) {
	conn, err := e.awaitConn(ctx)
	if err != nil {
		return nil, err
	}
	return conn.AcceptStream(ctx)
}

// PacingRateBps returns the engine's best estimate of its current
// pacing rate in bits per second, derived from quic-go's congestion
// metrics via [logging.ConnectionTracer].
func (e *Engine) PacingRateBps() uint64 { return e.state.pacingRateBps() }

// CongestionWindow returns the current congestion window in bytes.
func (e *Engine) CongestionWindow() uint64 { return e.state.congestionWindow() }

// SmoothedRTT returns the connection's smoothed round-trip time.
func (e *Engine) SmoothedRTT() time.Duration { return e.state.smoothedRTT() }

// FlowControlBlocked returns the flow-control-blocked flag kept by the
// connection tracer. The tracer only ever clears that flag (on each
// acknowledged packet) and never sets it, so this always returns false.
func (e *Engine) FlowControlBlocked() bool { return e.state.flowControlBlocked() }

// SetMaxData does nothing: quic-go derives flow control limits from
// quic.Config at dial time, and [DialClient]/[AcceptServer] do not pass
// [Config.MaxData] to quic-go either.
func (e *Engine) SetMaxData(bytes uint64) {
	// No-op post-connection: see the Config doc comment.
}

// SetKeepAlive is a best-effort hint; see the [Config] doc comment.
func (e *Engine) SetKeepAlive(d time.Duration) {
	// No-op post-connection: see the Config doc comment.
}

// SetMTU is a best-effort hint; see the [Config] doc comment.
func (e *Engine) SetMTU(bytes int) {
	// No-op post-connection: see the Config doc comment.
}

// Close closes the underlying QUIC connection and stops PopDatagram. If
// the handshake never completed (a server-side [*Engine] whose peer
// never finished connecting), it skips the connection close and only
// tears down the synthetic socket.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.stopPop)
		select {
		case <-e.connReady:
			if e.conn != nil {
				const quicNoError = 0x00
				err = e.conn.CloseWithError(quicNoError, "")
			}
		default:
		}
		_ = e.pipe.Close()
	})
	return err
}

func localPseudoAddr() net.Addr  { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1} }
func remotePseudoAddr() net.Addr { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2} }
