// SPDX-License-Identifier: GPL-3.0-or-later

// Package bridge implements the TCP Bridge: the client-side listener
// that maps each accepted TCP connection onto its own QUIC stream, and
// the server-side dial-per-stream counterpart, both
// pumping bytes bidirectionally until either side closes.
//
// Generalizes the teacher's tcp.go (tcpStreamConn/tcpStream, one
// request-response pair per DNS exchange) into a continuously pumped
// loop over a long-lived stream, the way
// original_source/crates/slipstream-client/src/streams.rs and
// slipstream-quic/src/stream.rs's BiStream do.
package bridge

import (
	"errors"
	"io"
	"net"

	"github.com/slipstream-tunnel/slipstream/internal/logging"
)

// Stream is the subset of [*quic.Stream] the bridge needs; a narrow
// interface lets both directions be tested without a real QUIC stream.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// ErrBridgeClosed is returned once a bridge's Run loop has stopped.
var ErrBridgeClosed = errors.New("bridge: closed")

// pump copies bytes bidirectionally between conn and stream until
// either side reaches EOF or errors, then closes both. It blocks until
// both copy directions have finished.
func pump(conn net.Conn, stream Stream, logger logging.Logger) {
	done := make(chan struct{}, 2)

	go func() {
		if _, err := io.Copy(stream, conn); err != nil && logger != nil {
			logger.Debug(map[string]any{"err": err.Error()}, "bridge: conn->stream copy ended")
		}
		_ = stream.Close()
		done <- struct{}{}
	}()

	go func() {
		if _, err := io.Copy(conn, stream); err != nil && logger != nil {
			logger.Debug(map[string]any{"err": err.Error()}, "bridge: stream->conn copy ended")
		}
		_ = conn.Close()
		done <- struct{}{}
	}()

	<-done
	<-done
}
