// SPDX-License-Identifier: GPL-3.0-or-later

package bridge

import (
	"context"
	"fmt"
	"net"

	"github.com/slipstream-tunnel/slipstream/internal/logging"
)

// StreamOpener opens a tunnel stream on demand. OpenStream is called once
// per accepted TCP connection; connections accepted while others are
// still active each get their own stream.
type StreamOpener interface {
	OpenStream(ctx context.Context) (Stream, error)
}

// ClientBridge listens for local TCP connections and bridges each one
// onto a freshly opened tunnel stream.
//
// Construct using [NewClientBridge].
type ClientBridge struct {
	ListenAddr string
	opener     StreamOpener
	logger     logging.Logger
}

// NewClientBridge creates a [*ClientBridge].
func NewClientBridge(listenAddr string, opener StreamOpener) *ClientBridge {
	return &ClientBridge{ListenAddr: listenAddr, opener: opener, logger: logging.GetLogger()}
}

// Run accepts TCP connections until ctx is canceled or the listener
// fails, bridging each one onto a new tunnel stream.
func (b *ClientBridge) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.ListenAddr)
	if err != nil {
		return fmt.Errorf("bridge: listen: %w", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ErrBridgeClosed
			default:
				return fmt.Errorf("bridge: accept: %w", err)
			}
		}

		stream, err := b.opener.OpenStream(ctx)
		if err != nil {
			b.logger.Warn(map[string]any{"err": err.Error()}, "bridge: failed to open tunnel stream")
			_ = conn.Close()
			continue
		}

		go pump(conn, stream, b.logger)
	}
}
