// SPDX-License-Identifier: GPL-3.0-or-later

package bridge

import (
	"context"
	"fmt"
	"net"

	"github.com/slipstream-tunnel/slipstream/internal/logging"
)

// StreamAccepter accepts the client's next tunnel stream.
type StreamAccepter interface {
	AcceptStream(ctx context.Context) (Stream, error)
}

// ServerBridge accepts tunnel streams and dials a fresh TCP connection
// to DialAddr for each one.
//
// Construct using [NewServerBridge].
type ServerBridge struct {
	DialAddr string
	accepter StreamAccepter
	logger   logging.Logger
}

// NewServerBridge creates a [*ServerBridge].
func NewServerBridge(dialAddr string, accepter StreamAccepter) *ServerBridge {
	return &ServerBridge{DialAddr: dialAddr, accepter: accepter, logger: logging.GetLogger()}
}

// Run accepts tunnel streams until ctx is canceled or accepting fails,
// dialing and bridging a fresh TCP connection for each one.
func (b *ServerBridge) Run(ctx context.Context) error {
	for {
		stream, err := b.accepter.AcceptStream(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return ErrBridgeClosed
			default:
				return fmt.Errorf("bridge: accept stream: %w", err)
			}
		}

		conn, err := net.Dial("tcp", b.DialAddr)
		if err != nil {
			b.logger.Warn(map[string]any{"err": err.Error(), "target": b.DialAddr}, "bridge: failed to dial target")
			_ = stream.Close()
			continue
		}

		go pump(conn, stream, b.logger)
	}
}
