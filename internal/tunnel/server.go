// SPDX-License-Identifier: GPL-3.0-or-later

package tunnel

import (
	"context"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"github.com/slipstream-tunnel/slipstream/internal/logging"
	"github.com/slipstream-tunnel/slipstream/internal/wire"
)

// Engine is the subset of [*quicengine.Engine] the request loop needs.
// A narrow interface, in the teacher's streamDialer/streamConn style,
// lets the loop be tested against a fake without a real QUIC handshake.
type Engine interface {
	PushDatagram(b []byte) error
	PopDatagram(ctx context.Context) ([]byte, error)
}

// Server runs the Server Request Loop for one tunnel domain: it decodes
// inbound queries, feeds their payload to engine, drains whatever engine
// wants to send, and encodes the response.
//
// Construct using [NewServer]. One [Server] instance handles every
// client sharing this domain's QUIC connection; SPEC_FULL.md's
// multi-client fan-out belongs to the caller that owns one [Server] per
// accepted [*quicengine.Engine].
type Server struct {
	Domain wire.Domain

	engine       Engine
	buffer       *ResponseBuffer
	fragmenter   *wire.Fragmenter
	reassembler  *wire.Reassembler
	logger       logging.Logger
}

// NewServer creates a [*Server]. fragmentPiece bounds the datagram piece
// size handed to [wire.Fragmenter]; pass 0 to derive it from
// [wire.ResponsePayloadBudget].
func NewServer(domain wire.Domain, engine Engine, fragmentPiece int) *Server {
	if fragmentPiece <= 0 {
		fragmentPiece = wire.ResponsePayloadBudget() - wire.FragmentHeaderSize
	}
	return &Server{
		Domain:      domain,
		engine:      engine,
		buffer:      NewResponseBuffer(0),
		fragmenter:  wire.NewFragmenter(fragmentPiece),
		reassembler: wire.NewReassembler(30 * time.Second),
		logger:      logging.GetLogger(),
	}
}

// HandleQuery implements one iteration of the Server Request Loop for a
// single inbound query from clientAddr.
func (s *Server) HandleQuery(ctx context.Context, clientAddr netip.AddrPort, query *dns.Msg) (*dns.Msg, error) {
	if len(query.Question) != 1 {
		return nil, ErrMalformedQuery
	}

	payloadLabels, clientID, ok := wire.SplitClientLabels(query.Question[0].Name, s.Domain)
	if !ok {
		return nil, ErrUnrelatedDomain
	}

	_, payload, err := wire.DecodeQuery(query, payloadLabels)
	if err != nil {
		return nil, ErrMalformedQuery
	}

	clientKey := clientID + "@" + clientAddr.String()

	if len(payload) > 0 {
		if wire.IsFragmented(payload) {
			dgram, complete, ferr := s.reassembler.Receive(payload)
			if ferr != nil {
				return nil, ferr
			}
			if complete {
				if pushErr := s.engine.PushDatagram(dgram); pushErr != nil {
					s.logger.Warn(map[string]any{"client": clientKey, "err": pushErr.Error()}, "push datagram failed")
				}
			}
		} else if pushErr := s.engine.PushDatagram(payload); pushErr != nil {
			s.logger.Warn(map[string]any{"client": clientKey, "err": pushErr.Error()}, "push datagram failed")
		}
	}

	piece, havePiece := s.nextOutboundPiece(ctx, clientKey)
	if !havePiece {
		piece = nil
	}

	return wire.EncodeResponse(query, piece)
}

// nextOutboundPiece returns the next piece of outbound data to send to
// clientKey: a previously-queued fragment if one is pending, otherwise a
// freshly popped engine datagram (fragmenting it first if it does not
// fit in one response and queuing the remainder).
func (s *Server) nextOutboundPiece(ctx context.Context, clientKey string) ([]byte, bool) {
	if piece, ok := s.buffer.Pop(clientKey); ok {
		return piece, true
	}

	popCtx, cancel := context.WithTimeout(ctx, time.Millisecond)
	defer cancel()
	dgram, err := s.engine.PopDatagram(popCtx)
	if err != nil || len(dgram) == 0 {
		return nil, false
	}

	pieces := s.fragmenter.Fragment(dgram)
	if len(pieces) == 1 {
		return dgram, true
	}
	for _, p := range pieces[1:] {
		if dropped := s.buffer.Push(clientKey, p); dropped {
			s.logger.Warn(map[string]any{"client": clientKey}, "pending response buffer dropped oldest piece")
		}
	}
	return pieces[0], true
}

// CleanupStaleFragments evicts fragment-reassembly groups that have not
// progressed recently; callers should invoke this periodically from a
// background goroutine.
func (s *Server) CleanupStaleFragments() int {
	return s.reassembler.CleanupStale()
}
