// SPDX-License-Identifier: GPL-3.0-or-later

package quicengine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/logging"
)

// congestionState is the atomically-updated snapshot an [*Engine] exposes
// through PacingRateBps/CongestionWindow/SmoothedRTT/FlowControlBlocked,
// fed by quic-go's own [logging.ConnectionTracer] hooks rather than by
// reaching into quic-go internals.
type congestionState struct {
	cwndBytes       atomic.Uint64
	bytesInFlight   atomic.Uint64
	smoothedRTTNs   atomic.Int64
	pacingRateBpsV  atomic.Uint64
	flowCtrlBlocked atomic.Bool
}

func (s *congestionState) tracer() *logging.ConnectionTracer {
	return &logging.ConnectionTracer{
		UpdatedMetrics: func(rtt *logging.RTTStats, cwnd, bytesInFlight logging.ByteCount, packetsInFlight int) {
			s.cwndBytes.Store(uint64(cwnd))
			s.bytesInFlight.Store(uint64(bytesInFlight))
			if rtt != nil {
				s.smoothedRTTNs.Store(int64(rtt.SmoothedRTT()))
				if rtt.SmoothedRTT() > 0 {
					// Estimate the pacing rate as the congestion window
					// drained over one RTT, the textbook pacing-gain-1.0
					// approximation quic-go itself uses internally.
					bps := uint64(float64(cwnd*8) / rtt.SmoothedRTT().Seconds())
					s.pacingRateBpsV.Store(bps)
				}
			}
		},
		AcknowledgedPacket: func(encLevel logging.EncryptionLevel, number logging.PacketNumber) {
			s.flowCtrlBlocked.Store(false)
		},
	}
}

// newConnectionTracer returns a quic.Config-compatible tracer factory
// that updates state as the connection's congestion controller reports
// new metrics.
func newConnectionTracer(state *congestionState) func(context.Context, logging.Perspective, quic.ConnectionID) *logging.ConnectionTracer {
	return func(ctx context.Context, perspective logging.Perspective, connID quic.ConnectionID) *logging.ConnectionTracer {
		return state.tracer()
	}
}

func (s *congestionState) pacingRateBps() uint64 { return s.pacingRateBpsV.Load() }
func (s *congestionState) congestionWindow() uint64 { return s.cwndBytes.Load() }
func (s *congestionState) smoothedRTT() time.Duration {
	return time.Duration(s.smoothedRTTNs.Load())
}
func (s *congestionState) flowControlBlocked() bool { return s.flowCtrlBlocked.Load() }
