// SPDX-License-Identifier: GPL-3.0-or-later

package quicengine

import "errors"

// ErrFatal indicates the QUIC connection failed in a way the client or
// server cannot recover from (handshake failure, protocol violation);
// per SPEC_FULL.md §7 this is one of the few error kinds that is
// process-fatal rather than drop-and-count.
var ErrFatal = errors.New("quicengine: fatal connection error")
