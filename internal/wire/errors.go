// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import "errors"

// ErrMalformedWire indicates a query or response could not be decoded.
var ErrMalformedWire = errors.New("wire: malformed message")

// ErrPayloadTooLarge indicates a payload exceeds what one query (the
// domain's payload budget) or one response can carry.
var ErrPayloadTooLarge = errors.New("wire: payload too large for one query")

// ErrUnknownClientID indicates a query's client-id label did not match
// any known client (server side).
var ErrUnknownClientID = errors.New("wire: unknown client id")

// ErrFragmentExpired indicates a fragment group was evicted before it
// could be fully reassembled.
var ErrFragmentExpired = errors.New("wire: fragment reassembly expired")
