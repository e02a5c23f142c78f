// SPDX-License-Identifier: GPL-3.0-or-later

package tunnel

import "errors"

// ErrUnrelatedDomain is returned when a query's name does not belong to
// the server's configured tunnel domain.
var ErrUnrelatedDomain = errors.New("tunnel: query does not match configured domain")

// ErrMalformedQuery is returned when a query matches the domain but
// cannot be decoded as a tunnel datagram.
var ErrMalformedQuery = errors.New("tunnel: malformed tunnel query")
