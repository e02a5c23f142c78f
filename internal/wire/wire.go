// SPDX-License-Identifier: GPL-3.0-or-later

// Package wire implements the DNS codec that carries opaque QUIC datagrams
// inside DNS query names and response answer sections.
//
// Construct queries with [EncodeQuery] and decode them with [DecodeQuery].
// Construct responses with [EncodeResponse] and decode them with
// [DecodeResponse]. Payloads larger than a single query's budget must be
// fragmented first with a [Fragmenter].
package wire

import (
	"encoding/base32"
	"strings"

	"github.com/miekg/dns"
)

// RecordType is the DNS resource record type used for both the query (as
// the question's Qtype) and the response RDATA chunks.
const RecordType = dns.TypeA

// maxLabelLength is the maximum length of a single DNS label in octets.
const maxLabelLength = 63

// maxNameLength is the maximum length of a DNS name in octets, including
// the trailing root label.
const maxNameLength = 255

// bytesPerAnswer is the number of opaque payload bytes carried by each
// synthetic A record in a response.
const bytesPerAnswer = 4

// lengthPrefixSize is the size, in bytes, of the length prefix the server
// places in front of the payload before chunking it into A records.
const lengthPrefixSize = 2

// encoding is the label alphabet: lower-case RFC 4648 base32 without
// padding, the same alphabet used by real DNS tunnels (see
// other_examples/irannetdrifter-dnstt-fast__dns.go's base32Encoding).
var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Domain is a parsed tunnel domain suffix, e.g. "t.example.com".
type Domain struct {
	// Suffix is the fully-qualified domain name (without a trailing dot)
	// under which payload labels are nested.
	Suffix string
}

// NewDomain creates a [Domain] from a user-supplied domain string,
// stripping any trailing dot.
func NewDomain(s string) Domain {
	return Domain{Suffix: strings.TrimSuffix(s, ".")}
}

// PayloadBudget returns the maximum number of raw payload bytes that fit
// in a single query name under this domain, accounting for base32
// expansion, label boundaries, and the client-id label.
func (d Domain) PayloadBudget(clientIDLabelLen int) int {
	suffixLen := len(dns.Fqdn(d.Suffix))
	available := maxNameLength - suffixLen - clientIDLabelLen - 1
	if available <= 0 {
		return 0
	}
	// Each label can carry at most maxLabelLength encoded characters, but
	// labels are separated by dots which also count against the name
	// budget; approximate by reserving one separator byte per label.
	labels := available / (maxLabelLength + 1)
	if labels < 1 {
		labels = 1
	}
	encodedBudget := labels * maxLabelLength
	if encodedBudget > available {
		encodedBudget = available
	}
	// base32 expands every 5 raw bytes into 8 encoded characters.
	rawBudget := (encodedBudget * 5) / 8
	rawBudget -= lengthPrefixSize
	if rawBudget < 0 {
		return 0
	}
	return rawBudget
}

// splitLabels splits an encoded string into DNS labels no longer than
// maxLabelLength octets each.
func splitLabels(encoded string) []string {
	var labels []string
	for len(encoded) > maxLabelLength {
		labels = append(labels, encoded[:maxLabelLength])
		encoded = encoded[maxLabelLength:]
	}
	if len(encoded) > 0 {
		labels = append(labels, encoded)
	}
	return labels
}
