// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"encoding/binary"
	"strings"

	"github.com/bassosimone/dnscodec"
	"github.com/miekg/dns"
)

// encodePayloadLabels frames payload with its 2-byte length prefix,
// base32-encodes the result, and splits it into DNS labels no longer
// than maxLabelLength octets. This is the codec primitive underneath
// [EncodeQuery]: it has no notion of a domain's per-query payload
// budget, which is instead enforced by callers before reaching here.
func encodePayloadLabels(payload []byte) []string {
	framed := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint16(framed, uint16(len(payload)))
	copy(framed[lengthPrefixSize:], payload)

	encoded := strings.ToLower(encoding.EncodeToString(framed))
	return splitLabels(encoded)
}

// decodePayloadLabels reverses [encodePayloadLabels]: it joins the
// payload-bearing labels, base32-decodes them, and strips the length
// prefix.
func decodePayloadLabels(payloadLabels []string) ([]byte, error) {
	encoded := strings.Join(payloadLabels, "")
	raw, err := encoding.DecodeString(strings.ToUpper(encoded))
	if err != nil || len(raw) < lengthPrefixSize {
		return nil, ErrMalformedWire
	}
	length := int(binary.BigEndian.Uint16(raw))
	if lengthPrefixSize+length > len(raw) {
		return nil, ErrMalformedWire
	}
	return raw[lengthPrefixSize : lengthPrefixSize+length], nil
}

// EncodeQuery builds the DNS query that carries payload to the server,
// nested under domain and tagged with clientID (already a valid DNS
// label). txid is used as the DNS message ID so the client can correlate
// the eventual response without a separate lookup table layer.
func EncodeQuery(domain Domain, clientID string, txid uint16, payload []byte) (*dns.Msg, error) {
	if len(payload) > domain.PayloadBudget(len(clientID)) {
		return nil, ErrPayloadTooLarge
	}

	labels := encodePayloadLabels(payload)
	name := strings.Join(append(labels, clientID, domain.Suffix), ".")

	// Reuse the dnscodec query skeleton the same way the teacher's
	// quic.go/tls.go MutateQuery hooks do, so the RFC 8467 padding and
	// EDNS0 sizing machinery stays shared across transports.
	query := dnscodec.NewQuery(dns.Fqdn(name), RecordType)
	query.ID = txid
	query.Flags |= dnscodec.QueryFlagBlockLengthPadding
	query.MaxSize = dnscodec.QueryMaxResponseSizeTCP

	return query.NewMsg()
}

// DecodeQuery extracts the client's opaque payload and txid from a query
// built by [EncodeQuery]. clientID and the domain suffix labels are
// stripped by the caller before this function sees the remaining
// payload-bearing labels; callers on the server side should use
// [SplitClientLabels] first.
func DecodeQuery(msg *dns.Msg, payloadLabels []string) (txid uint16, payload []byte, err error) {
	if len(msg.Question) != 1 {
		return 0, nil, ErrMalformedWire
	}
	payload, err = decodePayloadLabels(payloadLabels)
	if err != nil {
		return 0, nil, err
	}
	return msg.Id, payload, nil
}

// SplitClientLabels splits a query name's labels into the payload-bearing
// labels, the client-id label, and the domain suffix labels, given the
// expected domain suffix. It returns ok=false if name does not end with
// domain.Suffix or has no client-id label.
func SplitClientLabels(name string, domain Domain) (payloadLabels []string, clientID string, ok bool) {
	name = strings.TrimSuffix(dns.Fqdn(name), ".")
	suffix := strings.TrimSuffix(dns.Fqdn(domain.Suffix), ".")
	if !strings.HasSuffix(name, suffix) {
		return nil, "", false
	}
	rest := strings.TrimSuffix(name, suffix)
	rest = strings.TrimSuffix(rest, ".")
	labels := dns.SplitDomainName(rest)
	if len(labels) < 2 {
		return nil, "", false
	}
	clientID = labels[len(labels)-1]
	return labels[:len(labels)-1], clientID, true
}
