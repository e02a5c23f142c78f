// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"encoding/binary"
	"net"

	"github.com/miekg/dns"
)

// maxAnswerRecords bounds the number of synthetic A records placed in a
// single response. With owner names compressed to a pointer at the
// question, each record takes 16 bytes on the wire, so a full answer
// section is 3840 bytes.
const maxAnswerRecords = 240

// ResponsePayloadBudget returns the maximum number of raw payload bytes
// that fit in a single response's answer section.
func ResponsePayloadBudget() int {
	return maxAnswerRecords*bytesPerAnswer - lengthPrefixSize
}

// EncodeResponse builds the DNS response carrying payload back to the
// client, as a reply to query. The payload is split into 4-byte chunks,
// each stored as the address of a synthetic A record; the client
// reassembles them in Answer order.
func EncodeResponse(query *dns.Msg, payload []byte) (*dns.Msg, error) {
	if len(payload) > ResponsePayloadBudget() {
		return nil, ErrPayloadTooLarge
	}

	framed := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint16(framed, uint16(len(payload)))
	copy(framed[lengthPrefixSize:], payload)
	for len(framed)%bytesPerAnswer != 0 {
		framed = append(framed, 0)
	}

	resp := new(dns.Msg)
	resp.SetReply(query)
	resp.Compress = true

	name := query.Question[0].Name
	for off := 0; off < len(framed); off += bytesPerAnswer {
		chunk := framed[off : off+bytesPerAnswer]
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    0,
			},
			A: net.IPv4(chunk[0], chunk[1], chunk[2], chunk[3]),
		})
	}
	return resp, nil
}

// DecodeResponse reassembles the payload carried by a response built by
// [EncodeResponse].
func DecodeResponse(msg *dns.Msg) ([]byte, error) {
	if len(msg.Answer) == 0 {
		return nil, ErrMalformedWire
	}

	framed := make([]byte, 0, len(msg.Answer)*bytesPerAnswer)
	for _, rr := range msg.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			return nil, ErrMalformedWire
		}
		v4 := a.A.To4()
		if v4 == nil {
			return nil, ErrMalformedWire
		}
		framed = append(framed, v4...)
	}

	if len(framed) < lengthPrefixSize {
		return nil, ErrMalformedWire
	}
	length := int(binary.BigEndian.Uint16(framed))
	if lengthPrefixSize+length > len(framed) {
		return nil, ErrMalformedWire
	}
	return framed[lengthPrefixSize : lengthPrefixSize+length], nil
}
