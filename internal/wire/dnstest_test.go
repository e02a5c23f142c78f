// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"io"
	"net"
	"net/netip"
	"testing"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/dnstest"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// TestDecodeResponseRejectsOrdinaryDNSServer exchanges a real query
// against a github.com/bassosimone/dnstest server answering as an
// ordinary recursive resolver would (A records that resolve a hostname,
// not a tunnel payload chunk). DecodeResponse must not panic or return a
// garbage datagram when handed a reply that merely happens to share the
// type A record shape, since Slipstream queries share the wire with
// whatever else crosses the same port. Grounded on the teacher's
// example_test.go's Example_withLocalTCPServer setup.
func TestDecodeResponseRejectsOrdinaryDNSServer(t *testing.T) {
	cfg := dnstest.NewHandlerConfig()
	cfg.AddNetipAddr("dns.google", netip.MustParseAddr("8.8.8.8"))
	handler := dnstest.NewHandler(cfg)
	srv := dnstest.MustNewTCPServer(&net.ListenConfig{}, "127.0.0.1:0", handler)
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Address())
	require.NoError(t, err)
	defer conn.Close()

	query, err := dnscodec.NewQuery("dns.google", dns.TypeA).NewMsg()
	require.NoError(t, err)
	raw, err := query.Pack()
	require.NoError(t, err)

	require.NoError(t, writeTCPFramed(conn, raw))
	rawResp, err := readTCPFramed(conn)
	require.NoError(t, err)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(rawResp))

	_, err = DecodeResponse(resp)
	require.Error(t, err, "a real resolver's A record for dns.google has 4 payload bytes per answer but is not length-prefixed the way a tunnel response is, so it must not be accepted as valid tunnel data")
}

func writeTCPFramed(conn net.Conn, raw []byte) error {
	length := []byte{byte(len(raw) >> 8), byte(len(raw))}
	if _, err := conn.Write(length); err != nil {
		return err
	}
	_, err := conn.Write(raw)
	return err
}

func readTCPFramed(conn net.Conn) ([]byte, error) {
	var length [2]byte
	if _, err := io.ReadFull(conn, length[:]); err != nil {
		return nil, err
	}
	n := int(length[0])<<8 | int(length[1])
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
