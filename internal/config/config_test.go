// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHostPortIPv4(t *testing.T) {
	hp, err := ParseHostPort("8.8.8.8:53")
	require.NoError(t, err)
	require.Equal(t, "8.8.8.8", hp.Host)
	require.Equal(t, uint16(53), hp.Port)
}

func TestParseHostPortIPv6Brackets(t *testing.T) {
	hp, err := ParseHostPort("[2001:4860:4860::8888]:53")
	require.NoError(t, err)
	require.Equal(t, "2001:4860:4860::8888", hp.Host)
	require.Equal(t, uint16(53), hp.Port)
}

func TestParseHostPortMissingPort(t *testing.T) {
	_, err := ParseHostPort("8.8.8.8")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestParseHostPortMalformedIPv6(t *testing.T) {
	_, err := ParseHostPort("[2001:4860::8888")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestNormalizeDomain(t *testing.T) {
	d, err := NormalizeDomain("T.Example.COM.")
	require.NoError(t, err)
	require.Equal(t, "t.example.com", d)
}

func TestNormalizeDomainSingleLabel(t *testing.T) {
	_, err := NormalizeDomain("localhost")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestNormalizeDomainEmpty(t *testing.T) {
	_, err := NormalizeDomain("  ")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestParseClientFlagsOrderPreserved(t *testing.T) {
	cfg, err := ParseClientFlags([]string{
		"--domain", "t.example.com",
		"--cert", "cert.pem",
		"--key", "key.pem",
		"--resolver", "8.8.8.8:53",
		"--authoritative", "9.9.9.9:53",
		"--resolver", "1.1.1.1:53",
	})
	require.NoError(t, err)
	require.Len(t, cfg.Resolvers, 3)
	require.Equal(t, ModeRecursive, cfg.Resolvers[0].Mode)
	require.Equal(t, ModeAuthoritative, cfg.Resolvers[1].Mode)
	require.Equal(t, ModeRecursive, cfg.Resolvers[2].Mode)
	require.Equal(t, "1.1.1.1", cfg.Resolvers[2].Addr.Host)
	require.Equal(t, "key.pem", cfg.KeyPath)
}

func TestParseClientFlagsRequiresResolver(t *testing.T) {
	_, err := ParseClientFlags([]string{"--domain", "t.example.com"})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestParseClientFlagsRequiresCertAndKey(t *testing.T) {
	_, err := ParseClientFlags([]string{
		"--domain", "t.example.com",
		"--resolver", "8.8.8.8:53",
		"--cert", "cert.pem",
	})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestParseClientFlagsRejectsBadCongestion(t *testing.T) {
	_, err := ParseClientFlags([]string{
		"--domain", "t.example.com",
		"--cert", "cert.pem",
		"--key", "key.pem",
		"--resolver", "8.8.8.8:53",
		"--congestion-control", "reno",
	})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestParseClientFlagsCongestionDefaultsToDcubic(t *testing.T) {
	cfg, err := ParseClientFlags([]string{
		"--domain", "t.example.com",
		"--cert", "cert.pem",
		"--key", "key.pem",
		"--resolver", "8.8.8.8:53",
	})
	require.NoError(t, err)
	require.Equal(t, "dcubic", cfg.CongestionControl)
}

func TestParseClientFlagsCongestionDefaultsToBBRWhenAuthoritative(t *testing.T) {
	cfg, err := ParseClientFlags([]string{
		"--domain", "t.example.com",
		"--cert", "cert.pem",
		"--key", "key.pem",
		"--authoritative", "9.9.9.9:53",
	})
	require.NoError(t, err)
	require.Equal(t, "bbr", cfg.CongestionControl)
}

func TestParseClientFlagsCongestionExplicitOverridesAuthoritativeDefault(t *testing.T) {
	cfg, err := ParseClientFlags([]string{
		"--domain", "t.example.com",
		"--cert", "cert.pem",
		"--key", "key.pem",
		"--authoritative", "9.9.9.9:53",
		"--congestion-control", "dcubic",
	})
	require.NoError(t, err)
	require.Equal(t, "dcubic", cfg.CongestionControl)
}

func TestParseServerFlagsRequiresCertAndKey(t *testing.T) {
	_, err := ParseServerFlags([]string{"--domain", "t.example.com"})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestParseServerFlagsOK(t *testing.T) {
	cfg, err := ParseServerFlags([]string{
		"--domain", "t.example.com",
		"--cert", "cert.pem",
		"--key", "key.pem",
	})
	require.NoError(t, err)
	require.Equal(t, "t.example.com", cfg.Domain)
	require.Equal(t, 256, cfg.MaxConnections)
}
