// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"flag"
	"fmt"
)

// ServerConfig holds the fully-parsed configuration for
// cmd/slipstream-server.
type ServerConfig struct {
	Listen         HostPort
	Domain         string
	CertPath       string
	KeyPath        string
	Target         string
	MaxConnections int
	GSO            bool
}

// ParseServerFlags parses args (typically os.Args[1:]) into a
// [*ServerConfig].
func ParseServerFlags(args []string) (*ServerConfig, error) {
	fs := flag.NewFlagSet("slipstream-server", flag.ContinueOnError)

	listen := fs.String("listen", "[::]:53", "UDP address to listen on for DNS queries")
	domain := fs.String("domain", "", "tunnel domain this server is authoritative for")
	cert := fs.String("cert", "", "path to the TLS certificate")
	key := fs.String("key", "", "path to the TLS private key")
	maxConns := fs.Int("max-connections", 256, "must be positive; the server runs a single QUIC connection and does not otherwise use this value")
	gso := fs.Bool("gso", false, "enable generic segmentation offload (not implemented)")
	target := fs.String("target", "127.0.0.1:22", "TCP address to forward the bridged stream to")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	hp, err := ParseHostPort(*listen)
	if err != nil {
		return nil, err
	}

	normalizedDomain, err := NormalizeDomain(*domain)
	if err != nil {
		return nil, err
	}

	if *cert == "" || *key == "" {
		return nil, fmt.Errorf("%w: --cert and --key are required", ErrInvalid)
	}

	if *maxConns <= 0 {
		return nil, fmt.Errorf("%w: --max-connections must be positive", ErrInvalid)
	}

	return &ServerConfig{
		Listen:         hp,
		Domain:         normalizedDomain,
		CertPath:       *cert,
		KeyPath:        *key,
		Target:         *target,
		MaxConnections: *maxConns,
		GSO:            *gso,
	}, nil
}
