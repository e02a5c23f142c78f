// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"flag"
	"fmt"
	"time"
)

// ClientConfig holds the fully-parsed configuration for
// cmd/slipstream-client.
type ClientConfig struct {
	TCPListenPort     int
	Resolvers         []ResolverSpec
	Domain            string
	ClientID          string
	CertPath          string
	KeyPath           string
	CongestionControl string
	KeepAliveInterval time.Duration
	GSO               bool
	DebugPoll         bool
	DebugStreams      bool
}

// hasAuthoritative reports whether specs contains at least one
// authoritative-mode resolver.
func hasAuthoritative(specs []ResolverSpec) bool {
	for _, s := range specs {
		if s.Mode == ModeAuthoritative {
			return true
		}
	}
	return false
}

// orderedResolverFlags records --resolver/--authoritative occurrences in
// the order they appear on the command line, mirroring
// original_source/crates/slipstream-client/src/main.rs's
// collect_resolvers/build_resolvers, which preserves flag interleaving
// instead of grouping all --resolver values before all --authoritative
// values.
type orderedResolverFlags struct {
	specs []ResolverSpec
}

func (o *orderedResolverFlags) addRecursive(s string) error {
	hp, err := ParseHostPort(s)
	if err != nil {
		return err
	}
	o.specs = append(o.specs, ResolverSpec{Addr: hp, Mode: ModeRecursive})
	return nil
}

func (o *orderedResolverFlags) addAuthoritative(s string) error {
	hp, err := ParseHostPort(s)
	if err != nil {
		return err
	}
	o.specs = append(o.specs, ResolverSpec{Addr: hp, Mode: ModeAuthoritative})
	return nil
}

// ParseClientFlags parses args (typically os.Args[1:]) into a
// [*ClientConfig].
func ParseClientFlags(args []string) (*ClientConfig, error) {
	fs := flag.NewFlagSet("slipstream-client", flag.ContinueOnError)

	tcpPort := fs.Int("tcp-listen-port", 5201, "local TCP port to accept the bridged connection on")
	domain := fs.String("domain", "", "tunnel domain, e.g. t.example.com")
	clientID := fs.String("client-id", "c0", "client identifier label embedded in every query")
	cert := fs.String("cert", "", "path to the client's TLS certificate, used both to pin the server's certificate and to authenticate to it")
	key := fs.String("key", "", "path to the client's TLS private key, paired with --cert")
	congestion := fs.String("congestion-control", "", "congestion control algorithm: bbr or dcubic (default dcubic, or bbr if --authoritative is set)")
	keepAlive := fs.Duration("keep-alive-interval", 400*time.Millisecond, "QUIC keep-alive interval")
	gso := fs.Bool("gso", false, "enable generic segmentation offload (not implemented)")
	debugPoll := fs.Bool("debug-poll", false, "accepted but has no effect: no per-poll scheduler logging is emitted")
	debugStreams := fs.Bool("debug-streams", false, "accepted but has no effect: no per-stream bridge logging is emitted")

	var resolvers orderedResolverFlags
	fs.Func("resolver", "recursive resolver address (repeatable)", resolvers.addRecursive)
	fs.Func("authoritative", "authoritative resolver address (repeatable)", resolvers.addAuthoritative)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if len(resolvers.specs) == 0 {
		return nil, fmt.Errorf("%w: at least one --resolver or --authoritative is required", ErrInvalid)
	}

	if *cert == "" || *key == "" {
		return nil, fmt.Errorf("%w: --cert and --key are required", ErrInvalid)
	}

	normalizedDomain, err := NormalizeDomain(*domain)
	if err != nil {
		return nil, err
	}

	resolvedCongestion := *congestion
	if resolvedCongestion == "" {
		if hasAuthoritative(resolvers.specs) {
			resolvedCongestion = "bbr"
		} else {
			resolvedCongestion = "dcubic"
		}
	}
	switch resolvedCongestion {
	case "bbr", "dcubic":
	default:
		return nil, fmt.Errorf("%w: unknown congestion control %q", ErrInvalid, resolvedCongestion)
	}

	return &ClientConfig{
		TCPListenPort:     *tcpPort,
		Resolvers:         resolvers.specs,
		Domain:            normalizedDomain,
		ClientID:          *clientID,
		CertPath:          *cert,
		KeyPath:           *key,
		CongestionControl: resolvedCongestion,
		KeepAliveInterval: *keepAlive,
		GSO:               *gso,
		DebugPoll:         *debugPoll,
		DebugStreams:      *debugStreams,
	}, nil
}
