// SPDX-License-Identifier: GPL-3.0-or-later

// Command slipstream-server answers DNS queries carrying a tunneled QUIC
// connection and bridges each of its streams to a local TCP target.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"github.com/slipstream-tunnel/slipstream/internal/bridge"
	"github.com/slipstream-tunnel/slipstream/internal/config"
	"github.com/slipstream-tunnel/slipstream/internal/logging"
	"github.com/slipstream-tunnel/slipstream/internal/quicengine"
	"github.com/slipstream-tunnel/slipstream/internal/tunnel"
	"github.com/slipstream-tunnel/slipstream/internal/wire"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "slipstream-server:", err)
		os.Exit(1)
	}
}

// streamAccepterAdapter adapts [*quicengine.Engine] to
// [bridge.StreamAccepter].
type streamAccepterAdapter struct{ engine *quicengine.Engine }

func (a streamAccepterAdapter) AcceptStream(ctx context.Context) (bridge.Stream, error) {
	return a.engine.AcceptStream(ctx)
}

func run(args []string) error {
	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}

	if err := logging.Configure(config.LogEnv(), config.LogLevel()); err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}
	logger := logging.GetLogger()

	if cfg.GSO {
		logger.Warn(nil, "--gso is not implemented; continuing with unbatched sends")
	}
	warnOnDomainOverlap(cfg.Domain, logger)

	tlsConf, err := loadTLSConfig(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("loading TLS certificate: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.Listen.String())
	if err != nil {
		return fmt.Errorf("resolving listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}
	defer conn.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	engineCfg := quicengine.DefaultConfig()
	engine, err := quicengine.AcceptServer(ctx, tlsConf, engineCfg)
	if err != nil {
		return fmt.Errorf("starting QUIC engine: %w", err)
	}
	defer engine.Close()

	domain := wire.NewDomain(cfg.Domain)
	srv := tunnel.NewServer(domain, engine, 0)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		runStaleCleanup(ctx, srv)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := serveDNS(ctx, conn, srv, logger); err != nil {
			logger.Error(map[string]any{"err": err.Error()}, "dns request loop stopped")
		}
	}()

	serverBridge := bridge.NewServerBridge(cfg.Target, streamAccepterAdapter{engine: engine})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := serverBridge.Run(ctx); err != nil && err != bridge.ErrBridgeClosed {
			logger.Error(map[string]any{"err": err.Error()}, "stream bridge stopped")
		}
	}()

	<-ctx.Done()
	logger.Info(nil, "shutting down")
	wg.Wait()
	return nil
}

// loadTLSConfig loads the server's certificate and key and builds the
// tls.Config quicengine.AcceptServer negotiates the tunnel ALPN with.
func loadTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{config.ALPN},
	}, nil
}

// serveDNS runs the UDP receive loop: it decodes each inbound DNS query,
// feeds it through srv's Server Request Loop, and writes back the raw
// encoded response.
func serveDNS(ctx context.Context, conn *net.UDPConn, srv *tunnel.Server, logger logging.Logger) error {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("read udp: %w", err)
			}
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		go handleDatagram(ctx, conn, srv, raddr, raw, logger)
	}
}

func handleDatagram(ctx context.Context, conn *net.UDPConn, srv *tunnel.Server, raddr *net.UDPAddr, raw []byte, logger logging.Logger) {
	query := new(dns.Msg)
	if err := query.Unpack(raw); err != nil {
		logger.Debug(map[string]any{"err": err.Error()}, "dropping malformed query")
		return
	}

	clientAddr, ok := netip.AddrFromSlice(raddr.IP)
	if !ok {
		return
	}
	addrPort := netip.AddrPortFrom(clientAddr.Unmap(), uint16(raddr.Port))

	resp, err := srv.HandleQuery(ctx, addrPort, query)
	if err != nil {
		logger.Debug(map[string]any{"err": err.Error(), "client": raddr.String()}, "rejecting query")
		return
	}

	out, err := resp.Pack()
	if err != nil {
		logger.Warn(map[string]any{"err": err.Error()}, "failed to pack response")
		return
	}

	if _, err := conn.WriteToUDP(out, raddr); err != nil {
		logger.Warn(map[string]any{"err": err.Error(), "client": raddr.String()}, "failed to write response")
	}
}

// runStaleCleanup periodically evicts fragment-reassembly groups that
// never completed, bounding the server's memory use under a client that
// drops mid-fragment.
func runStaleCleanup(ctx context.Context, srv *tunnel.Server) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			srv.CleanupStaleFragments()
		}
	}
}

// warnOnDomainOverlap logs a warning when the configured tunnel domain
// has fewer than three labels (e.g. "example.com"), where delegation of
// the tunnel zone from its parent may be ambiguous. It does not consult
// any public suffix list.
func warnOnDomainOverlap(domain string, logger logging.Logger) {
	labels := strings.Split(domain, ".")
	if len(labels) < 3 {
		logger.Warn(map[string]any{"domain": domain}, "tunnel domain has fewer than three labels; delegation from the public suffix may be ambiguous")
	}
}
