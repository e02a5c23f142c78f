// SPDX-License-Identifier: GPL-3.0-or-later

// Command slipstream-client bridges a local TCP connection through a
// QUIC connection carried inside DNS queries and responses.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/slipstream-tunnel/slipstream/internal/bridge"
	"github.com/slipstream-tunnel/slipstream/internal/config"
	"github.com/slipstream-tunnel/slipstream/internal/dispatch"
	"github.com/slipstream-tunnel/slipstream/internal/logging"
	"github.com/slipstream-tunnel/slipstream/internal/pacer"
	"github.com/slipstream-tunnel/slipstream/internal/pathset"
	"github.com/slipstream-tunnel/slipstream/internal/quicengine"
	"github.com/slipstream-tunnel/slipstream/internal/wire"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "slipstream-client:", err)
		os.Exit(1)
	}
}

// streamOpenerAdapter adapts [*quicengine.Engine] to
// [bridge.StreamOpener].
type streamOpenerAdapter struct{ engine *quicengine.Engine }

func (a streamOpenerAdapter) OpenStream(ctx context.Context) (bridge.Stream, error) {
	return a.engine.OpenStream(ctx)
}

func run(args []string) error {
	cfg, err := config.ParseClientFlags(args)
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

	domain := wire.NewDomain(cfg.Domain)

	paths := pathset.NewPathSet()
	for _, r := range cfg.Resolvers {
		addr, err := resolveHostPort(r.Addr)
		if err != nil {
			return fmt.Errorf("resolving resolver address %s: %w", r.Addr, err)
		}
		kind := pathset.KindRecursive
		if r.Mode == config.ModeAuthoritative {
			kind = pathset.KindAuthoritative
		}
		if _, err := paths.Add(addr, kind); err != nil {
			return fmt.Errorf("adding resolver path: %w", err)
		}
	}

	tlsConf, err := loadClientTLSConfig(cfg.CertPath, cfg.KeyPath, cfg.Domain)
	if err != nil {
		return fmt.Errorf("loading TLS certificate: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	engineCfg := quicengine.DefaultConfig()
	engineCfg.KeepAlivePeriod = cfg.KeepAliveInterval
	engine, err := quicengine.DialClient(ctx, tlsConf, engineCfg)
	if err != nil {
		return fmt.Errorf("starting QUIC engine: %w", err)
	}
	defer engine.Close()

	dispatcher := dispatch.NewDispatcher(256)
	scheduler := pacer.NewScheduler()

	workers := make(map[uint64]*pollWorker, len(paths.All()))
	var wg sync.WaitGroup
	for _, p := range paths.All() {
		worker := newPollWorker(domain, cfg.ClientID, p, engine, dispatcher, scheduler)
		workers[p.ID] = worker
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
	}

	router := newDataRouter(domain, cfg.ClientID, paths, workers, engine, scheduler)
	wg.Add(1)
	go func() {
		defer wg.Done()
		router.Run(ctx)
	}()

	tcpBridge := bridge.NewClientBridge(fmt.Sprintf("127.0.0.1:%d", cfg.TCPListenPort), streamOpenerAdapter{engine: engine})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tcpBridge.Run(ctx); err != nil && err != bridge.ErrBridgeClosed {
			logger.Error(map[string]any{"err": err.Error()}, "tcp bridge stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runDispatchReaper(ctx, dispatcher, paths)
	}()

	<-ctx.Done()
	logger.Info(nil, "shutting down")
	wg.Wait()
	return nil
}

// loadClientTLSConfig loads the client's certificate and key and builds
// the tls.Config quicengine.DialClient negotiates the tunnel ALPN with.
// The same certificate pins the server (as a root CA, mirroring
// original_source/crates/slipstream-client/src/runtime/mod.rs's
// with_ca(cert)) and authenticates the client to it, since --key has no
// purpose other than presenting that certificate as a client
// certificate for mutual authentication.
func loadClientTLSConfig(certPath, keyPath, serverName string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}

	pem, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", certPath)
	}

	return &tls.Config{
		ServerName:   serverName,
		NextProtos:   []string{config.ALPN},
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
	}, nil
}

// runDispatchReaper periodically releases transaction ids whose response
// never arrived — a query lost to a dropped UDP packet otherwise leaks a
// slot in the dispatcher's fixed-size occupancy table forever, and
// [*pollWorker.readLoop] has no way to notice a txid it never heard back
// on. Mirrors the server's runStaleCleanup.
func runDispatchReaper(ctx context.Context, dispatcher *dispatch.Dispatcher, paths *pathset.PathSet) {
	cutoffAge := pacer.PollTimeout(pathset.KindAuthoritative)
	if recursive := pacer.PollTimeout(pathset.KindRecursive); recursive > cutoffAge {
		cutoffAge = recursive
	}
	cutoffAge *= 2

	ticker := time.NewTicker(cutoffAge)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for pathID, n := range dispatcher.ExpireOlderThan(time.Now().Add(-cutoffAge)) {
				if p, ok := paths.ByID(pathID); ok {
					p.IncInflightPolls(-n)
				}
			}
		}
	}
}

// resolveHostPort resolves a configured resolver endpoint to a concrete
// [netip.AddrPort], looking up the hostname if it is not already a
// literal IP address.
func resolveHostPort(hp config.HostPort) (netip.AddrPort, error) {
	if ip, err := netip.ParseAddr(hp.Host); err == nil {
		return netip.AddrPortFrom(ip, hp.Port), nil
	}

	ips, err := net.LookupIP(hp.Host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no addresses found for %s", hp.Host)
	}
	addr, ok := netip.AddrFromSlice(ips[0])
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("invalid address for %s", hp.Host)
	}
	return netip.AddrPortFrom(addr.Unmap(), hp.Port), nil
}
