package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/edge-gateway/pkg/logging"
)

// Run listens on the configured gateway and admin addresses and serves until
// ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Gateway.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.cfg.Gateway.BindAddr, err)
	}

	var admin net.Listener
	if addr := g.cfg.Metrics.ListenAddress; addr != "" {
		admin, err = net.Listen("tcp", addr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
	}
	return g.Serve(ctx, ln, admin)
}

// Serve serves the gateway on ln and, if admin is non-nil, the metrics/health
// endpoints on admin. It returns after ctx is cancelled and shutdown completes,
// or when a listener fails.
func (g *Gateway) Serve(ctx context.Context, ln, admin net.Listener) error {
	if g.cfg.Gateway.ProxyProtocol {
		ln = newProxyProtoListener(ln, g.cfg.GetReadHeaderTimeout(), g)
	}

	srv := &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: g.cfg.GetReadHeaderTimeout(),
		IdleTimeout:       g.cfg.GetIdleTimeout(),
		ErrorLog:          logging.StdLogger(),
	}
	servers := []*http.Server{srv}
	errCh := make(chan error, 2)

	if g.cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(g.cfg.Gateway.TLSCertFile, g.cfg.Gateway.TLSKeyFile)
		if err != nil {
			_ = ln.Close()
			if admin != nil {
				_ = admin.Close()
			}
			return fmt.Errorf("load tls key pair: %w", err)
		}
		// HTTP/1.1 only: upgrades need a hijackable connection.
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			NextProtos:   []string{"http/1.1"},
		}
		ln = tls.NewListener(ln, srv.TLSConfig)
	}

	logging.Logf("[listen] gateway addr=%s tls=%t proxy_protocol=%t routes=%d",
		ln.Addr(), g.cfg.TLSEnabled(), g.cfg.Gateway.ProxyProtocol, g.table.Len())
	go func() {
		errCh <- serveListener("gateway", srv, ln)
	}()

	if admin != nil {
		adminSrv := &http.Server{
			Handler:           g.AdminHandler(),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          logging.StdLogger(),
		}
		servers = append(servers, adminSrv)
		logging.Logf("[listen] metrics addr=%s path=%s health=/healthz", admin.Addr(), g.cfg.Metrics.TelemetryPath)
		go func() {
			errCh <- serveListener("admin", adminSrv, admin)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	g.shutdown(servers)
	return runErr
}

func serveListener(name string, srv *http.Server, ln net.Listener) error {
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("%s server: %w", name, err)
}

// shutdown stops accepting, drains in-flight HTTP requests until the shutdown
// timeout, then cancels upgraded relays and waits for them to close.
func (g *Gateway) shutdown(servers []*http.Server) {
	timeout := g.cfg.GetShutdownTimeout()
	logging.Logf("[shutdown] draining timeout=%s", timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			logging.Logf("[shutdown] forced close: %v", err)
			_ = srv.Close()
		}
	}

	g.cancel()
	done := make(chan struct{})
	go func() {
		g.relays.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Logf("[shutdown] relays still open after %s", timeout)
	}
	g.forwarder.CloseIdleConnections()
	logging.Log("[shutdown] complete")
}

// Close cancels all relays and releases idle backend connections without
// waiting. Run/Serve already do this on shutdown.
func (g *Gateway) Close() {
	g.cancel()
	g.forwarder.CloseIdleConnections()
}
