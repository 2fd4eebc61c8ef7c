package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/edge-gateway/pkg/routing"
)

// IsUpgradeRequest reports whether r asks for a protocol upgrade
// ("Connection: upgrade" plus a non-empty Upgrade header).
func IsUpgradeRequest(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				return true
			}
		}
	}
	return false
}

// DialBackend opens a raw connection to the route's backend, completing the
// TLS handshake for https routes.
func (f *Forwarder) DialBackend(ctx context.Context, route routing.Route) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   f.opts.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	if !route.IsTLS() {
		return dialer.DialContext(ctx, "tcp", route.Address())
	}
	tlsDialer := &tls.Dialer{
		NetDialer: dialer,
		Config:    backendTLSConfig(route, "http/1.1"),
	}
	return tlsDialer.DialContext(ctx, "tcp", route.Address())
}

// WriteHandshake writes the client's upgrade request to the backend with the
// path replaced by rest (escaped) and Host set to the backend. All other
// headers, including Connection and Upgrade, are sent as received.
func (f *Forwarder) WriteHandshake(backend net.Conn, r *http.Request, route routing.Route, rest string) error {
	out := r.Clone(r.Context())
	out.URL = &url.URL{RawQuery: r.URL.RawQuery}
	setEscapedPath(out.URL, rest)
	out.Host = route.Address()
	out.RequestURI = ""
	out.Body = nil
	out.ContentLength = 0
	out.TransferEncoding = nil
	out.Close = false

	// Request.Write adds a Go User-Agent unless the key is present.
	if _, ok := out.Header["User-Agent"]; !ok {
		out.Header.Set("User-Agent", "")
	}
	if f.opts.XForwarded {
		appendXForwarded(out, r)
	}

	if f.opts.DialTimeout > 0 {
		_ = backend.SetWriteDeadline(time.Now().Add(f.opts.DialTimeout))
		defer backend.SetWriteDeadline(time.Time{})
	}
	if err := out.Write(backend); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	return nil
}

func appendXForwarded(out, in *http.Request) {
	if ip, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := in.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		out.Header.Set("X-Forwarded-For", ip)
	}
	out.Header.Set("X-Forwarded-Host", in.Host)
	if in.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}
}
