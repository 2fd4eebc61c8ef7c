package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/edge-gateway/pkg/logging"
	"github.com/edge-gateway/pkg/routing"
)

// Options backend transport settings shared by all routes.
type Options struct {
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	IdleTimeout           time.Duration // upgraded relays only
	XForwarded            bool
}

// Result is the outcome of one forwarded request.
type Result struct {
	Status int    // status returned to the caller
	Reason string // failure reason, empty on success
	Err    error
}

// Failed reports whether the request failed before a backend response was relayed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// Inbound X-Forwarded headers that httputil.ReverseProxy drops in Rewrite mode.
// They are passed through unchanged.
var forwardedHeaders = []string{"Forwarded", "X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto"}

type forwardKey struct{}

type forwardState struct {
	route  routing.Route
	path   string // escaped
	result *Result
}

// Forwarder relays HTTP requests to route backends. One http.Transport is
// built per route at construction; the set never changes afterwards.
type Forwarder struct {
	opts       Options
	transports map[string]*http.Transport
	proxy      *httputil.ReverseProxy
}

// NewForwarder builds transports for every route.
func NewForwarder(routes []routing.Route, opts Options) *Forwarder {
	f := &Forwarder{
		opts:       opts,
		transports: make(map[string]*http.Transport, len(routes)),
	}
	for _, r := range routes {
		f.transports[r.Name] = newTransport(r, opts)
	}
	f.proxy = &httputil.ReverseProxy{
		Rewrite:        f.rewrite,
		Transport:      f,
		FlushInterval:  -1,
		ErrorLog:       logging.StdLogger(),
		ErrorHandler:   f.handleError,
		ModifyResponse: f.modifyResponse,
	}
	return f
}

func newTransport(r routing.Route, opts Options) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   opts.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	t := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.DialTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if r.IsTLS() {
		t.TLSClientConfig = backendTLSConfig(r)
	}
	return t
}

func backendTLSConfig(r routing.Route, nextProtos ...string) *tls.Config {
	return &tls.Config{
		ServerName:         r.Host,
		InsecureSkipVerify: r.InsecureSkipVerify, //nolint:gosec // per-route opt-in for private backends
		MinVersion:         tls.VersionTLS12,
		NextProtos:         nextProtos,
	}
}

// Forward proxies r to route with its path replaced by rest (escaped). The
// response is streamed back through w.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, route routing.Route, rest string) *Result {
	res := &Result{}
	ctx := context.WithValue(r.Context(), forwardKey{}, &forwardState{route: route, path: rest, result: res})
	f.proxy.ServeHTTP(w, r.WithContext(ctx))
	return res
}

// RoundTrip dispatches to the transport of the request's route.
func (f *Forwarder) RoundTrip(req *http.Request) (*http.Response, error) {
	st := req.Context().Value(forwardKey{}).(*forwardState)
	t, ok := f.transports[st.route.Name]
	if !ok {
		return nil, fmt.Errorf("no transport for route %q", st.route.Name)
	}
	return t.RoundTrip(req)
}

// CloseIdleConnections closes idle keep-alive connections to all backends.
func (f *Forwarder) CloseIdleConnections() {
	for _, t := range f.transports {
		t.CloseIdleConnections()
	}
}

func (f *Forwarder) rewrite(pr *httputil.ProxyRequest) {
	st := pr.In.Context().Value(forwardKey{}).(*forwardState)

	pr.Out.URL.Scheme = st.route.Scheme
	pr.Out.URL.Host = st.route.Address()
	setEscapedPath(pr.Out.URL, st.path)
	// Empty Host makes the client use URL.Host for the Host header.
	pr.Out.Host = ""

	for _, h := range forwardedHeaders {
		if v, ok := pr.In.Header[h]; ok {
			pr.Out.Header[h] = v
		}
	}
	if f.opts.XForwarded {
		pr.SetXForwarded()
	}
}

func (f *Forwarder) modifyResponse(resp *http.Response) error {
	if st, ok := resp.Request.Context().Value(forwardKey{}).(*forwardState); ok {
		st.result.Status = resp.StatusCode
	}
	return nil
}

func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	st := r.Context().Value(forwardKey{}).(*forwardState)
	reason, status := ClassifyError(r.Context(), err)
	st.result.Err = err
	st.result.Reason = reason
	st.result.Status = status

	logging.Warnf("[proxy] forward failed service=%s backend=%s reason=%s err=%v", st.route.Name, st.route.Address(), reason, err)
	if reason == ReasonClientCanceled {
		return
	}
	http.Error(w, http.StatusText(status), status)
}

// setEscapedPath sets both Path and RawPath so that u.EscapedPath() == escaped.
func setEscapedPath(u *url.URL, escaped string) {
	p, err := url.PathUnescape(escaped)
	if err != nil {
		p = escaped
	}
	u.Path = p
	u.RawPath = ""
	if u.EscapedPath() != escaped {
		u.RawPath = escaped
	}
}
