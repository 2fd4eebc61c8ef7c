package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/edge-gateway/pkg/logging"
	"github.com/edge-gateway/pkg/metrics"
	"github.com/edge-gateway/pkg/proxy"
	"github.com/edge-gateway/pkg/routing"
)

// ServeHTTP dispatches on the first path segment. Requests for unknown services
// are rejected before any backend connection is attempted.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrade := proxy.IsUpgradeRequest(r)
	ex := newExchange(r, upgrade)

	route, rest, err := g.table.Resolve(r.URL.EscapedPath())
	if err != nil {
		if upgrade {
			g.refuseUpgrade(w, ex, metrics.UnknownService, err)
			return
		}
		g.rejectUnknown(w, ex, err)
		return
	}
	ex.service = route.Name
	ex.backend = route.Address()
	ex.advance(PhaseRouted)

	if upgrade {
		if !route.Upgrade {
			g.refuseUpgrade(w, ex, route.Name, errors.New("route does not accept upgrades"))
			return
		}
		g.serveUpgrade(w, r, ex, route, rest)
		return
	}
	if g.cors != nil {
		// Only resolved requests get CORS headers; unknown services stay 400.
		g.cors.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serveHTTP(w, r, ex, route, rest)
		})).ServeHTTP(w, r)
		return
	}
	g.serveHTTP(w, r, ex, route, rest)
}

func (g *Gateway) rejectUnknown(w http.ResponseWriter, ex *exchange, err error) {
	ex.fail(proxy.ReasonUnknownService, err)
	logging.Debugf("[dispatch] rejected id=%s path=%q err=%v", ex.id, ex.path, err)

	http.Error(w, "unknown service", http.StatusBadRequest)
	g.collector.RecordProxyError(metrics.UnknownService, proxy.ReasonUnknownService)
	g.collector.RecordResponse(metrics.UnknownService, http.StatusBadRequest)
	g.collector.RecordRequest(metrics.UnknownService, metrics.ProtocolHTTP, false, ex.elapsed())
}

// refuseUpgrade closes the caller's socket without answering the handshake.
func (g *Gateway) refuseUpgrade(w http.ResponseWriter, ex *exchange, service string, cause error) {
	ex.fail(proxy.ReasonUpgradeNotSupported, cause)
	g.collector.RecordProxyError(service, proxy.ReasonUpgradeNotSupported)
	g.collector.RecordRequest(service, metrics.ProtocolWebSocket, false, ex.elapsed())

	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		// HTTP/2 and test recorders cannot be hijacked; fall back to a status.
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	_ = conn.Close()
	logging.Debugf("[dispatch] upgrade refused id=%s service=%s path=%q", ex.id, service, ex.path)
}

func (g *Gateway) serveHTTP(w http.ResponseWriter, r *http.Request, ex *exchange, route routing.Route, rest string) {
	g.collector.IncActive(route.Name, metrics.ProtocolHTTP)
	defer g.collector.DecActive(route.Name, metrics.ProtocolHTTP)

	ex.advance(PhaseForwarding)
	res := g.forwarder.Forward(w, r, route, rest)

	if res.Failed() {
		ex.fail(res.Reason, res.Err)
		g.collector.RecordProxyError(route.Name, res.Reason)
	} else {
		ex.advance(PhaseCompleted)
	}
	if res.Status != 0 {
		g.collector.RecordResponse(route.Name, res.Status)
	}
	g.collector.RecordRequest(route.Name, metrics.ProtocolHTTP, !res.Failed(), ex.elapsed())
}

func (g *Gateway) serveUpgrade(w http.ResponseWriter, r *http.Request, ex *exchange, route routing.Route, rest string) {
	// Registered while the connection is still tracked by http.Server, so
	// Shutdown cannot return before the relay is counted.
	g.relays.Add(1)
	defer g.relays.Done()

	failHTTP := func(err error) {
		reason, status := proxy.ClassifyError(r.Context(), err)
		ex.fail(reason, err)
		logging.Warnf("[upgrade] failed id=%s service=%s backend=%s reason=%s err=%v", ex.id, route.Name, ex.backend, reason, err)
		g.collector.RecordProxyError(route.Name, reason)
		g.collector.RecordRequest(route.Name, metrics.ProtocolWebSocket, false, ex.elapsed())
		if reason != proxy.ReasonClientCanceled {
			http.Error(w, http.StatusText(status), status)
		}
		g.collector.RecordResponse(route.Name, status)
	}

	ex.advance(PhaseForwarding)
	backend, err := g.forwarder.DialBackend(r.Context(), route)
	if err != nil {
		failHTTP(err)
		return
	}
	if err := g.forwarder.WriteHandshake(backend, r, route, rest); err != nil {
		_ = backend.Close()
		failHTTP(err)
		return
	}

	conn, brw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		_ = backend.Close()
		ex.fail(proxy.ReasonHijackFailed, err)
		logging.Logf("[upgrade] hijack failed id=%s service=%s err=%v", ex.id, route.Name, err)
		g.collector.RecordProxyError(route.Name, proxy.ReasonHijackFailed)
		g.collector.RecordRequest(route.Name, metrics.ProtocolWebSocket, false, ex.elapsed())
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	_ = conn.SetDeadline(time.Time{})
	client := proxy.WithBufferedReader(conn, brw.Reader)

	// The relay ends on shutdown (g.ctx) or when the request context is done.
	ctx, cancel := context.WithCancel(g.ctx)
	defer cancel()
	stop := context.AfterFunc(r.Context(), cancel)
	defer stop()

	g.collector.IncActive(route.Name, metrics.ProtocolWebSocket)
	stats := proxy.Relay(ctx, client, backend, g.relayIdle)
	g.collector.DecActive(route.Name, metrics.ProtocolWebSocket)

	g.collector.RecordBytes(route.Name, stats.BytesUp, stats.BytesDown)
	g.collector.RecordRelayClosure(route.Name, stats.Reason)
	if stats.Reason == proxy.CloseIOError {
		ex.fail(stats.Reason, stats.Err)
		g.collector.RecordRequest(route.Name, metrics.ProtocolWebSocket, false, ex.elapsed())
	} else {
		ex.advance(PhaseCompleted)
		g.collector.RecordRequest(route.Name, metrics.ProtocolWebSocket, true, ex.elapsed())
	}
	logging.Debugf("[upgrade] closed id=%s service=%s reason=%s up=%d down=%d duration=%s",
		ex.id, route.Name, stats.Reason, stats.BytesUp, stats.BytesDown, stats.Duration.Truncate(time.Millisecond))
}
