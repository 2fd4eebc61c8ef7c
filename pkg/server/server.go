package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/edge-gateway/pkg/config"
	"github.com/edge-gateway/pkg/logging"
	"github.com/edge-gateway/pkg/metrics"
	"github.com/edge-gateway/pkg/proxy"
	"github.com/edge-gateway/pkg/routing"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewGateway creates a gateway serving table with the settings in cfg.
func NewGateway(cfg *config.Config, table *routing.Table) (*Gateway, error) {
	if cfg == nil || table == nil {
		return nil, fmt.Errorf("gateway needs a config and a route table")
	}
	registry := prometheus.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	g := &Gateway{
		cfg:   cfg,
		table: table,
		forwarder: proxy.NewForwarder(table.Routes(), proxy.Options{
			DialTimeout:           cfg.GetDialTimeout(),
			ResponseHeaderTimeout: cfg.GetResponseHeaderTimeout(),
			IdleTimeout:           cfg.GetRelayIdleTimeout(),
			XForwarded:            cfg.Proxy.XForwarded,
		}),
		registry:  registry,
		cors:      newCORS(cfg.CORS),
		relayIdle: cfg.GetRelayIdleTimeout(),
		ctx:       ctx,
		cancel:    cancel,
	}
	g.collector = metrics.NewCollector(table.Routes)
	if err := registry.Register(g.collector); err != nil {
		cancel()
		return nil, fmt.Errorf("register collector: %w", err)
	}
	return g, nil
}

// newCORS returns nil when no origins are configured. Preflights pass through
// to the backend after the CORS headers are set.
func newCORS(cfg config.CORSConfig) *cors.Cors {
	if len(cfg.AllowedOrigins) == 0 {
		return nil
	}
	return cors.New(cors.Options{
		AllowedOrigins:     cfg.AllowedOrigins,
		AllowedMethods:     []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:     []string{"*"},
		AllowCredentials:   cfg.AllowCredentials,
		MaxAge:             300,
		OptionsPassthrough: true,
	})
}

// Handler returns the inbound HTTP handler: every path goes to the dispatcher.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/", g)
	r.Handle("/*", g)
	return r
}

// AdminHandler returns the metrics/health listener's handler.
func (g *Gateway) AdminHandler() http.Handler {
	metricsPath := g.cfg.Metrics.TelemetryPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, metricsPath, promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{
		ErrorLog: logging.StdLogger(),
	}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/routes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(g.table.Routes()); err != nil {
			logging.Logf("[admin] encode routes failed: %v", err)
		}
	})
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html>
<head><title>Edge Gateway</title></head>
<body>
<h1>Edge Gateway</h1>
<p><a href="` + metricsPath + `">Metrics</a></p>
<p><a href="/routes">Routes</a></p>
</body>
</html>`))
	})
	return r
}

// RouteTableLines returns a stable one-line-per-route rendering of the table.
func RouteTableLines(table *routing.Table) []string {
	routes := table.Routes()
	if len(routes) == 0 {
		return []string{"routes=[]"}
	}
	lines := make([]string, 0, len(routes))
	for _, r := range routes {
		var flags []string
		if r.Upgrade {
			flags = append(flags, "upgrade")
		}
		if r.InsecureSkipVerify {
			flags = append(flags, "insecure")
		}
		line := fmt.Sprintf("/%s -> %s", r.Name, r.URL())
		if len(flags) > 0 {
			line += " [" + strings.Join(flags, ",") + "]"
		}
		lines = append(lines, line)
	}
	return lines
}

// LogRouteTable prints the route table, one line per route.
func LogRouteTable(table *routing.Table) {
	instance := logging.GetInstanceID()
	logging.Logf("[routes] instance=%s count=%d", instance, table.Len())
	for _, line := range RouteTableLines(table) {
		logging.Logf("[routes] %s", line)
	}
}
