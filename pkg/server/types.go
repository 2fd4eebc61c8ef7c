package server

import (
	"context"
	"sync"
	"time"

	"github.com/edge-gateway/pkg/config"
	"github.com/edge-gateway/pkg/metrics"
	"github.com/edge-gateway/pkg/proxy"
	"github.com/edge-gateway/pkg/routing"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
)

// Gateway edge router: resolves the first path segment against an immutable
// route table and forwards the request, or relays an upgraded connection.
type Gateway struct {
	cfg       *config.Config
	table     *routing.Table
	forwarder *proxy.Forwarder
	registry  *prometheus.Registry
	collector *metrics.Collector
	cors      *cors.Cors // nil when disabled

	relayIdle time.Duration

	// ctx is cancelled on shutdown; upgraded relays derive from it because
	// http.Server.Shutdown does not track hijacked connections.
	ctx    context.Context
	cancel context.CancelFunc
	relays sync.WaitGroup

	// accept EOF log throttling (to avoid flooding debug logs)
	acceptEOFLock       sync.Mutex
	acceptEOFLastLogAt  time.Time
	acceptEOFSuppressed int
}
