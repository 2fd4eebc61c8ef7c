package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/edge-gateway/pkg/routing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector() *Collector {
	return NewCollector(func() []routing.Route {
		return []routing.Route{
			{Name: "accounts", Scheme: "https", Host: "accounts-service", Port: 3000},
			{Name: "chat", Scheme: "https", Host: "chat-service", Port: 3001, Upgrade: true},
		}
	})
}

func TestCollectorRouteInfo(t *testing.T) {
	t.Setenv("NODE_NAME", "node-a")
	t.Setenv("POD_NAME", "gw-0")

	c := newTestCollector()
	expected := `
# HELP edge_gateway_routes_total Number of routes in the route table
# TYPE edge_gateway_routes_total gauge
edge_gateway_routes_total{node="node-a",pod="gw-0"} 2
# HELP edge_gateway_route_info Configured route (always 1)
# TYPE edge_gateway_route_info gauge
edge_gateway_route_info{backend="accounts-service:3000",node="node-a",pod="gw-0",scheme="https",service="accounts",upgrade="false"} 1
edge_gateway_route_info{backend="chat-service:3001",node="node-a",pod="gw-0",scheme="https",service="chat",upgrade="true"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"edge_gateway_routes_total", "edge_gateway_route_info"))
}

func TestCollectorRequests(t *testing.T) {
	t.Setenv("NODE_NAME", "node-a")
	t.Setenv("POD_NAME", "gw-0")

	c := newTestCollector()
	c.IncActive("accounts", ProtocolHTTP)
	c.RecordRequest("accounts", ProtocolHTTP, true, 250*time.Millisecond)
	c.RecordRequest("accounts", ProtocolHTTP, true, 750*time.Millisecond)
	c.RecordRequest("accounts", ProtocolHTTP, false, time.Second)
	c.RecordResponse("accounts", 200)
	c.RecordResponse("accounts", 502)
	c.RecordResponse(UnknownService, 400)
	c.RecordProxyError("accounts", "backend_unreachable")
	c.RecordBytes("chat", 10, 20)
	c.RecordRelayClosure("chat", "client_closed")
	c.DecActive("accounts", ProtocolHTTP)
	c.DecActive("accounts", ProtocolHTTP)

	expected := `
# HELP edge_gateway_requests_total Total number of proxied requests and upgraded connections
# TYPE edge_gateway_requests_total counter
edge_gateway_requests_total{node="node-a",pod="gw-0",protocol="http",service="accounts"} 3
# HELP edge_gateway_requests_failed_total Total number of failed proxied requests and upgraded connections
# TYPE edge_gateway_requests_failed_total counter
edge_gateway_requests_failed_total{node="node-a",pod="gw-0",protocol="http",service="accounts"} 1
# HELP edge_gateway_latency_seconds Average duration of successful requests in seconds
# TYPE edge_gateway_latency_seconds gauge
edge_gateway_latency_seconds{node="node-a",pod="gw-0",protocol="http",service="accounts"} 0.5
# HELP edge_gateway_responses_total Responses returned to callers by status class
# TYPE edge_gateway_responses_total counter
edge_gateway_responses_total{code="2xx",node="node-a",pod="gw-0",service="accounts"} 1
edge_gateway_responses_total{code="4xx",node="node-a",pod="gw-0",service="_unknown"} 1
edge_gateway_responses_total{code="5xx",node="node-a",pod="gw-0",service="accounts"} 1
# HELP edge_gateway_connections_active In-flight requests and upgraded connections
# TYPE edge_gateway_connections_active gauge
edge_gateway_connections_active{node="node-a",pod="gw-0",protocol="http",service="accounts"} 0
# HELP edge_gateway_bytes_tx_total Bytes relayed from callers to backends on upgraded connections
# TYPE edge_gateway_bytes_tx_total counter
edge_gateway_bytes_tx_total{node="node-a",pod="gw-0",service="chat"} 10
# HELP edge_gateway_proxy_errors_total Total number of proxy errors by reason
# TYPE edge_gateway_proxy_errors_total counter
edge_gateway_proxy_errors_total{node="node-a",pod="gw-0",reason="backend_unreachable",service="accounts"} 1
# HELP edge_gateway_relay_closures_total Upgraded connections closed, by which side ended the relay
# TYPE edge_gateway_relay_closures_total counter
edge_gateway_relay_closures_total{node="node-a",pod="gw-0",reason="client_closed",service="chat"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"edge_gateway_requests_total",
		"edge_gateway_requests_failed_total",
		"edge_gateway_latency_seconds",
		"edge_gateway_responses_total",
		"edge_gateway_connections_active",
		"edge_gateway_bytes_tx_total",
		"edge_gateway_proxy_errors_total",
		"edge_gateway_relay_closures_total",
	))
}

func TestCollectorRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(newTestCollector()))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
