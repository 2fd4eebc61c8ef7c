package metrics

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/edge-gateway/pkg/routing"
	"github.com/prometheus/client_golang/prometheus"
)

// UnknownService is the service label used for requests that matched no route,
// so arbitrary path segments never become label values.
const UnknownService = "_unknown"

const (
	ProtocolHTTP      = "http"
	ProtocolWebSocket = "websocket"
)

type seriesKey struct {
	service string
	label   string
}

// Collector Prometheus metrics collector
type Collector struct {
	GetRoutes func() []routing.Route

	// Info metric (always 1)
	serverInfo *prometheus.Desc

	// Route table
	routesTotal *prometheus.Desc
	routeInfo   *prometheus.Desc

	// Request metrics
	requestsTotal      *prometheus.Desc
	requestsFailed     *prometheus.Desc
	latencySeconds     *prometheus.Desc
	responsesTotal     *prometheus.Desc
	connectionsActive  *prometheus.Desc
	connectionsBytesTx *prometheus.Desc
	connectionsBytesRx *prometheus.Desc
	proxyErrorsTotal   *prometheus.Desc
	relayClosuresTotal *prometheus.Desc

	metricsLock   sync.RWMutex
	requests      map[seriesKey]float64 // service, protocol
	requestsFail  map[seriesKey]float64 // service, protocol
	latencySum    map[seriesKey]float64 // service, protocol
	latencyCount  map[seriesKey]float64 // service, protocol
	responses     map[seriesKey]float64 // service, status class
	active        map[seriesKey]float64 // service, protocol
	bytesTx       map[string]float64
	bytesRx       map[string]float64
	proxyErrors   map[seriesKey]float64 // service, reason
	relayClosures map[seriesKey]float64 // service, reason
}

// NewCollector creates a new metrics collector
func NewCollector(getRoutes func() []routing.Route) *Collector {
	return &Collector{
		GetRoutes: getRoutes,
		serverInfo: prometheus.NewDesc(
			"edge_gateway_server_info",
			"Gateway process info metric (always 1)",
			[]string{"node", "pod"},
			nil,
		),
		routesTotal: prometheus.NewDesc(
			"edge_gateway_routes_total",
			"Number of routes in the route table",
			[]string{"node", "pod"},
			nil,
		),
		routeInfo: prometheus.NewDesc(
			"edge_gateway_route_info",
			"Configured route (always 1)",
			[]string{"service", "scheme", "backend", "upgrade", "node", "pod"},
			nil,
		),
		requestsTotal: prometheus.NewDesc(
			"edge_gateway_requests_total",
			"Total number of proxied requests and upgraded connections",
			[]string{"service", "protocol", "node", "pod"},
			nil,
		),
		requestsFailed: prometheus.NewDesc(
			"edge_gateway_requests_failed_total",
			"Total number of failed proxied requests and upgraded connections",
			[]string{"service", "protocol", "node", "pod"},
			nil,
		),
		latencySeconds: prometheus.NewDesc(
			"edge_gateway_latency_seconds",
			"Average duration of successful requests in seconds",
			[]string{"service", "protocol", "node", "pod"},
			nil,
		),
		responsesTotal: prometheus.NewDesc(
			"edge_gateway_responses_total",
			"Responses returned to callers by status class",
			[]string{"service", "code", "node", "pod"},
			nil,
		),
		connectionsActive: prometheus.NewDesc(
			"edge_gateway_connections_active",
			"In-flight requests and upgraded connections",
			[]string{"service", "protocol", "node", "pod"},
			nil,
		),
		connectionsBytesTx: prometheus.NewDesc(
			"edge_gateway_bytes_tx_total",
			"Bytes relayed from callers to backends on upgraded connections",
			[]string{"service", "node", "pod"},
			nil,
		),
		connectionsBytesRx: prometheus.NewDesc(
			"edge_gateway_bytes_rx_total",
			"Bytes relayed from backends to callers on upgraded connections",
			[]string{"service", "node", "pod"},
			nil,
		),
		proxyErrorsTotal: prometheus.NewDesc(
			"edge_gateway_proxy_errors_total",
			"Total number of proxy errors by reason",
			[]string{"service", "reason", "node", "pod"},
			nil,
		),
		relayClosuresTotal: prometheus.NewDesc(
			"edge_gateway_relay_closures_total",
			"Upgraded connections closed, by which side ended the relay",
			[]string{"service", "reason", "node", "pod"},
			nil,
		),
		requests:      make(map[seriesKey]float64),
		requestsFail:  make(map[seriesKey]float64),
		latencySum:    make(map[seriesKey]float64),
		latencyCount:  make(map[seriesKey]float64),
		responses:     make(map[seriesKey]float64),
		active:        make(map[seriesKey]float64),
		bytesTx:       make(map[string]float64),
		bytesRx:       make(map[string]float64),
		proxyErrors:   make(map[seriesKey]float64),
		relayClosures: make(map[seriesKey]float64),
	}
}

// IncActive increments the in-flight gauge.
func (c *Collector) IncActive(service, protocol string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.active[seriesKey{service, protocol}]++
}

// DecActive decrements the in-flight gauge.
func (c *Collector) DecActive(service, protocol string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	k := seriesKey{service, protocol}
	if c.active[k] > 0 {
		c.active[k]--
	}
}

// RecordRequest records a finished request or relay.
func (c *Collector) RecordRequest(service, protocol string, success bool, duration time.Duration) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	k := seriesKey{service, protocol}
	c.requests[k]++
	if success {
		c.latencySum[k] += duration.Seconds()
		c.latencyCount[k]++
	} else {
		c.requestsFail[k]++
	}
}

// RecordResponse records the status code returned to the caller, bucketed as "2xx", "4xx", ...
func (c *Collector) RecordResponse(service string, status int) {
	class := "other"
	if status >= 100 && status < 600 {
		class = strconv.Itoa(status/100) + "xx"
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.responses[seriesKey{service, class}]++
}

// RecordBytes records relayed byte counts for an upgraded connection.
func (c *Collector) RecordBytes(service string, tx, rx int64) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.bytesTx[service] += float64(tx)
	c.bytesRx[service] += float64(rx)
}

// RecordProxyError records a proxy error by reason (low cardinality).
func (c *Collector) RecordProxyError(service, reason string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.proxyErrors[seriesKey{service, reason}]++
}

// RecordRelayClosure records why an upgraded connection ended.
func (c *Collector) RecordRelayClosure(service, reason string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.relayClosures[seriesKey{service, reason}]++
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.serverInfo
	ch <- c.routesTotal
	ch <- c.routeInfo
	ch <- c.requestsTotal
	ch <- c.requestsFailed
	ch <- c.latencySeconds
	ch <- c.responsesTotal
	ch <- c.connectionsActive
	ch <- c.connectionsBytesTx
	ch <- c.connectionsBytesRx
	ch <- c.proxyErrorsTotal
	ch <- c.relayClosuresTotal
}

func nodeAndPod() (string, string) {
	nodeName := os.Getenv("NODE_NAME")
	if nodeName == "" {
		nodeName = "unknown"
	}
	podName := os.Getenv("POD_NAME")
	if podName == "" {
		podName = os.Getenv("HOSTNAME")
		if podName == "" {
			podName = "unknown"
		}
	}
	return nodeName, podName
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	nodeName, podName := nodeAndPod()

	ch <- prometheus.MustNewConstMetric(c.serverInfo, prometheus.GaugeValue, 1, nodeName, podName)

	var routes []routing.Route
	if c.GetRoutes != nil {
		routes = c.GetRoutes()
	}
	ch <- prometheus.MustNewConstMetric(c.routesTotal, prometheus.GaugeValue, float64(len(routes)), nodeName, podName)
	for _, r := range routes {
		ch <- prometheus.MustNewConstMetric(
			c.routeInfo,
			prometheus.GaugeValue,
			1,
			r.Name, r.Scheme, r.Address(), strconv.FormatBool(r.Upgrade), nodeName, podName,
		)
	}

	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	emitPairs := func(desc *prometheus.Desc, vt prometheus.ValueType, m map[seriesKey]float64) {
		for k, v := range m {
			ch <- prometheus.MustNewConstMetric(desc, vt, v, k.service, k.label, nodeName, podName)
		}
	}
	emitPairs(c.requestsTotal, prometheus.CounterValue, c.requests)
	emitPairs(c.requestsFailed, prometheus.CounterValue, c.requestsFail)
	emitPairs(c.responsesTotal, prometheus.CounterValue, c.responses)
	emitPairs(c.connectionsActive, prometheus.GaugeValue, c.active)
	emitPairs(c.proxyErrorsTotal, prometheus.CounterValue, c.proxyErrors)
	emitPairs(c.relayClosuresTotal, prometheus.CounterValue, c.relayClosures)

	for k, sum := range c.latencySum {
		if n := c.latencyCount[k]; n > 0 {
			ch <- prometheus.MustNewConstMetric(
				c.latencySeconds,
				prometheus.GaugeValue,
				sum/n,
				k.service, k.label, nodeName, podName,
			)
		}
	}

	for name, value := range c.bytesTx {
		ch <- prometheus.MustNewConstMetric(c.connectionsBytesTx, prometheus.CounterValue, value, name, nodeName, podName)
	}
	for name, value := range c.bytesRx {
		ch <- prometheus.MustNewConstMetric(c.connectionsBytesRx, prometheus.CounterValue, value, name, nodeName, podName)
	}
}
