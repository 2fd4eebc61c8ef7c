package routing

import (
	"net"
	"net/url"
	"strconv"
)

const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// Route maps a service identifier (first path segment) to a backend target.
type Route struct {
	Name               string `yaml:"name" json:"name"`                                 // Service identifier, e.g. "accounts"
	Scheme             string `yaml:"scheme" json:"scheme"`                             // http or https
	Host               string `yaml:"host" json:"host"`                                 // Backend host or IP
	Port               int    `yaml:"port" json:"port"`                                 // Backend port (defaults to 80/443 by scheme)
	Upgrade            bool   `yaml:"upgrade" json:"upgrade"`                           // Accept WebSocket/Upgrade requests
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" json:"insecure_skip_verify"` // Skip backend certificate verification
}

// Address returns the backend dial address (host:port).
func (r Route) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// URL returns the backend base URL (no path).
func (r Route) URL() *url.URL {
	return &url.URL{Scheme: r.Scheme, Host: r.Address()}
}

// IsTLS reports whether the backend is contacted over TLS.
func (r Route) IsTLS() bool {
	return r.Scheme == SchemeHTTPS
}

func defaultPort(scheme string) int {
	if scheme == SchemeHTTPS {
		return 443
	}
	return 80
}

// normalize fills in the default scheme and port.
func (r Route) normalize() Route {
	if r.Scheme == "" {
		r.Scheme = SchemeHTTP
	}
	if r.Port == 0 {
		r.Port = defaultPort(r.Scheme)
	}
	return r
}
