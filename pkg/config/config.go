package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/edge-gateway/pkg/routing"
	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned by LoadConfig when the file does not exist.
var ErrConfigNotFound = errors.New("config file not found")

// Config application configuration structure
type Config struct {
	Gateway GatewayConfig   `yaml:"gateway"`
	Metrics MetricsConfig   `yaml:"metrics"`
	Log     LogConfig       `yaml:"log"`
	Proxy   ProxyConfig     `yaml:"proxy"`
	CORS    CORSConfig      `yaml:"cors"`
	Routes  []routing.Route `yaml:"routes"`
}

// GatewayConfig inbound listener configuration
type GatewayConfig struct {
	BindAddr          string `yaml:"bind_addr"`           // Inbound listener address (e.g. ":8443")
	TLSCertFile       string `yaml:"tls_cert_file"`       // Serve TLS when both cert and key are set
	TLSKeyFile        string `yaml:"tls_key_file"`        //
	ProxyProtocol     bool   `yaml:"proxy_protocol"`      // Accept HAProxy PROXY protocol v1/v2 headers
	ReadHeaderTimeout int    `yaml:"read_header_timeout"` // Seconds to read request headers
	IdleTimeout       int    `yaml:"idle_timeout"`        // Keep-alive idle timeout for client connections (seconds)
	ShutdownTimeout   int    `yaml:"shutdown_timeout"`    // Graceful shutdown deadline (seconds)
}

// MetricsConfig admin listener configuration
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"`
	TelemetryPath string `yaml:"telemetry_path"`
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProxyConfig backend transport configuration
type ProxyConfig struct {
	DialTimeout           int  `yaml:"dial_timeout"`            // Seconds
	ResponseHeaderTimeout int  `yaml:"response_header_timeout"` // Seconds to wait for backend response headers
	IdleTimeout           int  `yaml:"idle_timeout"`            // Seconds without traffic before an upgraded relay is closed
	XForwarded            bool `yaml:"x_forwarded"`             // Append X-Forwarded-For/Host/Proto
}

// CORSConfig optional CORS handling for requests to known routes
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()

	if err := config.ApplyEnvOverrides(); err != nil {
		return nil, err
	}

	return &config, nil
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Gateway.BindAddr == "" {
		c.Gateway.BindAddr = ":8443"
	}
	if c.Gateway.ReadHeaderTimeout == 0 {
		c.Gateway.ReadHeaderTimeout = 10
	}
	if c.Gateway.IdleTimeout == 0 {
		c.Gateway.IdleTimeout = 120
	}
	if c.Gateway.ShutdownTimeout == 0 {
		c.Gateway.ShutdownTimeout = 15
	}

	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = ":9090"
	}
	if c.Metrics.TelemetryPath == "" {
		c.Metrics.TelemetryPath = "/metrics"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Proxy.DialTimeout == 0 {
		c.Proxy.DialTimeout = 10
	}
	if c.Proxy.ResponseHeaderTimeout == 0 {
		c.Proxy.ResponseHeaderTimeout = 60
	}
	if c.Proxy.IdleTimeout == 0 {
		c.Proxy.IdleTimeout = 300
	}
}

// Validate checks fields that cannot be defaulted.
func (c *Config) Validate() error {
	if (c.Gateway.TLSCertFile == "") != (c.Gateway.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file must be set together")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format %q", c.Log.Format)
	}
	if len(c.Routes) == 0 {
		return fmt.Errorf("no routes configured")
	}
	return nil
}

// RouteTable builds the immutable route table from the configured routes.
func (c *Config) RouteTable() (*routing.Table, error) {
	return routing.NewTable(c.Routes)
}

// TLSEnabled reports whether the inbound listener serves TLS.
func (c *Config) TLSEnabled() bool {
	return c.Gateway.TLSCertFile != "" && c.Gateway.TLSKeyFile != ""
}

// GetDialTimeout gets backend dial timeout
func (c *Config) GetDialTimeout() time.Duration {
	return time.Duration(c.Proxy.DialTimeout) * time.Second
}

// GetResponseHeaderTimeout gets backend response header timeout
func (c *Config) GetResponseHeaderTimeout() time.Duration {
	return time.Duration(c.Proxy.ResponseHeaderTimeout) * time.Second
}

// GetRelayIdleTimeout gets the idle timeout for upgraded connections
func (c *Config) GetRelayIdleTimeout() time.Duration {
	return time.Duration(c.Proxy.IdleTimeout) * time.Second
}

// GetReadHeaderTimeout gets inbound header read timeout
func (c *Config) GetReadHeaderTimeout() time.Duration {
	return time.Duration(c.Gateway.ReadHeaderTimeout) * time.Second
}

// GetIdleTimeout gets inbound keep-alive idle timeout
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Gateway.IdleTimeout) * time.Second
}

// GetShutdownTimeout gets graceful shutdown timeout
func (c *Config) GetShutdownTimeout() time.Duration {
	return time.Duration(c.Gateway.ShutdownTimeout) * time.Second
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() error {
	if val := os.Getenv("GATEWAY_BIND_ADDR"); val != "" {
		c.Gateway.BindAddr = val
	}
	if val := os.Getenv("GATEWAY_TLS_CERT_FILE"); val != "" {
		c.Gateway.TLSCertFile = val
	}
	if val := os.Getenv("GATEWAY_TLS_KEY_FILE"); val != "" {
		c.Gateway.TLSKeyFile = val
	}
	if val := os.Getenv("GATEWAY_PROXY_PROTOCOL"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("GATEWAY_PROXY_PROTOCOL: invalid boolean %q", val)
		}
		c.Gateway.ProxyProtocol = b
	}

	if val := os.Getenv("METRICS_LISTEN_ADDRESS"); val != "" {
		c.Metrics.ListenAddress = val
	}
	if val := os.Getenv("METRICS_TELEMETRY_PATH"); val != "" {
		c.Metrics.TelemetryPath = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}

	for env, dst := range map[string]*int{
		"PROXY_DIAL_TIMEOUT_SECONDS":            &c.Proxy.DialTimeout,
		"PROXY_RESPONSE_HEADER_TIMEOUT_SECONDS": &c.Proxy.ResponseHeaderTimeout,
		"PROXY_IDLE_TIMEOUT_SECONDS":            &c.Proxy.IdleTimeout,
	} {
		if err := setSeconds(env, dst); err != nil {
			return err
		}
	}

	// GATEWAY_ROUTES replaces the routes from the file entirely.
	if val := os.Getenv("GATEWAY_ROUTES"); val != "" {
		routes, err := routing.ParseRouteString(val)
		if err != nil {
			return fmt.Errorf("GATEWAY_ROUTES: %w", err)
		}
		c.Routes = routes
	}
	return nil
}

func setSeconds(env string, dst *int) error {
	val := os.Getenv(env)
	if val == "" {
		return nil
	}
	i, err := strconv.Atoi(val)
	if err != nil || i <= 0 {
		return fmt.Errorf("%s: want a positive number of seconds, got %q", env, val)
	}
	*dst = i
	return nil
}
