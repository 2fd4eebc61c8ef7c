package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/edge-gateway/pkg/config"
	"github.com/edge-gateway/pkg/logging"
	"github.com/edge-gateway/pkg/server"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	configFile    = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for web interface and telemetry (overrides config).").String()
	telemetryPath = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics (overrides config).").String()
	bindAddr      = kingpin.Flag("bind-addr", "Address to bind for the gateway (overrides config).").String()
	checkConfig   = kingpin.Flag("check-config", "Validate configuration, print the route table and exit.").Bool()
)

func main() {
	kingpin.Parse()

	appConfig, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Init(appConfig.Log.Level, appConfig.Log.Format); err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		os.Exit(1)
	}
	defer logging.Flush()

	table, err := appConfig.RouteTable()
	if err != nil {
		logging.Fatalf("Invalid route table: %v", err)
	}

	logging.Logf("Gateway initialized with ID: %s", logging.GetInstanceID())
	server.LogRouteTable(table)
	if *checkConfig {
		logging.Log("Configuration OK")
		return
	}

	gateway, err := server.NewGateway(appConfig, table)
	if err != nil {
		logging.Fatalf("Failed to create gateway: %v", err)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logging.Log("Received shutdown signal, shutting down gracefully...")
		cancel()
	}()

	if err := gateway.Run(ctx); err != nil {
		logging.Fatalf("Gateway error: %v", err)
	}
}

// loadConfig reads the config file (falling back to defaults when it does not
// exist), then applies environment and command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(*configFile)
	if errors.Is(err, config.ErrConfigNotFound) {
		logging.Logf("Warning: %v, using defaults", err)
		cfg = &config.Config{}
		cfg.SetDefaults()
		if err := cfg.ApplyEnvOverrides(); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	if *bindAddr != "" {
		cfg.Gateway.BindAddr = *bindAddr
	}
	if *listenAddress != "" {
		cfg.Metrics.ListenAddress = *listenAddress
	}
	if *telemetryPath != "" {
		cfg.Metrics.TelemetryPath = *telemetryPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
