package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"lendingcore/observability/logging"
	telemetry "lendingcore/observability/otel"
	lendingserver "lendingcore/services/lending/server"
	"lendingcore/services/lendingd/config"
)

func main() {
	var cfgPath, genesisPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.StringVar(&genesisPath, "genesis", "", "override the market genesis TOML path")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if genesisPath != "" {
		cfg.GenesisPath = genesisPath
	}

	logger, logCloser := logging.SetupWithOptions("lendingd", cfg.Environment, cfg.Logging)
	defer logCloser.Close()

	telemetryCfg := cfg.Telemetry
	telemetryCfg.ServiceName = "lendingd"
	telemetryCfg.Environment = cfg.Environment
	if telemetryCfg.Endpoint == "" {
		telemetryCfg.Endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
		telemetryCfg.Headers = telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
		telemetryCfg.Insecure = true
		if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
			if parsed, err := strconv.ParseBool(value); err == nil {
				telemetryCfg.Insecure = parsed
			}
		}
		telemetryCfg.Metrics, telemetryCfg.Traces = true, true
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	genesis, err := config.LoadGenesis(cfg.GenesisPath)
	if err != nil {
		log.Fatalf("load genesis: %v", err)
	}
	logger.Info("configuration loaded", "config", cfg.Sanitized())

	application, err := newApp(cfg, genesis, defaultMetrics(), logger)
	if err != nil {
		log.Fatalf("start lending: %v", err)
	}
	defer application.Close()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.ListenAddress, err)
	}
	if cfg.TLS.AllowInsecure && cfg.TLS.CertPath == "" {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(cfg.Environment, "dev") && !loopback {
			log.Fatalf("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
	}
	tlsCfg, err := lendingserver.TLSConfig(lendingserver.TLSOptions{
		CertFile:      cfg.TLS.CertPath,
		KeyFile:       cfg.TLS.KeyPath,
		ClientCAFile:  cfg.TLS.ClientCAPath,
		AllowInsecure: cfg.TLS.AllowInsecure,
		MTLSRequired:  cfg.TLS.MTLSRequired,
	})
	if err != nil {
		log.Fatalf("configure tls: %v", err)
	}

	server := &http.Server{
		Handler:           application.handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.Default(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", "addr", listener.Addr().String(), "tls", tlsCfg != nil)
		if tlsCfg != nil {
			serverErr <- server.ServeTLS(listener, "", "")
			return
		}
		serverErr <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			_ = server.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}
}
