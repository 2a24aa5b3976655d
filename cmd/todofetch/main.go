// Package main is the entry point for the todofetch binary. It dispatches three subcommands
// (fetch, serve and version) with a plain switch on os.Args; fetch is the default and prints
// the upstream todo document as one line of JSON on stdout.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/todofetch/todofetch/internal/api"
	"github.com/todofetch/todofetch/internal/config"
	"github.com/todofetch/todofetch/internal/fetcher"
	"github.com/todofetch/todofetch/internal/safego"
	"github.com/todofetch/todofetch/internal/static"
	"github.com/todofetch/todofetch/internal/telemetry"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run(args []string, stdout io.Writer) error {
	command := "fetch"
	if len(args) > 0 {
		command = args[0]
	}

	switch command {
	case "fetch", "serve":
	case "version":
		_, err := fmt.Fprintf(stdout, "todofetch v%s\n", version)
		return err
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: fetch, serve, version", command)
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if command == "serve" {
		return serve(cfg)
	}
	return fetch(cfg, stdout)
}

// fetch performs the one-shot upstream request. Logs and spans go to stderr; stdout only ever
// receives the JSON line.
func fetch(cfg *config.Config, stdout io.Writer) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level, "stderr")

	shutdownTracing, err := setupTracing(cfg, false)
	if err != nil {
		return err
	}
	defer flushTraces(shutdownTracing)

	return fetcher.New(cfg.Fetch.URL, cfg.Fetch.Timeout).Run(context.Background(), stdout)
}

func setupTracing(cfg *config.Config, batch bool) (telemetry.ShutdownFunc, error) {
	headers, err := cfg.Telemetry.Tracing.HeaderMap()
	if err != nil {
		return nil, fmt.Errorf("failed to parse tracing headers: %w", err)
	}
	shutdown, err := telemetry.SetupTracing(telemetry.TracingOptions{
		Enabled:     cfg.Telemetry.Tracing.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Exporter:    cfg.Telemetry.Tracing.Exporter,
		Endpoint:    cfg.Telemetry.Tracing.Endpoint,
		Headers:     headers,
		Batch:       batch,
	}, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	return shutdown, nil
}

func flushTraces(shutdown telemetry.ShutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Warn("failed to flush traces", "error", err)
	}
}

func serve(cfg *config.Config) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Logging.Output)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracing, err := setupTracing(cfg, true)
	if err != nil {
		return err
	}
	defer flushTraces(shutdownTracing)

	// Prometheus runs on its own port so the scrape path stays off the public listener
	// and outside the rate limiter.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		safego.Go("metrics-server", func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	server, bgServices, err := newServer(cfg)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		bgServices.Shutdown()
		return fmt.Errorf("failed to start server: %w", err)
	}

	slog.Info("starting server",
		"addr", ln.Addr().String(),
		"public_dir", cfg.Server.PublicDir,
		"upstream", cfg.Fetch.URL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serveHTTP(ctx, ln, server, bgServices)
}

// newServer builds the HTTP server and the background services its router started.
func newServer(cfg *config.Config) (*http.Server, *api.BackgroundServices, error) {
	public, err := static.NewDir(cfg.Server.PublicDir)
	if err != nil {
		return nil, nil, err
	}

	router, bgServices, err := api.NewRouter(cfg, fetcher.New(cfg.Fetch.URL, cfg.Fetch.Timeout), public, version)
	if err != nil {
		return nil, nil, err
	}

	return &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, bgServices, nil
}

type backgroundServices interface {
	Shutdown()
}

// serveHTTP serves on ln until ctx is cancelled, then drains in-flight requests for up to
// shutdownTimeout. Background services are stopped only after the server has returned.
func serveHTTP(ctx context.Context, ln net.Listener, server *http.Server, bg backgroundServices) error {
	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		bg.Shutdown()
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		bg.Shutdown()
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	bg.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}
