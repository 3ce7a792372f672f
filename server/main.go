package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"collabtext/internal/backend"
	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/logging"
	"collabtext/internal/metrics"
	"collabtext/internal/relay"
	"collabtext/internal/rooms"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	flags := pflag.NewFlagSet("collabtext-server", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	flags.String("listen", ":8081", "address to listen on")
	flags.String("backplane", config.TransportRedis, "backplane transport: redis, nats or memory")
	flags.String("log-level", "info", "log level")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("Failed to load config")
	}
	logger, err := logging.New(cfg.Logging, nil)
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("Failed to set up logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("CollabText sync server failed")
	}
	logger.Info().Msg("CollabText sync server stopped")
}

// run serves until ctx is done. Everything it opens is released before it
// returns.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	// --- Connect to the backplane ---
	bp, err := backend.Open(ctx, cfg.Relay.Backplane, cfg, logger)
	if err != nil {
		return errors.Wrap(err, "could not connect to backplane")
	}
	defer bp.Close()

	// --- Room registry (PostgreSQL when configured) ---
	registry, closeRegistry, err := rooms.Open(ctx, cfg.Rooms, cfg.Database, logger)
	if err != nil {
		return errors.Wrap(err, "unable to set up room registry")
	}
	defer closeRegistry()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	relayCfg := relay.Config{
		Backplane:    bp.Factory,
		Registry:     registry,
		Metrics:      metrics.New(reg),
		MetricsPath:  cfg.Metrics.Path,
		Rate:         cfg.Relay.Rate,
		Burst:        cfg.Relay.Burst,
		ReadyTimeout: cfg.Relay.ReadyTimeout,
		Logger:       logger,
	}
	if cfg.Metrics.Enabled {
		relayCfg.Gatherer = reg
	}
	srv := relay.New(relayCfg)

	if cfg.Relay.Announce {
		if port, err := listenPort(cfg.Relay.Listen); err != nil {
			logger.Warn().Err(err).Msg("Not announcing over mDNS")
		} else if ann, err := discovery.Announce(cfg.Relay.Service, port, logger); err != nil {
			logger.Warn().Err(err).Msg("Failed to register mDNS service")
		} else {
			defer ann.Shutdown()
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Relay.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", cfg.Relay.Listen).Str("backplane", cfg.Relay.Backplane).Msg("CollabText sync server starting...")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "failed to start server")
	}
	<-shutdownDone
	return nil
}

func listenPort(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}
