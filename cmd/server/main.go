package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/maproom/internal/api"
	"github.com/npezzotti/maproom/internal/bus"
	"github.com/npezzotti/maproom/internal/config"
	"github.com/npezzotti/maproom/internal/database"
	"github.com/npezzotti/maproom/internal/logging"
	"github.com/npezzotti/maproom/internal/roomcode"
	"github.com/npezzotti/maproom/internal/server"
	"github.com/npezzotti/maproom/internal/stats"
	"github.com/rs/zerolog"
)

var (
	configPath string
	addr       string
)

func main() {
	flag.StringVar(&configPath, "config", "", "path to a YAML config file")
	flag.StringVar(&addr, "addr", "", "server address, overrides the config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if addr != "" {
		cfg.ServerAddr = addr
	}

	logger, err := logging.New(os.Stderr, logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("maproom exited")
	}
}

func newCodeGenerator(cfg config.RoomsConfig) *roomcode.Generator {
	alphabet := roomcode.LowerAlphabet
	if cfg.MixedCase {
		alphabet = roomcode.MixedAlphabet
	}
	return roomcode.NewGenerator(alphabet).WithMaxAttempts(cfg.MaxAttempts)
}

// newBus connects the configured fan-out bus. The returned cleanup stops
// the embedded broker, if one was started.
func newBus(ctx context.Context, cfg config.BusConfig, logger zerolog.Logger) (bus.Bus, func(), error) {
	breaker := bus.BreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		Timeout:          cfg.BreakerTimeout,
	}

	switch cfg.Kind {
	case config.BusLocal:
		return bus.NewLocal(logger), func() {}, nil

	case config.BusRedis:
		b, err := bus.NewRedis(ctx, bus.RedisConfig{
			Addr:           cfg.RedisAddr,
			Password:       cfg.RedisPassword,
			DB:             cfg.RedisDB,
			Prefix:         cfg.Prefix,
			ConnectRetries: cfg.RedisConnectRetries,
			Breaker:        breaker,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("redis bus: %w", err)
		}
		return b, func() {}, nil

	case config.BusNATS:
		url := cfg.URL
		stop := func() {}
		if cfg.Embedded {
			ns, err := bus.StartEmbedded(bus.EmbeddedConfig{Host: cfg.EmbeddedHost, Port: cfg.EmbeddedPort})
			if err != nil {
				return nil, nil, fmt.Errorf("embedded nats: %w", err)
			}
			logger.Info().Str("url", ns.ClientURL()).Msg("embedded nats server started")
			url = ns.ClientURL()
			stop = ns.Shutdown
		}

		b, err := bus.NewNATS(bus.NATSConfig{
			URL:     url,
			Prefix:  cfg.Prefix,
			Name:    "maproom",
			Breaker: breaker,
		}, logger)
		if err != nil {
			stop()
			return nil, nil, fmt.Errorf("nats bus: %w", err)
		}
		return b, stop, nil
	}

	return nil, nil, fmt.Errorf("unsupported bus kind %q", cfg.Kind)
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	codes := newCodeGenerator(cfg.Rooms)

	store, err := database.Open(cfg.Database.Driver, cfg.Database.DSN, codes)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	if cfg.Database.Migrate {
		if err := store.Migrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	b, stopBroker, err := newBus(startCtx, cfg.Bus, logger)
	cancel()
	if err != nil {
		return err
	}
	defer stopBroker()

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)

	gw := server.NewGateway(logger, store, b, codes, statsUpdater, server.GatewayConfig{
		JoinRate:      cfg.Gateway.JoinRate,
		JoinBurst:     cfg.Gateway.JoinBurst,
		LookupTimeout: cfg.Gateway.LookupTimeout,
	})
	trigger := server.NewTrigger(logger, store, gw, cfg.Gateway.LookupTimeout)

	srv := api.NewMapRoomApp(mux, logger, gw, trigger, store, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown")
	}

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("gateway shutdown")
	}

	trigger.Close()

	if err := b.Close(); err != nil {
		logger.Error().Err(err).Msg("bus close")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
