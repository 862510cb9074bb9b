package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/estimator"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/geocode"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/rooms"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	flags := pflag.NewFlagSet("server", pflag.ContinueOnError)
	flags.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (json, text)")
	flags.BoolVar(&cfg.RunMigrations, "migrate", cfg.RunMigrations, "apply the rides schema on startup")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "flags: %v\n", err)
		os.Exit(2)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	checkers := map[string]httpapi.Checker{}

	var (
		index geo.Index          = geo.NewMemoryIndex()
		cache geocode.CacheStore = geocode.NewMemoryCache(cfg.GeocodeCacheTTL)
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		cache = geocode.NewRedisCache(geocode.NewRedisKV(rc), cfg.GeocodeCacheTTL)
		checkers["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		logger.Info("using redis location index", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}
	geocoder := geocode.NewCached(provider, cache)

	estOpts := []estimator.Option{estimator.WithAverageSpeed(cfg.AverageSpeedKmh), estimator.WithLogger(logger)}
	if cfg.OSRMURL != "" {
		estOpts = append(estOpts, estimator.WithRouter(estimator.NewOSRMClient(cfg.OSRMURL)))
	}
	est := estimator.New(geocoder, estOpts...)

	var store storage.TripStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migration applied", "table", "rides")
		}
		store = ps
		checkers["postgres"] = ps.Ping
	}

	registry := presence.NewRegistry()
	broadcaster := rooms.NewBroadcaster(registry, logger)

	rideOpts := []ride.Option{ride.WithLogger(logger)}
	sessionDeps := session.Deps{Presence: registry, Rooms: broadcaster, Index: index}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaRideTopic)
		defer kp.Close()
		rideOpts = append(rideOpts, ride.WithEventSink(kp))
		sessionDeps.Locations = kp
		logger.Info("forwarding events to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic, "ride_topic", cfg.KafkaRideTopic)
	}
	coord := ride.NewCoordinator(store, broadcaster, est, rideOpts...)
	sessionDeps.Rides = coord

	handler := session.NewHandler(sessionDeps,
		session.WithLogger(logger),
		session.WithLocationRate(cfg.LocationRatePerSec, cfg.LocationBurst))

	deps := httpapi.Deps{
		Estimator:   est,
		Suggester:   geocoder,
		Rides:       coord,
		Nearby:      index,
		Checkers:    checkers,
		NearbyLimit: cfg.NearbyLimit,
	}
	var wsVerifier session.Verifier
	if cfg.JWTSecret != "" {
		v := auth.NewVerifier(cfg.JWTSecret)
		wsVerifier = v
		deps.Verifier = v
	}
	deps.WS = session.NewWSServer(handler, wsVerifier, session.WSConfig{
		SendBuffer:     cfg.WSSendBuffer,
		ReadLimit:      cfg.WSReadLimit,
		PingPeriod:     cfg.WSPingPeriod,
		AllowedOrigins: cfg.WSAllowedOrigins,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(deps, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "geocoder", cfg.Geocoder)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newProvider(cfg config.ServerConfig) (geocode.Provider, error) {
	if cfg.Geocoder == "google" {
		g, err := geocode.NewGoogle(cfg.GoogleMapsAPIKey)
		if err != nil {
			return nil, fmt.Errorf("google maps client: %w", err)
		}
		return g, nil
	}
	return geocode.NewNominatim(cfg.NominatimURL, cfg.NominatimUserAgent, cfg.SuggestCountryCodes), nil
}
