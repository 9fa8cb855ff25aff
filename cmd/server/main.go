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
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/ratings"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trips"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var index geo.Index
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		index = geo.NewRedisIndex(rc, cfg.RedisGeoKey, cfg.RedisSearchRadiusKm)
		logger.Info("using redis geo index", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	} else {
		index = geo.NewMemoryIndex()
		logger.Info("using in-memory geo index")
	}

	reg := registry.New(store, index, logger)
	if _, err := reg.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild geo index: %w", err)
	}

	bus := events.NewBus(logger)
	agg := ratings.NewAggregator(store, logger)
	agg.Attach(bus)

	quoter, err := pricing.New(cfg.PricingMode,
		pricing.Fixed{Fare: cfg.DefaultFare, EstimatedMinutes: cfg.DefaultEstimatedMinutes},
		pricing.DistanceRated{BaseFare: cfg.BaseFare, PerKm: cfg.FarePerKm, SpeedKmh: cfg.AverageSpeedKmh},
	)
	if err != nil {
		return err
	}
	tm := trips.NewManager(store, trips.Options{
		Quoter:        quoter,
		PaymentMethod: models.PaymentMethod(cfg.DefaultPaymentMethod),
		Bus:           bus,
		Logger:        logger,
	})
	d := dispatch.New(dispatch.Config{
		Candidates:  cfg.DispatchCandidates,
		ClaimRounds: cfg.DispatchClaimRounds,
		PendingTTL:  cfg.PendingRequestTTL,
	}, reg, store, tm, bus, logger)
	go d.Run(ctx, cfg.PendingSweepInterval)

	deps := httpapi.Deps{
		Registry:   reg,
		Dispatcher: d,
		Trips:      tm,
		Reviews:    ratings.NewReviewService(store, reg, bus, logger),
		Aggregator: agg,
		Auth:       auth.NewAuthenticator(cfg.JWTSecret),
		Logger:     logger,
	}
	if len(cfg.KafkaBrokers) > 0 {
		locations := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer locations.Close()
		deps.Locations = locations

		evs := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer evs.Close()
		ingest.ForwardEvents(bus, evs, logger)
		logger.Info("kafka publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic, "events_topic", cfg.KafkaEventsTopic)
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(deps),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
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

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ps, err := storage.NewPostgresStore(openCtx, cfg.PGDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.RunMigrations {
		script, err := os.ReadFile(cfg.MigrationFile)
		if err != nil {
			ps.Close()
			return nil, fmt.Errorf("read migration: %w", err)
		}
		if err := ps.Migrate(openCtx, string(script)); err != nil {
			ps.Close()
			return nil, fmt.Errorf("apply migration %s: %w", cfg.MigrationFile, err)
		}
		logger.Info("migration applied", "file", cfg.MigrationFile)
	}
	return ps, nil
}
