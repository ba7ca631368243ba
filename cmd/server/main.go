package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	httpapi "teamclock/internal/http"
	"teamclock/internal/identity"
	"teamclock/internal/platform/config"
	"teamclock/internal/platform/database"
	"teamclock/internal/platform/httpserver"
	"teamclock/internal/platform/logger"
	platformmetrics "teamclock/internal/platform/metrics"
	platformredis "teamclock/internal/platform/redis"
	"teamclock/internal/registry/events"
	"teamclock/internal/registry/handler"
	registrymetrics "teamclock/internal/registry/metrics"
	"teamclock/internal/registry/seed"
	"teamclock/internal/registry/service"
	"teamclock/internal/registry/store/blob"
	"teamclock/internal/registry/store/idempotency"
	"teamclock/internal/registry/store/member"
	"teamclock/pkg/platform/circuit"
)

const serviceName = "teamclock"

// memberStore is what the server needs from whichever backend is configured.
type memberStore interface {
	service.Store
	seed.Store
	Ping(ctx context.Context) error
}

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(serviceName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisClient *platformredis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = platformredis.New(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	store, closeStore, err := openStore(ctx, cfg, redisClient, log)
	if err != nil {
		return err
	}
	defer closeStore()

	publisher, closePublisher, err := openPublisher(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closePublisher()

	var idem service.IdempotencyStore = idempotency.NewInMemory(nil)
	if redisClient != nil {
		idem = idempotency.NewRedis(redisClient.Client)
	}

	registry, err := service.New(store,
		service.WithLogger(log),
		service.WithMetrics(registrymetrics.New(prometheus.DefaultRegisterer)),
		service.WithEventPublisher(publisher),
		service.WithIdempotency(idem, cfg.Registry.IdempotencyTTL),
		service.WithReadPolicy(cfg.Registry.RequireAuthForList),
		service.WithStorageTimeout(cfg.Registry.StorageTimeout),
		service.WithRetries(uint64(cfg.Registry.StorageRetries), 0),
	)
	if err != nil {
		return err
	}

	if cfg.SeedFile != "" {
		if err := seedStore(ctx, cfg.SeedFile, store, log); err != nil {
			return err
		}
	}

	tokens := identity.NewJWTService(cfg.Auth.JWTSigningKey, cfg.Auth.JWTIssuer,
		identity.WithAdminEmails(cfg.Auth.AdminEmails),
	)
	router := httpapi.NewRouter(httpapi.Deps{
		Logger:         log,
		Verifier:       tokens,
		Health:         readiness{store: store, redis: redisClient},
		Metrics:        platformmetrics.New(prometheus.DefaultRegisterer),
		Gatherer:       prometheus.DefaultGatherer,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Routes:         []httpapi.RouteRegistrar{handler.New(registry, log)},
	})

	srv := httpserver.New(cfg.Server.Addr, router)

	log.InfoContext(ctx, "starting teamclock",
		"addr", cfg.Server.Addr,
		"store_backend", cfg.Store.Backend,
		"environment", cfg.Environment,
		"events", len(cfg.Kafka.Brokers) > 0,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, srv, log)
	})
	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", "error", err)
		return err
	}
	log.Info("server stopped")
	return nil
}

// readiness fails when the member store or the optional Redis is unreachable.
type readiness struct {
	store memberStore
	redis *platformredis.Client
}

func (r readiness) Ping(ctx context.Context) error {
	if err := r.store.Ping(ctx); err != nil {
		return err
	}
	if r.redis != nil {
		return r.redis.Health(ctx)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, redisClient *platformredis.Client, log *slog.Logger) (memberStore, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := database.Open(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := migrate(ctx, db, log); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return member.NewPostgres(db), func() { _ = db.Close() }, nil
	case config.BackendRedis:
		if redisClient == nil {
			return nil, nil, errors.New("redis backend selected but REDIS_URL is not set")
		}
		doc := blob.NewRedisDocument(redisClient.Client, blob.WithKey(cfg.Redis.BlobKey))
		return blob.New(doc), func() {}, nil
	default:
		log.Warn("using in-memory member store; data is lost on restart")
		return member.NewInMemory(), func() {}, nil
	}
}

func migrate(ctx context.Context, db *sql.DB, log *slog.Logger) error {
	migrator, err := database.NewMigrator(db, log)
	if err != nil {
		return err
	}
	return migrator.Up(ctx)
}

func openPublisher(ctx context.Context, cfg config.Config, log *slog.Logger) (service.EventPublisher, func(), error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return events.Noop{}, func() {}, nil
	}
	publisher, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, events.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}
	if err := publisher.EnsureTopic(ctx, 1, 1); err != nil {
		log.WarnContext(ctx, "could not ensure events topic", "topic", cfg.Kafka.Topic, "error", err)
	}
	guarded := events.NewGuardedPublisher(publisher, circuit.New("kafka"), log)
	return guarded, publisher.Close, nil
}

func seedStore(ctx context.Context, path string, store seed.Store, log *slog.Logger) error {
	file, err := seed.LoadFile(path)
	if err != nil {
		return err
	}
	_, err = seed.Apply(ctx, store, file, nil, log)
	return err
}
