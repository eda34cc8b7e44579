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

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"halalledger/internal/ledger/backend"
	"halalledger/internal/ledger/backend/memory"
	pgbackend "halalledger/internal/ledger/backend/postgres"
	"halalledger/internal/ledger/cache"
	"halalledger/internal/ledger/handler"
	ledgermetrics "halalledger/internal/ledger/metrics"
	"halalledger/internal/ledger/policy"
	"halalledger/internal/ledger/publisher/kafka"
	"halalledger/internal/ledger/service"
	"halalledger/internal/platform/config"
	"halalledger/internal/platform/httpserver"
	"halalledger/internal/platform/jwttoken"
	"halalledger/internal/platform/logger"
	"halalledger/internal/platform/metrics"
	"halalledger/internal/platform/middleware"
	"halalledger/internal/platform/postgres"
	"halalledger/internal/platform/ratelimit"
	redisclient "halalledger/internal/platform/redis"
	"halalledger/pkg/domain"
	"halalledger/pkg/platform/audit"
	auditpublisher "halalledger/pkg/platform/audit/publisher"
	auditmemory "halalledger/pkg/platform/audit/store/memory"
	auditpostgres "halalledger/pkg/platform/audit/store/postgres"
	authmw "halalledger/pkg/platform/middleware/auth"
)

const auditBufferSize = 1024

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal/ledger.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("halal-ledger stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	stagePolicy, err := policy.Load(cfg.StagePolicyFile)
	if err != nil {
		return err
	}

	deps, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.close()

	ledgerMetrics := ledgermetrics.New()
	httpMetrics := metrics.New()

	publisher := auditpublisher.NewPublisher(deps.auditStore,
		auditpublisher.WithAsyncBuffer(auditBufferSize),
		auditpublisher.WithLogger(log),
	)
	defer publisher.Close()

	opts := []service.Option{
		service.WithLogger(log),
		service.WithAuditPublisher(publisher),
		service.WithMetrics(ledgerMetrics),
		service.WithTracer(otel.Tracer("halal-ledger")),
	}

	redis, err := redisclient.New(ctx, cfg.Redis, cfg.LedgerID)
	if err != nil {
		return err
	}
	if redis != nil {
		defer redis.Close()
		verifyCache := cache.New(redis, cache.WithTTL(cfg.Redis.VerifyTTL), cache.WithLogger(log))
		opts = append(opts, service.WithVerifyCache(verifyCache), service.WithSinks(verifyCache))
		log.Info("verification cache enabled", "ttl", cfg.Redis.VerifyTTL)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		events, err := kafka.New(cfg.Kafka.Brokers, cfg.Kafka.Topic, kafka.WithLogger(log))
		if err != nil {
			return err
		}
		defer events.Close(context.WithoutCancel(ctx))
		if err := events.EnsureTopic(ctx, 1, 1); err != nil {
			log.Warn("could not ensure event topic", "topic", cfg.Kafka.Topic, "error", err)
		}
		opts = append(opts, service.WithSinks(events))
		log.Info("event publishing enabled", "topic", cfg.Kafka.Topic, "brokers", cfg.Kafka.Brokers)
	}

	ledger := service.New(deps.backend, stagePolicy, opts...)
	if err := ledger.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild read models: %w", err)
	}
	if err := bootstrap(ctx, ledger, cfg.BootstrapAdmin); err != nil {
		return err
	}

	if deps.follow != nil {
		go func() {
			if err := deps.follow(ctx, ledger); err != nil {
				log.Error("commit listener stopped", "error", err)
			}
		}()
	}

	tokens := jwttoken.NewService(cfg.Auth.JWTSigningKey, cfg.Auth.JWTIssuer)
	h := handler.New(ledger, log, handler.WithAuditReader(publisher))

	var limiterStore ratelimit.Store = ratelimit.NewMemoryStore()
	if redis != nil {
		limiterStore = ratelimit.NewRedisStore(redis)
	}
	limiter := ratelimit.New(limiterStore, log)

	r := chi.NewRouter()
	r.Use(middleware.Common(log, httpMetrics)...)
	r.Get("/healthz", health(deps, redis))
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(limiter.PerIP("read", ratelimit.Limit{Requests: cfg.RateLimit.ReadsPerMinute, Window: time.Minute}))
		h.RegisterPublic(r)
	})
	r.Group(func(r chi.Router) {
		r.Use(authmw.RequireAuth(tokens, publisher, log))
		r.Use(limiter.PerPrincipal("write", ratelimit.Limit{Requests: cfg.RateLimit.WritesPerMinute, Window: time.Minute}))
		h.RegisterAuthenticated(r)
	})

	log.Info("starting halal-ledger",
		"addr", cfg.Addr,
		"ledger_id", cfg.LedgerID,
		"backend", cfg.Backend,
		"head", ledger.Head(),
	)
	return httpserver.Serve(ctx, httpserver.New(cfg.Addr, r), log)
}

// backendDeps bundles the event log with what follows it.
type backendDeps struct {
	backend    backend.Backend
	auditStore audit.Store
	follow     func(ctx context.Context, ledger *service.Service) error
	ping       func(ctx context.Context) error
	close      func()
}

func openBackend(ctx context.Context, cfg config.Server, log *slog.Logger) (*backendDeps, error) {
	if cfg.Backend == config.BackendMemory {
		log.Warn("using in-memory backend; history is lost on restart")
		return &backendDeps{
			backend:    memory.New(cfg.LedgerID, memory.WithMaxRange(cfg.BackendMaxRange)),
			auditStore: auditmemory.NewInMemoryStore(),
			close:      func() {},
		}, nil
	}

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		db.Close()
		return nil, err
	}

	b := pgbackend.New(db, cfg.LedgerID, pgbackend.WithMaxRange(cfg.BackendMaxRange))
	auditStore := auditpostgres.New(db)
	for _, migrate := range []func(context.Context) error{b.Migrate, auditStore.Migrate} {
		if err := migrate(ctx); err != nil {
			pool.Close()
			db.Close()
			return nil, err
		}
	}

	listener := pgbackend.NewListener(pool, cfg.LedgerID, log)
	return &backendDeps{
		backend:    b,
		auditStore: auditStore,
		follow: func(ctx context.Context, ledger *service.Service) error {
			return listener.Run(ctx, func(ctx context.Context, _ uint64) error {
				return ledger.CatchUp(ctx)
			})
		},
		ping: db.PingContext,
		close: func() {
			pool.Close()
			db.Close()
		},
	}, nil
}

// bootstrap grants the configured admin; it is a no-op once the log has events.
func bootstrap(ctx context.Context, ledger *service.Service, raw string) error {
	if raw == "" {
		return nil
	}
	admin, err := domain.ParsePrincipal(raw)
	if err != nil {
		return fmt.Errorf("BOOTSTRAP_ADMIN: %w", err)
	}
	_, err = ledger.Bootstrap(ctx, admin)
	return err
}

func health(deps *backendDeps, redis *redisclient.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		var errs []error
		if deps.ping != nil {
			errs = append(errs, deps.ping(ctx))
		}
		if redis != nil {
			errs = append(errs, redis.Health(ctx))
		}
		if err := errors.Join(errs...); err != nil {
			http.Error(w, "unhealthy: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
