// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (SQLite store, Redis when needed)
//  2. initAdapters — upstream gateway adapters
//  3. initServices — cache tier, metrics, keyring, rate limiter, catalog,
//     usage log
//  4. initServer   — gate, router, accountant, HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Alpaca-Network/gatewayz/internal/accounting"
	"github.com/Alpaca-Network/gatewayz/internal/adapters"
	gwCache "github.com/Alpaca-Network/gatewayz/internal/cache"
	"github.com/Alpaca-Network/gatewayz/internal/catalog"
	"github.com/Alpaca-Network/gatewayz/internal/config"
	"github.com/Alpaca-Network/gatewayz/internal/gate"
	"github.com/Alpaca-Network/gatewayz/internal/keys"
	"github.com/Alpaca-Network/gatewayz/internal/metrics"
	"github.com/Alpaca-Network/gatewayz/internal/ratelimit"
	"github.com/Alpaca-Network/gatewayz/internal/router"
	"github.com/Alpaca-Network/gatewayz/internal/server"
	"github.com/Alpaca-Network/gatewayz/internal/storage"
	"github.com/Alpaca-Network/gatewayz/internal/usagelog"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb      *redis.Client
	memCache *gwCache.MemoryCache

	store     storage.Store
	cacheImpl gwCache.Cache
	prom      *metrics.Registry

	hasher  *keys.Hasher
	keyring *keys.Keyring
	limiter *ratelimit.Limiter

	adapters map[string]adapters.Adapter
	catalog  *catalog.Catalog
	usageLog *usagelog.Logger

	srv *server.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"adapters", a.initAdapters},
		{"services", a.initServices},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("environment", a.cfg.Environment),
		slog.String("cache_mode", a.cfg.CacheMode),
		slog.Int("gateways", len(a.adapters)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(shutCtx); err != nil {
			a.log.Error("shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.usageLog != nil {
		if err := a.usageLog.Close(); err != nil {
			a.log.Error("usage log close error", slog.String("error", err.Error()))
		}
		a.usageLog = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.store = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// Store exposes the persistence layer for admin tooling.
func (a *App) Store() storage.Store { return a.store }

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildAccountant keeps the accounting wiring in one place for tests.
func buildAccountant(store storage.Store, cat *catalog.Catalog, log *slog.Logger) *accounting.Accountant {
	return accounting.New(store, cat, log)
}

// buildGate assembles the admission pipeline.
func buildGate(cfg *config.Config, store storage.Store, hasher *keys.Hasher, limiter *ratelimit.Limiter, env keys.Environment, log *slog.Logger) (*gate.Gate, error) {
	return gate.New(gate.Options{
		Store:       store,
		Hasher:      hasher,
		Limiter:     limiter,
		Environment: env,
		DefaultLimits: ratelimit.Limits{
			PerMinute:  cfg.Limits.PerMinute,
			PerHour:    cfg.Limits.PerHour,
			PerDay:     cfg.Limits.PerDay,
			Concurrent: cfg.Limits.Concurrent,
		},
		Logger: log,
	})
}

// buildRouter assembles the failover engine.
func buildRouter(cfg *config.Config, cat *catalog.Catalog, adapterSet map[string]adapters.Adapter, log *slog.Logger) *router.Router {
	return router.New(router.Options{
		Catalog:            cat,
		Adapters:           adapterSet,
		MaxAttempts:        cfg.Router.MaxAttempts,
		AttemptTimeout:     cfg.Router.AttemptTimeout,
		StreamIdle:         cfg.Router.StreamIdle,
		GatewayConcurrency: int64(cfg.Router.GatewayConcurrency),
		Logger:             log,
	})
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
