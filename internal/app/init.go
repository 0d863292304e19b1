package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Alpaca-Network/gatewayz/internal/adapters"
	"github.com/Alpaca-Network/gatewayz/internal/adapters/anthropic"
	"github.com/Alpaca-Network/gatewayz/internal/adapters/fal"
	"github.com/Alpaca-Network/gatewayz/internal/adapters/huggingface"
	"github.com/Alpaca-Network/gatewayz/internal/adapters/openaicompat"
	"github.com/Alpaca-Network/gatewayz/internal/adapters/portkey"
	"github.com/Alpaca-Network/gatewayz/internal/adapters/vertexai"
	gwCache "github.com/Alpaca-Network/gatewayz/internal/cache"
	"github.com/Alpaca-Network/gatewayz/internal/catalog"
	"github.com/Alpaca-Network/gatewayz/internal/config"
	"github.com/Alpaca-Network/gatewayz/internal/keys"
	"github.com/Alpaca-Network/gatewayz/internal/metrics"
	"github.com/Alpaca-Network/gatewayz/internal/ratelimit"
	"github.com/Alpaca-Network/gatewayz/internal/server"
	"github.com/Alpaca-Network/gatewayz/internal/storage/sqlite"
	"github.com/Alpaca-Network/gatewayz/internal/usagelog"
)

// initInfra opens the external connections: the SQLite store always, Redis
// only when the cache tier asks for it.
func (a *App) initInfra(ctx context.Context) error {
	store, err := sqlite.New(a.cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	a.store = store
	a.log.Info("store ready", slog.String("dsn", a.cfg.DatabaseDSN))

	if a.cfg.CacheMode == "redis" {
		rdb, err := connectRedis(ctx, a.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis %s: %w", redactURL(a.cfg.RedisURL), err)
		}
		a.rdb = rdb
		a.log.Info("redis connected", slog.String("url", redactURL(a.cfg.RedisURL)))
	}

	return nil
}

// ocEntry describes one OpenAI-compatible upstream.
type ocEntry struct {
	key     config.GatewayConfig
	name    string
	baseURL string
	// strip removes the "<gateway>/" prefix from model ids whose upstream
	// catalog uses bare names.
	strip bool
}

// initAdapters builds one adapter per configured gateway. Gateways without
// credentials are skipped, not stubbed.
func (a *App) initAdapters(ctx context.Context) error {
	cfg := a.cfg
	a.adapters = make(map[string]adapters.Adapter)

	compat := []ocEntry{
		{cfg.OpenRouter, "openrouter", "https://openrouter.ai/api/v1", false},
		{cfg.Vercel, "vercel", "https://ai-gateway.vercel.sh/v1", false},
		{cfg.Fireworks, "fireworks", "https://api.fireworks.ai/inference/v1", false},
		{cfg.Together, "together", "https://api.together.xyz/v1", false},
		{cfg.Groq, "groq", "https://api.groq.com/openai/v1", true},
		{cfg.DeepInfra, "deepinfra", "https://api.deepinfra.com/v1/openai", false},
		{cfg.Cerebras, "cerebras", "https://api.cerebras.ai/v1", true},
		{cfg.XAI, "xai", "https://api.x.ai/v1", true},
		{cfg.Novita, "novita", "https://api.novita.ai/v3/openai", false},
		{cfg.Nebius, "nebius", "https://api.studio.nebius.ai/v1", false},
		{cfg.Chutes, "chutes", "https://llm.chutes.ai/v1", false},
		{cfg.Featherless, "featherless", "https://api.featherless.ai/v1", false},
		{cfg.Near, "near", "https://cloud-api.near.ai/v1", true},
		{cfg.AIMO, "aimo", "https://api.aimo.network/v1", true},
	}

	for _, e := range compat {
		if e.key.APIKey == "" {
			continue
		}
		baseURL := e.baseURL
		if e.key.BaseURL != "" {
			baseURL = e.key.BaseURL
		}
		var opts []openaicompat.Option
		if e.strip {
			opts = append(opts, openaicompat.WithStripPrefix())
		}
		a.adapters[e.name] = openaicompat.New(e.name, e.key.APIKey, baseURL, opts...)
	}

	if cfg.Anthropic.APIKey != "" {
		var opts []anthropic.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		a.adapters["anthropic"] = anthropic.New(cfg.Anthropic.APIKey, opts...)
	}

	if cfg.Vertex.ProjectID != "" {
		vopts := []vertexai.Option{vertexai.WithLocation(cfg.Vertex.Location)}
		if cfg.Vertex.CredentialsJSON != "" {
			vopts = append(vopts, vertexai.WithCredentialsJSON([]byte(cfg.Vertex.CredentialsJSON)))
		}
		va, err := vertexai.New(ctx, cfg.Vertex.ProjectID, vopts...)
		if err != nil {
			return fmt.Errorf("vertexai: %w", err)
		}
		a.adapters[va.Name()] = va
	}

	if cfg.Portkey.APIKey != "" {
		var opts []portkey.Option
		if cfg.Portkey.BaseURL != "" {
			opts = append(opts, portkey.WithBaseURL(cfg.Portkey.BaseURL))
		}
		a.adapters["portkey"] = portkey.New(cfg.Portkey.APIKey, opts...)
	}

	// HuggingFace works anonymously; the key only lifts the harvest rate.
	a.adapters["huggingface"] = huggingface.New(cfg.HuggingFace.APIKey,
		huggingface.WithSorts(cfg.Catalog.HuggingFaceSorts))

	if cfg.Fal.APIKey != "" {
		var opts []fal.Option
		if cfg.Fal.BaseURL != "" {
			opts = append(opts, fal.WithBaseURL(cfg.Fal.BaseURL))
		}
		a.adapters["fal"] = fal.New(cfg.Fal.APIKey, opts...)
	}

	if len(a.adapters) == 0 {
		return fmt.Errorf("no upstream gateways configured")
	}

	names := make([]string, 0, len(a.adapters))
	for name := range a.adapters {
		names = append(names, name)
	}
	a.log.Info("adapters ready", slog.Any("gateways", names))
	return nil
}

// initServices builds the cache tier, metrics, key material, rate limiter,
// catalog and the usage log.
func (a *App) initServices(ctx context.Context) error {
	cfg := a.cfg

	switch cfg.CacheMode {
	case "redis":
		a.cacheImpl = gwCache.NewRedisCacheFromClient(a.rdb)
	case "memory":
		a.memCache = gwCache.NewMemoryCache(a.baseCtx)
		a.cacheImpl = a.memCache
	case "none":
		a.cacheImpl = nil
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.hasher = keys.NewHasher(cfg.KeyHashSalt)
	if cfg.KeyHashSalt == "" {
		a.log.Warn("KEY_HASH_SALT is empty; key lookup hashes are unsalted")
	}

	kr, err := keys.NewKeyring(cfg.KeyVersion, cfg.Keyring)
	if err != nil {
		return fmt.Errorf("keyring: %w", err)
	}
	a.keyring = kr

	if a.rdb != nil {
		a.limiter = ratelimit.New(a.rdb)
	}

	fetchers := make(map[string]catalog.Fetcher, len(a.adapters))
	for name, ad := range a.adapters {
		fetchers[name] = ad
	}
	// Chutes publishes no model list; a pinned snapshot stands in for it.
	if _, ok := a.adapters["chutes"]; ok {
		fetchers["chutes"] = catalog.ChutesStatic()
	}

	prom := a.prom
	a.catalog = catalog.New(a.baseCtx, fetchers, catalog.Options{
		TTL:      cfg.Catalog.TTL,
		StaleTTL: cfg.Catalog.StaleTTL,
		KV:       a.cacheImpl,
		Logger:   a.log,
		OnRefresh: func(gateway string, entries int) {
			prom.SetCatalogEntries(gateway, entries)
			prom.RecordCatalogRefresh(gateway, true)
		},
	})

	sink := usagelog.Sink(&usagelog.SlogSink{Log: a.log})
	if cfg.ClickHouse.Addr != "" {
		ch, err := usagelog.NewClickHouseSink(ctx, cfg.ClickHouse.Addr,
			cfg.ClickHouse.Database, cfg.ClickHouse.Username, cfg.ClickHouse.Password)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = ch
		a.log.Info("clickhouse sink ready", slog.String("addr", cfg.ClickHouse.Addr))
	}

	ul, err := usagelog.New(a.baseCtx, sink, a.log)
	if err != nil {
		return fmt.Errorf("usagelog: %w", err)
	}
	a.usageLog = ul

	return nil
}

// initServer assembles the admission gate, the failover router, the
// accountant and the HTTP surface.
func (a *App) initServer(ctx context.Context) error {
	cfg := a.cfg

	env, err := keys.ParseEnvironment(cfg.Environment)
	if err != nil {
		return err
	}

	gt, err := buildGate(cfg, a.store, a.hasher, a.limiter, env, a.log)
	if err != nil {
		return fmt.Errorf("gate: %w", err)
	}

	rt := buildRouter(cfg, a.catalog, a.adapters, a.log)
	acct := buildAccountant(a.store, a.catalog, a.log)

	a.srv = server.New(server.Options{
		Logger:     a.log,
		Store:      a.store,
		Gate:       gt,
		Router:     rt,
		Catalog:    a.catalog,
		Accountant: acct,
		Adapters:   a.adapters,
		Hasher:     a.hasher,
		Keyring:    a.keyring,
		UsageLog:   a.usageLog,
		Metrics:    a.prom,
		Cache:      a.cacheImpl,

		Environment: env,
		Trial: server.TrialDefaults{
			Credits:  cfg.Trial.Credits,
			Tokens:   cfg.Trial.Tokens,
			Requests: cfg.Trial.Requests,
			Days:     cfg.Trial.Days,
		},

		RequestTimeout: cfg.Router.RequestTimeout,
		CORSOrigins:    cfg.CORSOrigins,
		Version:        a.version,
	})

	return nil
}
