// Package server is the HTTP surface of the gateway.
//
// It exposes the OpenAI-compatible inference endpoints (chat completions,
// embeddings, images, responses), the catalog endpoints, auth and user
// management, and the operational probes. Handlers translate between the
// wire format and the internal pipeline: gate → router → adapters →
// accounting.
//
// Streaming responses are Server-Sent Events. Once the first chunk has been
// forwarded the HTTP status is committed to 200; later failures surface as an
// error event inside the stream followed by [DONE].
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/Alpaca-Network/gatewayz/internal/accounting"
	"github.com/Alpaca-Network/gatewayz/internal/adapters"
	"github.com/Alpaca-Network/gatewayz/internal/cache"
	"github.com/Alpaca-Network/gatewayz/internal/catalog"
	"github.com/Alpaca-Network/gatewayz/internal/gate"
	"github.com/Alpaca-Network/gatewayz/internal/keys"
	"github.com/Alpaca-Network/gatewayz/internal/metrics"
	gwrouter "github.com/Alpaca-Network/gatewayz/internal/router"
	"github.com/Alpaca-Network/gatewayz/internal/storage"
	"github.com/Alpaca-Network/gatewayz/internal/usagelog"
)

// TrialDefaults sizes the allowance granted at registration.
type TrialDefaults struct {
	Credits  float64
	Tokens   int64
	Requests int64
	Days     int
}

// Options wires a Server. Store, Gate, Router, Catalog and Accountant are
// required; everything else is optional and nil-safe.
type Options struct {
	Logger     *slog.Logger
	Store      storage.Store
	Gate       *gate.Gate
	Router     *gwrouter.Router
	Catalog    *catalog.Catalog
	Accountant *accounting.Accountant

	// Adapters is consulted for the optional embedding/image capabilities.
	Adapters map[string]adapters.Adapter

	Hasher  *keys.Hasher
	Keyring *keys.Keyring

	UsageLog *usagelog.Logger
	Metrics  *metrics.Registry
	Cache    cache.Cache

	Environment keys.Environment
	Trial       TrialDefaults

	// RequestTimeout is the end-to-end budget for one non-streaming request.
	RequestTimeout time.Duration

	CORSOrigins []string
	Version     string
}

// Server holds the handler dependencies.
type Server struct {
	log        *slog.Logger
	store      storage.Store
	gate       *gate.Gate
	router     *gwrouter.Router
	catalog    *catalog.Catalog
	accountant *accounting.Accountant
	adapters   map[string]adapters.Adapter

	hasher  *keys.Hasher
	keyring *keys.Keyring

	usageLog *usagelog.Logger
	metrics  *metrics.Registry
	cache    cache.Cache

	env            keys.Environment
	trial          TrialDefaults
	requestTimeout time.Duration
	corsOrigins    []string
	version        string

	srv *fasthttp.Server
}

// New creates a Server.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	return &Server{
		log:            log,
		store:          opts.Store,
		gate:           opts.Gate,
		router:         opts.Router,
		catalog:        opts.Catalog,
		accountant:     opts.Accountant,
		adapters:       opts.Adapters,
		hasher:         opts.Hasher,
		keyring:        opts.Keyring,
		usageLog:       opts.UsageLog,
		metrics:        opts.Metrics,
		cache:          opts.Cache,
		env:            opts.Environment,
		trial:          opts.Trial,
		requestTimeout: opts.RequestTimeout,
		corsOrigins:    opts.CORSOrigins,
		version:        opts.Version,
	}
}

// Handler builds the full route table wrapped in the middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	// Inference.
	r.POST("/v1/chat/completions", s.handleChatCompletions)
	r.POST("/v1/completions", s.handleChatCompletions)
	r.POST("/v1/responses", s.handleResponses)
	r.POST("/v1/embeddings", s.handleEmbeddings)
	r.POST("/v1/images/generations", s.handleImages)

	// Catalog.
	r.GET("/v1/models", s.handleModels)
	r.GET("/v1/models/{provider}/{model}", s.handleModelDetail)
	r.GET("/catalog/models", s.handleCatalogModels)

	// Auth.
	r.POST("/auth/register", s.handleRegister)
	r.POST("/auth/reset", s.handleResetPassword)

	// User management.
	r.GET("/user/balance", s.handleBalance)
	r.GET("/user/credits/transactions", s.handleTransactions)
	r.GET("/user/usage", s.handleUsage)
	r.POST("/user/keys", s.handleCreateKey)
	r.GET("/user/keys", s.handleListKeys)
	r.PATCH("/user/keys/{id}", s.handleUpdateKey)
	r.DELETE("/user/keys/{id}", s.handleDeleteKey)
	r.POST("/user/coupons/redeem", s.handleRedeemCoupon)
	r.POST("/user/sessions", s.handleCreateSession)
	r.GET("/user/sessions", s.handleListSessions)
	r.GET("/user/sessions/{id}/turns", s.handleListTurns)

	// Operational.
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
		s.observe,
	)
}

// Start runs the HTTP server until ListenAndServe returns.
func (s *Server) Start(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:            s.Handler(),
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       0, // streams outlive any fixed write deadline
		MaxRequestBodySize: 16 << 20,
	}
	return s.srv.ListenAndServe(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.ShutdownWithContext(ctx)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, _ := json.Marshal(v)
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
