package server

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"
)

// handleHealth serves GET /health: liveness plus dependency booleans.
func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	storeOK := s.store != nil && s.store.Ping(probeCtx) == nil
	cacheOK := s.cacheReady(probeCtx)

	status := "healthy"
	if !storeOK {
		status = "degraded"
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"status":  status,
		"version": s.version,
		"store":   storeOK,
		"cache":   cacheOK,
	})
}

// handleReadiness serves GET /readiness for orchestrator probes. Unlike
// /health it fails closed: a replica without its store takes no traffic.
func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if s.store == nil || s.store.Ping(probeCtx) != nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

// cacheReady probes the cache tier with a round-trip write.
func (s *Server) cacheReady(ctx context.Context) bool {
	if s.cache == nil {
		return false
	}
	if err := s.cache.Set(ctx, "health:probe", []byte("1"), 10*time.Second); err != nil {
		return false
	}
	_, ok := s.cache.Get(ctx, "health:probe")
	return ok
}
