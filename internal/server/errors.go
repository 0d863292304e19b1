package server

import (
	"errors"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/Alpaca-Network/gatewayz/internal/adapters"
	"github.com/Alpaca-Network/gatewayz/internal/gate"
	gwrouter "github.com/Alpaca-Network/gatewayz/internal/router"
	"github.com/Alpaca-Network/gatewayz/pkg/apierr"
)

// bearerToken extracts the Authorization bearer token, empty when absent.
func bearerToken(ctx *fasthttp.RequestCtx) string {
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// requestMeta builds the perimeter attributes for the gate.
func requestMeta(ctx *fasthttp.RequestCtx) gate.Meta {
	return gate.Meta{
		ClientIP: ctx.RemoteIP().String(),
		Referrer: string(ctx.Request.Header.Peek("Referer")),
	}
}

// writeDenial maps a gate denial to its HTTP response.
func (s *Server) writeDenial(ctx *fasthttp.RequestCtx, d *gate.Denial) {
	if s.metrics != nil {
		s.metrics.RecordDenial(string(d.Reason))
	}
	switch d.Reason {
	case gate.Unauthenticated:
		apierr.WriteUnauthenticated(ctx, d.Message)
	case gate.Forbidden:
		apierr.WriteForbidden(ctx, d.Message)
	case gate.RateLimited:
		retryAfter := int(d.RetryAfter / time.Second)
		if d.RetryAfter > 0 && retryAfter == 0 {
			retryAfter = 1
		}
		apierr.WriteRateLimit(ctx, retryAfter)
	case gate.InsufficientCredits:
		apierr.WriteInsufficientCredits(ctx)
	case gate.TrialExhausted:
		apierr.WriteTrialExhausted(ctx)
	default:
		apierr.WriteInternal(ctx)
	}
}

// writeGateError handles any error returned by Admit or Authenticate.
func (s *Server) writeGateError(ctx *fasthttp.RequestCtx, err error) {
	var d *gate.Denial
	if errors.As(err, &d) {
		s.writeDenial(ctx, d)
		return
	}
	s.log.Error("gate_failed", "error", err.Error())
	apierr.WriteInternal(ctx)
}

// writeUpstreamError maps the router's final error to an HTTP response.
// Only reached when no bytes were written yet; mid-stream failures are
// emitted inside the SSE stream instead.
func (s *Server) writeUpstreamError(ctx *fasthttp.RequestCtx, model string, err error) {
	if errors.Is(err, gwrouter.ErrNoRoute) {
		apierr.WriteModelNotFound(ctx, model)
		return
	}

	var ae *adapters.Error
	if !errors.As(err, &ae) {
		apierr.WriteUpstreamUnavailable(ctx, err.Error())
		return
	}

	if s.metrics != nil && ae.Gateway != "" {
		s.metrics.RecordError(ae.Gateway, string(ae.Class))
	}

	switch ae.Class {
	case adapters.ClassBadRequest:
		apierr.WriteBadRequest(ctx, ae.Message)
	case adapters.ClassContextTooLong:
		apierr.Write(ctx, fasthttp.StatusBadRequest, ae.Message,
			apierr.TypeInvalidRequest, apierr.CodeContextTooLong)
	case adapters.ClassContentFilter:
		apierr.Write(ctx, fasthttp.StatusBadRequest, ae.Message,
			apierr.TypeInvalidRequest, apierr.CodeContentFiltered)
	case adapters.ClassNotFound:
		apierr.WriteModelNotFound(ctx, model)
	case adapters.ClassRateLimited:
		apierr.WriteRateLimit(ctx, 1)
	case adapters.ClassTimeout:
		apierr.WriteUpstreamTimeout(ctx)
	case adapters.ClassClientCancelled:
		// The client is gone; nothing useful to write.
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
	default:
		apierr.WriteUpstreamUnavailable(ctx, ae.Message)
	}
}
