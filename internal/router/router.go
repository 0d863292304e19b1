// Package router turns one validated chat request into an ordered attempt
// plan across gateways and executes it with deterministic retry and failover
// rules. The caller gets either a response (or stream handle) from the first
// gateway that serves the request, or the most informative error seen.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Alpaca-Network/gatewayz/internal/adapters"
	"github.com/Alpaca-Network/gatewayz/internal/catalog"
)

// ErrNoRoute means no gateway can serve the requested model.
var ErrNoRoute = errors.New("router: no gateway serves this model")

// Policy pins or forbids gateways for one user or key.
type Policy struct {
	Pin    string
	Forbid []string
}

func (p Policy) forbids(gateway string) bool {
	for _, f := range p.Forbid {
		if f == gateway {
			return true
		}
	}
	return false
}

// Attempt is one row of the attempt trace persisted with the usage record.
type Attempt struct {
	Gateway        string                  `json:"gateway"`
	Classification adapters.Classification `json:"classification"` // "ok" when served
	LatencyMS      int64                   `json:"latency_ms"`
}

const classOK adapters.Classification = "ok"

// Options configures a Router.
type Options struct {
	Catalog  *catalog.Catalog
	Adapters map[string]adapters.Adapter

	// MaxAttempts caps the plan length. Default 4.
	MaxAttempts int
	// AttemptTimeout bounds one upstream dial. Default 30s.
	AttemptTimeout time.Duration
	// StreamIdle bounds the gap between streamed chunks. Default 20s.
	StreamIdle time.Duration
	// GatewayConcurrency sizes the per-gateway in-flight semaphore. Default 64.
	GatewayConcurrency int64

	Logger *slog.Logger
}

// Router executes attempt plans.
type Router struct {
	catalog  *catalog.Catalog
	adapters map[string]adapters.Adapter
	sems     map[string]*semaphore.Weighted

	maxAttempts    int
	attemptTimeout time.Duration
	streamIdle     time.Duration

	log *slog.Logger
}

// New creates a Router over the configured adapters.
func New(opts Options) *Router {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = adapters.DefaultAttemptTimeout
	}
	if opts.StreamIdle <= 0 {
		opts.StreamIdle = adapters.DefaultStreamIdle
	}
	if opts.GatewayConcurrency <= 0 {
		opts.GatewayConcurrency = 64
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	sems := make(map[string]*semaphore.Weighted, len(opts.Adapters))
	for name := range opts.Adapters {
		sems[name] = semaphore.NewWeighted(opts.GatewayConcurrency)
	}

	return &Router{
		catalog:        opts.Catalog,
		adapters:       opts.Adapters,
		sems:           sems,
		maxAttempts:    opts.MaxAttempts,
		attemptTimeout: opts.AttemptTimeout,
		streamIdle:     opts.StreamIdle,
		log:            log,
	}
}

// Plan resolves the ordered attempt list for a model. The hint (request body
// `gateway` field) or a `gateway/model` prefix fixes the first attempt;
// remaining candidates follow in catalog priority order.
func (r *Router) Plan(ctx context.Context, model, hint string, policy Policy) ([]catalog.Candidate, error) {
	var plan []catalog.Candidate
	seen := make(map[string]bool)

	add := func(c catalog.Candidate) {
		if seen[c.Gateway] || policy.forbids(c.Gateway) {
			return
		}
		if policy.Pin != "" && c.Gateway != policy.Pin {
			return
		}
		if _, ok := r.adapters[c.Gateway]; !ok {
			return
		}
		seen[c.Gateway] = true
		plan = append(plan, c)
	}

	if hint != "" {
		add(catalog.Candidate{Gateway: hint, ModelID: model})
	}
	if gw, ok := gatewayPrefix(model, r.adapters); ok {
		add(catalog.Candidate{Gateway: gw, ModelID: model})
	}
	for _, c := range r.catalog.Resolve(ctx, model) {
		add(c)
	}

	if len(plan) == 0 {
		return nil, ErrNoRoute
	}
	if len(plan) > r.maxAttempts {
		plan = plan[:r.maxAttempts]
	}
	return plan, nil
}

// gatewayPrefix reports whether the model id's first segment names a
// configured adapter.
func gatewayPrefix(model string, adapterSet map[string]adapters.Adapter) (string, bool) {
	i := strings.IndexByte(model, '/')
	if i <= 0 {
		return "", false
	}
	gw := model[:i]
	_, ok := adapterSet[gw]
	return gw, ok
}

// errRank orders classifications by informativeness for the final error.
var errRank = map[adapters.Classification]int{
	adapters.ClassRateLimited: 5,
	adapters.ClassUpstream5xx: 4,
	adapters.ClassTimeout:     3,
	adapters.ClassNetwork:     2,
	adapters.ClassAuth:        1,
	adapters.ClassNotFound:    1,
	adapters.ClassUnknown:     0,
}

// fatal classifications end the request without failover.
func isFatal(c adapters.Classification) bool {
	switch c {
	case adapters.ClassBadRequest, adapters.ClassContextTooLong,
		adapters.ClassContentFilter, adapters.ClassClientCancelled:
		return true
	}
	return false
}

// retrySchedule for RateLimited: exponential backoff with ±25% jitter.
var retryBackoff = []time.Duration{500 * time.Millisecond, time.Second}

func jitter(d time.Duration) time.Duration {
	f := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * f)
}

// Execute runs the plan. On success the winning candidate's gateway is the
// one the accounting layer prices against. The trace records every attempt
// in order, including retries.
func (r *Router) Execute(ctx context.Context, req *adapters.Request, hint string, policy Policy) (*adapters.Response, catalog.Candidate, []Attempt, error) {
	plan, err := r.Plan(ctx, req.Model, hint, policy)
	if err != nil {
		return nil, catalog.Candidate{}, nil, err
	}

	var trace []Attempt
	var best *adapters.Error

	noteFailure := func(ae *adapters.Error) {
		if best == nil || errRank[ae.Class] > errRank[best.Class] {
			best = ae
		}
	}

	for _, cand := range plan {
		if ctx.Err() != nil {
			break
		}

		retries := 0
		for {
			resp, attempt, ae := r.tryOnce(ctx, cand, req)
			trace = append(trace, attempt)

			if ae == nil {
				if attempt.Classification == "skipped" {
					break // gateway saturated, move on
				}
				return resp, cand, trace, nil
			}

			r.log.WarnContext(ctx, "attempt_failed",
				slog.String("gateway", cand.Gateway),
				slog.String("model", cand.ModelID),
				slog.String("class", string(ae.Class)),
				slog.Int("status", ae.Status),
			)

			if isFatal(ae.Class) {
				return nil, catalog.Candidate{}, trace, ae
			}
			noteFailure(ae)

			if !r.shouldRetry(ae.Class, req.Stream, retries) {
				break
			}
			if ae.Class == adapters.ClassRateLimited {
				select {
				case <-time.After(jitter(retryBackoff[retries])):
				case <-ctx.Done():
					return nil, catalog.Candidate{}, trace, best
				}
			}
			retries++
		}
	}

	if best == nil {
		if ctx.Err() != nil {
			best = &adapters.Error{Class: adapters.ClassTimeout, Message: "request budget exhausted"}
		} else {
			best = &adapters.Error{Class: adapters.ClassUnknown, Message: "all gateways skipped"}
		}
	}
	return nil, catalog.Candidate{}, trace, best
}

// shouldRetry applies the per-classification retry rule for the same gateway.
func (r *Router) shouldRetry(c adapters.Classification, streaming bool, retries int) bool {
	switch c {
	case adapters.ClassRateLimited:
		return retries < len(retryBackoff)
	case adapters.ClassUpstream5xx, adapters.ClassTimeout, adapters.ClassNetwork:
		return !streaming && retries < 1
	}
	return false
}

// tryOnce performs a single attempt against one gateway. A nil *Error with
// classification "skipped" means the gateway's semaphore was saturated.
func (r *Router) tryOnce(ctx context.Context, cand catalog.Candidate, req *adapters.Request) (*adapters.Response, Attempt, *adapters.Error) {
	adapter := r.adapters[cand.Gateway]
	sem := r.sems[cand.Gateway]

	if !sem.TryAcquire(1) {
		return nil, Attempt{Gateway: cand.Gateway, Classification: "skipped"}, nil
	}

	timeout := r.attemptTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}

	// Streaming attempts get the dial deadline only while waiting for the
	// first chunk; afterwards the chunk-idle timeout takes over. A stream
	// bound to the attempt deadline would be cut off mid-response.
	var attemptCtx context.Context
	var cancel context.CancelFunc
	if req.Stream {
		attemptCtx, cancel = context.WithCancel(ctx)
	} else {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	attemptReq := *req
	attemptReq.Model = cand.ModelID

	start := time.Now()
	resp, err := adapter.Invoke(attemptCtx, &attemptReq)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		cancel()
		sem.Release(1)
		ae := adapters.Wrap(cand.Gateway, err)
		return nil, Attempt{Gateway: cand.Gateway, Classification: ae.Class, LatencyMS: elapsed}, ae
	}

	if resp.Stream == nil {
		cancel()
		sem.Release(1)
		return resp, Attempt{Gateway: cand.Gateway, Classification: classOK, LatencyMS: elapsed}, nil
	}

	// Streaming: peek the first event. A failure before anything reached the
	// caller still allows failover; after the first forwarded chunk it
	// becomes a terminal stream error.
	first, ok, ae := r.peekFirst(attemptCtx, resp.Stream, timeout)
	elapsed = time.Since(start).Milliseconds()
	if ae != nil {
		cancel()
		sem.Release(1)
		return nil, Attempt{Gateway: cand.Gateway, Classification: ae.Class, LatencyMS: elapsed}, ae
	}

	out := make(chan adapters.StreamChunk, 64)
	piped := *resp
	piped.Stream = out

	go func() {
		defer close(out)
		defer sem.Release(1)
		defer cancel()
		r.pipe(attemptCtx, cand.Gateway, first, ok, resp.Stream, out)
	}()

	return &piped, Attempt{Gateway: cand.Gateway, Classification: classOK, LatencyMS: elapsed}, nil
}

// peekFirst waits for the stream's first event under the dial deadline.
func (r *Router) peekFirst(ctx context.Context, in <-chan adapters.StreamChunk, dial time.Duration) (adapters.StreamChunk, bool, *adapters.Error) {
	timer := time.NewTimer(dial)
	defer timer.Stop()

	select {
	case chunk, ok := <-in:
		if !ok {
			return adapters.StreamChunk{}, false, nil
		}
		if chunk.Err != nil {
			return adapters.StreamChunk{}, false, chunk.Err
		}
		return chunk, true, nil
	case <-timer.C:
		return adapters.StreamChunk{}, false, &adapters.Error{
			Class:   adapters.ClassTimeout,
			Message: "no first stream chunk within dial deadline",
		}
	case <-ctx.Done():
		return adapters.StreamChunk{}, false, &adapters.Error{
			Class:   adapters.Classify(ctx.Err()),
			Message: "waiting for first stream chunk: " + ctx.Err().Error(),
		}
	}
}

// pipe forwards stream chunks, enforcing the chunk-idle timeout. Mid-stream
// failures surface as a terminal Err chunk, never silent truncation.
func (r *Router) pipe(ctx context.Context, gateway string, first adapters.StreamChunk, haveFirst bool, in <-chan adapters.StreamChunk, out chan<- adapters.StreamChunk) {
	if haveFirst {
		select {
		case out <- first:
		case <-ctx.Done():
			return
		}
	} else {
		return // upstream closed before any content
	}

	idle := time.NewTimer(r.streamIdle)
	defer idle.Stop()

	for {
		idle.Reset(r.streamIdle)
		select {
		case chunk, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Err != nil {
				return
			}
		case <-idle.C:
			out <- adapters.StreamChunk{Err: &adapters.Error{
				Gateway: gateway,
				Class:   adapters.ClassTimeout,
				Message: fmt.Sprintf("no chunk for %s", r.streamIdle),
			}}
			return
		case <-ctx.Done():
			select {
			case out <- adapters.StreamChunk{Err: &adapters.Error{
				Gateway: gateway,
				Class:   adapters.Classify(ctx.Err()),
				Message: ctx.Err().Error(),
			}}:
			default:
			}
			return
		}
	}
}
