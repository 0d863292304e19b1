// Package accounting settles completed requests: it prices the adapter's
// reported usage against the catalog entry of the gateway that actually
// served the request, then commits the deduction and the usage record in one
// store transaction.
package accounting

import (
	"context"
	"log/slog"
	"time"

	"github.com/Alpaca-Network/gatewayz/internal/adapters"
	"github.com/Alpaca-Network/gatewayz/internal/catalog"
	"github.com/Alpaca-Network/gatewayz/internal/storage"
)

// Pricer looks up catalog entries for cost calculation. Implemented by
// *catalog.Catalog.
type Pricer interface {
	Lookup(ctx context.Context, gateway, id string) (catalog.Entry, bool)
}

// Result describes one finished request, as seen by the router.
type Result struct {
	RequestID string
	Model     string
	// Gateway is the upstream that served the request; empty when every
	// attempt failed.
	Gateway   string
	Usage     adapters.Usage
	LatencyMS int64
	Outcome   storage.UsageOutcome
	// Trace is the failover walk, persisted with the usage record.
	Trace []storage.Attempt
}

// Accountant charges users for usage.
type Accountant struct {
	store  storage.AccountingStore
	pricer Pricer
	log    *slog.Logger

	// commitTimeout bounds the store transaction independently of the
	// (possibly already cancelled) request context.
	commitTimeout time.Duration
}

// New creates an Accountant.
func New(store storage.AccountingStore, pricer Pricer, log *slog.Logger) *Accountant {
	if log == nil {
		log = slog.Default()
	}
	return &Accountant{
		store:         store,
		pricer:        pricer,
		log:           log,
		commitTimeout: 5 * time.Second,
	}
}

// Cost prices usage against the serving gateway's catalog entry. The second
// return is false when the entry is missing or carries no prices; such
// requests are recorded with cost_unknown=true and charge nothing.
func (a *Accountant) Cost(ctx context.Context, gateway, model string, usage adapters.Usage) (float64, bool) {
	if gateway == "" {
		return 0, false
	}
	entry, ok := a.pricer.Lookup(ctx, gateway, model)
	if !ok || entry.PricedAtZero() {
		return 0, false
	}
	cost := float64(usage.PromptTokens)*entry.PromptPrice() +
		float64(usage.CompletionTokens)*entry.CompletionPrice() +
		entry.RequestPrice()
	return cost, true
}

// Settle prices and commits one finished request. It always writes a usage
// record; it deducts credits only when tokens were billed. A request that
// ended fatally with zero upstream tokens costs nothing. Tokens produced
// before a mid-stream disconnect are billed.
func (a *Accountant) Settle(ctx context.Context, permit *PermitInfo, res *Result) (*storage.ChargeResult, error) {
	cost, known := a.Cost(ctx, res.Gateway, res.Model, res.Usage)
	if res.Usage.PromptTokens == 0 && res.Usage.CompletionTokens == 0 &&
		res.Outcome != storage.OutcomeOK {
		// Nothing billable was produced.
		cost = 0
	}

	charge := &storage.Charge{
		RequestID:        res.RequestID,
		UserID:           permit.UserID,
		APIKeyID:         permit.APIKeyID,
		Model:            res.Model,
		Gateway:          res.Gateway,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		CostUSD:          cost,
		CostUnknown:      !known && res.Gateway != "",
		UsageEstimated:   res.Usage.Estimated,
		LatencyMS:        res.LatencyMS,
		Outcome:          res.Outcome,
		Attempts:         res.Trace,
		TrialID:          permit.TrialID,
	}

	// The commit must survive caller disconnects.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.commitTimeout)
	defer cancel()

	result, err := a.store.CommitCharge(commitCtx, charge)
	if err != nil {
		a.log.ErrorContext(ctx, "charge_commit_failed",
			slog.String("request_id", res.RequestID),
			slog.String("user_id", permit.UserID),
			slog.Float64("cost_usd", cost),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	a.log.InfoContext(ctx, "request_settled",
		slog.String("request_id", res.RequestID),
		slog.String("model", res.Model),
		slog.String("gateway", res.Gateway),
		slog.String("outcome", string(res.Outcome)),
		slog.Int("prompt_tokens", res.Usage.PromptTokens),
		slog.Int("completion_tokens", res.Usage.CompletionTokens),
		slog.Float64("cost_usd", cost),
		slog.Int64("latency_ms", res.LatencyMS),
	)
	return result, nil
}

// PermitInfo is the accounting-relevant slice of a gate permit.
type PermitInfo struct {
	UserID   string
	APIKeyID string
	TrialID  string
}
