package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/Alpaca-Network/gatewayz/internal/accounting"
	"github.com/Alpaca-Network/gatewayz/internal/adapters"
	"github.com/Alpaca-Network/gatewayz/internal/gate"
	gwrouter "github.com/Alpaca-Network/gatewayz/internal/router"
	"github.com/Alpaca-Network/gatewayz/internal/storage"
	"github.com/Alpaca-Network/gatewayz/pkg/apierr"
)

type (
	embeddingRequest struct {
		Model string          `json:"model"`
		Input json.RawMessage `json:"input"`
		// Gateway pins the serving gateway, same as the chat field.
		Gateway string `json:"gateway"`
	}

	embeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	embeddingResponse struct {
		Object string          `json:"object"`
		Data   []embeddingData `json:"data"`
		Model  string          `json:"model"`
		Usage  chatUsage       `json:"usage"`
	}
)

// parseEmbeddingInput accepts a bare string or an array of strings.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// handleEmbeddings serves POST /v1/embeddings through the same gate and
// accounting pipeline as chat. The serving adapter is the first plan
// candidate that implements EmbeddingAdapter.
func (s *Server) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	var wire embeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &wire); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if wire.Model == "" {
		apierr.WriteBadRequest(ctx, "field 'model' is required")
		return
	}
	inputs, err := parseEmbeddingInput(wire.Input)
	if err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return
	}

	permit, err := s.gate.Admit(ctx, bearerToken(ctx),
		gate.Route{Path: "/v1/embeddings", Action: gate.ActionWrite},
		requestMeta(ctx))
	if err != nil {
		s.writeGateError(ctx, err)
		return
	}
	release := func() { permit.Release(context.WithoutCancel(ctx)) }

	gateway, embedder, modelID, ok := s.resolveEmbedder(ctx, wire.Model, wire.Gateway)
	if !ok {
		permit.RollbackTrial(ctx)
		release()
		apierr.WriteBadRequest(ctx, fmt.Sprintf("no configured gateway serves embeddings for %q", wire.Model))
		return
	}

	embCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	resp, err := embedder.Embed(embCtx, &adapters.EmbeddingRequest{
		Input:     inputs,
		Model:     modelID,
		RequestID: reqID,
	})
	if err != nil {
		ae := adapters.Wrap(gateway, err)
		s.settle(ctx, permit, &accounting.Result{
			RequestID: reqID,
			Model:     wire.Model,
			Gateway:   gateway,
			LatencyMS: time.Since(start).Milliseconds(),
			Outcome:   outcomeFor(ae),
			Trace: []storage.Attempt{{
				Gateway:        gateway,
				Classification: string(ae.Class),
				LatencyMS:      time.Since(start).Milliseconds(),
			}},
		}, false)
		release()
		s.writeUpstreamError(ctx, wire.Model, ae)
		return
	}

	out := embeddingResponse{
		Object: "list",
		Model:  resp.Model,
		Data:   make([]embeddingData, len(resp.Data)),
		Usage: chatUsage{
			PromptTokens: resp.Usage.PromptTokens,
			TotalTokens:  resp.Usage.PromptTokens,
			Estimated:    resp.Usage.Estimated,
		},
	}
	for i, d := range resp.Data {
		out.Data[i] = embeddingData{Object: "embedding", Index: d.Index, Embedding: d.Embedding}
	}
	writeJSON(ctx, fasthttp.StatusOK, out)

	s.settle(ctx, permit, &accounting.Result{
		RequestID: reqID,
		Model:     resp.Model,
		Gateway:   gateway,
		Usage:     resp.Usage,
		LatencyMS: time.Since(start).Milliseconds(),
		Outcome:   storage.OutcomeOK,
		Trace: []storage.Attempt{{
			Gateway:        gateway,
			Classification: "ok",
			LatencyMS:      time.Since(start).Milliseconds(),
		}},
	}, false)
	release()
}

// resolveEmbedder walks the routing plan and picks the first candidate whose
// adapter supports embeddings.
func (s *Server) resolveEmbedder(ctx *fasthttp.RequestCtx, model, hint string) (string, adapters.EmbeddingAdapter, string, bool) {
	plan, err := s.router.Plan(ctx, model, hint, gwrouter.Policy{})
	if err != nil {
		// Unknown model ids may still resolve through a gateway prefix the
		// catalog has not harvested; fall back to the hint.
		if hint != "" {
			if a, ok := s.adapters[hint]; ok {
				if e, ok := a.(adapters.EmbeddingAdapter); ok {
					return hint, e, model, true
				}
			}
		}
		return "", nil, "", false
	}
	for _, cand := range plan {
		if e, ok := s.adapters[cand.Gateway].(adapters.EmbeddingAdapter); ok {
			return cand.Gateway, e, cand.ModelID, true
		}
	}
	return "", nil, "", false
}
