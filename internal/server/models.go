package server

import (
	"time"

	"github.com/valyala/fasthttp"

	"github.com/Alpaca-Network/gatewayz/internal/catalog"
	"github.com/Alpaca-Network/gatewayz/pkg/apierr"
)

type (
	openAIModel struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	openAIModelList struct {
		Object string        `json:"object"`
		Data   []openAIModel `json:"data"`
	}
)

// handleModels serves GET /v1/models: the merged catalog in OpenAI list form.
func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	entries := s.catalog.GetAll(ctx)
	now := time.Now().Unix()

	out := openAIModelList{Object: "list", Data: make([]openAIModel, 0, len(entries))}
	for _, e := range entries {
		out.Data = append(out.Data, openAIModel{
			ID:      e.ID,
			Object:  "model",
			Created: now,
			OwnedBy: e.SourceGateway,
		})
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

// handleCatalogModels serves GET /catalog/models with the full normalized
// entries. Query: gateway=<slug|all>, limit, offset, include_huggingface.
// The huggingface harvest is excluded from the merged view by default — it
// dwarfs every other gateway.
func (s *Server) handleCatalogModels(ctx *fasthttp.RequestCtx) {
	args := ctx.QueryArgs()
	gateway := string(args.Peek("gateway"))
	includeHF := args.GetBool("include_huggingface")

	var (
		entries  []catalog.Entry
		degraded bool
	)
	if gateway == "" || gateway == "all" {
		all := s.catalog.GetAll(ctx)
		if includeHF {
			entries = all
		} else {
			entries = make([]catalog.Entry, 0, len(all))
			for _, e := range all {
				if e.SourceGateway != "huggingface" {
					entries = append(entries, e)
				}
			}
		}
	} else {
		var err error
		entries, degraded, err = s.catalog.GetModels(ctx, gateway)
		if err != nil {
			apierr.WriteBadRequest(ctx, "unknown gateway: "+gateway)
			return
		}
	}

	total := len(entries)
	offset := clampNonNeg(args.GetUintOrZero("offset"))
	limit := args.GetUintOrZero("limit")
	if limit <= 0 || limit > total {
		limit = total
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"object":   "list",
		"total":    total,
		"offset":   offset,
		"degraded": degraded,
		"data":     entries[offset:end],
	})
}

// handleModelDetail serves GET /v1/models/{provider}/{model}.
func (s *Server) handleModelDetail(ctx *fasthttp.RequestCtx) {
	provider, _ := ctx.UserValue("provider").(string)
	model, _ := ctx.UserValue("model").(string)
	id := provider + "/" + model

	for _, e := range s.catalog.GetAll(ctx) {
		if e.ID == id {
			writeJSON(ctx, fasthttp.StatusOK, e)
			return
		}
	}
	apierr.WriteModelNotFound(ctx, id)
}

func clampNonNeg(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
