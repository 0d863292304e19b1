package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/Alpaca-Network/gatewayz/internal/accounting"
	"github.com/Alpaca-Network/gatewayz/internal/adapters"
	"github.com/Alpaca-Network/gatewayz/internal/gate"
	"github.com/Alpaca-Network/gatewayz/internal/storage"
	"github.com/Alpaca-Network/gatewayz/pkg/apierr"
)

const defaultImageGateway = "fal"

type (
	imageRequest struct {
		Model   string `json:"model"`
		Prompt  string `json:"prompt"`
		N       int    `json:"n"`
		Size    string `json:"size"`
		Gateway string `json:"gateway"`
	}

	imageDatum struct {
		URL     string `json:"url,omitempty"`
		B64JSON string `json:"b64_json,omitempty"`
	}

	imageResponse struct {
		Created int64        `json:"created"`
		Data    []imageDatum `json:"data"`
	}
)

// handleImages serves POST /v1/images/generations. Image models are
// request-priced; the catalog entry of the serving gateway supplies the
// per-image price.
func (s *Server) handleImages(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	var wire imageRequest
	if err := json.Unmarshal(ctx.PostBody(), &wire); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if wire.Prompt == "" {
		apierr.WriteBadRequest(ctx, "field 'prompt' is required")
		return
	}
	if wire.Model == "" {
		apierr.WriteBadRequest(ctx, "field 'model' is required")
		return
	}
	if wire.N <= 0 {
		wire.N = 1
	}

	permit, err := s.gate.Admit(ctx, bearerToken(ctx),
		gate.Route{Path: "/v1/images/generations", Action: gate.ActionWrite},
		requestMeta(ctx))
	if err != nil {
		s.writeGateError(ctx, err)
		return
	}
	release := func() { permit.Release(context.WithoutCancel(ctx)) }

	gateway := wire.Gateway
	if gateway == "" {
		if i := strings.IndexByte(wire.Model, '/'); i > 0 {
			if _, ok := s.adapters[wire.Model[:i]]; ok {
				gateway = wire.Model[:i]
			}
		}
	}
	if gateway == "" {
		gateway = defaultImageGateway
	}

	imager, ok := s.adapters[gateway].(adapters.ImageAdapter)
	if !ok {
		permit.RollbackTrial(ctx)
		release()
		apierr.WriteBadRequest(ctx, fmt.Sprintf("gateway %q does not serve image generation", gateway))
		return
	}

	imgCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	resp, err := imager.GenerateImage(imgCtx, &adapters.ImageRequest{
		Model:     wire.Model,
		Prompt:    wire.Prompt,
		N:         wire.N,
		Size:      wire.Size,
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

	out := imageResponse{Created: time.Now().Unix()}
	for _, u := range resp.URLs {
		out.Data = append(out.Data, imageDatum{URL: u})
	}
	for _, b := range resp.B64 {
		out.Data = append(out.Data, imageDatum{B64JSON: b})
	}
	writeJSON(ctx, fasthttp.StatusOK, out)

	s.settle(ctx, permit, &accounting.Result{
		RequestID: reqID,
		Model:     wire.Model,
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
