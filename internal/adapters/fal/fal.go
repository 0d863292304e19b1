// Package fal adapts Fal.ai, an image-generation upstream. Fal has no model
// listing API worth polling, so the catalog ships as an embedded data file and
// refreshes only on process restart.
package fal

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Alpaca-Network/gatewayz/internal/adapters"
	"github.com/Alpaca-Network/gatewayz/internal/catalog"
)

//go:embed models.json
var staticModels []byte

const (
	gatewayName    = "fal"
	defaultBaseURL = "https://fal.run"
)

// Adapter implements adapters.Adapter and adapters.ImageAdapter for Fal.ai.
type Adapter struct {
	apiKey  string
	baseURL string
	httpc   *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimSuffix(url, "/") }
}

// New creates a Fal Adapter.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		httpc:   &http.Client{Timeout: adapters.DefaultAttemptTimeout},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return gatewayName }

// Invoke rejects chat traffic; Fal entries are image-only and the router
// should never have planned a chat attempt here.
func (a *Adapter) Invoke(_ context.Context, req *adapters.Request) (*adapters.Response, error) {
	return nil, &adapters.Error{
		Gateway: gatewayName,
		Class:   adapters.ClassBadRequest,
		Message: fmt.Sprintf("model %s serves image generation, not chat", req.Model),
	}
}

// ListModels returns the embedded static catalog.
func (a *Adapter) ListModels(_ context.Context) ([]catalog.Entry, error) {
	return catalog.ParseStatic(gatewayName, staticModels)
}

// translateModel strips the canonical `fal/` prefix, leaving the Fal app id
// (e.g. `fal-ai/flux/dev`).
func translateModel(id string) string {
	return strings.TrimPrefix(id, gatewayName+"/")
}

// GenerateImage runs one synchronous generation via the fal.run endpoint.
func (a *Adapter) GenerateImage(ctx context.Context, req *adapters.ImageRequest) (*adapters.ImageResponse, error) {
	payload := map[string]any{"prompt": req.Prompt}
	if req.N > 1 {
		payload["num_images"] = req.N
	}
	if req.Size != "" {
		payload["image_size"] = req.Size
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, adapters.Wrap(gatewayName, err)
	}

	reqURL := a.baseURL + "/" + translateModel(req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, adapters.Wrap(gatewayName, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Key "+a.apiKey)

	resp, err := a.httpc.Do(httpReq)
	if err != nil {
		return nil, adapters.Wrap(gatewayName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, adapters.Wrap(gatewayName, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, adapters.NewError(gatewayName, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	out := &adapters.ImageResponse{Model: req.Model, RawRef: raw}
	gjson.GetBytes(raw, "images").ForEach(func(_, img gjson.Result) bool {
		if u := img.Get("url").String(); u != "" {
			out.URLs = append(out.URLs, u)
		}
		return true
	})
	if len(out.URLs) == 0 {
		// Some apps return a single image object instead of an array.
		if u := gjson.GetBytes(raw, "image.url").String(); u != "" {
			out.URLs = append(out.URLs, u)
		}
	}
	return out, nil
}
