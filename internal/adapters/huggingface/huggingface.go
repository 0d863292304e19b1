// Package huggingface adapts the HuggingFace Inference router. Chat requests
// go through the OpenAI-compatible router endpoint; the catalog comes from the
// Hub listing API, which caps each query at 1 000 items, so the harvest issues
// the query once per sort key and merges the results.
package huggingface

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"

	"github.com/Alpaca-Network/gatewayz/internal/adapters"
	"github.com/Alpaca-Network/gatewayz/internal/catalog"
)

const (
	gatewayName       = "huggingface"
	defaultRouterURL  = "https://router.huggingface.co/v1"
	defaultHubURL     = "https://huggingface.co"
	defaultBatchLimit = 1000
	defaultHarvestCap = 50000

	// Anonymous Hub requests pause between batches to stay inside the
	// unauthenticated rate limit. Authenticated harvests skip the pause.
	anonBatchDelay = 500 * time.Millisecond
)

// DefaultSorts is the harvest sort-key rotation when none is configured.
var DefaultSorts = []string{"likes", "downloads"}

// Adapter implements adapters.Adapter for HuggingFace Inference.
type Adapter struct {
	apiKey     string
	routerURL  string
	hubURL     string
	sorts      []string
	harvestCap int
	batchDelay time.Duration

	client openaiSDK.Client
	httpc  *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithSorts sets the harvest sort keys (from HUGGINGFACE_FETCH_SORTS).
func WithSorts(sorts []string) Option {
	return func(a *Adapter) {
		if len(sorts) > 0 {
			a.sorts = sorts
		}
	}
}

// WithHarvestCap overrides the hard cap on harvested model ids.
func WithHarvestCap(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.harvestCap = n
		}
	}
}

// WithHubURL overrides the Hub listing endpoint (useful for testing).
func WithHubURL(url string) Option {
	return func(a *Adapter) {
		a.hubURL = strings.TrimSuffix(url, "/")
		a.batchDelay = 0
	}
}

// WithRouterURL overrides the inference router endpoint.
func WithRouterURL(url string) Option {
	return func(a *Adapter) { a.routerURL = url }
}

// New creates a HuggingFace Adapter. An empty apiKey is allowed: inference
// will be rejected upstream but the catalog harvest still works anonymously.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:     apiKey,
		routerURL:  defaultRouterURL,
		hubURL:     defaultHubURL,
		sorts:      DefaultSorts,
		harvestCap: defaultHarvestCap,
		httpc:      &http.Client{Timeout: adapters.DefaultCatalogTimeout},
	}
	if apiKey == "" {
		a.batchDelay = anonBatchDelay
	}
	for _, o := range opts {
		o(a)
	}

	a.client = openaiSDK.NewClient(
		option.WithAPIKey(a.apiKey),
		option.WithBaseURL(a.routerURL),
		option.WithHTTPClient(&http.Client{Timeout: adapters.DefaultAttemptTimeout}),
	)
	return a
}

func (a *Adapter) Name() string { return gatewayName }

// translateModel strips the canonical `huggingface/` prefix; the remainder is
// the Hub repo id (`org/name`), which the router accepts as-is.
func translateModel(id string) string {
	return strings.TrimPrefix(id, gatewayName+"/")
}

func (a *Adapter) Invoke(ctx context.Context, req *adapters.Request) (*adapters.Response, error) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    translateModel(req.Model),
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.TopP != 0 {
		params.TopP = openaiSDK.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	if req.Stream {
		return a.invokeStreaming(ctx, req.Model, params)
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toAdapterError(err)
	}

	out := &adapters.Response{ID: resp.ID, Model: req.Model}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = string(resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0 {
		out.Usage = adapters.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		}
	} else {
		out.Usage = adapters.Usage{
			CompletionTokens: adapters.EstimateTokens(out.Content),
			Estimated:        true,
		}
	}
	return out, nil
}

func (a *Adapter) invokeStreaming(
	ctx context.Context,
	canonicalModel string,
	params openaiSDK.ChatCompletionNewParams,
) (*adapters.Response, error) {
	ch := make(chan adapters.StreamChunk, 64)

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content == "" && c.FinishReason == "" {
				continue
			}
			select {
			case ch <- adapters.StreamChunk{
				Content:      c.Delta.Content,
				FinishReason: c.FinishReason,
			}:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- adapters.StreamChunk{Err: adapters.Wrap(gatewayName, toAdapterError(err))}:
			case <-ctx.Done():
			}
		}
	}()

	return &adapters.Response{Model: canonicalModel, Stream: ch}, nil
}

// ListModels performs the multi-sort harvest: the Hub listing caps each query
// at 1 000 rows, so the same query runs once per sort key and the union is
// deduplicated by repo id, preserving first-seen order, up to the cap.
func (a *Adapter) ListModels(ctx context.Context) ([]catalog.Entry, error) {
	seen := make(map[string]bool)
	var entries []catalog.Entry

	for i, sort := range a.sorts {
		if len(entries) >= a.harvestCap {
			break
		}
		if i > 0 && a.batchDelay > 0 {
			select {
			case <-time.After(a.batchDelay):
			case <-ctx.Done():
				return entries, ctx.Err()
			}
		}

		batch, err := a.fetchBatch(ctx, sort)
		if err != nil {
			// A later sort failing does not discard earlier batches.
			if len(entries) > 0 {
				break
			}
			return nil, err
		}

		for _, e := range batch {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			entries = append(entries, e)
			if len(entries) >= a.harvestCap {
				break
			}
		}
	}

	return entries, nil
}

// fetchBatch runs one Hub listing query, filtered to models with a live
// inference deployment.
func (a *Adapter) fetchBatch(ctx context.Context, sort string) ([]catalog.Entry, error) {
	q := url.Values{}
	q.Set("sort", sort)
	q.Set("direction", "-1")
	q.Set("limit", fmt.Sprintf("%d", defaultBatchLimit))
	q.Set("inference_provider", "all")
	q.Set("pipeline_tag", "text-generation")

	reqURL := a.hubURL + "/api/models?" + q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, adapters.Wrap(gatewayName, err)
	}
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpc.Do(httpReq)
	if err != nil {
		return nil, adapters.Wrap(gatewayName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, adapters.Wrap(gatewayName, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, adapters.NewError(gatewayName, resp.StatusCode,
			fmt.Sprintf("hub listing (sort=%s): %s", sort, strings.TrimSpace(string(body))))
	}

	var entries []catalog.Entry
	gjson.ParseBytes(body).ForEach(func(_, m gjson.Result) bool {
		repo := m.Get("id").String()
		if repo == "" {
			return true
		}
		e := catalog.Entry{
			ID:            catalog.NormalizeID(gatewayName, repo),
			SourceGateway: gatewayName,
			DisplayName:   repo,
			Pricing:       catalog.Pricing{Prompt: "0", Completion: "0", Request: "0"},
			Modality:      catalog.Modality{Input: []string{"text"}, Output: []string{"text"}},
			HuggingFace: &catalog.HFMetrics{
				Likes:     m.Get("likes").Int(),
				Downloads: m.Get("downloads").Int(),
			},
			Raw: []byte(m.Raw),
		}
		entries = append(entries, e)
		return true
	})

	return entries, nil
}

func toAdapterError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return adapters.NewError(gatewayName, apiErr.StatusCode, apiErr.Error())
	}
	return adapters.Wrap(gatewayName, err)
}

func toSDKMessage(m adapters.Message) openaiSDK.ChatCompletionMessageParamUnion {
	content := adapters.FlattenContent(m)
	switch strings.ToLower(m.Role) {
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
