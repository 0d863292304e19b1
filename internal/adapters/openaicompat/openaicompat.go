// Package openaicompat provides a generic adapter for any upstream that
// implements the OpenAI chat completions API. It serves most configured
// gateways: OpenRouter, Vercel AI Gateway, Fireworks, Together, Groq,
// DeepInfra, Cerebras, xAI, Novita, Nebius, Featherless, Near, AIMO and
// the Chutes direct API.
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/Alpaca-Network/gatewayz/internal/adapters"
	"github.com/Alpaca-Network/gatewayz/internal/catalog"
)

// Adapter is a configurable OpenAI-compatible gateway adapter.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	client  openaiSDK.Client

	// stripPrefix removes the canonical `provider/` prefix before dialing.
	// Direct providers (groq, cerebras, xai, …) expect bare model names;
	// aggregators (openrouter, vercel) expect the full canonical id.
	stripPrefix bool

	timeout time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithStripPrefix makes the adapter rewrite `provider/name` ids to `name`.
func WithStripPrefix() Option {
	return func(a *Adapter) { a.stripPrefix = true }
}

// WithTimeout overrides the default per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// New creates an OpenAI-compatible Adapter.
//
//   - name    — gateway slug used for routing, logs and catalog provenance.
//   - apiKey  — sent as "Authorization: Bearer <key>".
//   - baseURL — API base URL, e.g. "https://openrouter.ai/api/v1".
func New(name, apiKey, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		timeout: adapters.DefaultAttemptTimeout,
	}
	for _, o := range opts {
		o(a)
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(a.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: a.timeout}),
	}
	if a.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(a.baseURL))
	}

	a.client = openaiSDK.NewClient(sdkOpts...)
	return a
}

func (a *Adapter) Name() string { return a.name }

// TranslateModel rewrites a canonical model id into the upstream's form.
func (a *Adapter) TranslateModel(id string) string {
	if !a.stripPrefix {
		return id
	}
	if i := strings.IndexByte(id, '/'); i >= 0 {
		return id[i+1:]
	}
	return id
}

func (a *Adapter) Invoke(ctx context.Context, req *adapters.Request) (*adapters.Response, error) {
	params, extra := a.buildParams(req)
	if req.Stream {
		return a.invokeStreaming(ctx, params, extra)
	}
	return a.invokeBlocking(ctx, params, extra)
}

// buildParams converts the canonical request into SDK params. Tool
// definitions are forwarded as a raw JSON overlay so upstream-specific
// extensions survive untouched.
func (a *Adapter) buildParams(req *adapters.Request) (openaiSDK.ChatCompletionNewParams, []option.RequestOption) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    a.TranslateModel(req.Model),
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
	if req.FrequencyPenalty != 0 {
		params.FrequencyPenalty = openaiSDK.Float(req.FrequencyPenalty)
	}
	if req.PresencePenalty != 0 {
		params.PresencePenalty = openaiSDK.Float(req.PresencePenalty)
	}

	var extra []option.RequestOption
	if len(req.Tools) > 0 {
		extra = append(extra, option.WithJSONSet("tools", encodeTools(req.Tools)))
	}
	if req.TopK > 0 {
		// Not part of the OpenAI schema; many compatible upstreams accept it.
		extra = append(extra, option.WithJSONSet("top_k", req.TopK))
	}

	return params, extra
}

// encodeTools renders canonical tool definitions in the OpenAI wire shape.
func encodeTools(tools []adapters.ToolDef) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		fn := map[string]any{"name": t.Name}
		if t.Description != "" {
			fn["description"] = t.Description
		}
		if len(t.Parameters) > 0 {
			fn["parameters"] = json.RawMessage(t.Parameters)
		}
		out = append(out, map[string]any{"type": "function", "function": fn})
	}
	return out
}

func (a *Adapter) invokeBlocking(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	extra []option.RequestOption,
) (*adapters.Response, error) {
	resp, err := a.client.Chat.Completions.New(ctx, params, extra...)
	if err != nil {
		return nil, a.toAdapterError(err)
	}

	out := &adapters.Response{
		ID:    resp.ID,
		Model: resp.Model,
	}
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
		// Upstream omitted usage — estimate with the chars/4 heuristic.
		promptChars := 0
		for _, m := range params.Messages {
			if b, err := m.MarshalJSON(); err == nil {
				promptChars += len(b)
			}
		}
		out.Usage = adapters.Usage{
			PromptTokens:     adapters.EstimateTokensFromChars(promptChars),
			CompletionTokens: adapters.EstimateTokens(out.Content),
			Estimated:        true,
		}
	}

	return out, nil
}

func (a *Adapter) invokeStreaming(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	extra []option.RequestOption,
) (*adapters.Response, error) {
	ch := make(chan adapters.StreamChunk, 64)

	// Ask for the usage frame so streamed requests bill real token counts.
	params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{
		IncludeUsage: openaiSDK.Bool(true),
	}
	stream := a.client.Chat.Completions.NewStreaming(ctx, params, extra...)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			var out adapters.StreamChunk
			if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
				out.Usage = &adapters.Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
				}
			}
			if len(chunk.Choices) > 0 {
				c := chunk.Choices[0]
				out.Role = c.Delta.Role
				out.Content = c.Delta.Content
				out.FinishReason = c.FinishReason
			}
			if out.Content == "" && out.FinishReason == "" && out.Role == "" && out.Usage == nil {
				continue
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		// Mid-stream failures surface as a distinguishable terminal event,
		// never as silent truncation.
		if err := stream.Err(); err != nil {
			ae := a.toAdapterError(err)
			var structured *adapters.Error
			if !errors.As(ae, &structured) {
				structured = adapters.Wrap(a.name, ae)
			}
			select {
			case ch <- adapters.StreamChunk{Err: structured}:
			case <-ctx.Done():
			}
		}
	}()

	return &adapters.Response{Model: params.Model, Stream: ch}, nil
}

// ListModels fetches the upstream model listing and normalizes every entry.
// RawJSON preserves gateway-specific fields (pricing, context length) that
// the SDK's Model type does not surface.
func (a *Adapter) ListModels(ctx context.Context) ([]catalog.Entry, error) {
	iter := a.client.Models.ListAutoPaging(ctx)

	var entries []catalog.Entry
	for iter.Next() {
		m := iter.Current()
		entries = append(entries, catalog.Normalize(a.name, []byte(m.RawJSON())))
	}
	if err := iter.Err(); err != nil {
		return nil, a.toAdapterError(err)
	}

	return entries, nil
}

// Embed implements adapters.EmbeddingAdapter for upstreams that expose the
// embeddings endpoint.
func (a *Adapter) Embed(ctx context.Context, req *adapters.EmbeddingRequest) (*adapters.EmbeddingResponse, error) {
	resp, err := a.client.Embeddings.New(ctx, openaiSDK.EmbeddingNewParams{
		Model: a.TranslateModel(req.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
	})
	if err != nil {
		return nil, a.toAdapterError(err)
	}

	out := &adapters.EmbeddingResponse{
		Model: resp.Model,
		Usage: adapters.Usage{PromptTokens: int(resp.Usage.PromptTokens)},
	}
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out.Data = append(out.Data, adapters.EmbeddingData{
			Index:     int(d.Index),
			Embedding: vec,
		})
	}
	return out, nil
}

func (a *Adapter) toAdapterError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return adapters.NewError(a.name, apiErr.StatusCode, apiErr.Error())
	}
	if wrapped := adapters.Wrap(a.name, err); wrapped != nil {
		return wrapped
	}
	return fmt.Errorf("%s: %w", a.name, err)
}

func toSDKMessage(m adapters.Message) openaiSDK.ChatCompletionMessageParamUnion {
	content := adapters.FlattenContent(m)
	switch strings.ToLower(m.Role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
