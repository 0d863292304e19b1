// Package portkey adapts the Portkey aggregator. Portkey fronts many direct
// providers behind one OpenAI-compatible endpoint; the target provider is
// selected per request with the x-portkey-provider header.
//
// Model ids take the aggregator form `@provider/model`. The provider segment
// MUST be forwarded as the header hint — DeepInfra models dispatched without
// it come back as 502s from the aggregator.
package portkey

import (
	"context"
	"errors"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/Alpaca-Network/gatewayz/internal/adapters"
	"github.com/Alpaca-Network/gatewayz/internal/catalog"
)

const (
	defaultBaseURL = "https://api.portkey.ai/v1"
	providerHeader = "x-portkey-provider"
)

// Adapter implements adapters.Adapter for the Portkey aggregator.
type Adapter struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the default Portkey endpoint.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// New creates a Portkey Adapter.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{apiKey: apiKey, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(a)
	}

	a.client = openaiSDK.NewClient(
		option.WithAPIKey(a.apiKey),
		option.WithBaseURL(a.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: adapters.DefaultAttemptTimeout}),
	)
	return a
}

func (a *Adapter) Name() string { return "portkey" }

// splitModel separates an aggregator id `@provider/model` into the provider
// hint and the upstream model name. Ids without the @ prefix pass through
// with an empty hint.
func splitModel(id string) (provider, model string) {
	if !strings.HasPrefix(id, "@") {
		return "", id
	}
	rest := id[1:]
	i := strings.IndexByte(rest, '/')
	if i < 0 {
		return rest, ""
	}
	return rest[:i], rest[i+1:]
}

func (a *Adapter) Invoke(ctx context.Context, req *adapters.Request) (*adapters.Response, error) {
	provider, model := splitModel(req.Model)
	if model == "" {
		return nil, &adapters.Error{
			Gateway: a.Name(),
			Class:   adapters.ClassBadRequest,
			Message: "portkey model ids must be @provider/model",
		}
	}

	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
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

	var opts []option.RequestOption
	if provider != "" {
		opts = append(opts, option.WithHeader(providerHeader, provider))
	}

	if req.Stream {
		return a.invokeStreaming(ctx, params, opts)
	}

	resp, err := a.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, a.toAdapterError(err)
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
	params openaiSDK.ChatCompletionNewParams,
	opts []option.RequestOption,
) (*adapters.Response, error) {
	ch := make(chan adapters.StreamChunk, 64)

	stream := a.client.Chat.Completions.NewStreaming(ctx, params, opts...)

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
			case ch <- adapters.StreamChunk{Err: adapters.Wrap(a.Name(), a.toAdapterError(err))}:
			case <-ctx.Done():
			}
		}
	}()

	return &adapters.Response{Model: params.Model, Stream: ch}, nil
}

// ListModels lists the aggregator's model view. Upstream ids keep their
// `@provider/model` form so the merge precedence can tell them apart from
// direct-provider entries.
func (a *Adapter) ListModels(ctx context.Context) ([]catalog.Entry, error) {
	iter := a.client.Models.ListAutoPaging(ctx)

	var entries []catalog.Entry
	for iter.Next() {
		m := iter.Current()
		e := catalog.Normalize(a.Name(), []byte(m.RawJSON()))
		if !strings.HasPrefix(m.ID, "@") {
			e.ID = catalog.NormalizeID(a.Name(), m.ID)
		}
		entries = append(entries, e)
	}
	if err := iter.Err(); err != nil {
		return nil, a.toAdapterError(err)
	}
	return entries, nil
}

func (a *Adapter) toAdapterError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return adapters.NewError(a.Name(), apiErr.StatusCode, apiErr.Error())
	}
	return adapters.Wrap(a.Name(), err)
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
