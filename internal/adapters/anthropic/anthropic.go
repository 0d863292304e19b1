// Package anthropic implements the adapters.Adapter contract for Anthropic's
// Messages API using the official SDK.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Alpaca-Network/gatewayz/internal/adapters"
	"github.com/Alpaca-Network/gatewayz/internal/catalog"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	gatewayName      = "anthropic"
	defaultMaxTokens = 4096
)

// Adapter implements adapters.Adapter for Anthropic.
type Adapter struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// New creates an Anthropic Adapter.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}

	a.client = anthropic.NewClient(
		option.WithAPIKey(a.apiKey),
		option.WithBaseURL(a.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: adapters.DefaultAttemptTimeout}),
	)

	return a
}

func (a *Adapter) Name() string { return gatewayName }

// translateModel strips the canonical `anthropic/` prefix.
func translateModel(id string) string {
	return strings.TrimPrefix(id, gatewayName+"/")
}

func (a *Adapter) Invoke(ctx context.Context, req *adapters.Request) (*adapters.Response, error) {
	params := buildParams(req)

	if req.Stream {
		return a.invokeStreaming(ctx, params)
	}
	return a.invokeBlocking(ctx, params)
}

// buildParams converts the canonical request. System/developer turns fold
// into the Anthropic system prompt; MaxTokens is mandatory upstream, so a
// default applies when the client omitted it.
func buildParams(req *adapters.Request) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		content := adapters.FlattenContent(m)
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(translateModel(req.Model)),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}
	if req.TopK > 0 {
		params.TopK = anthropic.Int(int64(req.TopK))
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

func (a *Adapter) invokeBlocking(ctx context.Context, params anthropic.MessageNewParams) (*adapters.Response, error) {
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, toAdapterError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &adapters.Response{
		ID:           msg.ID,
		Model:        catalog.NormalizeID(gatewayName, string(msg.Model)),
		Content:      sb.String(),
		FinishReason: finishReason(string(msg.StopReason)),
		Usage: adapters.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (a *Adapter) invokeStreaming(ctx context.Context, params anthropic.MessageNewParams) (*adapters.Response, error) {
	ch := make(chan adapters.StreamChunk, 64)

	stream := a.client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		var inputTokens, outputTokens int64

		for stream.Next() {
			ev := stream.Current()

			switch event := ev.AsAny().(type) {
			case anthropic.MessageStartEvent:
				inputTokens = event.Message.Usage.InputTokens
			case anthropic.ContentBlockDeltaEvent:
				switch delta := event.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" {
						ch <- adapters.StreamChunk{Content: delta.Text}
					}
				case *anthropic.TextDelta:
					if delta.Text != "" {
						ch <- adapters.StreamChunk{Content: delta.Text}
					}
				}
			case anthropic.MessageDeltaEvent:
				outputTokens = event.Usage.OutputTokens
				if event.Delta.StopReason != "" {
					out := adapters.StreamChunk{
						FinishReason: finishReason(string(event.Delta.StopReason)),
					}
					if inputTokens > 0 || outputTokens > 0 {
						out.Usage = &adapters.Usage{
							PromptTokens:     int(inputTokens),
							CompletionTokens: int(outputTokens),
						}
					}
					ch <- out
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- adapters.StreamChunk{Err: adapters.Wrap(gatewayName, toAdapterError(err))}
		}
	}()

	return &adapters.Response{
		Model:  catalog.NormalizeID(gatewayName, string(params.Model)),
		Stream: ch,
	}, nil
}

// ListModels lists Anthropic's model catalog via GET /v1/models.
func (a *Adapter) ListModels(ctx context.Context) ([]catalog.Entry, error) {
	page, err := a.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(100),
	})
	if err != nil {
		return nil, toAdapterError(err)
	}

	var entries []catalog.Entry
	for _, m := range page.Data {
		e := catalog.Normalize(gatewayName, []byte(m.RawJSON()))
		e.DisplayName = m.DisplayName
		entries = append(entries, e)
	}
	return entries, nil
}

// finishReason maps Anthropic stop reasons into the OpenAI vocabulary.
func finishReason(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "":
		return ""
	default:
		return stop
	}
}

func toAdapterError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return adapters.NewError(gatewayName, apiErr.StatusCode, apiErr.Error())
	}
	return adapters.Wrap(gatewayName, err)
}
