// Package vertexai implements the adapters.Adapter contract for Google
// Vertex AI via the google.golang.org/genai SDK with the Vertex backend.
//
// Required configuration:
//   - GOOGLE_PROJECT_ID      — Google Cloud project ID
//   - GOOGLE_VERTEX_LOCATION — region, e.g. "us-central1" (default)
//
// Authentication, in order of precedence:
//   - GOOGLE_VERTEX_CREDENTIALS_JSON — inline service account key
//   - Application Default Credentials (GOOGLE_APPLICATION_CREDENTIALS file,
//     Workload Identity, or the GCE metadata server when running on GCP)
package vertexai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"cloud.google.com/go/auth/credentials"
	"google.golang.org/genai"

	"github.com/Alpaca-Network/gatewayz/internal/adapters"
	"github.com/Alpaca-Network/gatewayz/internal/catalog"
)

const (
	defaultLocation = "us-central1"
	gatewayName     = "vertexai"
)

// Adapter implements adapters.Adapter for Google Vertex AI.
type Adapter struct {
	project   string
	location  string
	credsJSON []byte
	client    *genai.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLocation overrides the default Vertex AI region.
func WithLocation(loc string) Option {
	return func(a *Adapter) { a.location = loc }
}

// WithCredentialsJSON authenticates with an inline service-account key
// instead of Application Default Credentials.
func WithCredentialsJSON(raw []byte) Option {
	return func(a *Adapter) { a.credsJSON = raw }
}

// New creates a Vertex AI Adapter. Auth comes from the configured service
// account key, or Application Default Credentials — never an API key.
func New(ctx context.Context, project string, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		project:  project,
		location: defaultLocation,
	}
	for _, o := range opts {
		o(a)
	}

	cc := &genai.ClientConfig{
		Project:  a.project,
		Location: a.location,
		Backend:  genai.BackendVertexAI,
	}
	if len(a.credsJSON) > 0 {
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			CredentialsJSON: a.credsJSON,
			Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
		})
		if err != nil {
			return nil, fmt.Errorf("vertexai: parse credentials: %w", err)
		}
		cc.Credentials = creds
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("vertexai: create client: %w", err)
	}

	a.client = client
	return a, nil
}

func (a *Adapter) Name() string { return gatewayName }

// translateModel strips the canonical `vertexai/` prefix and any resource
// path the listing API reported.
func translateModel(id string) string {
	id = strings.TrimPrefix(id, gatewayName+"/")
	if i := strings.LastIndexByte(id, '/'); i >= 0 {
		id = id[i+1:]
	}
	return id
}

func (a *Adapter) Invoke(ctx context.Context, req *adapters.Request) (*adapters.Response, error) {
	contents, cfg := buildContentsAndConfig(req)
	model := translateModel(req.Model)

	if req.Stream {
		return a.invokeStreaming(ctx, req.Model, model, contents, cfg)
	}
	return a.invokeBlocking(ctx, req, model, contents, cfg)
}

func buildContentsAndConfig(req *adapters.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		content := adapters.FlattenContent(m)
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || req.Temperature > 0 || req.TopP > 0 || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
	}
	if cfg != nil && systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if cfg != nil && req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if cfg != nil && req.TopP > 0 {
		cfg.TopP = genai.Ptr[float32](float32(req.TopP))
	}
	if cfg != nil && req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	return contents, cfg
}

func (a *Adapter) invokeBlocking(
	ctx context.Context,
	req *adapters.Request,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*adapters.Response, error) {
	resp, err := a.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, toAdapterError(err)
	}

	id := req.RequestID
	if id == "" {
		if resp != nil && resp.ResponseID != "" {
			id = resp.ResponseID
		} else {
			id = generateID()
		}
	}

	out := ""
	if resp != nil {
		out = resp.Text()
	}

	usage := adapters.Usage{}
	if resp != nil && resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	} else {
		usage.CompletionTokens = adapters.EstimateTokens(out)
		usage.Estimated = true
	}

	finish := ""
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		finish = finishReason(string(resp.Candidates[0].FinishReason))
	}

	return &adapters.Response{
		ID:           id,
		Model:        req.Model,
		Content:      out,
		FinishReason: finish,
		Usage:        usage,
	}, nil
}

func (a *Adapter) invokeStreaming(
	ctx context.Context,
	canonicalModel, model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*adapters.Response, error) {
	ch := make(chan adapters.StreamChunk, 64)

	go func() {
		defer close(ch)

		for resp, err := range a.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- adapters.StreamChunk{Err: adapters.Wrap(gatewayName, toAdapterError(err))}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			text := candidateText(c)
			finish := finishReason(string(c.FinishReason))

			if text != "" || finish != "" {
				select {
				case ch <- adapters.StreamChunk{Content: text, FinishReason: finish}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return &adapters.Response{Model: canonicalModel, Stream: ch}, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ListModels walks the Vertex model listing and builds catalog entries. The
// listing API reports resource paths; entries carry the short model name
// under the canonical `vertexai/` prefix.
func (a *Adapter) ListModels(ctx context.Context) ([]catalog.Entry, error) {
	var entries []catalog.Entry

	cfg := &genai.ListModelsConfig{PageSize: 100}
	for {
		page, err := a.client.Models.List(ctx, cfg)
		if err != nil {
			return nil, toAdapterError(err)
		}

		for _, m := range page.Items {
			if m == nil || m.Name == "" {
				continue
			}
			short := m.Name
			if i := strings.LastIndexByte(short, '/'); i >= 0 {
				short = short[i+1:]
			}

			e := catalog.Entry{
				ID:            catalog.NormalizeID(gatewayName, short),
				SourceGateway: gatewayName,
				DisplayName:   m.DisplayName,
				ContextLength: int64(m.InputTokenLimit),
				Pricing:       catalog.Pricing{Prompt: "0", Completion: "0", Request: "0"},
				Modality:      catalog.Modality{Input: []string{"text"}, Output: []string{"text"}},
			}
			if raw, err := json.Marshal(m); err == nil {
				e.Raw = raw
			}
			entries = append(entries, e)
		}

		if page.NextPageToken == "" {
			break
		}
		cfg.PageToken = page.NextPageToken
	}

	return entries, nil
}

// finishReason maps genai finish reasons into the OpenAI vocabulary.
func finishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
		return "content_filter"
	case "":
		return ""
	default:
		return strings.ToLower(reason)
	}
}

func generateID() string {
	return fmt.Sprintf("vertexai-%x", rand.Int63())
}

func toAdapterError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return adapters.NewError(gatewayName, apiErr.Code, apiErr.Message)
	}
	return adapters.Wrap(gatewayName, err)
}
