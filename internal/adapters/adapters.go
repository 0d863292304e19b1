// Package adapters defines the common interfaces and types implemented by all
// upstream gateway adapters (OpenRouter, Portkey, Vertex AI, HuggingFace
// Inference, Fal, and the OpenAI-compatible direct providers).
//
// Each adapter lives in its own sub-package and implements the Adapter
// interface: one Invoke contract for chat/completions (streaming and
// non-streaming) and one ListModels contract for the catalog. Adapters that
// support vector embeddings additionally implement EmbeddingAdapter; image
// generation is ImageAdapter.
package adapters

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Alpaca-Network/gatewayz/internal/catalog"
)

type (
	// ContentPart is one element of a multimodal message content.
	ContentPart struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		ImageURL string `json:"image_url,omitempty"`
	}

	// Message is a single turn in a conversation. Content carries plain text;
	// Parts is set instead when the client sent multimodal content.
	Message struct {
		Role    string
		Content string
		Parts   []ContentPart
	}

	// ToolDef is a function/tool definition passed through to the upstream.
	// Parameters stays an opaque JSON schema blob.
	ToolDef struct {
		Name        string
		Description string
		Parameters  json.RawMessage
	}

	// Request is the canonical request every adapter receives. The model id
	// has already been translated by the router into the upstream's form.
	Request struct {
		Model    string
		Messages []Message
		Stream   bool

		Temperature      float64
		TopP             float64
		TopK             int
		MaxTokens        int
		FrequencyPenalty float64
		PresencePenalty  float64

		Tools []ToolDef

		UserID    string
		APIKeyID  string
		RequestID string
	}

	// Usage — token usage stats. Estimated is set when the upstream omitted
	// usage and the adapter fell back to the chars/4 heuristic.
	Usage struct {
		PromptTokens     int
		CompletionTokens int
		Estimated        bool
	}

	// StreamChunk is a single delta delivered during a streaming response.
	// A chunk with Err set is the distinguishable terminal error event; the
	// channel is always closed afterwards (never silent truncation).
	StreamChunk struct {
		Role         string
		Content      string
		ToolCall     json.RawMessage
		FinishReason string
		// Usage is set on the terminal chunk when the upstream reports
		// stream usage; billing prefers it over the chars/4 estimate.
		Usage *Usage
		Err   *Error
	}

	// Response is the canonical adapter response. For streaming requests
	// Stream is non-nil and the scalar fields are unset until drain.
	Response struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        Usage
		Stream       <-chan StreamChunk
	}

	// EmbeddingRequest — normalized embedding request.
	EmbeddingRequest struct {
		Input     []string
		Model     string
		RequestID string
	}

	// EmbeddingData — a single embedding vector.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse — normalized embedding response.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}

	// ImageRequest — normalized image generation request.
	ImageRequest struct {
		Model     string
		Prompt    string
		N         int
		Size      string
		RequestID string
	}

	// ImageResponse carries generated images as URLs or base64 payloads.
	ImageResponse struct {
		Model  string
		URLs   []string
		B64    []string
		Usage  Usage
		RawRef json.RawMessage
	}
)

// Adapter is the uniform per-gateway contract.
type Adapter interface {
	// Name returns the gateway slug used for routing, logs and metrics.
	Name() string

	// Invoke executes one chat completion against the upstream. Failures are
	// returned as *Error with a Classification the router acts on.
	Invoke(ctx context.Context, req *Request) (*Response, error)

	// ListModels fetches and normalizes the upstream's model catalog.
	ListModels(ctx context.Context) ([]catalog.Entry, error)
}

// EmbeddingAdapter is an optional interface for gateways that serve
// embeddings. Check with a type assertion before calling.
type EmbeddingAdapter interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// ImageAdapter is an optional interface for gateways that serve image
// generation.
type ImageAdapter interface {
	GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error)
}

// Default timeouts. All are configurable; see internal/config.
const (
	DefaultAttemptTimeout = 30 * time.Second
	DefaultStreamIdle     = 20 * time.Second
	DefaultCatalogTimeout = 20 * time.Second
)

// EstimateTokens approximates a token count from raw character length using
// the ~4 chars/token heuristic. Never returns less than 1 for non-empty text.
func EstimateTokens(text string) int {
	return EstimateTokensFromChars(len(text))
}

// EstimateTokensFromChars is EstimateTokens for a pre-computed length.
func EstimateTokensFromChars(chars int) int {
	if chars == 0 {
		return 0
	}
	n := chars / 4
	if n == 0 {
		n = 1
	}
	return n
}

// FlattenContent returns the plain-text view of a message, joining multimodal
// text parts. Image parts contribute nothing to the text.
func FlattenContent(m Message) string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}
