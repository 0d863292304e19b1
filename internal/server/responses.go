package server

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/Alpaca-Network/gatewayz/pkg/apierr"
)

// responsesRequest is the subset of the OpenAI Responses API the gateway
// accepts. Input is either a bare string or an array of chat-style messages.
type responsesRequest struct {
	Model        string          `json:"model"`
	Input        json.RawMessage `json:"input"`
	Instructions string          `json:"instructions"`
	Stream       bool            `json:"stream"`
	Temperature  float64         `json:"temperature"`
	TopP         float64         `json:"top_p"`
	MaxTokens    int             `json:"max_output_tokens"`
	Gateway      string          `json:"gateway"`
}

// handleResponses serves POST /v1/responses by translating the body into the
// chat pipeline. Streaming requests emit the chat.completion.chunk SSE shape.
func (s *Server) handleResponses(ctx *fasthttp.RequestCtx) {
	var wire responsesRequest
	if err := json.Unmarshal(ctx.PostBody(), &wire); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}

	chat := chatRequest{
		Model:       wire.Model,
		Stream:      wire.Stream,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		MaxTokens:   wire.MaxTokens,
		Gateway:     wire.Gateway,
	}
	if wire.Instructions != "" {
		sys, _ := json.Marshal(wire.Instructions)
		chat.Messages = append(chat.Messages, chatMessage{Role: "system", Content: sys})
	}

	var text string
	if err := json.Unmarshal(wire.Input, &text); err == nil {
		content, _ := json.Marshal(text)
		chat.Messages = append(chat.Messages, chatMessage{Role: "user", Content: content})
	} else {
		var msgs []chatMessage
		if err := json.Unmarshal(wire.Input, &msgs); err != nil {
			apierr.WriteBadRequest(ctx, "'input' must be a string or array of messages")
			return
		}
		chat.Messages = append(chat.Messages, msgs...)
	}

	body, _ := json.Marshal(chat)
	ctx.Request.SetBody(body)
	s.handleChatCompletions(ctx)
}
