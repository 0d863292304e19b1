package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/Alpaca-Network/gatewayz/internal/accounting"
	"github.com/Alpaca-Network/gatewayz/internal/adapters"
	"github.com/Alpaca-Network/gatewayz/internal/gate"
	gwrouter "github.com/Alpaca-Network/gatewayz/internal/router"
	"github.com/Alpaca-Network/gatewayz/internal/storage"
	"github.com/Alpaca-Network/gatewayz/internal/usagelog"
	"github.com/Alpaca-Network/gatewayz/pkg/apierr"
)

// ── Wire types ────────────────────────────────────────────────────────────────

type (
	// chatMessage accepts both the plain-string and the multimodal-parts
	// content forms of the OpenAI schema.
	chatMessage struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	chatTool struct {
		Type     string `json:"type"`
		Function struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Parameters  json.RawMessage `json:"parameters"`
		} `json:"function"`
	}

	chatRequest struct {
		Model            string        `json:"model"`
		Messages         []chatMessage `json:"messages"`
		Stream           bool          `json:"stream"`
		N                int           `json:"n"`
		Temperature      float64       `json:"temperature"`
		TopP             float64       `json:"top_p"`
		TopK             int           `json:"top_k"`
		MaxTokens        int           `json:"max_tokens"`
		FrequencyPenalty float64       `json:"frequency_penalty"`
		PresencePenalty  float64       `json:"presence_penalty"`
		Tools            []chatTool    `json:"tools"`

		// Gateway pins the first attempt; failover still applies.
		Gateway string `json:"gateway"`
	}

	chatUsage struct {
		PromptTokens     int  `json:"prompt_tokens"`
		CompletionTokens int  `json:"completion_tokens"`
		TotalTokens      int  `json:"total_tokens"`
		Estimated        bool `json:"estimated,omitempty"`
	}

	chatChoice struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	}

	chatResponse struct {
		ID      string       `json:"id"`
		Object  string       `json:"object"`
		Created int64        `json:"created"`
		Model   string       `json:"model"`
		Gateway string       `json:"gateway,omitempty"`
		Choices []chatChoice `json:"choices"`
		Usage   chatUsage    `json:"usage"`
	}
)

var allowedRoles = map[string]bool{
	"system": true, "developer": true, "user": true,
	"assistant": true, "tool": true,
}

// parseContent normalizes the string-or-parts content field.
func parseContent(raw json.RawMessage) (string, []adapters.ContentPart, error) {
	if len(raw) == 0 {
		return "", nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil, nil
	}

	var wire []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return "", nil, fmt.Errorf("'content' must be a string or array of parts")
	}
	parts := make([]adapters.ContentPart, len(wire))
	for i, p := range wire {
		parts[i] = adapters.ContentPart{Type: p.Type, Text: p.Text, ImageURL: p.ImageURL.URL}
	}
	return "", parts, nil
}

// buildAdapterRequest validates the wire request and translates it into the
// canonical adapter form.
func buildAdapterRequest(req *chatRequest, reqID string) (*adapters.Request, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("field 'model' is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("field 'messages' must not be empty")
	}
	if req.Stream && req.N > 1 {
		return nil, fmt.Errorf("'n' > 1 is not supported with streaming")
	}

	msgs := make([]adapters.Message, len(req.Messages))
	for i, m := range req.Messages {
		if !allowedRoles[m.Role] {
			return nil, fmt.Errorf("unknown message role %q", m.Role)
		}
		content, parts, err := parseContent(m.Content)
		if err != nil {
			return nil, err
		}
		msgs[i] = adapters.Message{Role: m.Role, Content: content, Parts: parts}
	}

	out := &adapters.Request{
		Model:            req.Model,
		Messages:         msgs,
		Stream:           req.Stream,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		TopK:             req.TopK,
		MaxTokens:        req.MaxTokens,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		RequestID:        reqID,
	}
	for _, t := range req.Tools {
		if t.Type != "function" || t.Function.Name == "" {
			continue
		}
		out.Tools = append(out.Tools, adapters.ToolDef{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	return out, nil
}

// promptChars sums the flattened text length of all messages, for the chars/4
// estimation fallback.
func promptChars(msgs []adapters.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(adapters.FlattenContent(m))
	}
	return n
}

// handleChatCompletions serves POST /v1/chat/completions (and the legacy
// /v1/completions alias).
func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	var wire chatRequest
	if err := json.Unmarshal(ctx.PostBody(), &wire); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	req, err := buildAdapterRequest(&wire, reqID)
	if err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return
	}

	permit, err := s.gate.Admit(ctx, bearerToken(ctx),
		gate.Route{Path: "/v1/chat/completions", Action: gate.ActionWrite},
		requestMeta(ctx))
	if err != nil {
		s.writeGateError(ctx, err)
		return
	}
	req.UserID = permit.User.ID
	req.APIKeyID = permit.Key.ID

	s.log.InfoContext(ctx, "chat_request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("user_id", req.UserID),
		slog.Bool("stream", req.Stream),
	)

	// The end-to-end budget covers non-streaming requests and the dial phase
	// of streams; an open stream is bounded by the chunk-idle timeout instead.
	execCtx := context.Context(ctx)
	var cancel context.CancelFunc = func() {}
	if !req.Stream {
		execCtx, cancel = context.WithTimeout(ctx, s.requestTimeout)
	}

	resp, cand, trace, err := s.router.Execute(execCtx, req, wire.Gateway, gwrouter.Policy{})
	s.observeTrace(trace)

	if err != nil {
		cancel()
		if errors.Is(err, gwrouter.ErrNoRoute) {
			// Never reached an upstream; the reserved trial slot goes back.
			permit.RollbackTrial(ctx)
			permit.Release(context.WithoutCancel(ctx))
			apierr.WriteModelNotFound(ctx, req.Model)
			return
		}
		s.settle(ctx, permit, &accounting.Result{
			RequestID: reqID,
			Model:     req.Model,
			LatencyMS: time.Since(start).Milliseconds(),
			Outcome:   outcomeFor(err),
			Trace:     storageTrace(trace),
		}, false)
		permit.Release(context.WithoutCancel(ctx))
		if len(trace) > 0 && s.metrics != nil {
			s.metrics.RecordFailoverExhausted(trace[0].Gateway)
		}
		s.writeUpstreamError(ctx, req.Model, err)
		return
	}

	sessionID := string(ctx.QueryArgs().Peek("session_id"))

	if req.Stream && resp.Stream != nil {
		// cancel is the no-op placeholder here: the timeout is only armed
		// when !req.Stream.
		cancel()
		ctx.SetUserValue("streaming", true)
		s.streamChat(ctx, permit, req, resp, cand.Gateway, trace, start, reqID, sessionID)
		return
	}
	defer cancel()

	out := chatResponse{
		ID:      "chatcmpl-" + reqID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Gateway: cand.Gateway,
		Usage: chatUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
			Estimated:        resp.Usage.Estimated,
		},
	}
	choice := chatChoice{FinishReason: firstNonEmpty(resp.FinishReason, "stop")}
	choice.Message.Role = "assistant"
	choice.Message.Content = resp.Content
	out.Choices = []chatChoice{choice}

	writeJSON(ctx, fasthttp.StatusOK, out)

	s.settle(ctx, permit, &accounting.Result{
		RequestID: reqID,
		Model:     resp.Model,
		Gateway:   cand.Gateway,
		Usage:     resp.Usage,
		LatencyMS: time.Since(start).Milliseconds(),
		Outcome:   storage.OutcomeOK,
		Trace:     storageTrace(trace),
	}, false)
	permit.Release(context.WithoutCancel(ctx))
	s.appendSessionTurns(ctx, sessionID, permit.User.ID, req, resp.Content)
}

// streamChat forwards the adapter stream as SSE chat.completion.chunk events.
// A mid-stream failure becomes an error event followed by [DONE]; tokens
// produced before the failure are still billed.
func (s *Server) streamChat(
	ctx *fasthttp.RequestCtx,
	permit *gate.Permit,
	req *adapters.Request,
	resp *adapters.Response,
	gateway string,
	trace []gwrouter.Attempt,
	start time.Time,
	reqID, sessionID string,
) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	route := string(ctx.Path())
	userID := permit.User.ID
	reqChars := promptChars(req.Messages)
	walk := storageTrace(trace)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		var sb strings.Builder
		var reported *adapters.Usage
		outcome := storage.OutcomeOK

		for chunk := range resp.Stream {
			if chunk.Err != nil {
				outcome = storage.OutcomeError
				if chunk.Err.Class == adapters.ClassTimeout {
					outcome = storage.OutcomeTimeout
				}
				fmt.Fprintf(w, "data: %s\n\n", apierr.Envelope(
					chunk.Err.Message, apierr.TypeUpstreamError, streamErrCode(chunk.Err)))
				w.Flush() //nolint:errcheck
				break
			}
			if chunk.Usage != nil {
				reported = chunk.Usage
				// A usage-only frame is bookkeeping, not a delta.
				if chunk.Content == "" && chunk.Role == "" &&
					chunk.FinishReason == "" && len(chunk.ToolCall) == 0 {
					continue
				}
			}
			sb.WriteString(chunk.Content)
			fmt.Fprintf(w, "data: %s\n\n", marshalChunk(reqID, model, chunk))
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		// Bill the counts the upstream attached to the stream; fall back to
		// the chars/4 estimate when it never sent any.
		usage := adapters.Usage{
			PromptTokens:     adapters.EstimateTokensFromChars(reqChars),
			CompletionTokens: adapters.EstimateTokensFromChars(sb.Len()),
			Estimated:        true,
		}
		if reported != nil && (reported.PromptTokens > 0 || reported.CompletionTokens > 0) {
			usage = *reported
		}

		bg := context.Background()
		s.settleIn(bg, permit, &accounting.Result{
			RequestID: reqID,
			Model:     model,
			Gateway:   gateway,
			Usage:     usage,
			LatencyMS: time.Since(start).Milliseconds(),
			Outcome:   outcome,
			Trace:     walk,
		}, true)
		permit.Release(bg)

		if outcome == storage.OutcomeOK {
			s.appendSessionTurnsIn(bg, sessionID, userID, req, sb.String())
		}

		if s.metrics != nil {
			s.metrics.DecInFlight()
			s.metrics.ObserveHTTP(route, fasthttp.StatusOK, time.Since(start))
		}
	})
}

func marshalChunk(reqID, model string, chunk adapters.StreamChunk) []byte {
	delta := map[string]any{}
	if chunk.Role != "" {
		delta["role"] = chunk.Role
	}
	if chunk.Content != "" {
		delta["content"] = chunk.Content
	}
	if len(chunk.ToolCall) > 0 {
		delta["tool_calls"] = json.RawMessage(chunk.ToolCall)
	}
	var finish any
	if chunk.FinishReason != "" {
		finish = chunk.FinishReason
	}
	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-" + reqID,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{"index": 0, "delta": delta, "finish_reason": finish},
		},
	})
	return body
}

func streamErrCode(ae *adapters.Error) string {
	if ae.Class == adapters.ClassTimeout {
		return apierr.CodeUpstreamTimeout
	}
	return apierr.CodeUpstreamUnavailable
}

func outcomeFor(err error) storage.UsageOutcome {
	var ae *adapters.Error
	if errors.As(err, &ae) && ae.Class == adapters.ClassTimeout {
		return storage.OutcomeTimeout
	}
	return storage.OutcomeError
}

// settle prices and commits the request, mirrors it to the usage log, and
// updates the billing metrics.
func (s *Server) settle(ctx *fasthttp.RequestCtx, permit *gate.Permit, res *accounting.Result, streamed bool) {
	s.settleIn(ctx, permit, res, streamed)
}

func (s *Server) settleIn(ctx context.Context, permit *gate.Permit, res *accounting.Result, streamed bool) {
	info := &accounting.PermitInfo{
		UserID:   permit.User.ID,
		APIKeyID: permit.Key.ID,
	}
	if permit.Trial != nil {
		info.TrialID = permit.Trial.ID
	}

	result, err := s.accountant.Settle(ctx, info, res)

	if s.metrics != nil {
		s.metrics.AddTokens(res.Gateway, res.Usage.PromptTokens, res.Usage.CompletionTokens)
		if result != nil {
			s.metrics.RecordDeduction("trial", result.TrialCredits)
			s.metrics.RecordDeduction("balance", result.PaidCredits)
		}
	}

	if s.usageLog != nil {
		cost, _ := s.accountant.Cost(ctx, res.Gateway, res.Model, res.Usage)
		id, parseErr := uuid.Parse(res.RequestID)
		if parseErr != nil {
			id = uuid.New()
		}
		status := uint16(fasthttp.StatusOK)
		if res.Outcome != storage.OutcomeOK {
			status = uint16(fasthttp.StatusBadGateway)
		}
		s.usageLog.Log(usagelog.Entry{
			ID:               id,
			UserID:           info.UserID,
			APIKeyID:         info.APIKeyID,
			Gateway:          res.Gateway,
			Model:            res.Model,
			PromptTokens:     uint32(res.Usage.PromptTokens),
			CompletionTokens: uint32(res.Usage.CompletionTokens),
			LatencyMs:        uint32(res.LatencyMS),
			Status:           status,
			Outcome:          string(res.Outcome),
			CostUSD:          cost,
			Attempts:         uint8(len(res.Trace)),
			Streamed:         streamed,
			CreatedAt:        time.Now(),
		})
	}

	_ = err // already logged by the accountant
}

// storageTrace converts the router's attempt trace into the form persisted
// with the usage record.
func storageTrace(trace []gwrouter.Attempt) []storage.Attempt {
	if len(trace) == 0 {
		return nil
	}
	out := make([]storage.Attempt, len(trace))
	for i, a := range trace {
		out[i] = storage.Attempt{
			Gateway:        a.Gateway,
			Classification: string(a.Classification),
			LatencyMS:      a.LatencyMS,
		}
	}
	return out
}

// observeTrace mirrors the attempt trace into the upstream metrics.
func (s *Server) observeTrace(trace []gwrouter.Attempt) {
	if s.metrics == nil {
		return
	}
	for i, a := range trace {
		s.metrics.ObserveUpstreamAttempt(a.Gateway, string(a.Classification),
			time.Duration(a.LatencyMS)*time.Millisecond)
		if i > 0 && trace[i-1].Gateway != a.Gateway {
			s.metrics.RecordFailover(trace[i-1].Gateway, a.Gateway,
				string(trace[i-1].Classification))
		}
	}
}

// appendSessionTurns persists the exchange when a session_id was supplied.
// Best-effort: history failures never fail the request.
func (s *Server) appendSessionTurns(ctx *fasthttp.RequestCtx, sessionID, userID string, req *adapters.Request, reply string) {
	s.appendSessionTurnsIn(context.WithoutCancel(ctx), sessionID, userID, req, reply)
}

func (s *Server) appendSessionTurnsIn(ctx context.Context, sessionID, userID string, req *adapters.Request, reply string) {
	if sessionID == "" {
		return
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil || sess.UserID != userID {
		return
	}
	var lastUser string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			lastUser = adapters.FlattenContent(req.Messages[i])
			break
		}
	}
	if lastUser != "" {
		_ = s.store.AppendTurn(ctx, &storage.Turn{
			ID: uuid.New().String(), SessionID: sessionID, Role: "user", Content: lastUser,
		})
	}
	if reply != "" {
		_ = s.store.AppendTurn(ctx, &storage.Turn{
			ID: uuid.New().String(), SessionID: sessionID, Role: "assistant", Content: reply,
		})
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
