// Command upstream runs a lightweight HTTP mock of an OpenAI-compatible
// inference gateway. It is used for local development and load testing
// without real upstream credentials: point any gateway's *_BASE_URL at it,
// e.g.
//
//	GROQ_API_KEY=mock GROQ_BASE_URL=http://localhost:19001/v1 go run ./cmd/gateway
//
// It serves the model catalog (with pricing, so routed requests are billable),
// blocking and streaming chat completions, and embeddings.
//
// Behaviour flags (via env):
//
//	PORT              — listen port (default 19001)
//	MOCK_LATENCY_MS   — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS — words in each response (default 10)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

type config struct {
	LatencyMS   int
	ErrorRate   float64
	StreamWords int
}

func loadConfig() config {
	c := config{StreamWords: 10}
	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	return c
}

// mockModels is served on /v1/models in the OpenRouter wire shape so the
// gateway's catalog normalizer extracts ids, modalities and pricing.
var mockModels = []map[string]any{
	{
		"id": "meta-llama/llama-3.3-70b-instruct", "object": "model",
		"created": 1710000000, "owned_by": "meta-llama",
		"context_length": 131072,
		"architecture": map[string]any{
			"input_modalities":  []string{"text"},
			"output_modalities": []string{"text"},
		},
		"pricing": map[string]string{"prompt": "0.0000006", "completion": "0.0000008", "request": "0"},
	},
	{
		"id": "mistralai/mixtral-8x7b-instruct", "object": "model",
		"created": 1710000000, "owned_by": "mistralai",
		"context_length": 32768,
		"architecture": map[string]any{
			"input_modalities":  []string{"text"},
			"output_modalities": []string{"text"},
		},
		"pricing": map[string]string{"prompt": "0.0000005", "completion": "0.0000005", "request": "0"},
	},
	{
		"id": "qwen/qwen-2.5-72b-instruct", "object": "model",
		"created": 1710000000, "owned_by": "qwen",
		"context_length": 32768,
		"architecture": map[string]any{
			"input_modalities":  []string{"text", "image"},
			"output_modalities": []string{"text"},
		},
		"pricing": map[string]string{"prompt": "0.0000009", "completion": "0.0000009", "request": "0"},
	},
	{
		"id": "free/test-model", "object": "model",
		"created": 1710000000, "owned_by": "mock",
		"context_length": 8192,
		"pricing":        map[string]string{"prompt": "0", "completion": "0", "request": "0"},
	},
}

var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "upstream", "simulating", "a", "real", "inference", "API", "call",
	"for", "development", "and", "testing", "purposes",
}

func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

func fakeEmbedding(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rand.Float32()*2 - 1
	}
	return v
}

func (c config) applyLatency() {
	if c.LatencyMS > 0 {
		time.Sleep(time.Duration(c.LatencyMS) * time.Millisecond)
	}
}

func (c config) shouldError() bool {
	return c.ErrorRate > 0 && rand.Float64() < c.ErrorRate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"message": msg,
			"type":    typ,
			"code":    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
		},
	})
}

func newHandler(cfg config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		cfg.applyLatency()
		if cfg.shouldError() {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req struct {
			Model    string `json:"model"`
			Stream   bool   `json:"stream"`
			Messages []struct {
				Role    string `json:"role"`
				Content any    `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}
		if req.Model == "" || len(req.Messages) == 0 {
			writeError(w, http.StatusBadRequest, "model and messages are required", "invalid_request")
			return
		}

		id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
		content := fakeSentence(cfg.StreamWords)

		if req.Stream {
			serveStream(w, id, req.Model, content)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{
				{
					"index":         0,
					"message":       map[string]string{"role": "assistant", "content": content},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     10,
				"completion_tokens": cfg.StreamWords,
				"total_tokens":      10 + cfg.StreamWords,
			},
		})
	})

	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		cfg.applyLatency()
		if cfg.shouldError() {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req struct {
			Model string `json:"model"`
			Input any    `json:"input"` // string or []string
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}

		var inputs []string
		switch v := req.Input.(type) {
		case string:
			inputs = []string{v}
		case []any:
			for _, x := range v {
				if s, ok := x.(string); ok {
					inputs = append(inputs, s)
				}
			}
		}
		if len(inputs) == 0 {
			inputs = []string{""}
		}

		data := make([]map[string]any, len(inputs))
		for i := range inputs {
			data[i] = map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": fakeEmbedding(1536),
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage": map[string]int{
				"prompt_tokens": len(inputs) * 5,
				"total_tokens":  len(inputs) * 5,
			},
		})
	})

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": mockModels})
	})

	// Some SDKs probe sub-paths; answer anything else with a clear 404.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// serveStream writes the completion as SSE chat.completion.chunk events.
func serveStream(w http.ResponseWriter, id, model, content string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	emit := func(delta map[string]string, finish any) {
		chunk := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{"index": 0, "delta": delta, "finish_reason": finish},
			},
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	for _, word := range strings.Fields(content) {
		emit(map[string]string{"content": word + " "}, nil)
	}
	emit(map[string]string{}, "stop")
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	port := os.Getenv("PORT")
	if port == "" {
		port = "19001"
	}

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      newHandler(cfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("mock upstream listening",
			slog.String("addr", srv.Addr),
			slog.Int("latency_ms", cfg.LatencyMS),
			slog.Float64("error_rate", cfg.ErrorRate),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock upstream")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
