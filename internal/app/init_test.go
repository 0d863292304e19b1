package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/Alpaca-Network/gatewayz/internal/config"
)

// The router and catalog look adapters up by Name(); a registry key that
// differs from the adapter's own name silently breaks gateway pinning.
func TestInitAdapters_RegistryKeysMatchNames(t *testing.T) {
	cfg := &config.Config{
		OpenRouter: config.GatewayConfig{APIKey: "k"},
		Groq:       config.GatewayConfig{APIKey: "k"},
		Cerebras:   config.GatewayConfig{APIKey: "k"},
		Anthropic:  config.GatewayConfig{APIKey: "k"},
		Portkey:    config.GatewayConfig{APIKey: "k"},
		Fal:        config.GatewayConfig{APIKey: "k"},
	}
	a := &App{
		cfg: cfg,
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	if err := a.initAdapters(context.Background()); err != nil {
		t.Fatalf("init adapters: %v", err)
	}

	// openaicompat entries, the SDK-backed adapters, plus the always-on
	// huggingface harvester.
	want := []string{"openrouter", "groq", "cerebras", "anthropic", "portkey", "fal", "huggingface"}
	for _, name := range want {
		if _, ok := a.adapters[name]; !ok {
			t.Errorf("adapter %q not registered", name)
		}
	}
	for key, ad := range a.adapters {
		if key != ad.Name() {
			t.Errorf("registry key %q != adapter name %q", key, ad.Name())
		}
	}
}
