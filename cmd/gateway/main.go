// Command gateway runs the Gatewayz inference gateway: an OpenAI-compatible
// HTTP surface that routes chat, embedding and image requests across the
// configured upstream providers with failover and usage accounting.
//
// Configuration comes from environment variables, a .env file, or
// config.yaml. The smallest viable start needs one upstream key:
//
//	GROQ_API_KEY=gsk-... ./gateway
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Alpaca-Network/gatewayz/internal/app"
	"github.com/Alpaca-Network/gatewayz/internal/config"
)

// version is stamped at build time: -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		return err
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("gateway stopped", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// newLogger builds the shared JSON logger. Source locations are attached
// only at debug level; they are noise in production output.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}))
}
