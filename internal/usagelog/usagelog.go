// Package usagelog implements a non-blocking, batched request logger.
//
// Entries are written to an internal buffered channel and flushed in batches
// by a background goroutine, so logging never blocks the request hot path.
// If the channel fills up (> 10 000 entries), new entries are dropped and
// counted in DroppedLogs. Batches go to a pluggable Sink: structured slog by
// default, ClickHouse when configured.
package usagelog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Entry is one completed gateway request.
type Entry struct {
	ID               uuid.UUID
	UserID           string
	APIKeyID         string
	Gateway          string
	Model            string
	PromptTokens     uint32
	CompletionTokens uint32
	LatencyMs        uint32
	Status           uint16
	Outcome          string
	CostUSD          float64
	Attempts         uint8
	Streamed         bool
	CreatedAt        time.Time
}

// Sink receives flushed batches. Implementations must tolerate being called
// from a single background goroutine.
type Sink interface {
	Write(ctx context.Context, batch []Entry) error
	Close() error
}

// Logger batches entries toward a sink.
type Logger struct {
	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	sink    Sink
	log     *slog.Logger
}

// New starts the flush goroutine. A nil sink falls back to SlogSink.
func New(ctx context.Context, sink Sink, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("usagelog: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if sink == nil {
		sink = &SlogSink{Log: slogger}
	}

	l := &Logger{
		ch:      make(chan Entry, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues an entry without blocking.
func (l *Logger) Log(entry Entry) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close drains the channel, flushes the final batch and closes the sink.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return l.sink.Close()
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.Write(l.baseCtx, batch); err != nil {
			l.log.Warn("usagelog_flush_failed",
				slog.Int("entries", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// SlogSink writes entries as structured log lines.
type SlogSink struct {
	Log *slog.Logger
}

func (s *SlogSink) Write(ctx context.Context, batch []Entry) error {
	for _, e := range batch {
		s.Log.InfoContext(ctx, "request",
			slog.String("id", e.ID.String()),
			slog.String("user_id", e.UserID),
			slog.String("api_key_id", e.APIKeyID),
			slog.String("gateway", e.Gateway),
			slog.String("model", e.Model),
			slog.Uint64("prompt_tokens", uint64(e.PromptTokens)),
			slog.Uint64("completion_tokens", uint64(e.CompletionTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.String("outcome", e.Outcome),
			slog.Float64("cost_usd", e.CostUSD),
			slog.Uint64("attempts", uint64(e.Attempts)),
			slog.Bool("streamed", e.Streamed),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
