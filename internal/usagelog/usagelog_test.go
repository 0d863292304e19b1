package usagelog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// captureSink copies each batch; the logger reuses its batch slice between
// flushes.
type captureSink struct {
	mu      sync.Mutex
	entries []Entry
	writes  int
	closed  bool
	err     error
}

func (s *captureSink) Write(_ context.Context, batch []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, batch...)
	s.writes++
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func entry(model string) Entry {
	return Entry{
		ID:      uuid.New(),
		UserID:  "u-1",
		Gateway: "groq",
		Model:   model,
		Status:  200,
		Outcome: "ok",
	}
}

func TestLogger_CloseFlushesPending(t *testing.T) {
	sink := &captureSink{}
	l, err := New(context.Background(), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for i := 0; i < 5; i++ {
		l.Log(entry("meta/llama-3"))
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := sink.count(); got != 5 {
		t.Errorf("flushed %d entries, want 5", got)
	}
	if !sink.closed {
		t.Error("Close must close the sink")
	}
}

func TestLogger_BatchSizeTriggersFlush(t *testing.T) {
	sink := &captureSink{}
	l, err := New(context.Background(), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer l.Close()

	for i := 0; i < batchSize; i++ {
		l.Log(entry("meta/llama-3"))
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < batchSize && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sink.count(); got != batchSize {
		t.Errorf("full batch should flush without waiting for the ticker, got %d", got)
	}
}

func TestLogger_SinkErrorDoesNotStopFlushing(t *testing.T) {
	sink := &captureSink{err: errors.New("sink down")}
	l, err := New(context.Background(), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	l.Log(entry("meta/llama-3"))
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Recovery: a fresh logger over the same (now healthy) sink works.
	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()

	l2, err := New(context.Background(), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l2.Log(entry("meta/llama-3"))
	_ = l2.Close()

	if got := sink.count(); got != 1 {
		t.Errorf("expected 1 delivered entry, got %d", got)
	}
}

func TestLogger_DroppedLogsCounter(t *testing.T) {
	// A sink that blocks forever forces the channel to fill.
	block := make(chan struct{})
	sink := &blockingSink{release: block}
	l, err := New(context.Background(), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for i := 0; i < channelBuffer+batchSize+50; i++ {
		l.Log(entry("meta/llama-3"))
	}
	if l.DroppedLogs() == 0 {
		t.Error("overflow must increment the dropped counter")
	}

	close(block)
	_ = l.Close()
}

type blockingSink struct {
	release <-chan struct{}
}

func (s *blockingSink) Write(_ context.Context, _ []Entry) error {
	<-s.release
	return nil
}

func (s *blockingSink) Close() error { return nil }

func TestLogger_NilContextRejected(t *testing.T) {
	if _, err := New(nil, &captureSink{}, nil); err == nil { //nolint:staticcheck
		t.Error("nil context must be rejected")
	}
}

func TestLogger_CloseIdempotent(t *testing.T) {
	l, err := New(context.Background(), &captureSink{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestNormalizeTime(t *testing.T) {
	if got := normalizeTime(time.Time{}); got.IsZero() {
		t.Error("zero time must be replaced with now")
	}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	if got := normalizeTime(fixed); !got.Equal(fixed) || got.Location() != time.UTC {
		t.Errorf("normalizeTime must convert to UTC, got %v", got)
	}
}
