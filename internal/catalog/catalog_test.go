package catalog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// fakeFetcher serves a fixed entry list and counts calls.
type fakeFetcher struct {
	name    string
	entries []Entry
	err     error
	calls   atomic.Int64
}

func (f *fakeFetcher) Name() string { return f.name }

func (f *fakeFetcher) ListModels(ctx context.Context) ([]Entry, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Entry, len(f.entries))
	copy(out, f.entries)
	return out, nil
}

func entry(gw, id, prompt, completion string) Entry {
	return Entry{
		ID:            id,
		SourceGateway: gw,
		Pricing:       Pricing{Prompt: prompt, Completion: completion, Request: "0"},
	}
}

func newTestCatalog(t *testing.T, fetchers map[string]Fetcher, opts Options) *Catalog {
	t.Helper()
	return New(context.Background(), fetchers, opts)
}

func TestGetModels_FetchesOnce(t *testing.T) {
	f := &fakeFetcher{name: "groq", entries: []Entry{entry("groq", "meta/llama-3", "0.1", "0.2")}}
	c := newTestCatalog(t, map[string]Fetcher{"groq": f}, Options{TTL: time.Minute, StaleTTL: time.Hour})

	for i := 0; i < 3; i++ {
		entries, degraded, err := c.GetModels(context.Background(), "groq")
		if err != nil {
			t.Fatalf("get models: %v", err)
		}
		if degraded {
			t.Error("fresh snapshot must not be degraded")
		}
		if len(entries) != 1 || entries[0].ID != "meta/llama-3" {
			t.Fatalf("unexpected entries: %+v", entries)
		}
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("expected 1 upstream fetch within TTL, got %d", got)
	}
}

func TestGetModels_UnknownGateway(t *testing.T) {
	c := newTestCatalog(t, map[string]Fetcher{}, Options{})
	if _, _, err := c.GetModels(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown gateway")
	}
}

func TestGetModels_ColdFetchFailure(t *testing.T) {
	f := &fakeFetcher{name: "groq", err: errors.New("upstream down")}
	c := newTestCatalog(t, map[string]Fetcher{"groq": f}, Options{TTL: time.Minute, StaleTTL: time.Hour})

	if _, _, err := c.GetModels(context.Background(), "groq"); err == nil {
		t.Error("cold fetch failure must surface an error")
	}
}

func TestGetModels_ServesStaleAndRevalidates(t *testing.T) {
	f := &fakeFetcher{name: "groq", entries: []Entry{entry("groq", "meta/llama-3", "0.1", "0.2")}}
	c := newTestCatalog(t, map[string]Fetcher{"groq": f}, Options{TTL: 10 * time.Millisecond, StaleTTL: time.Hour})

	if _, _, err := c.GetModels(context.Background(), "groq"); err != nil {
		t.Fatalf("warm-up fetch: %v", err)
	}
	time.Sleep(30 * time.Millisecond) // past TTL, well within StaleTTL

	entries, _, err := c.GetModels(context.Background(), "groq")
	if err != nil {
		t.Fatalf("stale read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("stale read must still serve the old snapshot, got %d entries", len(entries))
	}

	// The background revalidation lands eventually.
	deadline := time.Now().Add(2 * time.Second)
	for f.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("background refresh never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGetModels_DegradedAfterFailedRefresh(t *testing.T) {
	f := &fakeFetcher{name: "groq", entries: []Entry{entry("groq", "meta/llama-3", "0.1", "0.2")}}
	c := newTestCatalog(t, map[string]Fetcher{"groq": f}, Options{TTL: 10 * time.Millisecond, StaleTTL: 50 * time.Millisecond})

	if _, _, err := c.GetModels(context.Background(), "groq"); err != nil {
		t.Fatalf("warm-up fetch: %v", err)
	}

	f.err = errors.New("upstream down")
	time.Sleep(80 * time.Millisecond) // past StaleTTL — next read blocks on refresh

	entries, degraded, err := c.GetModels(context.Background(), "groq")
	if err != nil {
		t.Fatalf("surviving snapshot should degrade, not error: %v", err)
	}
	if !degraded {
		t.Error("expected degraded=true after a failed refresh")
	}
	if len(entries) != 1 {
		t.Errorf("old snapshot must survive the failed refresh, got %d entries", len(entries))
	}
}

func TestGetAll_MergePrecedence(t *testing.T) {
	// openrouter precedes groq in MergeOrder; its entry wins, but groq may
	// fill pricing the openrouter entry lacked.
	or := &fakeFetcher{name: "openrouter", entries: []Entry{
		entry("openrouter", "meta/llama-3", "0", "0"),
		entry("openrouter", "openai/gpt-5", "1", "2"),
	}}
	gq := &fakeFetcher{name: "groq", entries: []Entry{
		entry("groq", "meta/llama-3", "0.1", "0.2"),
	}}
	c := newTestCatalog(t, map[string]Fetcher{"openrouter": or, "groq": gq},
		Options{TTL: time.Minute, StaleTTL: time.Hour})

	all := c.GetAll(context.Background())
	if len(all) != 2 {
		t.Fatalf("expected 2 merged entries, got %d", len(all))
	}

	var llama Entry
	for _, e := range all {
		if e.ID == "meta/llama-3" {
			llama = e
		}
	}
	if llama.SourceGateway != "openrouter" {
		t.Errorf("merge precedence violated: winner is %s", llama.SourceGateway)
	}
	if llama.Pricing.Prompt != "0.1" || llama.Pricing.Completion != "0.2" {
		t.Errorf("zero pricing should be filled from the later gateway, got %+v", llama.Pricing)
	}
}

func TestResolve_CanonicalAndBareNames(t *testing.T) {
	or := &fakeFetcher{name: "openrouter", entries: []Entry{entry("openrouter", "meta/llama-3", "1", "1")}}
	gq := &fakeFetcher{name: "groq", entries: []Entry{entry("groq", "meta/llama-3", "1", "1")}}
	c := newTestCatalog(t, map[string]Fetcher{"openrouter": or, "groq": gq},
		Options{TTL: time.Minute, StaleTTL: time.Hour})

	got := c.Resolve(context.Background(), "meta/llama-3")
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].Gateway != "openrouter" || got[1].Gateway != "groq" {
		t.Errorf("candidates out of merge order: %+v", got)
	}

	// Bare name matches the name component.
	bare := c.Resolve(context.Background(), "llama-3")
	if len(bare) != 2 {
		t.Errorf("bare name should resolve, got %d candidates", len(bare))
	}

	if got := c.Resolve(context.Background(), "no/such-model"); len(got) != 0 {
		t.Errorf("unknown model should yield no candidates, got %+v", got)
	}
}

func TestLookup(t *testing.T) {
	f := &fakeFetcher{name: "groq", entries: []Entry{entry("groq", "meta/llama-3", "0.5", "1.5")}}
	c := newTestCatalog(t, map[string]Fetcher{"groq": f}, Options{TTL: time.Minute, StaleTTL: time.Hour})

	e, ok := c.Lookup(context.Background(), "groq", "meta/llama-3")
	if !ok {
		t.Fatal("expected lookup hit")
	}
	if e.Pricing.Prompt != "0.5" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if _, ok := c.Lookup(context.Background(), "groq", "missing/model"); ok {
		t.Error("expected lookup miss")
	}
}

func TestInvalidate_ForcesRefetch(t *testing.T) {
	f := &fakeFetcher{name: "groq", entries: []Entry{entry("groq", "meta/llama-3", "1", "1")}}
	c := newTestCatalog(t, map[string]Fetcher{"groq": f}, Options{TTL: time.Hour, StaleTTL: 2 * time.Hour})

	if _, _, err := c.GetModels(context.Background(), "groq"); err != nil {
		t.Fatalf("warm-up: %v", err)
	}
	c.Invalidate("groq")
	if _, _, err := c.GetModels(context.Background(), "groq"); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if got := f.calls.Load(); got != 2 {
		t.Errorf("expected refetch after invalidate, got %d calls", got)
	}
}

func TestGateways_MergeOrderFirst(t *testing.T) {
	c := newTestCatalog(t, map[string]Fetcher{
		"groq":       &fakeFetcher{name: "groq"},
		"openrouter": &fakeFetcher{name: "openrouter"},
		"custom":     &fakeFetcher{name: "custom"},
	}, Options{})

	got := c.Gateways()
	if len(got) != 3 {
		t.Fatalf("expected 3 gateways, got %v", got)
	}
	if got[0] != "openrouter" || got[1] != "groq" {
		t.Errorf("known gateways must come in merge order, got %v", got)
	}
	if got[2] != "custom" {
		t.Errorf("unknown gateways trail the ordered set, got %v", got)
	}
}
