package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Alpaca-Network/gatewayz/internal/cache"
)

// Fetcher lists the models of one gateway. Implemented by every adapter.
type Fetcher interface {
	Name() string
	ListModels(ctx context.Context) ([]Entry, error)
}

// MergeOrder is the static gateway precedence used both for GetAll merging
// and for routing candidate ordering: explicit per-gateway entries beat the
// portkey aggregator, which beats huggingface harvesting.
var MergeOrder = []string{
	"openrouter",
	"vercel",
	"fireworks",
	"together",
	"groq",
	"deepinfra",
	"cerebras",
	"xai",
	"novita",
	"nebius",
	"chutes",
	"featherless",
	"near",
	"aimo",
	"anthropic",
	"vertexai",
	"fal",
	"portkey",
	"huggingface",
}

// cell is one gateway's cached snapshot. Cells are replaced wholesale; a
// reader holding a slice keeps observing the snapshot it started with.
type cell struct {
	entries   []Entry
	byID      map[string]int
	fetchedAt time.Time
	degraded  bool
}

// Options tunes a Catalog. Zero values use the defaults below.
type Options struct {
	// TTL bounds "fresh"; StaleTTL bounds "serve stale while revalidating".
	TTL      time.Duration
	StaleTTL time.Duration

	// FetchTimeout caps one upstream catalog fetch.
	FetchTimeout time.Duration

	// KV optionally mirrors snapshots into the cache tier so a restarted
	// replica starts warm. Nil disables mirroring.
	KV cache.Cache

	Logger *slog.Logger

	// OnRefresh is called after every successful snapshot replacement.
	OnRefresh func(gateway string, entries int)
}

const (
	defaultTTL          = 5 * time.Minute
	defaultStaleTTL     = time.Hour
	defaultFetchTimeout = 20 * time.Second
)

// Catalog aggregates per-gateway model snapshots.
type Catalog struct {
	mu    sync.RWMutex
	cells map[string]*cell

	fetchers map[string]Fetcher
	sf       singleflight.Group

	ttl          time.Duration
	staleTTL     time.Duration
	fetchTimeout time.Duration

	kv        cache.Cache
	log       *slog.Logger
	baseCtx   context.Context
	onRefresh func(gateway string, entries int)
}

// New creates a Catalog over the given fetchers. Background refreshes are
// bound to ctx, not to the request that triggered them.
func New(ctx context.Context, fetchers map[string]Fetcher, opts Options) *Catalog {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.StaleTTL <= opts.TTL {
		opts.StaleTTL = defaultStaleTTL
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Catalog{
		cells:        make(map[string]*cell),
		fetchers:     fetchers,
		ttl:          opts.TTL,
		staleTTL:     opts.StaleTTL,
		fetchTimeout: opts.FetchTimeout,
		kv:           opts.KV,
		log:          log,
		baseCtx:      ctx,
		onRefresh:    opts.OnRefresh,
	}
}

// Gateways returns the configured gateway slugs in merge order, followed by
// any fetchers not present in MergeOrder.
func (c *Catalog) Gateways() []string {
	out := make([]string, 0, len(c.fetchers))
	seen := make(map[string]bool, len(c.fetchers))
	for _, g := range MergeOrder {
		if _, ok := c.fetchers[g]; ok {
			out = append(out, g)
			seen[g] = true
		}
	}
	for g := range c.fetchers {
		if !seen[g] {
			out = append(out, g)
		}
	}
	return out
}

// GetModels returns the gateway's entries.
//
//   - Fresh snapshot (age ≤ TTL): returned as-is.
//   - Stale snapshot (age ≤ StaleTTL): returned immediately; one background
//     refresh is scheduled (deduplicated per gateway via singleflight).
//   - Older or missing: blocks on a fetch.
//
// The degraded flag is true when the snapshot outlived its TTL and the last
// refresh attempt failed.
func (c *Catalog) GetModels(ctx context.Context, gateway string) ([]Entry, bool, error) {
	if _, ok := c.fetchers[gateway]; !ok {
		return nil, false, fmt.Errorf("catalog: unknown gateway %q", gateway)
	}

	c.mu.RLock()
	cl := c.cells[gateway]
	c.mu.RUnlock()

	now := time.Now()
	if cl != nil {
		age := now.Sub(cl.fetchedAt)
		if age <= c.ttl {
			return cl.entries, cl.degraded, nil
		}
		if age <= c.staleTTL {
			// Serve stale, revalidate in the background. DoChan dedups
			// concurrent triggers; the result is intentionally dropped.
			go func() {
				ch := c.sf.DoChan(gateway, func() (any, error) {
					return nil, c.refresh(c.baseCtx, gateway)
				})
				<-ch
			}()
			return cl.entries, cl.degraded, nil
		}
	}

	// Cold or fully expired — block on a deduplicated fetch.
	_, err, _ := c.sf.Do(gateway, func() (any, error) {
		return nil, c.refresh(ctx, gateway)
	})

	c.mu.RLock()
	cl = c.cells[gateway]
	c.mu.RUnlock()

	if cl == nil {
		if err == nil {
			err = fmt.Errorf("catalog: no snapshot for %q", gateway)
		}
		return nil, false, err
	}
	// A failed refresh over a surviving old snapshot degrades, not errors.
	return cl.entries, cl.degraded, nil
}

// GetAll returns the union of all gateway snapshots, merged by canonical id
// in MergeOrder precedence. A later gateway never overwrites an earlier
// entry; it may only fill pricing the earlier entry lacked.
func (c *Catalog) GetAll(ctx context.Context) []Entry {
	merged := make([]Entry, 0, 256)
	index := make(map[string]int)

	for _, gw := range c.Gateways() {
		entries, _, err := c.GetModels(ctx, gw)
		if err != nil {
			c.log.WarnContext(ctx, "catalog_gateway_unavailable",
				slog.String("gateway", gw),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, e := range entries {
			if i, ok := index[e.ID]; ok {
				prev := &merged[i]
				if prev.Pricing.Prompt == "0" && e.Pricing.Prompt != "0" {
					prev.Pricing.Prompt = e.Pricing.Prompt
				}
				if prev.Pricing.Completion == "0" && e.Pricing.Completion != "0" {
					prev.Pricing.Completion = e.Pricing.Completion
				}
				if prev.Pricing.Request == "0" && e.Pricing.Request != "0" {
					prev.Pricing.Request = e.Pricing.Request
				}
				continue
			}
			index[e.ID] = len(merged)
			merged = append(merged, e)
		}
	}

	sortEntries(merged)
	return merged
}

// Lookup returns the entry for a canonical id from a specific gateway's
// snapshot, if present.
func (c *Catalog) Lookup(ctx context.Context, gateway, id string) (Entry, bool) {
	entries, _, err := c.GetModels(ctx, gateway)
	if err != nil {
		return Entry{}, false
	}
	c.mu.RLock()
	cl := c.cells[gateway]
	c.mu.RUnlock()
	if cl != nil {
		if i, ok := cl.byID[id]; ok {
			return cl.entries[i], true
		}
	}
	// Fallback scan for a snapshot observed before the cell swap.
	for _, e := range entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Candidate is one (gateway, upstream model id) pair able to serve a model.
type Candidate struct {
	Gateway string
	ModelID string
}

// Resolve returns the gateways able to serve the given model, in MergeOrder
// priority. The model may be canonical (`provider/name`) or a bare name that
// matches the name component of a canonical id.
func (c *Catalog) Resolve(ctx context.Context, model string) []Candidate {
	var out []Candidate
	for _, gw := range c.Gateways() {
		entries, _, err := c.GetModels(ctx, gw)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.ID == model || strings.HasSuffix(e.ID, "/"+model) {
				out = append(out, Candidate{Gateway: gw, ModelID: e.ID})
				break
			}
		}
	}
	return out
}

// Refresh force-fetches the gateway and replaces its cell atomically.
func (c *Catalog) Refresh(ctx context.Context, gateway string) error {
	if _, ok := c.fetchers[gateway]; !ok {
		return fmt.Errorf("catalog: unknown gateway %q", gateway)
	}
	_, err, _ := c.sf.Do(gateway, func() (any, error) {
		return nil, c.refresh(ctx, gateway)
	})
	return err
}

// Invalidate zeroes the cell(s); the next read triggers a blocking fetch.
// Pass "all" (or "") to invalidate every gateway.
func (c *Catalog) Invalidate(gateway string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gateway == "" || gateway == "all" {
		c.cells = make(map[string]*cell)
		return
	}
	delete(c.cells, gateway)
}

// refresh fetches one gateway and swaps its cell. On failure the previous
// snapshot survives with degraded=true; fetchedAt only moves on success.
func (c *Catalog) refresh(ctx context.Context, gateway string) error {
	f := c.fetchers[gateway]

	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	start := time.Now()
	entries, err := f.ListModels(fetchCtx)
	if err != nil {
		c.mu.Lock()
		if old := c.cells[gateway]; old != nil {
			old.degraded = true
		}
		c.mu.Unlock()

		// Cold start: try the KV mirror before giving up.
		if c.restoreFromKV(ctx, gateway) {
			return nil
		}
		return fmt.Errorf("catalog: fetch %s: %w", gateway, err)
	}

	sortEntries(entries)
	byID := make(map[string]int, len(entries))
	for i, e := range entries {
		byID[e.ID] = i
	}

	c.mu.Lock()
	c.cells[gateway] = &cell{
		entries:   entries,
		byID:      byID,
		fetchedAt: time.Now(),
	}
	c.mu.Unlock()

	c.log.InfoContext(ctx, "catalog_refreshed",
		slog.String("gateway", gateway),
		slog.Int("entries", len(entries)),
		slog.Duration("elapsed", time.Since(start)),
	)

	c.mirrorToKV(ctx, gateway, entries)

	if c.onRefresh != nil {
		c.onRefresh(gateway, len(entries))
	}
	return nil
}

func kvKey(gateway string) string { return "catalog:snapshot:" + gateway }

func (c *Catalog) mirrorToKV(ctx context.Context, gateway string, entries []Entry) {
	if c.kv == nil {
		return
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return
	}
	_ = c.kv.Set(ctx, kvKey(gateway), data, c.staleTTL)
}

// restoreFromKV loads a mirrored snapshot when no in-memory cell exists.
// The restored cell is backdated past its TTL so it serves stale and
// revalidates on the next read.
func (c *Catalog) restoreFromKV(ctx context.Context, gateway string) bool {
	if c.kv == nil {
		return false
	}
	c.mu.RLock()
	_, have := c.cells[gateway]
	c.mu.RUnlock()
	if have {
		return false
	}

	data, ok := c.kv.Get(ctx, kvKey(gateway))
	if !ok {
		return false
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return false
	}

	byID := make(map[string]int, len(entries))
	for i, e := range entries {
		byID[e.ID] = i
	}

	c.mu.Lock()
	c.cells[gateway] = &cell{
		entries:   entries,
		byID:      byID,
		fetchedAt: time.Now().Add(-c.ttl - time.Second),
		degraded:  true,
	}
	c.mu.Unlock()

	c.log.InfoContext(ctx, "catalog_restored_from_cache",
		slog.String("gateway", gateway),
		slog.Int("entries", len(entries)),
	)
	return true
}
