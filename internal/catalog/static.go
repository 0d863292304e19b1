package catalog

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/tidwall/gjson"
)

//go:embed data/chutes_models.json
var chutesModels []byte

// StaticFetcher serves a fixed entry list from an embedded data file. Static
// gateways never go stale; their snapshot changes only on process restart.
type StaticFetcher struct {
	name    string
	entries []Entry
}

// NewStaticFetcher parses a JSON array of raw model objects into a fetcher.
func NewStaticFetcher(name string, raw []byte) (*StaticFetcher, error) {
	entries, err := ParseStatic(name, raw)
	if err != nil {
		return nil, err
	}
	return &StaticFetcher{name: name, entries: entries}, nil
}

// ChutesStatic returns the shipped Chutes catalog. Chutes chat traffic goes
// through the OpenAI-compatible adapter; only the listing is static.
func ChutesStatic() *StaticFetcher {
	f, err := NewStaticFetcher("chutes", chutesModels)
	if err != nil {
		// The embedded file is validated by tests; a parse failure here is a
		// build defect.
		panic(err)
	}
	return f
}

func (f *StaticFetcher) Name() string { return f.name }

func (f *StaticFetcher) ListModels(_ context.Context) ([]Entry, error) {
	out := make([]Entry, len(f.entries))
	copy(out, f.entries)
	return out, nil
}

// ParseStatic normalizes a JSON array of model objects.
func ParseStatic(gateway string, raw []byte) ([]Entry, error) {
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("catalog: static %s data is not a JSON array", gateway)
	}
	var entries []Entry
	parsed.ForEach(func(_, m gjson.Result) bool {
		entries = append(entries, Normalize(gateway, []byte(m.Raw)))
		return true
	})
	return entries, nil
}
