// Package catalog maintains the unified model catalog: an aggregated, cached,
// normalized view of the models published by every configured gateway.
//
// Each gateway has its own cache cell with a TTL and a stale-while-revalidate
// window. Reads never observe a partially populated cell — snapshots are
// replaced atomically and a failed refresh keeps the previous snapshot.
package catalog

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Pricing is the normalized per-unit USD price triple. Values are decimal
// strings ("0.0000015") with "0" as the fallback for unpriced models, so no
// float rounding sneaks into billing.
type Pricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
	Request    string `json:"request"`
}

// Modality describes the input/output modality sets of a model.
type Modality struct {
	Input  []string `json:"input"`
	Output []string `json:"output"`
}

// HFMetrics carries optional HuggingFace popularity metrics.
type HFMetrics struct {
	Likes     int64 `json:"likes"`
	Downloads int64 `json:"downloads"`
}

// Entry is one canonical catalog entry. Entries are immutable within a
// snapshot; provenance fields are kept for debugging only and never
// deserialized on the request hot path.
type Entry struct {
	// ID is the canonical `provider/name` identifier.
	ID            string     `json:"id"`
	SourceGateway string     `json:"source_gateway"`
	DisplayName   string     `json:"name,omitempty"`
	ContextLength int64      `json:"context_length,omitempty"`
	Pricing       Pricing    `json:"pricing"`
	Modality      Modality   `json:"modality"`
	HuggingFace   *HFMetrics `json:"huggingface,omitempty"`

	// Raw is the upstream payload as received, kept opaque.
	Raw json.RawMessage `json:"raw_upstream,omitempty"`
}

// NormalizeID returns the canonical `provider/name` form of a model id.
// Ids that already carry a slash pass through unchanged; bare names are
// prefixed with the gateway slug. Normalization is idempotent.
func NormalizeID(gateway, id string) string {
	id = strings.TrimSpace(id)
	if strings.Contains(id, "/") {
		return id
	}
	return gateway + "/" + id
}

// normPrice converts an upstream price value (number or string, possibly
// empty) into a normalized decimal string. Anything unparsable becomes "0".
func normPrice(v gjson.Result) string {
	switch v.Type {
	case gjson.Number:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return "0"
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return "0"
		}
		return s
	default:
		return "0"
	}
}

// normModalities parses a modality descriptor into input/output sets.
// Accepts either explicit arrays (OpenRouter "architecture.input_modalities")
// or the compact "text+image->text" form.
func normModalities(root gjson.Result) Modality {
	m := Modality{}

	if in := root.Get("architecture.input_modalities"); in.IsArray() {
		for _, v := range in.Array() {
			m.Input = append(m.Input, v.String())
		}
	}
	if out := root.Get("architecture.output_modalities"); out.IsArray() {
		for _, v := range out.Array() {
			m.Output = append(m.Output, v.String())
		}
	}
	if len(m.Input) > 0 || len(m.Output) > 0 {
		return m
	}

	if compact := root.Get("architecture.modality"); compact.Exists() {
		parts := strings.SplitN(compact.String(), "->", 2)
		if len(parts) == 2 {
			for _, s := range strings.Split(parts[0], "+") {
				if s = strings.TrimSpace(s); s != "" {
					m.Input = append(m.Input, s)
				}
			}
			for _, s := range strings.Split(parts[1], "+") {
				if s = strings.TrimSpace(s); s != "" {
					m.Output = append(m.Output, s)
				}
			}
			return m
		}
	}

	// Chat models default to text in / text out.
	return Modality{Input: []string{"text"}, Output: []string{"text"}}
}

// Normalize builds a canonical Entry from one upstream model object.
// Applied at fetch time, never at read time. Normalizing an already
// normalized payload yields the same entry.
func Normalize(gateway string, raw []byte) Entry {
	root := gjson.ParseBytes(raw)

	id := root.Get("id").String()
	if id == "" {
		id = root.Get("name").String()
	}

	e := Entry{
		ID:            NormalizeID(gateway, id),
		SourceGateway: gateway,
		DisplayName:   root.Get("name").String(),
		ContextLength: root.Get("context_length").Int(),
		Pricing: Pricing{
			Prompt:     normPrice(root.Get("pricing.prompt")),
			Completion: normPrice(root.Get("pricing.completion")),
			Request:    normPrice(root.Get("pricing.request")),
		},
		Modality: normModalities(root),
		Raw:      json.RawMessage(raw),
	}

	if e.ContextLength == 0 {
		e.ContextLength = root.Get("max_context_length").Int()
	}
	if likes := root.Get("likes"); likes.Exists() {
		e.HuggingFace = &HFMetrics{
			Likes:     likes.Int(),
			Downloads: root.Get("downloads").Int(),
		}
	}

	return e
}

// PricedAtZero reports whether the entry carries no usable pricing at all.
// Accounting flags such requests cost_unknown instead of charging.
func (e Entry) PricedAtZero() bool {
	return (e.Pricing.Prompt == "0" || e.Pricing.Prompt == "") &&
		(e.Pricing.Completion == "0" || e.Pricing.Completion == "") &&
		(e.Pricing.Request == "0" || e.Pricing.Request == "")
}

// PromptPrice returns the per-token prompt price as a float. The string form
// is authoritative; the float is only used for cost math.
func (e Entry) PromptPrice() float64     { return parsePrice(e.Pricing.Prompt) }
func (e Entry) CompletionPrice() float64 { return parsePrice(e.Pricing.Completion) }
func (e Entry) RequestPrice() float64    { return parsePrice(e.Pricing.Request) }

func parsePrice(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// sortEntries orders entries by canonical id for stable listings.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}
