package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/Alpaca-Network/gatewayz/internal/accounting"
	"github.com/Alpaca-Network/gatewayz/internal/adapters"
	"github.com/Alpaca-Network/gatewayz/internal/catalog"
	"github.com/Alpaca-Network/gatewayz/internal/gate"
	"github.com/Alpaca-Network/gatewayz/internal/keys"
	gwrouter "github.com/Alpaca-Network/gatewayz/internal/router"
	"github.com/Alpaca-Network/gatewayz/internal/storage/sqlite"
)

// ── Harness ──────────────────────────────────────────────────────────────────

// stubAdapter serves a fixed catalog and canned responses for the full-stack
// tests.
type stubAdapter struct {
	name   string
	models []string
	invoke func(ctx context.Context, req *adapters.Request) (*adapters.Response, error)
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) ListModels(_ context.Context) ([]catalog.Entry, error) {
	out := make([]catalog.Entry, 0, len(a.models))
	for _, id := range a.models {
		out = append(out, catalog.Entry{
			ID:            id,
			SourceGateway: a.name,
			Pricing:       catalog.Pricing{Prompt: "0.000001", Completion: "0.000002", Request: "0"},
		})
	}
	return out, nil
}

func (a *stubAdapter) Invoke(ctx context.Context, req *adapters.Request) (*adapters.Response, error) {
	return a.invoke(ctx, req)
}

func echoAdapter(name string, models ...string) *stubAdapter {
	a := &stubAdapter{name: name, models: models}
	a.invoke = func(_ context.Context, req *adapters.Request) (*adapters.Response, error) {
		if req.Stream {
			ch := make(chan adapters.StreamChunk, 3)
			ch <- adapters.StreamChunk{Role: "assistant", Content: "streamed "}
			ch <- adapters.StreamChunk{Content: "reply"}
			ch <- adapters.StreamChunk{FinishReason: "stop"}
			close(ch)
			return &adapters.Response{ID: "resp-1", Model: req.Model, Stream: ch}, nil
		}
		return &adapters.Response{
			ID:           "resp-1",
			Model:        req.Model,
			Content:      "echo: " + adapters.FlattenContent(req.Messages[len(req.Messages)-1]),
			FinishReason: "stop",
			Usage:        adapters.Usage{PromptTokens: 12, CompletionTokens: 7},
		}, nil
	}
	return a
}

type fixture struct {
	client *http.Client
	store  *sqlite.Store
}

// newTestServer wires the full pipeline over an in-memory listener.
func newTestServer(t *testing.T, upstreams ...*stubAdapter) *fixture {
	t.Helper()

	if len(upstreams) == 0 {
		upstreams = []*stubAdapter{echoAdapter("groq", "meta/llama-3")}
	}
	set := make(map[string]adapters.Adapter, len(upstreams))
	for _, a := range upstreams {
		set[a.name] = a
	}
	return newTestServerWithAdapters(t, set)
}

// newTestServerWithAdapters is the variant for adapters with extra
// capabilities (embeddings). Each value must also implement catalog.Fetcher.
func newTestServerWithAdapters(t *testing.T, adapterSet map[string]adapters.Adapter) *fixture {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	hasher := keys.NewHasher("test-salt")
	g, err := gate.New(gate.Options{
		Store:       store,
		Hasher:      hasher,
		Environment: keys.EnvTest,
	})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}

	fetchers := make(map[string]catalog.Fetcher, len(adapterSet))
	for name, a := range adapterSet {
		fetchers[name] = a.(catalog.Fetcher)
	}
	cat := catalog.New(context.Background(), fetchers, catalog.Options{
		TTL: time.Minute, StaleTTL: time.Hour,
	})
	rt := gwrouter.New(gwrouter.Options{Catalog: cat, Adapters: adapterSet})

	s := New(Options{
		Store:       store,
		Gate:        g,
		Router:      rt,
		Catalog:     cat,
		Accountant:  accounting.New(store, cat, nil),
		Adapters:    adapterSet,
		Hasher:      hasher,
		Environment: keys.EnvTest,
		Trial:       TrialDefaults{Credits: 1.0, Tokens: 500_000, Requests: 200, Days: 14},
		Version:     "test",
	})

	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, s.Handler())
	}()
	t.Cleanup(func() { _ = ln.Close() })

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	return &fixture{client: client, store: store}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, "http://test"+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

// register creates an account and returns its plaintext API key.
func (f *fixture) register(t *testing.T, email string) (token, userID string) {
	t.Helper()
	resp, body := f.do(t, "POST", "/auth/register", "", map[string]string{
		"email":    email,
		"password": "hunter2hunter2",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: status %d: %s", resp.StatusCode, body)
	}
	var out struct {
		UserID string `json:"user_id"`
		APIKey string `json:"api_key"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	return out.APIKey, out.UserID
}

// ── Auth ─────────────────────────────────────────────────────────────────────

func TestRegister_IssuesKeyAndTrial(t *testing.T) {
	f := newTestServer(t)

	resp, body := f.do(t, "POST", "/auth/register", "", map[string]string{
		"email":    "Alice@Example.com",
		"password": "hunter2hunter2",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		UserID    string `json:"user_id"`
		APIKey    string `json:"api_key"`
		KeyPrefix string `json:"key_prefix"`
		Trial     *struct {
			Credits  float64 `json:"credits"`
			Requests int64   `json:"requests"`
		} `json:"trial"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.APIKey, "gw_test_") {
		t.Errorf("api key %q lacks the environment prefix", out.APIKey)
	}
	if !strings.HasPrefix(out.APIKey, out.KeyPrefix) {
		t.Errorf("key_prefix %q does not prefix the token", out.KeyPrefix)
	}
	if out.Trial == nil || out.Trial.Credits != 1.0 || out.Trial.Requests != 200 {
		t.Errorf("unexpected trial: %+v", out.Trial)
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	f := newTestServer(t)
	f.register(t, "dup@example.com")

	resp, _ := f.do(t, "POST", "/auth/register", "", map[string]string{
		"email":    "dup@example.com",
		"password": "hunter2hunter2",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status %d, want 409", resp.StatusCode)
	}
}

func TestRegister_Validation(t *testing.T) {
	f := newTestServer(t)

	cases := []map[string]string{
		{"email": "", "password": "hunter2hunter2"},
		{"email": "not-an-email", "password": "hunter2hunter2"},
		{"email": "short@example.com", "password": "short"},
	}
	for _, body := range cases {
		resp, _ := f.do(t, "POST", "/auth/register", "", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("register(%v): status %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestRegister_ReferralCreditsReferrer(t *testing.T) {
	f := newTestServer(t)
	_, referrerID := f.register(t, "referrer@example.com")

	referrer, err := f.store.GetUser(context.Background(), referrerID)
	if err != nil {
		t.Fatal(err)
	}

	resp, body := f.do(t, "POST", "/auth/register", "", map[string]string{
		"email":         "friend@example.com",
		"password":      "hunter2hunter2",
		"referral_code": referrer.ReferralCode,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}

	after, _ := f.store.GetUser(context.Background(), referrerID)
	if after.Balance != referrer.Balance+1.0 {
		t.Errorf("referrer balance %v, want %v", after.Balance, referrer.Balance+1.0)
	}
}

func TestResetPassword(t *testing.T) {
	f := newTestServer(t)
	f.register(t, "reset@example.com")

	resp, _ := f.do(t, "POST", "/auth/reset", "", map[string]string{
		"email": "reset@example.com", "old_password": "hunter2hunter2", "new_password": "correcthorse9",
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("reset: status %d", resp.StatusCode)
	}

	resp, _ = f.do(t, "POST", "/auth/reset", "", map[string]string{
		"email": "reset@example.com", "old_password": "wrong-password", "new_password": "correcthorse9",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong old password: status %d, want 401", resp.StatusCode)
	}
}

// ── Chat ─────────────────────────────────────────────────────────────────────

func TestChatCompletions_HappyPath(t *testing.T) {
	f := newTestServer(t)
	token, _ := f.register(t, "chat@example.com")

	resp, body := f.do(t, "POST", "/v1/chat/completions", token, map[string]any{
		"model":    "meta/llama-3",
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Object  string `json:"object"`
		Gateway string `json:"gateway"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Object != "chat.completion" || out.Gateway != "groq" {
		t.Errorf("object=%s gateway=%s", out.Object, out.Gateway)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "echo: hello" {
		t.Errorf("unexpected choices: %+v", out.Choices)
	}
	if out.Usage.TotalTokens != 19 {
		t.Errorf("total_tokens = %d", out.Usage.TotalTokens)
	}
}

func TestChatCompletions_RequiresAuth(t *testing.T) {
	f := newTestServer(t)

	body := map[string]any{
		"model":    "meta/llama-3",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}
	resp, _ := f.do(t, "POST", "/v1/chat/completions", "", body)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status %d, want 401", resp.StatusCode)
	}
	resp, _ = f.do(t, "POST", "/v1/chat/completions", "gw_test_bogusbogusbogus", body)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unknown token: status %d, want 401", resp.StatusCode)
	}
}

func TestChatCompletions_UnknownModel(t *testing.T) {
	f := newTestServer(t)
	token, _ := f.register(t, "nomodel@example.com")

	resp, _ := f.do(t, "POST", "/v1/chat/completions", token, map[string]any{
		"model":    "no/such-model",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status %d, want 404", resp.StatusCode)
	}
}

func TestChatCompletions_Validation(t *testing.T) {
	f := newTestServer(t)
	token, _ := f.register(t, "badreq@example.com")

	cases := []map[string]any{
		{"messages": []map[string]string{{"role": "user", "content": "hi"}}}, // no model
		{"model": "meta/llama-3"},                                            // no messages
		{"model": "meta/llama-3", "messages": []map[string]string{{"role": "robot", "content": "hi"}}},
	}
	for _, body := range cases {
		resp, _ := f.do(t, "POST", "/v1/chat/completions", token, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("chat(%v): status %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestChatCompletions_RecordsUsage(t *testing.T) {
	f := newTestServer(t)
	token, _ := f.register(t, "usage@example.com")

	chatResp, _ := f.do(t, "POST", "/v1/chat/completions", token, map[string]any{
		"model":    "meta/llama-3",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	reqID := chatResp.Header.Get("X-Request-ID")

	resp, body := f.do(t, "GET", "/user/usage", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("usage: status %d", resp.StatusCode)
	}
	var out struct {
		Data []struct {
			Model     string
			Gateway   string
			RequestID string
			Attempts  []struct {
				Gateway        string `json:"gateway"`
				Classification string `json:"classification"`
			}
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Data) != 1 || out.Data[0].Gateway != "groq" {
		t.Fatalf("unexpected usage list: %s", body)
	}
	// The record keeps the request's correlation id and its failover walk.
	if reqID == "" || out.Data[0].RequestID != reqID {
		t.Errorf("record request id %q, response header %q", out.Data[0].RequestID, reqID)
	}
	if len(out.Data[0].Attempts) != 1 ||
		out.Data[0].Attempts[0].Gateway != "groq" ||
		out.Data[0].Attempts[0].Classification != "ok" {
		t.Errorf("unexpected attempt trace: %s", body)
	}
}

func TestChatCompletions_StreamingBillsReportedUsage(t *testing.T) {
	a := &stubAdapter{name: "groq", models: []string{"meta/llama-3"}}
	a.invoke = func(_ context.Context, req *adapters.Request) (*adapters.Response, error) {
		ch := make(chan adapters.StreamChunk, 3)
		ch <- adapters.StreamChunk{Role: "assistant", Content: "hi "}
		ch <- adapters.StreamChunk{Content: "there"}
		// Terminal frame carries the upstream's real token counts.
		ch <- adapters.StreamChunk{
			FinishReason: "stop",
			Usage:        &adapters.Usage{PromptTokens: 21, CompletionTokens: 34},
		}
		close(ch)
		return &adapters.Response{ID: "resp-1", Model: req.Model, Stream: ch}, nil
	}
	f := newTestServer(t, a)
	token, userID := f.register(t, "streambill@example.com")

	resp, _ := f.do(t, "POST", "/v1/chat/completions", token, map[string]any{
		"model":    "meta/llama-3",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
		"stream":   true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	usage, err := f.store.ListUsage(context.Background(), userID, 0, 10)
	if err != nil || len(usage) != 1 {
		t.Fatalf("list usage: %v, n=%d", err, len(usage))
	}
	if usage[0].PromptTokens != 21 || usage[0].CompletionTokens != 34 {
		t.Errorf("billed %d/%d tokens, want the reported 21/34",
			usage[0].PromptTokens, usage[0].CompletionTokens)
	}
	if usage[0].UsageEstimated {
		t.Error("reported usage must not be flagged as estimated")
	}
}

func TestChatCompletions_Streaming(t *testing.T) {
	f := newTestServer(t)
	token, _ := f.register(t, "stream@example.com")

	raw, _ := json.Marshal(map[string]any{
		"model":    "meta/llama-3",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
		"stream":   true,
	})
	req, _ := http.NewRequest("POST", "http://test/v1/chat/completions", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type %q", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	sse := string(body)
	if !strings.Contains(sse, `"content":"streamed "`) || !strings.Contains(sse, `"content":"reply"`) {
		t.Errorf("missing delta events:\n%s", sse)
	}
	if !strings.HasSuffix(strings.TrimSpace(sse), "data: [DONE]") {
		t.Errorf("stream must terminate with [DONE]:\n%s", sse)
	}
}

// ── Catalog ──────────────────────────────────────────────────────────────────

func TestModels_List(t *testing.T) {
	f := newTestServer(t, echoAdapter("groq", "meta/llama-3", "mixtral-8x7b"))

	resp, body := f.do(t, "GET", "/v1/models", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var out struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Object != "list" || len(out.Data) != 2 {
		t.Fatalf("unexpected list: %s", body)
	}
	if out.Data[0].OwnedBy != "groq" {
		t.Errorf("owned_by = %s", out.Data[0].OwnedBy)
	}
}

func TestModelDetail(t *testing.T) {
	f := newTestServer(t)

	resp, body := f.do(t, "GET", "/v1/models/meta/llama-3", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var e catalog.Entry
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatal(err)
	}
	if e.ID != "meta/llama-3" || e.SourceGateway != "groq" {
		t.Errorf("unexpected entry: %+v", e)
	}

	resp, _ = f.do(t, "GET", "/v1/models/no/model", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown model: status %d, want 404", resp.StatusCode)
	}
}

func TestCatalogModels_Pagination(t *testing.T) {
	f := newTestServer(t, echoAdapter("groq", "m/a", "m/b", "m/c"))

	resp, body := f.do(t, "GET", "/catalog/models?limit=2&offset=1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var out struct {
		Total  int             `json:"total"`
		Offset int             `json:"offset"`
		Data   []catalog.Entry `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Total != 3 || out.Offset != 1 || len(out.Data) != 2 {
		t.Errorf("total=%d offset=%d len=%d", out.Total, out.Offset, len(out.Data))
	}
}

func TestCatalogModels_UnknownGateway(t *testing.T) {
	f := newTestServer(t)
	resp, _ := f.do(t, "GET", "/catalog/models?gateway=nonexistent", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d, want 400", resp.StatusCode)
	}
}

// ── Key management ───────────────────────────────────────────────────────────

func TestKeys_CreateListDelete(t *testing.T) {
	f := newTestServer(t)
	token, _ := f.register(t, "keys@example.com")

	resp, body := f.do(t, "POST", "/user/keys", token, map[string]any{"name": "ci"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d: %s", resp.StatusCode, body)
	}
	var created struct {
		APIKey string `json:"api_key"`
		Key    struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Primary bool   `json:"primary"`
		} `json:"key"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}
	if created.Key.Name != "ci" || created.Key.Primary {
		t.Errorf("unexpected key: %+v", created.Key)
	}
	if !strings.HasPrefix(created.APIKey, "gw_test_") {
		t.Errorf("plaintext key %q", created.APIKey)
	}

	resp, body = f.do(t, "GET", "/user/keys", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 2 {
		t.Fatalf("expected primary + ci key, got %d", len(list.Data))
	}

	resp, _ = f.do(t, "DELETE", "/user/keys/"+created.Key.ID, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete: status %d", resp.StatusCode)
	}

	// The deactivated key no longer authenticates.
	resp, _ = f.do(t, "GET", "/user/balance", created.APIKey, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("deleted key: status %d, want 401", resp.StatusCode)
	}
}

func TestKeys_ScopedKeyCannotManageKeys(t *testing.T) {
	f := newTestServer(t)
	token, _ := f.register(t, "scoped@example.com")

	resp, body := f.do(t, "POST", "/user/keys", token, map[string]any{
		"name":   "read-only",
		"scopes": []map[string]string{{"action": "read", "pattern": "*"}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d: %s", resp.StatusCode, body)
	}
	var created struct {
		APIKey string `json:"api_key"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}

	resp, _ = f.do(t, "POST", "/user/keys", created.APIKey, map[string]any{"name": "sneaky"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("read-only key creating keys: status %d, want 403", resp.StatusCode)
	}

	resp, _ = f.do(t, "GET", "/user/balance", created.APIKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("read-only key reading balance: status %d", resp.StatusCode)
	}
}

func TestKeys_CannotTouchAnotherAccount(t *testing.T) {
	f := newTestServer(t)
	tokenA, _ := f.register(t, "owner-a@example.com")
	tokenB, _ := f.register(t, "owner-b@example.com")

	resp, body := f.do(t, "POST", "/user/keys", tokenA, map[string]any{"name": "a-key"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d", resp.StatusCode)
	}
	var created struct {
		Key struct {
			ID string `json:"id"`
		} `json:"key"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}

	resp, _ = f.do(t, "DELETE", "/user/keys/"+created.Key.ID, tokenB, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("cross-account delete: status %d, want 403", resp.StatusCode)
	}
}

// ── User surface ─────────────────────────────────────────────────────────────

func TestBalance(t *testing.T) {
	f := newTestServer(t)
	token, _ := f.register(t, "balance@example.com")

	resp, body := f.do(t, "GET", "/user/balance", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var out struct {
		Balance      float64 `json:"balance"`
		Subscription string  `json:"subscription"`
		Trial        *struct {
			Credits float64 `json:"credits"`
		} `json:"trial"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Balance != 0 || out.Subscription != "trial" {
		t.Errorf("balance=%v subscription=%s", out.Balance, out.Subscription)
	}
	if out.Trial == nil || out.Trial.Credits != 1.0 {
		t.Errorf("trial view: %+v", out.Trial)
	}
}

func TestSessions_RoundTrip(t *testing.T) {
	f := newTestServer(t)
	token, _ := f.register(t, "sessions@example.com")

	resp, body := f.do(t, "POST", "/user/sessions", token, map[string]string{"title": "experiments"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d", resp.StatusCode)
	}
	var sess struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &sess); err != nil {
		t.Fatal(err)
	}

	// A chat with session_id appends both turns.
	resp, _ = f.do(t, "POST", "/v1/chat/completions?session_id="+sess.ID, token, map[string]any{
		"model":    "meta/llama-3",
		"messages": []map[string]string{{"role": "user", "content": "remember this"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat: status %d", resp.StatusCode)
	}

	resp, body = f.do(t, "GET", "/user/sessions/"+sess.ID+"/turns", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("turns: status %d", resp.StatusCode)
	}
	var turns struct {
		Data []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &turns); err != nil {
		t.Fatal(err)
	}
	if len(turns.Data) != 2 || turns.Data[0].Role != "user" || turns.Data[1].Role != "assistant" {
		t.Errorf("unexpected turns: %s", body)
	}
}

// ── Operational ──────────────────────────────────────────────────────────────

func TestHealthAndReadiness(t *testing.T) {
	f := newTestServer(t)

	resp, body := f.do(t, "GET", "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d", resp.StatusCode)
	}
	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Store   bool   `json:"store"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "healthy" || !health.Store || health.Version != "test" {
		t.Errorf("unexpected health: %s", body)
	}

	resp, _ = f.do(t, "GET", "/readiness", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readiness: status %d", resp.StatusCode)
	}
}

func TestRequestIDHeader(t *testing.T) {
	f := newTestServer(t)

	resp, _ := f.do(t, "GET", "/health", "", nil)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("every response carries a request id")
	}
}

// ── Embeddings / responses ───────────────────────────────────────────────────

// embedStub is an echo adapter that also serves embeddings.
type embedStub struct {
	*stubAdapter
}

func (e *embedStub) Embed(_ context.Context, req *adapters.EmbeddingRequest) (*adapters.EmbeddingResponse, error) {
	data := make([]adapters.EmbeddingData, len(req.Input))
	for i := range req.Input {
		data[i] = adapters.EmbeddingData{Index: i, Embedding: []float32{0.1, 0.2, 0.3}}
	}
	return &adapters.EmbeddingResponse{
		Model: req.Model,
		Data:  data,
		Usage: adapters.Usage{PromptTokens: len(req.Input) * 5},
	}, nil
}

func TestEmbeddings_HappyPath(t *testing.T) {
	base := echoAdapter("nebius", "bge/embed-large")
	f := newTestServerWithAdapters(t, map[string]adapters.Adapter{"nebius": &embedStub{base}})
	token, _ := f.register(t, "embed@example.com")

	resp, body := f.do(t, "POST", "/v1/embeddings", token, map[string]any{
		"model": "bge/embed-large",
		"input": []string{"hello", "world"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Object string `json:"object"`
		Data   []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Object != "list" || len(out.Data) != 2 || len(out.Data[1].Embedding) != 3 {
		t.Errorf("unexpected response: %s", body)
	}
	if out.Usage.PromptTokens != 10 {
		t.Errorf("prompt_tokens = %d", out.Usage.PromptTokens)
	}
}

func TestEmbeddings_NoCapableGateway(t *testing.T) {
	// Plain echo adapter does not implement EmbeddingAdapter.
	f := newTestServer(t)
	token, _ := f.register(t, "noembed@example.com")

	resp, _ := f.do(t, "POST", "/v1/embeddings", token, map[string]any{
		"model": "meta/llama-3",
		"input": "hello",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d, want 400", resp.StatusCode)
	}
}

func TestEmbeddings_Validation(t *testing.T) {
	f := newTestServer(t)
	token, _ := f.register(t, "embedval@example.com")

	cases := []map[string]any{
		{"input": "hello"},                      // no model
		{"model": "meta/llama-3"},               // no input
		{"model": "meta/llama-3", "input": []string{}},
		{"model": "meta/llama-3", "input": 42},
	}
	for _, body := range cases {
		resp, _ := f.do(t, "POST", "/v1/embeddings", token, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("embeddings(%v): status %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestResponses_TranslatesToChat(t *testing.T) {
	f := newTestServer(t)
	token, _ := f.register(t, "responses@example.com")

	resp, body := f.do(t, "POST", "/v1/responses", token, map[string]any{
		"model":        "meta/llama-3",
		"instructions": "Be terse.",
		"input":        "hello there",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "echo: hello there" {
		t.Errorf("unexpected response: %s", body)
	}
}

func TestResponses_MessageArrayInput(t *testing.T) {
	f := newTestServer(t)
	token, _ := f.register(t, "responses2@example.com")

	resp, _ := f.do(t, "POST", "/v1/responses", token, map[string]any{
		"model": "meta/llama-3",
		"input": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status %d", resp.StatusCode)
	}

	resp, _ = f.do(t, "POST", "/v1/responses", token, map[string]any{
		"model": "meta/llama-3",
		"input": 42,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("numeric input: status %d, want 400", resp.StatusCode)
	}
}
