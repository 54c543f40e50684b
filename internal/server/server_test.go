package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/relaycore/ai-gateway/internal/accounting"
	"github.com/relaycore/ai-gateway/internal/adapters"
	"github.com/relaycore/ai-gateway/internal/balancer"
	"github.com/relaycore/ai-gateway/internal/dispatch"
	"github.com/relaycore/ai-gateway/internal/domain"
	"github.com/relaycore/ai-gateway/internal/gate"
	"github.com/relaycore/ai-gateway/internal/ratelimit"
	"github.com/relaycore/ai-gateway/internal/store"
)

const (
	testSalt   = "test-salt"
	testAPIKey = "sk-test-key"
)

// funcAdapter delegates Invoke to a test function.
type funcAdapter struct {
	name string
	fn   func(ctx context.Context, endpoint string, req *adapters.Request) (*adapters.Response, error)
}

func (f *funcAdapter) Name() string                          { return f.name }
func (f *funcAdapter) HealthCheck(context.Context) error     { return nil }
func (f *funcAdapter) Invoke(ctx context.Context, endpoint string, req *adapters.Request) (*adapters.Response, error) {
	return f.fn(ctx, endpoint, req)
}

func okAdapter(name string) *funcAdapter {
	return &funcAdapter{
		name: name,
		fn: func(_ context.Context, _ string, req *adapters.Request) (*adapters.Response, error) {
			return &adapters.Response{
				ID:      "resp-1",
				Model:   req.Model,
				Content: "hello from " + name,
				Usage:   adapters.Usage{InputTokens: 10, OutputTokens: 5},
			}, nil
		},
	}
}

// discardSink swallows accounting rows.
type discardSink struct{}

func (discardSink) Name() string                             { return "discard" }
func (discardSink) Write(context.Context, []accounting.Row) error { return nil }
func (discardSink) Close() error                             { return nil }

type testEnv struct {
	server *Server
	users  *store.Users
	client *http.Client
}

// newTestEnv builds a full server over miniredis and one fake vendor, and
// serves it on an in-memory listener.
func newTestEnv(t *testing.T, adapter adapters.Adapter, user *domain.User) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	users := store.NewUsers(rdb)
	if err := users.Save(context.Background(), user); err != nil {
		t.Fatalf("save user: %v", err)
	}

	p := domain.NewProvider("p-test", adapter.Name(), 10)
	p.NeedsSubProviders = true
	p.SupportedModels["gpt-4o"] = struct{}{}
	p.CostPerKiloTokens = map[string]int64{"gpt-4o": 100}
	sub := domain.NewSubProvider("sub-test", "p-test", 1, domain.SubLimits{})

	b := balancer.New(balancer.Options{
		Adapters: map[string]adapters.Adapter{adapter.Name(): adapter},
	})
	b.SetRegistries([]*domain.Provider{p}, []*domain.SubProvider{sub})

	w := accounting.NewWriter(accounting.WriterOptions{Sink: discardSink{}, BatchSize: 1})
	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(runCtx)

	srv := New(Options{
		Users:      users,
		Gate:       gate.New(users, ratelimit.NewUserLimiter(rdb), nil, nil),
		Balancer:   b,
		Dispatcher: dispatch.New(dispatch.Options{Balancer: b}),
		Finalizer:  accounting.NewFinalizer(accounting.FinalizerOptions{Users: users, Writer: w}),
		KeySalt:    testSalt,
	})

	ln := fasthttputil.NewInmemoryListener()
	t.Cleanup(func() { ln.Close() })
	go func() {
		_ = fasthttp.Serve(ln, srv.Handler())
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return &testEnv{server: srv, users: users, client: client}
}

func testTenant() *domain.User {
	return &domain.User{
		ID:      "u1",
		Name:    "acme",
		Plan:    domain.PlanMonthly,
		Enabled: true,
		APIKeyHashes: map[string]struct{}{
			domain.HashAPIKey(testSalt, testAPIKey): {},
		},
		Credits:          10_000,
		Allowance:        10_000,
		CreditsLastReset: time.Now(),
	}
}

func doPost(t *testing.T, env *testEnv, path string, body []byte, apiKey string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://test"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func chatBody(model string) []byte {
	return []byte(`{"model":"` + model + `","messages":[{"role":"user","content":"hello"}]}`)
}

func TestServer_ChatCompletion(t *testing.T) {
	env := newTestEnv(t, okAdapter("openai"), testTenant())

	resp := doPost(t, env, "/v1/chat/completions", chatBody("gpt-4o"), testAPIKey)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	var out struct {
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Object != "chat.completion" || out.Model != "gpt-4o" {
		t.Errorf("envelope = %+v", out)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello from openai" {
		t.Errorf("choices = %+v", out.Choices)
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("total tokens = %d, want 15", out.Usage.TotalTokens)
	}
}

func TestServer_ChatDebitsCredits(t *testing.T) {
	env := newTestEnv(t, okAdapter("openai"), testTenant())

	resp := doPost(t, env, "/v1/chat/completions", chatBody("gpt-4o"), testAPIKey)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// Accounting runs after the response; poll for the debit.
	deadline := time.After(2 * time.Second)
	for {
		balance, err := env.users.Credits(context.Background(), "u1")
		if err != nil {
			t.Fatalf("credits: %v", err)
		}
		if balance < 10_000 {
			// 15 tokens at 100 credits per kilotoken floors to 1.
			if got := 10_000 - balance; got != 1 {
				t.Errorf("debited %d credits, want 1", got)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("debit never landed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestServer_MissingKey(t *testing.T) {
	env := newTestEnv(t, okAdapter("openai"), testTenant())

	resp := doPost(t, env, "/v1/chat/completions", chatBody("gpt-4o"), "")
	readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServer_UnknownKey(t *testing.T) {
	env := newTestEnv(t, okAdapter("openai"), testTenant())

	resp := doPost(t, env, "/v1/chat/completions", chatBody("gpt-4o"), "sk-wrong")
	readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServer_ModelNotInPlan(t *testing.T) {
	user := testTenant()
	user.AllowedModels = map[string]struct{}{"gpt-4o-mini": {}}
	env := newTestEnv(t, okAdapter("openai"), user)

	resp := doPost(t, env, "/v1/chat/completions", chatBody("gpt-4o"), testAPIKey)
	readBody(t, resp)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestServer_InsufficientCredits(t *testing.T) {
	user := testTenant()
	user.Credits = 0
	env := newTestEnv(t, okAdapter("openai"), user)

	resp := doPost(t, env, "/v1/chat/completions", chatBody("gpt-4o"), testAPIKey)
	readBody(t, resp)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402", resp.StatusCode)
	}
}

func TestServer_ModerationBlocks(t *testing.T) {
	env := newTestEnv(t, okAdapter("openai"), testTenant())
	env.server.moderate = func(_ string, texts []string) bool {
		for _, s := range texts {
			if strings.Contains(s, "forbidden") {
				return true
			}
		}
		return false
	}

	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"forbidden topic"}]}`)
	resp := doPost(t, env, "/v1/chat/completions", body, testAPIKey)
	out := readBody(t, resp)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if !bytes.Contains(out, []byte("content_policy_violation")) {
		t.Errorf("body = %s", out)
	}

	// Clean input still goes through.
	resp = doPost(t, env, "/v1/chat/completions", chatBody("gpt-4o"), testAPIKey)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestServer_InvalidJSON(t *testing.T) {
	env := newTestEnv(t, okAdapter("openai"), testTenant())

	resp := doPost(t, env, "/v1/chat/completions", []byte("{nope"), testAPIKey)
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServer_NoProviderForModel(t *testing.T) {
	env := newTestEnv(t, okAdapter("openai"), testTenant())

	resp := doPost(t, env, "/v1/chat/completions", chatBody("unknown-model"), testAPIKey)
	readBody(t, resp)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestServer_Upstream5xx(t *testing.T) {
	failing := &funcAdapter{
		name: "openai",
		fn: func(context.Context, string, *adapters.Request) (*adapters.Response, error) {
			return nil, &adapters.Error{
				Vendor: "openai", Kind: adapters.KindServer, StatusCode: 500, Message: "boom",
			}
		},
	}
	env := newTestEnv(t, failing, testTenant())

	resp := doPost(t, env, "/v1/chat/completions", chatBody("gpt-4o"), testAPIKey)
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestServer_Embeddings(t *testing.T) {
	adapter := &funcAdapter{
		name: "openai",
		fn: func(_ context.Context, endpoint string, req *adapters.Request) (*adapters.Response, error) {
			if endpoint != adapters.EndpointEmbeddings {
				t.Errorf("endpoint = %s", endpoint)
			}
			return &adapters.Response{
				Model:      req.Model,
				Embeddings: []adapters.Embedding{{Index: 0, Values: []float32{0.1, 0.2}}},
				Usage:      adapters.Usage{InputTokens: 4},
			}, nil
		},
	}
	env := newTestEnv(t, adapter, testTenant())

	resp := doPost(t, env, "/v1/embeddings",
		[]byte(`{"model":"gpt-4o","input":"hello"}`), testAPIKey)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	var out struct {
		Object string `json:"object"`
		Data   []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Object != "list" || len(out.Data) != 1 || len(out.Data[0].Embedding) != 2 {
		t.Errorf("envelope = %+v", out)
	}
}

func TestServer_ListModels(t *testing.T) {
	env := newTestEnv(t, okAdapter("openai"), testTenant())

	req, err := http.NewRequest(http.MethodGet, "http://test/v1/models", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Data) != 1 || out.Data[0].ID != "gpt-4o" {
		t.Errorf("models = %+v", out.Data)
	}
}

func TestServer_HealthNoAuth(t *testing.T) {
	env := newTestEnv(t, okAdapter("openai"), testTenant())

	req, err := http.NewRequest(http.MethodGet, "http://test/health", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, body = %s", resp.StatusCode, body)
	}
}

func TestServer_Streaming(t *testing.T) {
	adapter := &funcAdapter{
		name: "openai",
		fn: func(_ context.Context, _ string, req *adapters.Request) (*adapters.Response, error) {
			ch := make(chan adapters.StreamChunk, 3)
			ch <- adapters.StreamChunk{Content: "hel"}
			ch <- adapters.StreamChunk{Content: "lo"}
			ch <- adapters.StreamChunk{FinishReason: "stop"}
			close(ch)
			return &adapters.Response{ID: "resp-1", Model: req.Model, Stream: ch}, nil
		},
	}
	env := newTestEnv(t, adapter, testTenant())

	body := []byte(`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	resp := doPost(t, env, "/v1/chat/completions", body, testAPIKey)
	data := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if !bytes.Contains(data, []byte(`"content":"hel"`)) ||
		!bytes.Contains(data, []byte("data: [DONE]")) {
		t.Errorf("stream body = %s", data)
	}
}

func TestParseBearerToken(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Bearer sk-abc", "sk-abc"},
		{"bearer sk-abc", "sk-abc"},
		{"Bearer  sk-abc ", "sk-abc"},
		{"Basic dXNlcg==", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := parseBearerToken(c.in); got != c.want {
			t.Errorf("parseBearerToken(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
