package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaycore/ai-gateway/internal/adapters"
	"github.com/relaycore/ai-gateway/internal/balancer"
	"github.com/relaycore/ai-gateway/internal/domain"
)

// fakeAdapter returns scripted outcomes in order, repeating the last one.
type fakeAdapter struct {
	name     string
	outcomes []error
	calls    atomic.Int64
	delay    time.Duration
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) HealthCheck(context.Context) error { return nil }

func (f *fakeAdapter) Invoke(ctx context.Context, endpoint string, req *adapters.Request) (*adapters.Response, error) {
	n := int(f.calls.Add(1)) - 1
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var out error
	if len(f.outcomes) > 0 {
		if n >= len(f.outcomes) {
			n = len(f.outcomes) - 1
		}
		out = f.outcomes[n]
	}
	if out != nil {
		return nil, out
	}
	return &adapters.Response{
		ID:      "resp-1",
		Model:   req.Model,
		Content: "ok",
		Usage:   adapters.Usage{InputTokens: 10, OutputTokens: 20},
	}, nil
}

func upstream500(vendor string) error {
	return &adapters.Error{Vendor: vendor, Kind: adapters.KindServer, StatusCode: 500, Message: "internal"}
}

// testRig wires two pooled providers ("alpha" priority 10, "beta" priority 1)
// each with one unlimited sub-provider, backed by the given fake adapters.
func testRig(alpha, beta *fakeAdapter) (*Dispatcher, *domain.SubProvider, *domain.SubProvider) {
	pa := domain.NewProvider("p-alpha", "alpha", 10)
	pa.NeedsSubProviders = true
	pa.SupportedModels["gpt-4o"] = struct{}{}
	sa := domain.NewSubProvider("sub-alpha", "p-alpha", 1, domain.SubLimits{})

	pb := domain.NewProvider("p-beta", "beta", 1)
	pb.NeedsSubProviders = true
	pb.SupportedModels["gpt-4o"] = struct{}{}
	sb := domain.NewSubProvider("sub-beta", "p-beta", 1, domain.SubLimits{})

	b := balancer.New(balancer.Options{
		Adapters: map[string]adapters.Adapter{
			"alpha": alpha,
			"beta":  beta,
		},
	})
	b.SetRegistries([]*domain.Provider{pa, pb}, []*domain.SubProvider{sa, sb})

	return New(Options{Balancer: b}), sa, sb
}

func newChatRequest() (*domain.ApiRequest, *adapters.Request) {
	apiReq := domain.NewApiRequest("u1", adapters.EndpointChat, "POST", "gpt-4o")
	req := &adapters.Request{
		Model:    "gpt-4o",
		Messages: []adapters.Message{{Role: "user", Content: "hello"}},
	}
	return apiReq, req
}

func TestDispatch_FirstProviderServes(t *testing.T) {
	alpha := &fakeAdapter{name: "alpha"}
	beta := &fakeAdapter{name: "beta"}
	d, _, _ := testRig(alpha, beta)

	apiReq, req := newChatRequest()
	result, err := d.Dispatch(context.Background(), apiReq, req, 100)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Response.Content != "ok" {
		t.Errorf("content = %q", result.Response.Content)
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", result.Attempts)
	}
	if apiReq.ProviderID != "p-alpha" || apiReq.SubProviderID != "sub-alpha" {
		t.Errorf("served by (%s,%s)", apiReq.ProviderID, apiReq.SubProviderID)
	}
	if beta.calls.Load() != 0 {
		t.Error("lower priority provider must not be called on success")
	}
}

func TestDispatch_FailsOverOn5xx(t *testing.T) {
	alpha := &fakeAdapter{name: "alpha", outcomes: []error{upstream500("alpha")}}
	beta := &fakeAdapter{name: "beta"}
	d, sa, _ := testRig(alpha, beta)

	apiReq, req := newChatRequest()
	result, err := d.Dispatch(context.Background(), apiReq, req, 100)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", result.Attempts)
	}
	if apiReq.ProviderID != "p-beta" {
		t.Errorf("served by %s, want p-beta after failover", apiReq.ProviderID)
	}
	if apiReq.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", apiReq.RetryCount)
	}

	// The failed attempt was recorded on alpha's sub before release.
	if sa.CurrentConcurrent() != 0 {
		t.Error("reservation leaked on the failed attempt")
	}
}

func TestDispatch_NonRetryableSurfacesImmediately(t *testing.T) {
	alpha := &fakeAdapter{name: "alpha", outcomes: []error{
		&adapters.Error{Vendor: "alpha", Kind: adapters.KindInvalid, StatusCode: 400, Message: "bad request"},
	}}
	beta := &fakeAdapter{name: "beta"}
	d, _, _ := testRig(alpha, beta)

	apiReq, req := newChatRequest()
	_, err := d.Dispatch(context.Background(), apiReq, req, 100)

	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if de.Kind != KindValidation || de.HTTPStatus() != 400 {
		t.Errorf("got %s/%d, want validation/400", de.Kind, de.HTTPStatus())
	}
	if beta.calls.Load() != 0 {
		t.Error("non-retryable errors must not fail over")
	}
}

func TestDispatch_AllProvidersFail(t *testing.T) {
	alpha := &fakeAdapter{name: "alpha", outcomes: []error{upstream500("alpha")}}
	beta := &fakeAdapter{name: "beta", outcomes: []error{upstream500("beta")}}
	d, _, _ := testRig(alpha, beta)

	apiReq, req := newChatRequest()
	_, err := d.Dispatch(context.Background(), apiReq, req, 100)

	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if de.Kind != KindUpstream5xx {
		t.Errorf("kind = %s, want upstream_5xx (last error surfaced)", de.Kind)
	}
	if alpha.calls.Load() != 1 || beta.calls.Load() != 1 {
		t.Errorf("calls = (%d,%d), each provider tried exactly once",
			alpha.calls.Load(), beta.calls.Load())
	}
}

func TestDispatch_NoProvidersForModel(t *testing.T) {
	d, _, _ := testRig(&fakeAdapter{name: "alpha"}, &fakeAdapter{name: "beta"})

	apiReq := domain.NewApiRequest("u1", adapters.EndpointChat, "POST", "unknown-model")
	req := &adapters.Request{Model: "unknown-model"}

	_, err := d.Dispatch(context.Background(), apiReq, req, 100)
	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if de.Kind != KindNoProviders || de.HTTPStatus() != 503 {
		t.Errorf("got %s/%d, want no_providers_available/503", de.Kind, de.HTTPStatus())
	}
}

func TestDispatch_ReservationFailureExcludesProvider(t *testing.T) {
	alpha := &fakeAdapter{name: "alpha"}
	beta := &fakeAdapter{name: "beta"}
	d, sa, _ := testRig(alpha, beta)

	// Saturate alpha's sub so selection passes but reservation races out.
	sa.Limits.MaxConcurrent = 1
	if !sa.Reserve(10, time.Now()) {
		t.Fatal("seed reservation failed")
	}

	apiReq, req := newChatRequest()
	result, err := d.Dispatch(context.Background(), apiReq, req, 100)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if apiReq.ProviderID != "p-beta" {
		t.Errorf("served by %s, want p-beta", apiReq.ProviderID)
	}
	if alpha.calls.Load() != 0 {
		t.Error("alpha must not be invoked without a reservation")
	}
	_ = result
}

func TestDispatch_CancellationAborts(t *testing.T) {
	alpha := &fakeAdapter{name: "alpha", delay: 5 * time.Second}
	beta := &fakeAdapter{name: "beta"}
	d, _, _ := testRig(alpha, beta)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	apiReq, req := newChatRequest()
	start := time.Now()
	_, err := d.Dispatch(ctx, apiReq, req, 100)
	if time.Since(start) > time.Second {
		t.Fatal("dispatch did not abort on cancellation")
	}

	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if de.Kind != KindUpstreamTimeout {
		t.Errorf("kind = %s, want upstream_timeout", de.Kind)
	}
	if beta.calls.Load() != 0 {
		t.Error("no further attempts after client cancellation")
	}
}

func TestDispatch_OpenCircuitSkipsProvider(t *testing.T) {
	alpha := &fakeAdapter{name: "alpha"}
	beta := &fakeAdapter{name: "beta"}
	d, sa, _ := testRig(alpha, beta)

	now := time.Now()
	for i := 0; i < 5; i++ {
		sa.RecordError(now)
	}
	if sa.Circuit() != domain.CircuitOpen {
		t.Fatalf("circuit = %s, want open after 5 errors", sa.Circuit().Label())
	}

	apiReq, req := newChatRequest()
	if _, err := d.Dispatch(context.Background(), apiReq, req, 100); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if alpha.calls.Load() != 0 {
		t.Error("open circuit must not receive requests")
	}
	if apiReq.ProviderID != "p-beta" {
		t.Errorf("served by %s, want p-beta", apiReq.ProviderID)
	}
	if sa.Circuit() != domain.CircuitOpen {
		t.Errorf("circuit = %s, want still open inside the cooldown", sa.Circuit().Label())
	}
}

func TestDispatch_ProbeRecoversOpenCircuit(t *testing.T) {
	alpha := &fakeAdapter{name: "alpha"}
	beta := &fakeAdapter{name: "beta"}
	d, sa, _ := testRig(alpha, beta)

	// Trip the breaker well in the past so the cooldown has elapsed.
	then := time.Now().Add(-2 * time.Minute)
	for i := 0; i < 5; i++ {
		sa.RecordError(then)
	}
	if sa.Circuit() != domain.CircuitOpen {
		t.Fatalf("circuit = %s, want open", sa.Circuit().Label())
	}

	apiReq, req := newChatRequest()
	if _, err := d.Dispatch(context.Background(), apiReq, req, 100); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if apiReq.ProviderID != "p-alpha" {
		t.Errorf("served by %s, want p-alpha via the probe", apiReq.ProviderID)
	}
	if alpha.calls.Load() != 1 {
		t.Errorf("alpha calls = %d, want 1", alpha.calls.Load())
	}
	if sa.Circuit() != domain.CircuitClosed {
		t.Errorf("circuit = %s, want closed after a successful probe", sa.Circuit().Label())
	}
}

func TestClassify_Taxonomy(t *testing.T) {
	cases := []struct {
		in        error
		wantKind  Kind
		retryable bool
	}{
		{&adapters.Error{Kind: adapters.KindTimeout, StatusCode: 408}, KindUpstreamTimeout, true},
		{&adapters.Error{Kind: adapters.KindServer, StatusCode: 502}, KindUpstream5xx, true},
		{&adapters.Error{Kind: adapters.KindRateLimited, StatusCode: 429}, KindUpstreamRateLimited, true},
		{&adapters.Error{Kind: adapters.KindContentPolicy, StatusCode: 403}, KindUpstreamContentPolicy, false},
		{&adapters.Error{Kind: adapters.KindInvalid, StatusCode: 400}, KindValidation, false},
		{&adapters.Error{Kind: adapters.KindNotFound, StatusCode: 404}, KindNotFound, false},
		{&adapters.Error{Kind: adapters.KindAuth, StatusCode: 401}, KindInternal, false},
		{context.DeadlineExceeded, KindUpstreamTimeout, true},
		{errors.New("boom"), KindInternal, false},
	}

	for _, c := range cases {
		got := Classify(c.in)
		if got.Kind != c.wantKind {
			t.Errorf("Classify(%v) kind = %s, want %s", c.in, got.Kind, c.wantKind)
		}
		if got.Retryable() != c.retryable {
			t.Errorf("Classify(%v) retryable = %v, want %v", c.in, got.Retryable(), c.retryable)
		}
	}
}

func TestClassify_RateLimitCarriesRetryAfter(t *testing.T) {
	in := &adapters.Error{Kind: adapters.KindRateLimited, StatusCode: 429, RetryAfter: 30 * time.Second}
	got := Classify(in)
	if got.RetryAfter != 30*time.Second {
		t.Errorf("retryAfter = %v, want 30s", got.RetryAfter)
	}
	if got.HTTPStatus() != 503 {
		t.Errorf("status = %d, want 503", got.HTTPStatus())
	}
}
