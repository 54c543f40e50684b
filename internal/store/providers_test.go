package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/relaycore/ai-gateway/internal/domain"
	"github.com/relaycore/ai-gateway/internal/store"
)

func TestProviders_RoundTrip(t *testing.T) {
	rdb := newTestRedis(t)
	providers := store.NewProviders(rdb)
	ctx := context.Background()

	prov := domain.NewProvider("p1", "openai", 10)
	prov.NeedsSubProviders = true
	prov.SupportedModels["gpt-4o"] = struct{}{}
	prov.Timeout = 30 * time.Second
	prov.CostPerKiloTokens = map[string]int64{"gpt-4o": 15}
	if err := providers.SaveProvider(ctx, prov); err != nil {
		t.Fatalf("save provider: %v", err)
	}

	secret := []byte("0123456789abcdef0123456789abcdef")
	iv := []byte("fedcba9876543210")
	key, err := domain.EncryptKey("primary", "sk-live-1", secret, iv)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	sub := domain.NewSubProvider("s1", "p1", 3, domain.SubLimits{MaxRPM: 100, MaxTPM: 50000, MaxConcurrent: 8})
	sub.Priority = 2
	sub.APIKeys["primary"] = key
	sub.ModelMapping["gpt-4o"] = "gpt-4o-2024-11-20"
	if err := providers.SaveSubProvider(ctx, sub); err != nil {
		t.Fatalf("save sub-provider: %v", err)
	}

	provs, subs, err := providers.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(provs) != 1 || len(subs) != 1 {
		t.Fatalf("loaded %d providers, %d subs", len(provs), len(subs))
	}

	gp := provs[0]
	if gp.ID != "p1" || gp.Priority != 10 || !gp.NeedsSubProviders {
		t.Errorf("provider round trip: %+v", gp)
	}
	if !gp.SupportsModel("gpt-4o") {
		t.Error("supported models lost in round trip")
	}
	if gp.Timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", gp.Timeout)
	}
	if gp.Health() != domain.HealthHealthy {
		t.Error("loaded provider should start healthy")
	}

	gs := subs[0]
	if gs.ProviderID != "p1" || gs.Weight != 3 || gs.Priority != 2 {
		t.Errorf("sub-provider round trip: %+v", gs)
	}
	if gs.Limits.MaxRPM != 100 || gs.Limits.MaxTPM != 50000 || gs.Limits.MaxConcurrent != 8 {
		t.Errorf("limits = %+v", gs.Limits)
	}
	if gs.UpstreamModel("gpt-4o") != "gpt-4o-2024-11-20" {
		t.Error("model mapping lost in round trip")
	}

	plain, err := gs.APIKeys["primary"].Decrypt(secret)
	if err != nil || plain != "sk-live-1" {
		t.Errorf("key pool round trip: %q, %v", plain, err)
	}
}

func TestProviders_LoadAllEmpty(t *testing.T) {
	rdb := newTestRedis(t)
	providers := store.NewProviders(rdb)

	provs, subs, err := providers.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(provs) != 0 || len(subs) != 0 {
		t.Errorf("expected empty registries, got %d/%d", len(provs), len(subs))
	}
}
