// Package balancer implements two-level load balancing: providers are
// ranked by priority and observed quality, then a sub-provider (one
// upstream account with its own key pool and limits) is drawn by weighted
// random from the eligible pool.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/relaycore/ai-gateway/internal/adapters"
	"github.com/relaycore/ai-gateway/internal/domain"
	"github.com/relaycore/ai-gateway/internal/metrics"
	"github.com/relaycore/ai-gateway/internal/store"
)

// ErrNoProviders is returned when no provider can serve the request.
var ErrNoProviders = errors.New("balancer: no providers available")

// Choice is one selection outcome. Sub is nil for providers that do not
// use sub-provider pools.
type Choice struct {
	Provider *domain.Provider
	Sub      *domain.SubProvider
}

// SubID returns the sub-provider id or "" for direct providers.
func (c Choice) SubID() string {
	if c.Sub == nil {
		return ""
	}
	return c.Sub.ID
}

// Balancer holds the provider registries and the vendor adapter table.
type Balancer struct {
	mu        sync.RWMutex
	providers map[string]*domain.Provider
	subs      map[string][]*domain.SubProvider // keyed by provider id

	adapters map[string]adapters.Adapter // keyed by provider name

	repo    *store.Providers
	secret  []byte
	metrics *metrics.Registry
	log     *slog.Logger

	keyMu     sync.Mutex
	keyCursor map[string]int // round-robin position per sub

	randMu sync.Mutex
	rand   *rand.Rand
}

// Options configures a Balancer. Repo may be nil when registries are
// seeded directly (tests); Metrics may be nil.
type Options struct {
	Repo             *store.Providers
	Adapters         map[string]adapters.Adapter
	EncryptionSecret []byte
	Metrics          *metrics.Registry
	Log              *slog.Logger
}

func New(opts Options) *Balancer {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Balancer{
		providers: make(map[string]*domain.Provider),
		subs:      make(map[string][]*domain.SubProvider),
		adapters:  opts.Adapters,
		repo:      opts.Repo,
		secret:    opts.EncryptionSecret,
		metrics:   opts.Metrics,
		log:       log,
		keyCursor: make(map[string]int),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRegistries replaces the provider and sub-provider tables. Used by
// Reload and by tests that seed state directly.
func (b *Balancer) SetRegistries(provs []*domain.Provider, subs []*domain.SubProvider) {
	pm := make(map[string]*domain.Provider, len(provs))
	for _, p := range provs {
		pm[p.ID] = p
	}
	sm := make(map[string][]*domain.SubProvider)
	for _, s := range subs {
		sm[s.ProviderID] = append(sm[s.ProviderID], s)
	}

	b.mu.Lock()
	b.providers = pm
	b.subs = sm
	b.mu.Unlock()
}

// Reload refreshes the registries from the store. Runtime metrics restart
// clean; the health model re-converges from live traffic.
func (b *Balancer) Reload(ctx context.Context) error {
	if b.repo == nil {
		return nil
	}
	provs, subs, err := b.repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("balancer: reload: %w", err)
	}
	b.SetRegistries(provs, subs)
	b.log.Info("provider registries reloaded",
		slog.Int("providers", len(provs)),
		slog.Int("sub_providers", len(subs)))
	return nil
}

// Providers returns a snapshot of the provider registry.
func (b *Balancer) Providers() []*domain.Provider {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*domain.Provider, 0, len(b.providers))
	for _, p := range b.providers {
		out = append(out, p)
	}
	return out
}

// Select picks the best provider (and, when it uses a pool, a sub-provider)
// for model, skipping everything in excluded. estTokens feeds the TPM
// eligibility check without committing capacity.
//
// Ranking: priority desc, healthy before degraded, success rate desc,
// average latency asc. A provider whose entire pool is saturated or broken
// is skipped and the scan continues down the ranking.
func (b *Balancer) Select(model string, estTokens int, excluded map[string]struct{}) (Choice, error) {
	now := time.Now()

	b.mu.RLock()
	candidates := make([]*domain.Provider, 0, len(b.providers))
	for _, p := range b.providers {
		if _, skip := excluded[p.ID]; skip {
			continue
		}
		if !p.IsActive || !p.SupportsModel(model) {
			continue
		}
		if p.Health() == domain.HealthUnhealthy {
			continue
		}
		candidates = append(candidates, p)
	}
	b.mu.RUnlock()

	if len(candidates) == 0 {
		return Choice{}, ErrNoProviders
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := candidates[i], candidates[j]
		if pi.Priority != pj.Priority {
			return pi.Priority > pj.Priority
		}
		hi, hj := pi.Health(), pj.Health()
		if hi != hj {
			return hi == domain.HealthHealthy
		}
		ri, rj := pi.SuccessRate(), pj.SuccessRate()
		if ri != rj {
			return ri > rj
		}
		return pi.AvgLatencyMs() < pj.AvgLatencyMs()
	})

	for _, p := range candidates {
		if !p.NeedsSubProviders {
			return Choice{Provider: p}, nil
		}

		sub := b.pickSub(p.ID, estTokens, now)
		if sub != nil {
			return Choice{Provider: p, Sub: sub}, nil
		}
		// Whole pool saturated or broken: move down the ranking.
		if b.metrics != nil {
			b.metrics.RecordExclusion(p.ID, "pool_exhausted")
		}
	}

	return Choice{}, ErrNoProviders
}

// pickSub draws one eligible sub-provider by weighted random. When every
// eligible sub carries the same weight the least recently used one wins,
// spreading load across identical accounts.
func (b *Balancer) pickSub(providerID string, estTokens int, now time.Time) *domain.SubProvider {
	b.mu.RLock()
	pool := b.subs[providerID]
	b.mu.RUnlock()

	eligible := make([]*domain.SubProvider, 0, len(pool))
	for _, s := range pool {
		if !s.Enabled {
			continue
		}
		// Probe-eligible subs re-enter the pool so an open breaker can be
		// tested after its cooldown.
		if !s.Healthy() && !s.ProbeEligible(now) {
			continue
		}
		if s.WouldExceedLimits(estTokens, now) || s.ConcurrencyLimited() {
			continue
		}
		eligible = append(eligible, s)
	}
	if len(eligible) == 0 {
		return nil
	}
	if len(eligible) == 1 {
		return eligible[0]
	}

	uniform := true
	total := 0
	for _, s := range eligible {
		total += s.Weight
		if s.Weight != eligible[0].Weight {
			uniform = false
		}
	}

	if uniform {
		best := eligible[0]
		for _, s := range eligible[1:] {
			if s.LastUsedAt().Before(best.LastUsedAt()) {
				best = s
			}
		}
		return best
	}

	b.randMu.Lock()
	r := b.rand.Intn(total)
	b.randMu.Unlock()

	for _, s := range eligible {
		r -= s.Weight
		if r < 0 {
			return s
		}
	}
	return eligible[len(eligible)-1]
}

// ReserveCapacity commits one request slot and estTokens on the choice's
// sub-provider. Direct providers always succeed.
func (b *Balancer) ReserveCapacity(c Choice, estTokens int) bool {
	if c.Sub == nil {
		return true
	}
	granted := c.Sub.Reserve(estTokens, time.Now())
	if b.metrics != nil {
		b.metrics.RecordReservation(c.Sub.ID, granted)
		if granted {
			b.metrics.SetSubConcurrent(c.Sub.ID, c.Sub.CurrentConcurrent())
		}
	}
	return granted
}

// ReleaseCapacity returns the slot taken by ReserveCapacity.
func (b *Balancer) ReleaseCapacity(c Choice) {
	if c.Sub == nil {
		return
	}
	c.Sub.Release()
	if b.metrics != nil {
		b.metrics.SetSubConcurrent(c.Sub.ID, c.Sub.CurrentConcurrent())
	}
}

// Admit runs the choice through its circuit breaker. Direct providers have
// no breaker and always admit.
func (b *Balancer) Admit(c Choice) bool {
	if c.Sub == nil {
		return true
	}
	ok := c.Sub.Admit(time.Now())
	if b.metrics != nil {
		b.metrics.SetCircuitBreaker(c.Sub.ID, int64(c.Sub.Circuit()))
	}
	return ok
}

// RecordSuccess commits a successful attempt to the sub-provider breaker
// and the provider health model. Must run before the capacity release.
func (b *Balancer) RecordSuccess(c Choice, latency time.Duration) {
	if c.Sub != nil {
		c.Sub.RecordSuccess(latency, time.Now())
	}
	c.Provider.RecordSuccess(latency)
	b.publishHealth(c)
}

// RecordError commits a failed attempt. kind labels the provider error
// metric.
func (b *Balancer) RecordError(c Choice, kind string) {
	if c.Sub != nil {
		c.Sub.RecordError(time.Now())
	}
	c.Provider.RecordError()
	if b.metrics != nil {
		b.metrics.RecordProviderError(c.Provider.ID, kind)
	}
	b.publishHealth(c)
}

func (b *Balancer) publishHealth(c Choice) {
	if b.metrics == nil {
		return
	}
	b.metrics.SetProviderHealth(c.Provider.ID, string(c.Provider.Health()))
	if c.Sub != nil {
		b.metrics.SetCircuitBreaker(c.Sub.ID, int64(c.Sub.Circuit()))
	}
}

// AdapterFor resolves the vendor adapter for the choice and a decrypted
// API key from the sub-provider's pool, rotating round-robin over active
// keys. Direct providers use the adapter's own fallback key.
func (b *Balancer) AdapterFor(c Choice) (adapters.Adapter, string, error) {
	adapter, ok := b.adapters[c.Provider.Name]
	if !ok {
		return nil, "", fmt.Errorf("balancer: no adapter registered for provider %s", c.Provider.Name)
	}
	if c.Sub == nil {
		return adapter, "", nil
	}

	key, err := b.nextKey(c.Sub)
	if err != nil {
		return nil, "", err
	}
	return adapter, key, nil
}

func (b *Balancer) nextKey(sub *domain.SubProvider) (string, error) {
	names := make([]string, 0, len(sub.APIKeys))
	for name, rec := range sub.APIKeys {
		if rec.IsActive {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		// Pool may be intentionally empty; the adapter falls back to its
		// configured key.
		return "", nil
	}
	sort.Strings(names)

	b.keyMu.Lock()
	cursor := b.keyCursor[sub.ID]
	b.keyCursor[sub.ID] = cursor + 1
	b.keyMu.Unlock()

	rec := sub.APIKeys[names[cursor%len(names)]]
	key, err := rec.Decrypt(b.secret)
	if err != nil {
		return "", fmt.Errorf("balancer: sub-provider %s: %w", sub.ID, err)
	}
	return key, nil
}
