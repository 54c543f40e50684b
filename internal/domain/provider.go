package domain

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Health is the derived operational state of a provider.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

const (
	// latencyRingCap bounds the latency history used for percentiles.
	latencyRingCap = 1000
	// latencyRingAge drops samples older than this from percentile input.
	latencyRingAge = 10 * time.Minute
	// percentileRecalcInterval throttles percentile recomputation.
	percentileRecalcInterval = 5 * time.Second
)

type latencySample struct {
	at time.Time
	ms float64
}

// Percentiles holds the latency distribution snapshot.
type Percentiles struct {
	P50 float64
	P95 float64
	P99 float64
}

// ProviderMetrics is the mutable counter block of a Provider. Guarded by the
// provider's mutex; read through snapshot accessors only.
type ProviderMetrics struct {
	SuccessCount      int64
	ErrorCount        int64
	TotalRequests     int64
	ConsecutiveErrors int
	AvgLatencyMs      float64

	latencyRing []latencySample
	percentiles Percentiles
	lastCalc    time.Time
}

// Provider is a logical upstream vendor with a pool of sub-providers.
// Configuration fields are immutable after load; the metrics block and the
// derived health mutate per attempt under mu.
type Provider struct {
	ID                string
	Name              string
	Priority          int
	IsActive          bool
	NeedsSubProviders bool
	SupportedModels   map[string]struct{}
	Timeout           time.Duration

	// CostPerKiloTokens maps model → credits per 1000 tokens.
	CostPerKiloTokens map[string]int64

	mu      sync.Mutex
	metrics ProviderMetrics
	health  Health
}

// NewProvider returns a Provider with healthy initial state.
func NewProvider(id, name string, priority int) *Provider {
	return &Provider{
		ID:              id,
		Name:            name,
		Priority:        priority,
		IsActive:        true,
		SupportedModels: make(map[string]struct{}),
		health:          HealthHealthy,
	}
}

// SupportsModel reports whether the provider serves model.
func (p *Provider) SupportsModel(model string) bool {
	_, ok := p.SupportedModels[model]
	return ok
}

// RecordSuccess folds one successful attempt into the metrics and
// re-derives health. The running latency mean uses the success count from
// before this update.
func (p *Provider) RecordSuccess(latency time.Duration) {
	ms := float64(latency.Milliseconds())

	p.mu.Lock()
	defer p.mu.Unlock()

	prevSuccesses := p.metrics.SuccessCount
	p.metrics.SuccessCount++
	p.metrics.TotalRequests++
	p.metrics.ConsecutiveErrors = 0

	if prevSuccesses == 0 {
		p.metrics.AvgLatencyMs = ms
	} else {
		p.metrics.AvgLatencyMs = (p.metrics.AvgLatencyMs*float64(prevSuccesses) + ms) / float64(prevSuccesses+1)
	}

	p.appendLatencyLocked(ms)
	p.deriveHealthLocked()
}

// RecordError folds one failed attempt into the metrics and re-derives health.
func (p *Provider) RecordError() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.ErrorCount++
	p.metrics.TotalRequests++
	p.metrics.ConsecutiveErrors++
	p.deriveHealthLocked()
}

// Health returns the current derived health.
func (p *Provider) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health
}

// SuccessRate returns successes/total, or 1.0 before any traffic.
func (p *Provider) SuccessRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.successRateLocked()
}

// AvgLatencyMs returns the running mean latency over successful requests.
func (p *Provider) AvgLatencyMs() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics.AvgLatencyMs
}

// Counters returns (successes, errors, total).
func (p *Provider) Counters() (int64, int64, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics.SuccessCount, p.metrics.ErrorCount, p.metrics.TotalRequests
}

// ConsecutiveErrors returns the current error streak.
func (p *Provider) ConsecutiveErrors() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics.ConsecutiveErrors
}

// LatencyPercentiles returns p50/p95/p99 over the bounded latency history.
// Recomputation is throttled to once per percentileRecalcInterval; callers
// in between get the cached snapshot.
func (p *Provider) LatencyPercentiles() Percentiles {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if now.Sub(p.metrics.lastCalc) < percentileRecalcInterval {
		return p.metrics.percentiles
	}
	p.metrics.lastCalc = now
	p.trimRingLocked(now)

	if len(p.metrics.latencyRing) == 0 {
		p.metrics.percentiles = Percentiles{}
		return p.metrics.percentiles
	}

	sorted := make([]float64, len(p.metrics.latencyRing))
	for i, s := range p.metrics.latencyRing {
		sorted[i] = s.ms
	}
	sort.Float64s(sorted)

	p.metrics.percentiles = Percentiles{
		P50: interpolate(sorted, 0.50),
		P95: interpolate(sorted, 0.95),
		P99: interpolate(sorted, 0.99),
	}
	return p.metrics.percentiles
}

func (p *Provider) successRateLocked() float64 {
	if p.metrics.TotalRequests == 0 {
		return 1.0
	}
	return float64(p.metrics.SuccessCount) / float64(p.metrics.TotalRequests)
}

// deriveHealthLocked applies the health rules in order of severity; when no
// rule matches the previous state is kept.
func (p *Provider) deriveHealthLocked() {
	rate := p.successRateLocked()
	cons := p.metrics.ConsecutiveErrors
	avg := p.metrics.AvgLatencyMs

	switch {
	case cons >= 10 || rate < 0.5:
		p.health = HealthUnhealthy
	case cons >= 5 || rate < 0.8 || avg > 5000:
		p.health = HealthDegraded
	case cons == 0 && rate >= 0.95 && avg <= 2000:
		p.health = HealthHealthy
	}
}

func (p *Provider) appendLatencyLocked(ms float64) {
	now := time.Now()
	p.metrics.latencyRing = append(p.metrics.latencyRing, latencySample{at: now, ms: ms})
	p.trimRingLocked(now)
}

func (p *Provider) trimRingLocked(now time.Time) {
	ring := p.metrics.latencyRing
	cutoff := now.Add(-latencyRingAge)
	i := 0
	for i < len(ring) && ring[i].at.Before(cutoff) {
		i++
	}
	ring = ring[i:]
	if len(ring) > latencyRingCap {
		ring = ring[len(ring)-latencyRingCap:]
	}
	p.metrics.latencyRing = ring
}

// interpolate returns the q-quantile of sorted using linear interpolation
// between adjacent samples.
func interpolate(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
