package domain

import (
	"testing"
	"time"
)

func TestProvider_CountersBalance(t *testing.T) {
	p := NewProvider("p1", "alpha", 10)

	for i := 0; i < 7; i++ {
		p.RecordSuccess(50 * time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		p.RecordError()
	}

	succ, errs, total := p.Counters()
	if succ != 7 || errs != 3 {
		t.Errorf("counters = (%d,%d), want (7,3)", succ, errs)
	}
	if succ+errs != total {
		t.Errorf("successCount+errorCount = %d, totalRequests = %d", succ+errs, total)
	}
}

func TestProvider_AvgLatencyRunningMean(t *testing.T) {
	p := NewProvider("p1", "alpha", 10)

	p.RecordSuccess(100 * time.Millisecond)
	p.RecordSuccess(300 * time.Millisecond)

	if got := p.AvgLatencyMs(); got != 200 {
		t.Errorf("avg latency = %f, want 200", got)
	}

	// Errors must not dilute the mean — it covers successes only.
	p.RecordError()
	if got := p.AvgLatencyMs(); got != 200 {
		t.Errorf("avg latency after error = %f, want 200", got)
	}
}

func TestProvider_HealthUnhealthyOnErrorStreak(t *testing.T) {
	p := NewProvider("p1", "alpha", 10)

	// Pad with successes so the rate alone doesn't trip unhealthy.
	for i := 0; i < 90; i++ {
		p.RecordSuccess(100 * time.Millisecond)
	}
	for i := 0; i < 9; i++ {
		p.RecordError()
	}
	if got := p.Health(); got != HealthDegraded {
		t.Errorf("health at 9 consecutive errors = %s, want degraded", got)
	}

	p.RecordError()
	if got := p.Health(); got != HealthUnhealthy {
		t.Errorf("health at 10 consecutive errors = %s, want unhealthy", got)
	}
}

func TestProvider_HealthUnhealthyOnLowRate(t *testing.T) {
	p := NewProvider("p1", "alpha", 10)

	p.RecordSuccess(100 * time.Millisecond)
	p.RecordError()
	p.RecordError()

	// rate 1/3 < 0.5.
	if got := p.Health(); got != HealthUnhealthy {
		t.Errorf("health = %s, want unhealthy", got)
	}
}

func TestProvider_HealthRecovery(t *testing.T) {
	p := NewProvider("p1", "alpha", 10)

	for i := 0; i < 5; i++ {
		p.RecordError()
	}
	if got := p.Health(); got != HealthUnhealthy {
		t.Fatalf("health = %s, want unhealthy", got)
	}

	// Enough successes to clear the streak and push the rate past 0.95.
	for i := 0; i < 100; i++ {
		p.RecordSuccess(100 * time.Millisecond)
	}
	if got := p.Health(); got != HealthHealthy {
		t.Errorf("health after recovery = %s, want healthy", got)
	}
}

func TestProvider_HealthUnchangedInMiddleBand(t *testing.T) {
	p := NewProvider("p1", "alpha", 10)

	// 9 successes + 1 error: rate 0.9, streak 1. No rule fires
	// (not ≥0.95 with streak 0, not <0.8, not ≥5 streak) → keeps prior state.
	for i := 0; i < 9; i++ {
		p.RecordSuccess(100 * time.Millisecond)
	}
	prior := p.Health()
	p.RecordError()
	if got := p.Health(); got != prior {
		t.Errorf("health = %s, want unchanged %s", got, prior)
	}
}

func TestProvider_HealthDegradedOnSlowLatency(t *testing.T) {
	p := NewProvider("p1", "alpha", 10)

	for i := 0; i < 10; i++ {
		p.RecordSuccess(6 * time.Second)
	}
	if got := p.Health(); got != HealthDegraded {
		t.Errorf("health with 6s avg latency = %s, want degraded", got)
	}
}

func TestProvider_LatencyPercentiles(t *testing.T) {
	p := NewProvider("p1", "alpha", 10)

	for i := 1; i <= 100; i++ {
		p.RecordSuccess(time.Duration(i*10) * time.Millisecond)
	}

	pct := p.LatencyPercentiles()
	// Samples are 10..1000ms; p50 interpolates around the middle.
	if pct.P50 < 490 || pct.P50 > 520 {
		t.Errorf("p50 = %f, want ≈505", pct.P50)
	}
	if pct.P95 < 940 || pct.P95 > 970 {
		t.Errorf("p95 = %f, want ≈955", pct.P95)
	}
	if pct.P99 <= pct.P95 {
		t.Errorf("p99 (%f) should exceed p95 (%f)", pct.P99, pct.P95)
	}
}

func TestProvider_PercentileRecalcThrottled(t *testing.T) {
	p := NewProvider("p1", "alpha", 10)

	p.RecordSuccess(100 * time.Millisecond)
	first := p.LatencyPercentiles()

	// New samples inside the throttle interval must not change the snapshot.
	p.RecordSuccess(900 * time.Millisecond)
	second := p.LatencyPercentiles()
	if first != second {
		t.Errorf("percentiles recomputed inside throttle window: %+v vs %+v", first, second)
	}

	// Expire the throttle and verify the snapshot refreshes.
	p.mu.Lock()
	p.metrics.lastCalc = time.Now().Add(-percentileRecalcInterval - time.Second)
	p.mu.Unlock()
	third := p.LatencyPercentiles()
	if third == first {
		t.Error("percentiles should refresh after the throttle interval")
	}
}

func TestProvider_LatencyRingBounded(t *testing.T) {
	p := NewProvider("p1", "alpha", 10)

	for i := 0; i < latencyRingCap+200; i++ {
		p.RecordSuccess(10 * time.Millisecond)
	}

	p.mu.Lock()
	n := len(p.metrics.latencyRing)
	p.mu.Unlock()
	if n > latencyRingCap {
		t.Errorf("latency ring holds %d samples, cap is %d", n, latencyRingCap)
	}
}

func TestProvider_SupportsModel(t *testing.T) {
	p := NewProvider("p1", "alpha", 10)
	p.SupportedModels["gpt-4o"] = struct{}{}

	if !p.SupportsModel("gpt-4o") {
		t.Error("should support gpt-4o")
	}
	if p.SupportsModel("claude-3-opus") {
		t.Error("should not support unlisted model")
	}
}
