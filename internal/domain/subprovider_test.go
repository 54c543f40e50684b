package domain

import (
	"sync"
	"testing"
	"time"
)

func newTestSub(limits SubLimits) *SubProvider {
	return NewSubProvider("sub-1", "prov-1", 1, limits)
}

func TestSubProvider_ReserveWithinLimits(t *testing.T) {
	s := newTestSub(SubLimits{MaxRPM: 2, MaxTPM: 1000, MaxConcurrent: 2})
	now := time.Now()

	if !s.Reserve(100, now) {
		t.Fatal("first reservation should succeed")
	}
	if !s.Reserve(100, now) {
		t.Fatal("second reservation should succeed")
	}
	if s.Reserve(100, now) {
		t.Error("third reservation should fail on RPM limit")
	}
}

func TestSubProvider_ReserveTPMLimit(t *testing.T) {
	s := newTestSub(SubLimits{MaxTPM: 500})
	now := time.Now()

	if !s.Reserve(400, now) {
		t.Fatal("reservation within TPM should succeed")
	}
	if s.Reserve(200, now) {
		t.Error("reservation exceeding TPM should fail")
	}
	if !s.Reserve(100, now) {
		t.Error("reservation filling TPM exactly should succeed")
	}
}

func TestSubProvider_ReserveConcurrencyLimit(t *testing.T) {
	s := newTestSub(SubLimits{MaxConcurrent: 1})
	now := time.Now()

	if !s.Reserve(10, now) {
		t.Fatal("first reservation should succeed")
	}
	if s.Reserve(10, now) {
		t.Error("second concurrent reservation should fail")
	}

	s.Release()
	if !s.Reserve(10, now) {
		t.Error("reservation after release should succeed")
	}
}

func TestSubProvider_ReleaseClampsAtZero(t *testing.T) {
	s := newTestSub(SubLimits{})
	s.Release()
	s.Release()
	if got := s.CurrentConcurrent(); got != 0 {
		t.Errorf("currentConcurrent = %d, want 0", got)
	}
}

func TestSubProvider_WindowExpiry(t *testing.T) {
	s := newTestSub(SubLimits{MaxRPM: 1})
	now := time.Now()

	if !s.Reserve(10, now) {
		t.Fatal("first reservation should succeed")
	}
	if s.Reserve(10, now) {
		t.Fatal("second reservation in same window should fail")
	}

	// Two minutes later the old bucket must be gone.
	later := now.Add(2 * time.Minute)
	if got := s.CurrentRPM(later); got != 0 {
		t.Errorf("window should be empty after expiry, got %d", got)
	}
	if !s.Reserve(10, later) {
		t.Error("reservation after window expiry should succeed")
	}
}

func TestSubProvider_ConcurrentReservations(t *testing.T) {
	s := newTestSub(SubLimits{MaxConcurrent: 1})
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Reserve(10, now) {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 1 {
		t.Errorf("granted = %d, want exactly 1", granted)
	}
	if got := s.CurrentConcurrent(); got != 1 {
		t.Errorf("currentConcurrent = %d, want 1", got)
	}
}

func TestSubProvider_BreakerTripsAfterThreshold(t *testing.T) {
	s := newTestSub(SubLimits{})
	now := time.Now()

	for i := 0; i < breakerTripThreshold-1; i++ {
		s.RecordError(now)
		if s.Circuit() != CircuitClosed {
			t.Fatalf("circuit should stay closed before threshold, error %d", i+1)
		}
	}

	s.RecordError(now)
	if s.Circuit() != CircuitOpen {
		t.Error("circuit should open at the trip threshold")
	}
	if s.Admit(now) {
		t.Error("open circuit should reject requests")
	}
}

func TestSubProvider_BreakerHalfOpenProbe(t *testing.T) {
	s := newTestSub(SubLimits{})
	now := time.Now()

	for i := 0; i < breakerTripThreshold; i++ {
		s.RecordError(now)
	}

	// Before the cooldown: rejected.
	if s.Admit(now.Add(breakerOpenCooldown - time.Second)) {
		t.Error("should reject before cooldown elapses")
	}

	// After the cooldown: exactly one probe.
	probeTime := now.Add(breakerOpenCooldown + time.Second)
	if !s.Admit(probeTime) {
		t.Fatal("should admit one probe after cooldown")
	}
	if s.Circuit() != CircuitHalfOpen {
		t.Errorf("circuit = %s, want half_open", s.Circuit().Label())
	}
	if s.Admit(probeTime) {
		t.Error("should reject a second request while probe is in flight")
	}
}

func TestSubProvider_HalfOpenSuccessCloses(t *testing.T) {
	s := newTestSub(SubLimits{})
	now := time.Now()

	for i := 0; i < breakerTripThreshold; i++ {
		s.RecordError(now)
	}
	probeTime := now.Add(breakerOpenCooldown + time.Second)
	s.Admit(probeTime)

	s.RecordSuccess(100*time.Millisecond, probeTime)

	if s.Circuit() != CircuitClosed {
		t.Error("success in half-open should close the circuit")
	}
	if got := s.consecutiveErrors; got != 0 {
		t.Errorf("consecutiveErrors = %d, want 0 after close", got)
	}
	if !s.Admit(probeTime) {
		t.Error("closed circuit should admit requests")
	}
}

func TestSubProvider_HalfOpenFailureReopens(t *testing.T) {
	s := newTestSub(SubLimits{})
	now := time.Now()

	for i := 0; i < breakerTripThreshold; i++ {
		s.RecordError(now)
	}
	probeTime := now.Add(breakerOpenCooldown + time.Second)
	s.Admit(probeTime)

	s.RecordError(probeTime)

	if s.Circuit() != CircuitOpen {
		t.Error("failure in half-open should reopen the circuit")
	}
	// Cooldown restarts from the reopen.
	if s.Admit(probeTime.Add(time.Second)) {
		t.Error("reopened circuit should reject inside the new cooldown")
	}
	if !s.Admit(probeTime.Add(breakerOpenCooldown + time.Second)) {
		t.Error("reopened circuit should admit a probe after the new cooldown")
	}
}

func TestSubProvider_HealthScore(t *testing.T) {
	s := newTestSub(SubLimits{})
	now := time.Now()

	// Fresh sub-provider: perfect score.
	if got := s.HealthScore(); got != 1.0 {
		t.Errorf("fresh score = %f, want 1.0", got)
	}

	// Three consecutive errors: rate 0, penalty capped — score 0.
	for i := 0; i < 3; i++ {
		s.RecordError(now)
	}
	if got := s.HealthScore(); got != 0 {
		t.Errorf("score after 3 straight errors = %f, want 0", got)
	}

	// Recovery: successes pull the rate and streak back.
	for i := 0; i < 27; i++ {
		s.RecordSuccess(100*time.Millisecond, now)
	}
	got := s.HealthScore()
	if got <= healthyScoreFloor {
		t.Errorf("score after recovery = %f, want > %f", got, healthyScoreFloor)
	}
	if !s.Healthy() {
		t.Error("recovered sub-provider should report healthy")
	}
}

func TestSubProvider_HealthScoreLatencyPenalty(t *testing.T) {
	s := newTestSub(SubLimits{})
	now := time.Now()

	s.RecordSuccess(6*time.Second, now)

	// rate 1.0, no streak, latency 6000ms → penalty (6000-1000)/10000 = 0.5.
	got := s.HealthScore()
	if got < 0.49 || got > 0.51 {
		t.Errorf("score = %f, want ≈0.5", got)
	}
	if s.Healthy() {
		t.Error("slow sub-provider should not report healthy")
	}
}

func TestSubProvider_UpstreamModel(t *testing.T) {
	s := newTestSub(SubLimits{})
	s.ModelMapping["gpt-4o"] = "gpt-4o-2024-11-20"

	if got := s.UpstreamModel("gpt-4o"); got != "gpt-4o-2024-11-20" {
		t.Errorf("mapped model = %s", got)
	}
	if got := s.UpstreamModel("unmapped"); got != "unmapped" {
		t.Errorf("unmapped model should pass through, got %s", got)
	}
}
