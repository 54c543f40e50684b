package domain

import (
	"sync"
	"time"
)

// CircuitState is the tri-state failure isolator of a sub-provider.
//
//	CircuitClosed   — normal operation.
//	CircuitOpen     — failing; rejected at selection until the cooldown ends.
//	CircuitHalfOpen — cooldown elapsed; one probe request is admitted.
type CircuitState int

const (
	CircuitClosed   CircuitState = 0
	CircuitOpen     CircuitState = 1
	CircuitHalfOpen CircuitState = 2
)

// Label returns the metrics/log label for the state.
func (s CircuitState) Label() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	// breakerTripThreshold is the consecutive-error count that opens the circuit.
	breakerTripThreshold = 5
	// breakerOpenCooldown is how long the circuit stays open before a probe.
	breakerOpenCooldown = 60 * time.Second
	// windowSpan is the sliding-window horizon for RPM/TPM accounting.
	windowSpan = 60 * time.Second
	// healthyScoreFloor is the minimum health score for selection eligibility.
	healthyScoreFloor = 0.7
)

// SubLimits holds the capacity ceilings of a sub-provider. Zero means
// unlimited for that dimension.
type SubLimits struct {
	MaxRPM        int
	MaxTPM        int
	MaxConcurrent int
}

// windowBucket is one minute-keyed accumulator in a sliding window.
type windowBucket struct {
	minute int64 // floor(unixMilli / 60000)
	count  int64
}

// SubProvider is a concrete upstream account with its own key pool, rate
// limits, and circuit breaker. It back-references its Provider by id only.
//
// A single mutex guards the windows, the concurrency counter, and the
// breaker; every reservation, release, and record operation takes it
// briefly. All time-dependent methods accept an explicit now so tests can
// drive the clock.
type SubProvider struct {
	ID         string
	ProviderID string
	Enabled    bool
	Priority   int
	Weight     int

	// APIKeys maps key name → encrypted key record.
	APIKeys map[string]KeyRecord

	// ModelMapping translates gateway model names to upstream ones.
	ModelMapping map[string]string

	Limits SubLimits

	mu                sync.Mutex
	requestWindow     []windowBucket
	tokenWindow       []windowBucket
	currentConcurrent int

	successCount      int64
	totalCount        int64
	consecutiveErrors int
	avgLatencyMs      float64

	circuit       CircuitState
	openedAt      time.Time
	probeInFlight bool

	lastUsedAt time.Time
}

// NewSubProvider returns an enabled sub-provider with a closed circuit.
func NewSubProvider(id, providerID string, weight int, limits SubLimits) *SubProvider {
	if weight <= 0 {
		weight = 1
	}
	return &SubProvider{
		ID:           id,
		ProviderID:   providerID,
		Enabled:      true,
		Weight:       weight,
		Limits:       limits,
		APIKeys:      make(map[string]KeyRecord),
		ModelMapping: make(map[string]string),
	}
}

// Reserve attempts a compare-and-commit capacity claim for one request with
// estTokens estimated tokens. On success the caller must pair it with
// exactly one Release on every termination path.
func (s *SubProvider) Reserve(estTokens int, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trimWindowsLocked(now)

	if s.Limits.MaxRPM > 0 && s.windowSumLocked(s.requestWindow)+1 > int64(s.Limits.MaxRPM) {
		return false
	}
	if s.Limits.MaxTPM > 0 && s.windowSumLocked(s.tokenWindow)+int64(estTokens) > int64(s.Limits.MaxTPM) {
		return false
	}
	if s.Limits.MaxConcurrent > 0 && s.currentConcurrent+1 > s.Limits.MaxConcurrent {
		return false
	}

	minute := now.UnixMilli() / 60_000
	s.requestWindow = appendBucket(s.requestWindow, minute, 1)
	s.tokenWindow = appendBucket(s.tokenWindow, minute, int64(estTokens))
	s.currentConcurrent++
	return true
}

// Release returns one unit of concurrency, clamped at zero.
func (s *SubProvider) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentConcurrent > 0 {
		s.currentConcurrent--
	}
}

// WouldExceedLimits reports whether a reservation for estTokens would fail
// right now. Used by the selector to skip saturated sub-providers without
// committing capacity.
func (s *SubProvider) WouldExceedLimits(estTokens int, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trimWindowsLocked(now)

	if s.Limits.MaxRPM > 0 && s.windowSumLocked(s.requestWindow)+1 > int64(s.Limits.MaxRPM) {
		return true
	}
	if s.Limits.MaxTPM > 0 && s.windowSumLocked(s.tokenWindow)+int64(estTokens) > int64(s.Limits.MaxTPM) {
		return true
	}
	return false
}

// ConcurrencyLimited reports whether the concurrency ceiling is reached.
func (s *SubProvider) ConcurrencyLimited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Limits.MaxConcurrent > 0 && s.currentConcurrent >= s.Limits.MaxConcurrent
}

// Admit reports whether the circuit admits a request at now and performs the
// open → half-open transition when the cooldown has elapsed. In half-open
// exactly one probe is admitted at a time.
func (s *SubProvider) Admit(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.circuit {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if now.Sub(s.openedAt) >= breakerOpenCooldown {
			s.circuit = CircuitHalfOpen
			s.probeInFlight = true
			return true
		}
		return false
	case CircuitHalfOpen:
		if s.probeInFlight {
			return false
		}
		s.probeInFlight = true
		return true
	}
	return true
}

// ProbeEligible reports, without transitioning state, whether Admit would
// grant a probe at now: the open cooldown has elapsed, or the circuit is
// half-open with no probe in flight.
func (s *SubProvider) ProbeEligible(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.circuit {
	case CircuitOpen:
		return now.Sub(s.openedAt) >= breakerOpenCooldown
	case CircuitHalfOpen:
		return !s.probeInFlight
	}
	return false
}

// CancelProbe releases a claimed half-open probe slot without recording an
// outcome. Used when the probe never reached the upstream.
func (s *SubProvider) CancelProbe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.circuit == CircuitHalfOpen {
		s.probeInFlight = false
	}
}

// RecordSuccess folds one successful attempt: closes the breaker from any
// state, resets the error streak, and updates the latency mean and last-used
// timestamp.
func (s *SubProvider) RecordSuccess(latency time.Duration, now time.Time) {
	ms := float64(latency.Milliseconds())

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.successCount
	s.successCount++
	s.totalCount++
	s.consecutiveErrors = 0
	s.circuit = CircuitClosed
	s.probeInFlight = false

	if prev == 0 {
		s.avgLatencyMs = ms
	} else {
		s.avgLatencyMs = (s.avgLatencyMs*float64(prev) + ms) / float64(prev+1)
	}
	s.lastUsedAt = now
}

// RecordError folds one failed attempt: increments the error streak, trips
// the breaker at the threshold, and re-opens a half-open circuit.
func (s *SubProvider) RecordError(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalCount++
	s.consecutiveErrors++
	s.lastUsedAt = now

	switch s.circuit {
	case CircuitHalfOpen:
		s.circuit = CircuitOpen
		s.openedAt = now
		s.probeInFlight = false
	case CircuitClosed:
		if s.consecutiveErrors >= breakerTripThreshold {
			s.circuit = CircuitOpen
			s.openedAt = now
		}
	}
}

// HealthScore derives the 0..1 score from the success rate, error streak,
// and latency mean.
func (s *SubProvider) HealthScore() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthScoreLocked()
}

// Healthy reports selection eligibility: score above the floor, circuit
// closed, and error streak under the trip threshold.
func (s *SubProvider) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthScoreLocked() > healthyScoreFloor &&
		s.circuit == CircuitClosed &&
		s.consecutiveErrors < breakerTripThreshold
}

// Circuit returns the breaker state without transitioning it.
func (s *SubProvider) Circuit() CircuitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.circuit
}

// CurrentConcurrent returns the in-flight reservation count.
func (s *SubProvider) CurrentConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentConcurrent
}

// LastUsedAt returns the timestamp of the most recent recorded attempt.
func (s *SubProvider) LastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedAt
}

// CurrentRPM returns the request count inside the sliding window.
func (s *SubProvider) CurrentRPM(now time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trimWindowsLocked(now)
	return s.windowSumLocked(s.requestWindow)
}

// CurrentTPM returns the token count inside the sliding window.
func (s *SubProvider) CurrentTPM(now time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trimWindowsLocked(now)
	return s.windowSumLocked(s.tokenWindow)
}

// UpstreamModel translates a gateway model name through ModelMapping,
// passing unknown names through unchanged.
func (s *SubProvider) UpstreamModel(model string) string {
	if mapped, ok := s.ModelMapping[model]; ok {
		return mapped
	}
	return model
}

func (s *SubProvider) healthScoreLocked() float64 {
	rate := 1.0
	if s.totalCount > 0 {
		rate = float64(s.successCount) / float64(s.totalCount)
	}

	score := rate
	penalty := float64(s.consecutiveErrors) * 0.1
	if penalty > 0.5 {
		penalty = 0.5
	}
	score -= penalty
	if s.avgLatencyMs > 1000 {
		score -= (s.avgLatencyMs - 1000) / 10000
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// trimWindowsLocked drops buckets whose minute lies entirely outside the
// 60 s horizon.
func (s *SubProvider) trimWindowsLocked(now time.Time) {
	cutoff := (now.UnixMilli() - windowSpan.Milliseconds()) / 60_000
	s.requestWindow = trimBuckets(s.requestWindow, cutoff)
	s.tokenWindow = trimBuckets(s.tokenWindow, cutoff)
}

func (s *SubProvider) windowSumLocked(w []windowBucket) int64 {
	var sum int64
	for _, b := range w {
		sum += b.count
	}
	return sum
}

func appendBucket(w []windowBucket, minute, n int64) []windowBucket {
	if len(w) > 0 && w[len(w)-1].minute == minute {
		w[len(w)-1].count += n
		return w
	}
	return append(w, windowBucket{minute: minute, count: n})
}

func trimBuckets(w []windowBucket, cutoff int64) []windowBucket {
	i := 0
	for i < len(w) && w[i].minute < cutoff {
		i++
	}
	return w[i:]
}
