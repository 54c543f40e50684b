package server

import (
	"context"
	"sync"
	"time"

	"github.com/relaycore/ai-gateway/internal/adapters"
)

const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes against the vendor adapters, the
// Redis store, and the accounting sink, and exposes the latest results to
// GET /health and /readiness.
type HealthChecker struct {
	adapters   map[string]adapters.Adapter
	storeReady func(context.Context) error
	sinkReady  func(context.Context) error
	baseCtx    context.Context
	interval   time.Duration

	adapterStatuses map[string]*componentStatus
	storeStatus     componentStatus
	sinkStatus      componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// HealthOptions configures a HealthChecker. StoreReady and SinkReady may
// be nil for components that are not configured.
type HealthOptions struct {
	Adapters   map[string]adapters.Adapter
	StoreReady func(context.Context) error
	SinkReady  func(context.Context) error
	Interval   time.Duration
}

// NewHealthChecker creates a HealthChecker and immediately starts
// background probes.
func NewHealthChecker(ctx context.Context, opts HealthOptions) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	hc := &HealthChecker{
		adapters:        opts.Adapters,
		storeReady:      opts.StoreReady,
		sinkReady:       opts.SinkReady,
		baseCtx:         ctx,
		interval:        interval,
		adapterStatuses: make(map[string]*componentStatus),
		startTime:       time.Now(),
		done:            make(chan struct{}),
	}

	for name := range opts.Adapters {
		hc.adapterStatuses[name] = &componentStatus{status: "unknown"}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the GET /health response body.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Vendors       map[string]string `json:"vendors"`
	Store         string            `json:"store"`
	Accounting    string            `json:"accounting"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	vendors := make(map[string]string, len(hc.adapterStatuses))
	for name, s := range hc.adapterStatuses {
		st := s.get()
		vendors[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	store := hc.storeStatus.get()
	if store == "down" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Vendors:       vendors,
		Store:         store,
		Accounting:    hc.sinkStatus.get(),
	}
}

// ReadinessOK reports whether the store is reachable. Vendor outages
// degrade health but do not flip readiness: the gateway can still serve
// whatever vendors remain.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.storeStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for name, ad := range hc.adapters {
		name, ad := name, ad
		s := hc.adapterStatuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ad.HealthCheck(ctx); err != nil {
				s.set("degraded")
			} else {
				s.set("ok")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.storeReady == nil {
			hc.storeStatus.set("ok")
		} else if err := hc.storeReady(ctx); err != nil {
			hc.storeStatus.set("down")
		} else {
			hc.storeStatus.set("ok")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.sinkReady == nil {
			hc.sinkStatus.set("ok")
		} else if err := hc.sinkReady(ctx); err != nil {
			hc.sinkStatus.set("degraded")
		} else {
			hc.sinkStatus.set("ok")
		}
	}()

	wg.Wait()
}
