// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — Redis (tenants, provider pools, credit ledger)
//  2. initAdapters — vendor API clients
//  3. initServices — metrics, accounting pipeline, alerting
//  4. initGateway  — balancer, dispatcher, admission gate, HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/relaycore/ai-gateway/internal/accounting"
	"github.com/relaycore/ai-gateway/internal/adapters"
	"github.com/relaycore/ai-gateway/internal/balancer"
	"github.com/relaycore/ai-gateway/internal/config"
	"github.com/relaycore/ai-gateway/internal/dispatch"
	"github.com/relaycore/ai-gateway/internal/gate"
	"github.com/relaycore/ai-gateway/internal/metrics"
	"github.com/relaycore/ai-gateway/internal/notify"
	"github.com/relaycore/ai-gateway/internal/server"
	"github.com/relaycore/ai-gateway/internal/store"
)

// registryReloadInterval is how often the balancer re-reads providers and
// sub-providers from Redis, so pool edits land without a restart.
const registryReloadInterval = 30 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	rdb      *redis.Client
	users    *store.Users
	provRepo *store.Providers

	vendors map[string]adapters.Adapter

	prom      *metrics.Registry
	chSink    *accounting.ClickHouseSink // nil when accounting logs via slog
	writer    *accounting.Writer
	finalizer *accounting.Finalizer
	notifier  *notify.Discord

	bal    *balancer.Balancer
	disp   *dispatch.Dispatcher
	gate   *gate.Gate
	health *server.HealthChecker
	srv    *server.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"adapters", a.initAdapters},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the background workers, and blocks until
// ctx is cancelled or a worker fails. Resources are released on return.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("vendors", len(a.vendors)),
		slog.Int("providers", len(a.bal.Providers())),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Run(gctx, addr)
	})

	// Accounting writer drains its buffer and closes the sink on cancel.
	g.Go(func() error {
		return a.writer.Run(gctx)
	})

	g.Go(func() error {
		return a.notifier.Run(gctx)
	})

	g.Go(func() error {
		return a.reloadLoop(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	// The accounting sink is closed by the writer's drain on shutdown; only
	// close it here when Run never started the writer.
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// reloadLoop refreshes the provider registries until ctx is cancelled.
// SIGHUP forces an immediate reload between ticks.
func (a *App) reloadLoop(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	ticker := time.NewTicker(registryReloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-hup:
			a.log.Info("SIGHUP received, reloading provider registry")
		case <-ctx.Done():
			return nil
		}
		if err := a.bal.Reload(ctx); err != nil {
			a.log.Error("registry reload failed", slog.String("error", err.Error()))
		}
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
