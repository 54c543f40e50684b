package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaycore/ai-gateway/internal/accounting"
	"github.com/relaycore/ai-gateway/internal/adapters"
	"github.com/relaycore/ai-gateway/internal/balancer"
	"github.com/relaycore/ai-gateway/internal/dispatch"
	"github.com/relaycore/ai-gateway/internal/gate"
	"github.com/relaycore/ai-gateway/internal/metrics"
	"github.com/relaycore/ai-gateway/internal/notify"
	"github.com/relaycore/ai-gateway/internal/ratelimit"
	"github.com/relaycore/ai-gateway/internal/server"
	"github.com/relaycore/ai-gateway/internal/store"
)

// initInfra connects to Redis. Unlike the optional subsystems, Redis is
// load-bearing: tenants, provider pools and credit balances live there.
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := store.Connect(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.users = store.NewUsers(rdb)
	a.provRepo = store.NewProviders(rdb)
	a.log.Info("redis connected")

	return nil
}

// initAdapters builds the vendor client map. Adapters are constructed even
// without a fallback API key: sub-provider key pools supply per-request keys.
func (a *App) initAdapters(ctx context.Context) error {
	vendors := make(map[string]adapters.Adapter)

	var openaiOpts []adapters.OpenAIOption
	if a.cfg.OpenAI.BaseURL != "" {
		openaiOpts = append(openaiOpts, adapters.WithOpenAIBaseURL(a.cfg.OpenAI.BaseURL))
	}
	vendors["openai"] = adapters.NewOpenAI(a.cfg.OpenAI.APIKey, openaiOpts...)

	var anthropicOpts []adapters.AnthropicOption
	if a.cfg.Anthropic.BaseURL != "" {
		anthropicOpts = append(anthropicOpts, adapters.WithAnthropicBaseURL(a.cfg.Anthropic.BaseURL))
	}
	vendors["anthropic"] = adapters.NewAnthropic(a.cfg.Anthropic.APIKey, anthropicOpts...)

	var geminiOpts []adapters.GeminiOption
	if a.cfg.Gemini.BaseURL != "" {
		geminiOpts = append(geminiOpts, adapters.WithGeminiBaseURL(a.cfg.Gemini.BaseURL))
	}
	if g, err := adapters.NewGemini(ctx, a.cfg.Gemini.APIKey, geminiOpts...); err != nil {
		a.log.Warn("gemini adapter disabled", slog.String("error", err.Error()))
	} else {
		vendors["gemini"] = g
	}

	a.vendors = vendors

	names := make([]string, 0, len(vendors))
	for n := range vendors {
		names = append(names, n)
	}
	a.log.Info("vendor adapters loaded", slog.Any("vendors", names))

	return nil
}

// initServices creates the metrics registry, the accounting pipeline and the
// Discord alerter.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var sink accounting.Sink
	if a.cfg.ClickHouse.URL != "" {
		ch, err := accounting.NewClickHouseSink(ctx, a.cfg.ClickHouse.URL, a.cfg.ClickHouse.Table)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = ch
		sink = ch
		a.log.Info("accounting sink: clickhouse", slog.String("table", a.cfg.ClickHouse.Table))
	} else {
		sink = accounting.NewLogSink(a.log)
		a.log.Info("accounting sink: log (no CLICKHOUSE_URL configured)")
	}

	a.writer = accounting.NewWriter(accounting.WriterOptions{
		Sink:    sink,
		Metrics: a.prom,
		Log:     a.log,
	})

	a.notifier = notify.NewDiscord(a.cfg.DiscordWebhookURL, a.log)
	if a.notifier.Enabled() {
		a.log.Info("discord alerts enabled")
	}

	fin := accounting.FinalizerOptions{
		Users:   a.users,
		Writer:  a.writer,
		Metrics: a.prom,
		Log:     a.log,
	}
	if a.notifier.Enabled() {
		fin.OnOverrun = a.notifier.BillingOverrun
	}
	a.finalizer = accounting.NewFinalizer(fin)

	return nil
}

// initGateway wires the balancer, dispatcher, admission gate, health checker
// and HTTP server.
func (a *App) initGateway(ctx context.Context) error {
	a.bal = balancer.New(balancer.Options{
		Repo:             a.provRepo,
		Adapters:         a.vendors,
		EncryptionSecret: []byte(a.cfg.Auth.EncryptionSecret),
		Metrics:          a.prom,
		Log:              a.log,
	})
	if err := a.bal.Reload(ctx); err != nil {
		return fmt.Errorf("load provider registry: %w", err)
	}

	a.disp = dispatch.New(dispatch.Options{
		Balancer:    a.bal,
		MaxAttempts: a.cfg.Dispatch.MaxAttempts,
		Metrics:     a.prom,
		Log:         a.log,
	})

	a.gate = gate.New(a.users, ratelimit.NewUserLimiter(a.rdb), a.prom, a.log)

	if a.cfg.HealthCheckInterval > 0 {
		opts := server.HealthOptions{
			Adapters:   a.vendors,
			StoreReady: a.redisPinger(),
			Interval:   a.cfg.HealthCheckInterval,
		}
		if a.chSink != nil {
			opts.SinkReady = a.chSink.Ping
		}
		a.health = server.NewHealthChecker(a.baseCtx, opts)
	}

	srvOpts := server.Options{
		Users:          a.users,
		Gate:           a.gate,
		Balancer:       a.bal,
		Dispatcher:     a.disp,
		Finalizer:      a.finalizer,
		Metrics:        a.prom,
		Health:         a.health,
		Log:            a.log,
		KeySalt:        a.cfg.Auth.KeySalt,
		CORSOrigins:    a.cfg.CORSOrigins,
		RequestTimeout: a.cfg.Dispatch.RequestTimeout,
	}
	if a.notifier.Enabled() {
		srvOpts.Notify = a.notifier
	}
	a.srv = server.New(srvOpts)

	return nil
}

// redisPinger returns a probe function for the HealthChecker. Reuses the
// existing client — no new connections.
func (a *App) redisPinger() func(context.Context) error {
	return func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return a.rdb.Ping(pingCtx).Err()
	}
}
