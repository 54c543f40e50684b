// Package server is the HTTP boundary of the gateway: it authenticates the
// caller, runs the admission gate, hands the request to the dispatcher, and
// renders OpenAI-compatible responses. Everything below this package speaks
// normalized types; nothing below it touches fasthttp.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/relaycore/ai-gateway/internal/accounting"
	"github.com/relaycore/ai-gateway/internal/adapters"
	"github.com/relaycore/ai-gateway/internal/balancer"
	"github.com/relaycore/ai-gateway/internal/dispatch"
	"github.com/relaycore/ai-gateway/internal/gate"
	"github.com/relaycore/ai-gateway/internal/metrics"
	"github.com/relaycore/ai-gateway/internal/store"
	"github.com/relaycore/ai-gateway/pkg/apierr"
)

// Notifier receives operational alerts. Nil disables alerting.
type Notifier interface {
	BillingOverrun(userID string, overrun int64)
	ContentFlagged(userID, model string)
}

// Options wires the Server's collaborators. Metrics, Notify, and Health
// may be nil.
type Options struct {
	Users          *store.Users
	Gate           *gate.Gate
	Balancer       *balancer.Balancer
	Dispatcher     *dispatch.Dispatcher
	Finalizer      *accounting.Finalizer
	Metrics        *metrics.Registry
	Notify         Notifier
	Health         *HealthChecker
	Log            *slog.Logger
	KeySalt        string
	CORSOrigins    []string
	RequestTimeout time.Duration

	// Moderate blocks a request before admission when it returns true.
	// Nil disables the inbound content check.
	Moderate func(model string, texts []string) bool
}

// Server owns the fasthttp listener and the route table.
type Server struct {
	users      *store.Users
	gate       *gate.Gate
	balancer   *balancer.Balancer
	dispatcher *dispatch.Dispatcher
	finalizer  *accounting.Finalizer
	metrics    *metrics.Registry
	notify     Notifier
	health     *HealthChecker
	log        *slog.Logger

	keySalt        string
	corsOrigins    []string
	requestTimeout time.Duration
	moderate       func(model string, texts []string) bool

	// Per-user in-flight counters for the plan concurrency cap.
	inflightMu sync.Mutex
	inflight   map[string]int

	srv *fasthttp.Server
}

func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 120 * time.Second
	}
	return &Server{
		users:          opts.Users,
		gate:           opts.Gate,
		balancer:       opts.Balancer,
		dispatcher:     opts.Dispatcher,
		finalizer:      opts.Finalizer,
		metrics:        opts.Metrics,
		notify:         opts.Notify,
		health:         opts.Health,
		log:            log,
		keySalt:        opts.KeySalt,
		corsOrigins:    opts.CORSOrigins,
		requestTimeout: requestTimeout,
		moderate:       opts.Moderate,
		inflight:       make(map[string]int),
	}
}

// Handler builds the full route table with the middleware pipeline applied.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	post := func(path, route string, h fasthttp.RequestHandler) {
		r.POST(path, s.instrument(route, s.authenticate(h)))
	}

	post(adapters.EndpointChat, "chat_completions", s.handleChat)
	post(adapters.EndpointCompletions, "completions", s.handleCompletions)
	post(adapters.EndpointEmbeddings, "embeddings", s.handleEmbeddings)
	post(adapters.EndpointModerations, "moderations", s.handleModerations)
	post(adapters.EndpointSpeech, "audio_speech", s.handleSpeech)
	post(adapters.EndpointTranscriptions, "audio_transcriptions", s.handleTranscriptions)
	post(adapters.EndpointImages, "images_generations", s.handleImages)
	post(adapters.EndpointImageEdits, "images_edits", s.handleImageEdits)

	r.GET("/v1/models", s.instrument("models", s.authenticate(s.handleModels)))

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// Run serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.srv = &fasthttp.Server{
		Handler:            s.Handler(),
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       s.requestTimeout + 30*time.Second,
		MaxRequestBodySize: maxUploadBytes + (1 << 20),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe(addr) }()

	s.log.Info("gateway listening", slog.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if err := s.srv.Shutdown(); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, s.health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleModels lists the models the caller's plan can reach across all
// active providers.
func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	user := userFrom(ctx)
	if user == nil {
		apierr.WriteInternal(ctx)
		return
	}

	seen := make(map[string]string)
	for _, p := range s.balancer.Providers() {
		if !p.IsActive {
			continue
		}
		for model := range p.SupportedModels {
			if !user.ModelAllowed(model) {
				continue
			}
			if _, ok := seen[model]; !ok {
				seen[model] = p.Name
			}
		}
	}

	out := modelList{Object: "list", Data: make([]modelEntry, 0, len(seen))}
	for model, owner := range seen {
		out.Data = append(out.Data, modelEntry{ID: model, Object: "model", OwnedBy: owner})
	}
	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].ID < out.Data[j].ID })

	writeJSON(ctx, out)
}

// acquireSlot takes one unit of the user's concurrency cap. Returns false
// when the cap is already reached.
func (s *Server) acquireSlot(userID string, maxConcurrent int) bool {
	if maxConcurrent <= 0 {
		return true
	}
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflight[userID] >= maxConcurrent {
		return false
	}
	s.inflight[userID]++
	return true
}

func (s *Server) releaseSlot(userID string, maxConcurrent int) {
	if maxConcurrent <= 0 {
		return
	}
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflight[userID] > 1 {
		s.inflight[userID]--
	} else {
		delete(s.inflight, userID)
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
