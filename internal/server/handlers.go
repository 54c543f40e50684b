package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/relaycore/ai-gateway/internal/adapters"
	"github.com/relaycore/ai-gateway/internal/dispatch"
	"github.com/relaycore/ai-gateway/internal/domain"
	"github.com/relaycore/ai-gateway/internal/gate"
	"github.com/relaycore/ai-gateway/pkg/apierr"
)

func userFrom(ctx *fasthttp.RequestCtx) *domain.User {
	user, _ := ctx.UserValue("user").(*domain.User)
	return user
}

// served is the outcome of one admitted and dispatched request. cancel
// releases the dispatch context; non-streaming handlers call it on return,
// streaming handlers hand it to the stream writer.
type served struct {
	result    *dispatch.Result
	apiReq    *domain.ApiRequest
	user      *domain.User
	estTokens int
	cancel    context.CancelFunc
}

// serve runs the shared pipeline: estimate, admission, concurrency slot,
// dispatch. It writes the error response itself on any failure and returns
// ok=false.
func (s *Server) serve(ctx *fasthttp.RequestCtx, endpoint string, p parsed) (*served, bool) {
	user := userFrom(ctx)
	if user == nil {
		apierr.WriteInternal(ctx)
		return nil, false
	}

	if s.moderate != nil && s.moderate(p.req.Model, p.texts) {
		if s.notify != nil {
			s.notify.ContentFlagged(user.ID, p.req.Model)
		}
		apierr.Write(ctx, fasthttp.StatusForbidden,
			"request blocked by content policy", apierr.TypeInvalidRequest, apierr.CodeContentPolicy)
		return nil, false
	}

	estTokens := gate.EstimateTokens(p.texts, p.nonTextItems)
	estCredits := gate.EstimateCredits(estTokens, p.req.Model, s.costTableFor(p.req.Model))

	if err := s.gate.Admit(ctx, gate.Admission{
		User:       user,
		Model:      p.req.Model,
		Endpoint:   endpoint,
		ClientIP:   clientIP(ctx),
		EstCredits: estCredits,
	}); err != nil {
		var denial *gate.Denial
		if errors.As(err, &denial) {
			s.writeDenial(ctx, denial)
			return nil, false
		}
		s.log.Error("admission check failed", slog.String("error", err.Error()))
		apierr.WriteInternal(ctx)
		return nil, false
	}

	if !s.acquireSlot(user.ID, user.MaxConcurrent) {
		if s.metrics != nil {
			s.metrics.RecordAdmissionDenial("concurrency_limited")
		}
		apierr.WriteRateLimit(ctx, 1)
		return nil, false
	}
	defer s.releaseSlot(user.ID, user.MaxConcurrent)

	apiReq := domain.NewApiRequest(user.ID, endpoint, "POST", p.req.Model)
	if reqID, _ := ctx.UserValue("request_id").(string); reqID != "" {
		apiReq.ID = reqID
	}
	p.req.RequestID = apiReq.ID

	dctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	result, err := s.dispatcher.Dispatch(dctx, apiReq, p.req, estTokens)
	if err != nil {
		cancel()
		s.failRequest(ctx, apiReq, user, err)
		return nil, false
	}

	return &served{
		result:    result,
		apiReq:    apiReq,
		user:      user,
		estTokens: estTokens,
		cancel:    cancel,
	}, true
}

// failRequest records the terminal failure, hands it to accounting, and
// writes the error envelope.
func (s *Server) failRequest(ctx *fasthttp.RequestCtx, apiReq *domain.ApiRequest, user *domain.User, err error) {
	latencyMs := time.Since(apiReq.CreatedAt).Milliseconds()

	var de *dispatch.Error
	if !errors.As(err, &de) {
		de = &dispatch.Error{Kind: dispatch.KindInternal, StatusCode: 500, Message: "internal error"}
	}

	if de.Kind == dispatch.KindUpstreamTimeout {
		_ = apiReq.Timeout(latencyMs, apiReq.RetryCount)
	} else {
		_ = apiReq.Fail(de.HTTPStatus(), de.Message, latencyMs, apiReq.RetryCount)
	}
	s.finalize(apiReq, user)

	s.writeDispatchError(ctx, de)
}

// complete records the terminal success and hands it to accounting.
// Reported usage wins; the estimate covers vendors that return none.
func (s *Server) complete(sv *served, inputTokens, outputTokens, respBytes int) {
	tokens := inputTokens + outputTokens
	if tokens == 0 {
		tokens = sv.estTokens
	}
	credits := gate.EstimateCredits(tokens, sv.apiReq.Model, sv.result.Choice.Provider.CostPerKiloTokens)

	_ = sv.apiReq.Complete(tokens, credits, sv.result.Latency.Milliseconds(), respBytes,
		fasthttp.StatusOK, sv.result.Choice.Provider.ID, sv.result.Choice.SubID())

	if s.metrics != nil {
		s.metrics.AddTokens(sv.result.Choice.Provider.ID, sv.apiReq.Endpoint, inputTokens, outputTokens)
	}
	s.finalize(sv.apiReq, sv.user)
}

func (s *Server) finalize(apiReq *domain.ApiRequest, user *domain.User) {
	if s.finalizer == nil {
		return
	}
	// The response is already on the wire; accounting must not hold the
	// handler open.
	go s.finalizer.Finalize(context.Background(), apiReq, user)
}

// costTableFor returns the price table of the first active provider that
// serves model. Admission uses it for the estimate; the serving provider's
// own table prices the final debit.
func (s *Server) costTableFor(model string) map[string]int64 {
	for _, p := range s.balancer.Providers() {
		if p.IsActive && p.SupportsModel(model) && len(p.CostPerKiloTokens) > 0 {
			return p.CostPerKiloTokens
		}
	}
	return nil
}

func (s *Server) writeDenial(ctx *fasthttp.RequestCtx, d *gate.Denial) {
	switch d.Reason {
	case gate.ReasonInsufficientCredits:
		apierr.WriteInsufficientQuota(ctx, d.Message)
	case gate.ReasonRateLimited:
		secs := int(d.RetryAfter / time.Second)
		if d.RetryAfter%time.Second > 0 {
			secs++
		}
		apierr.WriteRateLimit(ctx, secs)
	default:
		apierr.WriteAuthorization(ctx, d.Message)
	}
}

func (s *Server) writeDispatchError(ctx *fasthttp.RequestCtx, de *dispatch.Error) {
	switch de.Kind {
	case dispatch.KindValidation:
		apierr.WriteValidation(ctx, de.Message)
	case dispatch.KindNotFound:
		apierr.WriteNotFound(ctx, de.Message)
	case dispatch.KindUpstreamTimeout:
		apierr.WriteTimeout(ctx)
	case dispatch.KindUpstreamRateLimited:
		apierr.WriteUpstreamRateLimit(ctx, int(de.RetryAfter/time.Second))
	case dispatch.KindUpstreamContentPolicy:
		apierr.Write(ctx, de.HTTPStatus(), de.Message,
			apierr.TypeInvalidRequest, apierr.CodeContentPolicy)
	case dispatch.KindUpstream5xx:
		apierr.WriteProviderError(ctx, de.HTTPStatus(), "upstream provider error")
	case dispatch.KindNoProviders, dispatch.KindCapacityExhausted:
		apierr.WriteProviderError(ctx, de.HTTPStatus(), de.Message)
	default:
		apierr.WriteInternal(ctx)
	}
}

// ── Chat and completions ─────────────────────────────────────────────────────

type (
	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChatChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundChatResponse struct {
		ID      string               `json:"id"`
		Object  string               `json:"object"`
		Created int64                `json:"created"`
		Model   string               `json:"model"`
		Choices []outboundChatChoice `json:"choices"`
		Usage   outboundUsage        `json:"usage"`
	}

	outboundTextChoice struct {
		Index        int    `json:"index"`
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	}

	outboundTextResponse struct {
		ID      string               `json:"id"`
		Object  string               `json:"object"`
		Created int64                `json:"created"`
		Model   string               `json:"model"`
		Choices []outboundTextChoice `json:"choices"`
		Usage   outboundUsage        `json:"usage"`
	}
)

func (s *Server) handleChat(ctx *fasthttp.RequestCtx) {
	p, err := parseChat(ctx)
	if err != nil {
		apierr.WriteValidation(ctx, err.Error())
		return
	}

	sv, ok := s.serve(ctx, adapters.EndpointChat, p)
	if !ok {
		return
	}
	resp := sv.result.Response

	if p.req.Stream && resp.Stream != nil {
		s.streamResponse(ctx, sv)
		return
	}
	defer sv.cancel()

	out := outboundChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChatChoice{{
			Message:      outboundMessage{Role: "assistant", Content: resp.Content},
			FinishReason: "stop",
		}},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	body := s.render(ctx, out)
	s.complete(sv, resp.Usage.InputTokens, resp.Usage.OutputTokens, len(body))
}

func (s *Server) handleCompletions(ctx *fasthttp.RequestCtx) {
	p, err := parseCompletions(ctx)
	if err != nil {
		apierr.WriteValidation(ctx, err.Error())
		return
	}

	sv, ok := s.serve(ctx, adapters.EndpointCompletions, p)
	if !ok {
		return
	}
	resp := sv.result.Response

	if p.req.Stream && resp.Stream != nil {
		s.streamResponse(ctx, sv)
		return
	}
	defer sv.cancel()

	out := outboundTextResponse{
		ID:      resp.ID,
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundTextChoice{{
			Text:         resp.Content,
			FinishReason: "stop",
		}},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	body := s.render(ctx, out)
	s.complete(sv, resp.Usage.InputTokens, resp.Usage.OutputTokens, len(body))
}

// streamResponse relays the adapter's chunk channel as Server-Sent Events.
// Output tokens are estimated from streamed characters because vendors do
// not report usage on every stream.
func (s *Server) streamResponse(ctx *fasthttp.RequestCtx, sv *served) {
	resp := sv.result.Response

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer sv.cancel()
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		var sb strings.Builder
		written := 0
		for chunk := range resp.Stream {
			sb.WriteString(chunk.Content)

			delta := map[string]any{
				"id":      resp.ID,
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"model":   resp.Model,
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": map[string]string{"content": chunk.Content},
						"finish_reason": func() any {
							if chunk.FinishReason != "" {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			data, _ := json.Marshal(delta)
			n, _ := fmt.Fprintf(w, "data: %s\n\n", data)
			written += n
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		outputTokens := sb.Len() / 4
		if outputTokens == 0 {
			outputTokens = 1
		}
		inputTokens := resp.Usage.InputTokens
		if inputTokens == 0 {
			inputTokens = sv.estTokens
		}
		s.complete(sv, inputTokens, outputTokens, written)
	})
}

// ── Embeddings and moderations ───────────────────────────────────────────────

type (
	outboundEmbeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	outboundEmbeddingResponse struct {
		Object string                  `json:"object"`
		Data   []outboundEmbeddingData `json:"data"`
		Model  string                  `json:"model"`
		Usage  struct {
			PromptTokens int `json:"prompt_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	}

	outboundModerationResult struct {
		Flagged bool `json:"flagged"`
	}

	outboundModerationResponse struct {
		ID      string                     `json:"id"`
		Model   string                     `json:"model"`
		Results []outboundModerationResult `json:"results"`
	}
)

func (s *Server) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	p, err := parseEmbeddings(ctx)
	if err != nil {
		apierr.WriteValidation(ctx, err.Error())
		return
	}

	sv, ok := s.serve(ctx, adapters.EndpointEmbeddings, p)
	if !ok {
		return
	}
	defer sv.cancel()
	resp := sv.result.Response

	out := outboundEmbeddingResponse{Object: "list", Model: resp.Model}
	out.Data = make([]outboundEmbeddingData, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		out.Data[i] = outboundEmbeddingData{
			Object:    "embedding",
			Index:     e.Index,
			Embedding: e.Values,
		}
	}
	out.Usage.PromptTokens = resp.Usage.InputTokens
	out.Usage.TotalTokens = resp.Usage.InputTokens

	body := s.render(ctx, out)
	s.complete(sv, resp.Usage.InputTokens, 0, len(body))
}

func (s *Server) handleModerations(ctx *fasthttp.RequestCtx) {
	p, err := parseModerations(ctx)
	if err != nil {
		apierr.WriteValidation(ctx, err.Error())
		return
	}

	sv, ok := s.serve(ctx, adapters.EndpointModerations, p)
	if !ok {
		return
	}
	defer sv.cancel()
	resp := sv.result.Response

	out := outboundModerationResponse{
		ID:      resp.ID,
		Model:   resp.Model,
		Results: []outboundModerationResult{{Flagged: resp.Flagged}},
	}

	body := s.render(ctx, out)
	s.complete(sv, resp.Usage.InputTokens, 0, len(body))

	if resp.Flagged && s.notify != nil {
		s.notify.ContentFlagged(sv.user.ID, sv.apiReq.Model)
	}
}

// ── Audio ────────────────────────────────────────────────────────────────────

func (s *Server) handleSpeech(ctx *fasthttp.RequestCtx) {
	p, err := parseSpeech(ctx)
	if err != nil {
		apierr.WriteValidation(ctx, err.Error())
		return
	}

	sv, ok := s.serve(ctx, adapters.EndpointSpeech, p)
	if !ok {
		return
	}
	defer sv.cancel()
	resp := sv.result.Response

	ctx.SetContentType(audioContentType(p.req.AudioFormat))
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(resp.Audio)

	s.complete(sv, resp.Usage.InputTokens, resp.Usage.OutputTokens, len(resp.Audio))
}

func (s *Server) handleTranscriptions(ctx *fasthttp.RequestCtx) {
	p, err := parseTranscriptions(ctx)
	if err != nil {
		apierr.WriteValidation(ctx, err.Error())
		return
	}

	sv, ok := s.serve(ctx, adapters.EndpointTranscriptions, p)
	if !ok {
		return
	}
	defer sv.cancel()
	resp := sv.result.Response

	body := s.render(ctx, map[string]string{"text": resp.Content})
	s.complete(sv, resp.Usage.InputTokens, resp.Usage.OutputTokens, len(body))
}

func audioContentType(format string) string {
	switch format {
	case "opus":
		return "audio/opus"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	case "wav":
		return "audio/wav"
	case "pcm":
		return "audio/pcm"
	default:
		return "audio/mpeg"
	}
}

// ── Images ───────────────────────────────────────────────────────────────────

type (
	outboundImageData struct {
		URL     string `json:"url,omitempty"`
		B64JSON string `json:"b64_json,omitempty"`
	}

	outboundImageResponse struct {
		Created int64               `json:"created"`
		Data    []outboundImageData `json:"data"`
	}
)

func (s *Server) handleImages(ctx *fasthttp.RequestCtx) {
	s.serveImages(ctx, adapters.EndpointImages, parseImages)
}

func (s *Server) handleImageEdits(ctx *fasthttp.RequestCtx) {
	s.serveImages(ctx, adapters.EndpointImageEdits, parseImageEdits)
}

func (s *Server) serveImages(ctx *fasthttp.RequestCtx, endpoint string, parse func(*fasthttp.RequestCtx) (parsed, error)) {
	p, err := parse(ctx)
	if err != nil {
		apierr.WriteValidation(ctx, err.Error())
		return
	}

	sv, ok := s.serve(ctx, endpoint, p)
	if !ok {
		return
	}
	defer sv.cancel()
	resp := sv.result.Response

	out := outboundImageResponse{Created: time.Now().Unix()}
	out.Data = make([]outboundImageData, len(resp.Images))
	for i, img := range resp.Images {
		out.Data[i] = outboundImageData{URL: img.URL, B64JSON: img.B64}
	}

	body := s.render(ctx, out)
	s.complete(sv, resp.Usage.InputTokens, resp.Usage.OutputTokens, len(body))
}

// render marshals v, writes it as the 200 response, and returns the body
// for byte accounting.
func (s *Server) render(ctx *fasthttp.RequestCtx, v any) []byte {
	body, err := json.Marshal(v)
	if err != nil {
		apierr.WriteInternal(ctx)
		return nil
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	return body
}
