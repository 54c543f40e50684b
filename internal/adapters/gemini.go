package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

const geminiName = "gemini"

// Gemini implements Adapter over the official GenAI SDK. Chat and
// embeddings are supported.
type Gemini struct {
	apiKey     string
	baseURL    string
	client     *genai.Client
	httpClient *http.Client
}

// GeminiOption configures a Gemini adapter.
type GeminiOption func(*Gemini)

// WithGeminiBaseURL overrides the API base URL (useful for testing).
func WithGeminiBaseURL(u string) GeminiOption {
	return func(a *Gemini) { a.baseURL = u }
}

// NewGemini creates a new Gemini adapter. Returns an error when the SDK
// client cannot be constructed.
func NewGemini(ctx context.Context, apiKey string, opts ...GeminiOption) (*Gemini, error) {
	a := &Gemini{apiKey: apiKey}
	for _, o := range opts {
		o(a)
	}
	a.httpClient = &http.Client{Timeout: defaultTimeout}

	cfg := &genai.ClientConfig{
		APIKey:     a.apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: a.httpClient,
	}
	if a.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: a.baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	a.client = client
	return a, nil
}

func (a *Gemini) Name() string { return geminiName }

func (a *Gemini) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", a.toError(err))
	}
	return nil
}

func (a *Gemini) Invoke(ctx context.Context, endpoint string, req *Request) (*Response, error) {
	client, err := a.clientForKey(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}

	switch endpoint {
	case EndpointChat:
		return a.chat(ctx, client, req)
	case EndpointEmbeddings:
		return a.embed(ctx, client, req)
	}
	return nil, unsupported(geminiName, endpoint)
}

func (a *Gemini) chat(ctx context.Context, client *genai.Client, req *Request) (*Response, error) {
	contents, cfg := buildGeminiContents(req)

	if req.Stream {
		return a.chatStreaming(ctx, client, req.Model, contents, cfg)
	}

	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, a.toError(err)
	}

	id := req.RequestID
	if resp != nil && resp.ResponseID != "" {
		id = resp.ResponseID
	}

	out := ""
	if resp != nil {
		out = resp.Text()
	}

	var inTok, outTok int
	if resp != nil && resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &Response{
		ID:      id,
		Model:   req.Model,
		Content: out,
		Usage:   Usage{InputTokens: inTok, OutputTokens: outTok},
	}, nil
}

func (a *Gemini) chatStreaming(
	ctx context.Context,
	client *genai.Client,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*Response, error) {
	ch := make(chan StreamChunk, 64)

	go func() {
		defer close(ch)

		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- StreamChunk{
					Content:      fmt.Sprintf("[stream error] %v", err),
					FinishReason: "error",
				}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			text := candidateText(c)
			finish := ""
			if c.FinishReason != "" {
				finish = string(c.FinishReason)
			}
			if text != "" || finish != "" {
				ch <- StreamChunk{Content: text, FinishReason: finish}
			}
		}
	}()

	return &Response{Stream: ch}, nil
}

func (a *Gemini) embed(ctx context.Context, client *genai.Client, req *Request) (*Response, error) {
	contents := make([]*genai.Content, len(req.Input))
	for i, text := range req.Input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	resp, err := client.Models.EmbedContent(ctx, req.Model, contents, nil)
	if err != nil {
		return nil, a.toError(err)
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, &Error{Vendor: geminiName, Kind: KindServer, StatusCode: 502, Message: "empty embedding response"}
	}

	data := make([]Embedding, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		data[i] = Embedding{Index: i, Values: emb.Values}
	}

	return &Response{Model: req.Model, Embeddings: data}, nil
}

func (a *Gemini) clientForKey(ctx context.Context, overrideKey string) (*genai.Client, error) {
	key := overrideKey
	if key == "" {
		key = a.apiKey
	}
	if key == "" {
		return nil, &Error{Vendor: geminiName, Kind: KindAuth, StatusCode: 401, Message: "no API key configured"}
	}
	if key == a.apiKey {
		return a.client, nil
	}

	cfg := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: a.httpClient,
	}
	if a.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: a.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: override client: %w", err)
	}
	return client, nil
}

func (a *Gemini) toError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(geminiName, apiErr.Code, apiErr.Message)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return wrapContextErr(geminiName, err)
	}
	return err
}

func buildGeminiContents(req *Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || req.Temperature > 0 || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
	}
	if cfg != nil && systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if cfg != nil && req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if cfg != nil && req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return contents, cfg
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}
