package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Compat is a generic OpenAI-compatible adapter. Use it for any service
// that implements the OpenAI chat completions API (xAI, Groq, DeepSeek,
// Together AI, Perplexity, and similar). Chat, completions and embeddings
// are supported; the rest of the surface varies too much across vendors to
// be safe.
type Compat struct {
	name    string
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// NewCompat creates a new OpenAI-compatible adapter.
//
//   - name    — unique adapter identifier used for routing and logs.
//   - apiKey  — key sent as "Authorization: Bearer <key>".
//   - baseURL — API base URL, e.g. "https://api.x.ai/v1".
func NewCompat(name, apiKey, baseURL string) *Compat {
	a := &Compat{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
	}

	opts := []option.RequestOption{
		option.WithAPIKey(a.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: defaultTimeout}),
	}
	if a.baseURL != "" {
		opts = append(opts, option.WithBaseURL(a.baseURL))
	}
	a.client = openaiSDK.NewClient(opts...)
	return a
}

func (a *Compat) Name() string { return a.name }

func (a *Compat) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", a.name, a.toError(err))
	}
	return nil
}

func (a *Compat) Invoke(ctx context.Context, endpoint string, req *Request) (*Response, error) {
	opts, err := a.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}

	switch endpoint {
	case EndpointChat:
		return a.chat(ctx, req, opts...)
	case EndpointCompletions:
		return a.completions(ctx, req, opts...)
	case EndpointEmbeddings:
		return a.embeddings(ctx, req, opts...)
	}
	return nil, unsupported(a.name, endpoint)
}

func (a *Compat) chat(ctx context.Context, req *Request, opts ...option.RequestOption) (*Response, error) {
	params := buildChatParams(req)

	if req.Stream {
		ch := make(chan StreamChunk, 64)
		stream := a.client.Chat.Completions.NewStreaming(ctx, params, opts...)

		go func() {
			defer close(ch)

			for stream.Next() {
				chunk := stream.Current()
				if len(chunk.Choices) == 0 {
					continue
				}
				c := chunk.Choices[0]
				if c.Delta.Content != "" || c.FinishReason != "" {
					ch <- StreamChunk{Content: c.Delta.Content, FinishReason: c.FinishReason}
				}
			}
			if err := stream.Err(); err != nil {
				ch <- StreamChunk{
					Content:      fmt.Sprintf("[stream error] %v", err),
					FinishReason: "error",
				}
			}
		}()

		return &Response{Stream: ch}, nil
	}

	resp, err := a.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, a.toError(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &Response{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: content,
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (a *Compat) completions(ctx context.Context, req *Request, opts ...option.RequestOption) (*Response, error) {
	params := openaiSDK.CompletionNewParams{
		Model: openaiSDK.CompletionNewParamsModel(req.Model),
		Prompt: openaiSDK.CompletionNewParamsPromptUnion{
			OfString: openaiSDK.String(req.Prompt),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	resp, err := a.client.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, a.toError(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Text
	}

	return &Response{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: content,
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (a *Compat) embeddings(ctx context.Context, req *Request, opts ...option.RequestOption) (*Response, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(req.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
	}

	resp, err := a.client.Embeddings.New(ctx, params, opts...)
	if err != nil {
		return nil, a.toError(err)
	}

	data := make([]Embedding, len(resp.Data))
	for i, d := range resp.Data {
		f32 := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			f32[j] = float32(v)
		}
		data[i] = Embedding{Index: int(d.Index), Values: f32}
	}

	return &Response{
		Model:      resp.Model,
		Embeddings: data,
		Usage:      Usage{InputTokens: int(resp.Usage.PromptTokens)},
	}, nil
}

func (a *Compat) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = a.apiKey
	}
	if key == "" {
		return nil, &Error{Vendor: a.name, Kind: KindAuth, StatusCode: 401, Message: "no API key configured"}
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

func (a *Compat) toError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return classifyStatus(a.name, apierr.StatusCode, apierr.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return wrapContextErr(a.name, err)
	}
	return err
}
