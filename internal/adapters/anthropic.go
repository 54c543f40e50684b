package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	anthropicName             = "anthropic"
	anthropicDefaultMaxTokens = 4096
)

// Anthropic implements Adapter for the Messages API. Chat is the only
// supported endpoint.
type Anthropic struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// AnthropicOption configures an Anthropic adapter.
type AnthropicOption func(*Anthropic)

// WithAnthropicBaseURL overrides the API base URL (useful for testing).
func WithAnthropicBaseURL(u string) AnthropicOption {
	return func(a *Anthropic) { a.baseURL = u }
}

// NewAnthropic creates a new Anthropic adapter.
func NewAnthropic(apiKey string, opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{apiKey: apiKey}
	for _, o := range opts {
		o(a)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(a.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: defaultTimeout}),
	}
	if a.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(a.baseURL))
	}
	a.client = anthropic.NewClient(clientOpts...)
	return a
}

func (a *Anthropic) Name() string { return anthropicName }

func (a *Anthropic) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", a.toError(err))
	}
	return nil
}

func (a *Anthropic) Invoke(ctx context.Context, endpoint string, req *Request) (*Response, error) {
	if endpoint != EndpointChat {
		return nil, unsupported(anthropicName, endpoint)
	}

	opts, err := a.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}

	params := a.buildParams(req)
	if req.Stream {
		return a.streaming(ctx, params, opts...)
	}

	msg, err := a.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, a.toError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &Response{
		ID:      msg.ID,
		Model:   string(msg.Model),
		Content: sb.String(),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (a *Anthropic) buildParams(req *Request) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toAnthropicMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

func (a *Anthropic) streaming(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*Response, error) {
	ch := make(chan StreamChunk, 64)
	stream := a.client.Messages.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)

		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- StreamChunk{Content: deltaVariant.Text}
					}
				case *anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- StreamChunk{Content: deltaVariant.Text}
					}
				}
			case anthropic.MessageStopEvent:
				ch <- StreamChunk{FinishReason: "stop"}
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

func (a *Anthropic) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = a.apiKey
	}
	if key == "" {
		return nil, &Error{Vendor: anthropicName, Kind: KindAuth, StatusCode: 401, Message: "no API key configured"}
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

func (a *Anthropic) toError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return classifyStatus(anthropicName, apierr.StatusCode, apierr.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return wrapContextErr(anthropicName, err)
	}
	return err
}

func toAnthropicMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}
