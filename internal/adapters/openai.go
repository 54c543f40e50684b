package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const openaiName = "openai"

// OpenAI implements Adapter over the official SDK. It is the only vendor
// serving the full endpoint surface.
type OpenAI struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// OpenAIOption configures an OpenAI adapter.
type OpenAIOption func(*OpenAI)

// WithOpenAIBaseURL overrides the API base URL (useful for testing).
func WithOpenAIBaseURL(u string) OpenAIOption {
	return func(a *OpenAI) { a.baseURL = u }
}

// NewOpenAI creates a new OpenAI adapter. apiKey is the fallback key used
// when a request carries none.
func NewOpenAI(apiKey string, opts ...OpenAIOption) *OpenAI {
	a := &OpenAI{apiKey: apiKey}
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
	a.client = openaiSDK.NewClient(clientOpts...)
	return a
}

func (a *OpenAI) Name() string { return openaiName }

func (a *OpenAI) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", a.toError(err))
	}
	return nil
}

func (a *OpenAI) Invoke(ctx context.Context, endpoint string, req *Request) (*Response, error) {
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
	case EndpointModerations:
		return a.moderations(ctx, req, opts...)
	case EndpointSpeech:
		return a.speech(ctx, req, opts...)
	case EndpointTranscriptions:
		return a.transcriptions(ctx, req, opts...)
	case EndpointImages:
		return a.imagesGenerate(ctx, req, opts...)
	case EndpointImageEdits:
		return a.imagesEdit(ctx, req, opts...)
	}
	return nil, unsupported(openaiName, endpoint)
}

func (a *OpenAI) chat(ctx context.Context, req *Request, opts ...option.RequestOption) (*Response, error) {
	params := buildChatParams(req)
	if req.Stream {
		return a.chatStreaming(ctx, params, opts...)
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

func (a *OpenAI) chatStreaming(ctx context.Context, params openaiSDK.ChatCompletionNewParams, opts ...option.RequestOption) (*Response, error) {
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
			if c.Delta.Content != "" {
				ch <- StreamChunk{Content: c.Delta.Content, FinishReason: c.FinishReason}
				continue
			}
			if c.FinishReason != "" {
				ch <- StreamChunk{FinishReason: c.FinishReason}
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

func (a *OpenAI) completions(ctx context.Context, req *Request, opts ...option.RequestOption) (*Response, error) {
	params := openaiSDK.CompletionNewParams{
		Model: openaiSDK.CompletionNewParamsModel(req.Model),
		Prompt: openaiSDK.CompletionNewParamsPromptUnion{
			OfString: openaiSDK.String(req.Prompt),
		},
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
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

func (a *OpenAI) embeddings(ctx context.Context, req *Request, opts ...option.RequestOption) (*Response, error) {
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

func (a *OpenAI) moderations(ctx context.Context, req *Request, opts ...option.RequestOption) (*Response, error) {
	params := openaiSDK.ModerationNewParams{
		Input: openaiSDK.ModerationNewParamsInputUnion{
			OfStringArray: req.Input,
		},
	}
	if req.Model != "" {
		params.Model = openaiSDK.ModerationModel(req.Model)
	}

	resp, err := a.client.Moderations.New(ctx, params, opts...)
	if err != nil {
		return nil, a.toError(err)
	}

	flagged := false
	for _, r := range resp.Results {
		if r.Flagged {
			flagged = true
			break
		}
	}

	return &Response{
		ID:      resp.ID,
		Model:   resp.Model,
		Flagged: flagged,
	}, nil
}

func (a *OpenAI) speech(ctx context.Context, req *Request, opts ...option.RequestOption) (*Response, error) {
	params := openaiSDK.AudioSpeechNewParams{
		Model: openaiSDK.SpeechModel(req.Model),
		Input: req.Prompt,
		Voice: openaiSDK.AudioSpeechNewParamsVoice(req.Voice),
	}
	if req.AudioFormat != "" {
		params.ResponseFormat = openaiSDK.AudioSpeechNewParamsResponseFormat(req.AudioFormat)
	}

	resp, err := a.client.Audio.Speech.New(ctx, params, opts...)
	if err != nil {
		return nil, a.toError(err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Vendor: openaiName, Kind: KindServer, StatusCode: 502, Message: err.Error()}
	}

	return &Response{Model: req.Model, Audio: audio}, nil
}

func (a *OpenAI) transcriptions(ctx context.Context, req *Request, opts ...option.RequestOption) (*Response, error) {
	file := openaiSDK.File(bytes.NewReader(req.FileData), req.FileName, "application/octet-stream")
	params := openaiSDK.AudioTranscriptionNewParams{
		Model: openaiSDK.AudioModel(req.Model),
		File:  file,
	}

	resp, err := a.client.Audio.Transcriptions.New(ctx, params, opts...)
	if err != nil {
		return nil, a.toError(err)
	}

	return &Response{Model: req.Model, Content: resp.Text}, nil
}

func (a *OpenAI) imagesGenerate(ctx context.Context, req *Request, opts ...option.RequestOption) (*Response, error) {
	params := openaiSDK.ImageGenerateParams{
		Prompt: req.Prompt,
	}
	if req.Model != "" {
		params.Model = openaiSDK.ImageModel(req.Model)
	}
	if req.N > 0 {
		params.N = openaiSDK.Int(int64(req.N))
	}
	if req.Size != "" {
		params.Size = openaiSDK.ImageGenerateParamsSize(req.Size)
	}

	resp, err := a.client.Images.Generate(ctx, params, opts...)
	if err != nil {
		return nil, a.toError(err)
	}

	return &Response{Model: req.Model, Images: toImages(resp)}, nil
}

func (a *OpenAI) imagesEdit(ctx context.Context, req *Request, opts ...option.RequestOption) (*Response, error) {
	file := openaiSDK.File(bytes.NewReader(req.FileData), req.FileName, "application/octet-stream")
	params := openaiSDK.ImageEditParams{
		Image:  openaiSDK.ImageEditParamsImageUnion{OfFile: file},
		Prompt: req.Prompt,
	}
	if req.Model != "" {
		params.Model = openaiSDK.ImageModel(req.Model)
	}
	if req.N > 0 {
		params.N = openaiSDK.Int(int64(req.N))
	}

	resp, err := a.client.Images.Edit(ctx, params, opts...)
	if err != nil {
		return nil, a.toError(err)
	}

	return &Response{Model: req.Model, Images: toImages(resp)}, nil
}

func toImages(resp *openaiSDK.ImagesResponse) []Image {
	if resp == nil {
		return nil
	}
	images := make([]Image, len(resp.Data))
	for i, d := range resp.Data {
		images[i] = Image{URL: d.URL, B64: d.B64JSON}
	}
	return images
}

func (a *OpenAI) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = a.apiKey
	}
	if key == "" {
		return nil, &Error{Vendor: openaiName, Kind: KindAuth, StatusCode: 401, Message: "no API key configured"}
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

func (a *OpenAI) toError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return classifyStatus(openaiName, apierr.StatusCode, apierr.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return wrapContextErr(openaiName, err)
	}
	return err
}

func buildChatParams(req *Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toOpenAIMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	return params
}

func toOpenAIMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
