package server

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/valyala/fasthttp"

	"github.com/relaycore/ai-gateway/internal/adapters"
)

// maxUploadBytes bounds multipart file uploads (audio, images).
const maxUploadBytes = 25 << 20

// parsed is one decoded inbound request plus the inputs the token
// estimator needs.
type parsed struct {
	req          *adapters.Request
	texts        []string
	nonTextItems int
}

type inboundMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type inboundChatRequest struct {
	Model       string           `json:"model"`
	Messages    []inboundMessage `json:"messages"`
	Stream      bool             `json:"stream"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
}

func parseChat(ctx *fasthttp.RequestCtx) (parsed, error) {
	var in inboundChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		return parsed{}, fmt.Errorf("invalid JSON: %s", err.Error())
	}
	if in.Model == "" {
		return parsed{}, fmt.Errorf("field 'model' is required")
	}
	if len(in.Messages) == 0 {
		return parsed{}, fmt.Errorf("field 'messages' must not be empty")
	}

	msgs := make([]adapters.Message, len(in.Messages))
	texts := make([]string, len(in.Messages))
	for i, m := range in.Messages {
		if m.Role == "" {
			return parsed{}, fmt.Errorf("message %d: field 'role' is required", i)
		}
		msgs[i] = adapters.Message{Role: m.Role, Content: m.Content}
		texts[i] = m.Content
	}

	return parsed{
		req: &adapters.Request{
			Model:       in.Model,
			Messages:    msgs,
			Stream:      in.Stream,
			Temperature: in.Temperature,
			MaxTokens:   in.MaxTokens,
		},
		texts: texts,
	}, nil
}

type inboundCompletionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Stream      bool    `json:"stream"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

func parseCompletions(ctx *fasthttp.RequestCtx) (parsed, error) {
	var in inboundCompletionRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		return parsed{}, fmt.Errorf("invalid JSON: %s", err.Error())
	}
	if in.Model == "" {
		return parsed{}, fmt.Errorf("field 'model' is required")
	}
	if in.Prompt == "" {
		return parsed{}, fmt.Errorf("field 'prompt' is required")
	}

	return parsed{
		req: &adapters.Request{
			Model:       in.Model,
			Prompt:      in.Prompt,
			Stream:      in.Stream,
			Temperature: in.Temperature,
			MaxTokens:   in.MaxTokens,
		},
		texts: []string{in.Prompt},
	}, nil
}

type inboundEmbeddingRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

// parseInputUnion converts the raw JSON "input" field into []string. The
// OpenAI API accepts either a bare string or an array of strings.
func parseInputUnion(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

func parseEmbeddings(ctx *fasthttp.RequestCtx) (parsed, error) {
	var in inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		return parsed{}, fmt.Errorf("invalid JSON: %s", err.Error())
	}
	if in.Model == "" {
		return parsed{}, fmt.Errorf("field 'model' is required")
	}
	inputs, err := parseInputUnion(in.Input)
	if err != nil {
		return parsed{}, err
	}

	return parsed{
		req:   &adapters.Request{Model: in.Model, Input: inputs},
		texts: inputs,
	}, nil
}

func parseModerations(ctx *fasthttp.RequestCtx) (parsed, error) {
	var in inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		return parsed{}, fmt.Errorf("invalid JSON: %s", err.Error())
	}
	if in.Model == "" {
		in.Model = "omni-moderation-latest"
	}
	inputs, err := parseInputUnion(in.Input)
	if err != nil {
		return parsed{}, err
	}

	return parsed{
		req:   &adapters.Request{Model: in.Model, Input: inputs},
		texts: inputs,
	}, nil
}

type inboundSpeechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

func parseSpeech(ctx *fasthttp.RequestCtx) (parsed, error) {
	var in inboundSpeechRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		return parsed{}, fmt.Errorf("invalid JSON: %s", err.Error())
	}
	if in.Model == "" {
		return parsed{}, fmt.Errorf("field 'model' is required")
	}
	if in.Input == "" {
		return parsed{}, fmt.Errorf("field 'input' is required")
	}
	if in.Voice == "" {
		return parsed{}, fmt.Errorf("field 'voice' is required")
	}

	return parsed{
		req: &adapters.Request{
			Model:       in.Model,
			Prompt:      in.Input,
			Voice:       in.Voice,
			AudioFormat: in.ResponseFormat,
		},
		texts: []string{in.Input},
	}, nil
}

func parseTranscriptions(ctx *fasthttp.RequestCtx) (parsed, error) {
	fh, err := ctx.FormFile("file")
	if err != nil {
		return parsed{}, fmt.Errorf("multipart field 'file' is required")
	}
	if fh.Size > maxUploadBytes {
		return parsed{}, fmt.Errorf("file exceeds the %d MB upload limit", maxUploadBytes>>20)
	}
	model := string(ctx.FormValue("model"))
	if model == "" {
		return parsed{}, fmt.Errorf("multipart field 'model' is required")
	}

	f, err := fh.Open()
	if err != nil {
		return parsed{}, fmt.Errorf("open upload: %s", err.Error())
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return parsed{}, fmt.Errorf("read upload: %s", err.Error())
	}

	return parsed{
		req: &adapters.Request{
			Model:    model,
			FileData: data,
			FileName: fh.Filename,
		},
		nonTextItems: 1,
	}, nil
}

type inboundImageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

func parseImages(ctx *fasthttp.RequestCtx) (parsed, error) {
	var in inboundImageRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		return parsed{}, fmt.Errorf("invalid JSON: %s", err.Error())
	}
	if in.Model == "" {
		return parsed{}, fmt.Errorf("field 'model' is required")
	}
	if in.Prompt == "" {
		return parsed{}, fmt.Errorf("field 'prompt' is required")
	}
	n := in.N
	if n <= 0 {
		n = 1
	}

	return parsed{
		req: &adapters.Request{
			Model:  in.Model,
			Prompt: in.Prompt,
			N:      n,
			Size:   in.Size,
		},
		texts:        []string{in.Prompt},
		nonTextItems: n,
	}, nil
}

func parseImageEdits(ctx *fasthttp.RequestCtx) (parsed, error) {
	fh, err := ctx.FormFile("image")
	if err != nil {
		return parsed{}, fmt.Errorf("multipart field 'image' is required")
	}
	if fh.Size > maxUploadBytes {
		return parsed{}, fmt.Errorf("image exceeds the %d MB upload limit", maxUploadBytes>>20)
	}
	model := string(ctx.FormValue("model"))
	if model == "" {
		return parsed{}, fmt.Errorf("multipart field 'model' is required")
	}
	prompt := string(ctx.FormValue("prompt"))
	if prompt == "" {
		return parsed{}, fmt.Errorf("multipart field 'prompt' is required")
	}

	f, err := fh.Open()
	if err != nil {
		return parsed{}, fmt.Errorf("open upload: %s", err.Error())
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return parsed{}, fmt.Errorf("read upload: %s", err.Error())
	}

	n := 1
	return parsed{
		req: &adapters.Request{
			Model:    model,
			Prompt:   prompt,
			FileData: data,
			FileName: fh.Filename,
			N:        n,
			Size:     string(ctx.FormValue("size")),
		},
		texts:        []string{prompt},
		nonTextItems: 2,
	}, nil
}
