// Package adapters defines the common interface and types used by all
// upstream vendor implementations (OpenAI, Anthropic, Gemini, and generic
// OpenAI-compatible services).
//
// Each vendor lives in its own file and implements Adapter. Endpoints a
// vendor does not support return a non-retryable invalid-request Error so
// the dispatch loop surfaces them instead of failing over.
package adapters

import (
	"context"
	"fmt"
	"time"
)

// Gateway endpoint paths, used to route an Invoke call inside an adapter.
const (
	EndpointChat           = "/v1/chat/completions"
	EndpointCompletions    = "/v1/completions"
	EndpointEmbeddings     = "/v1/embeddings"
	EndpointModerations    = "/v1/moderations"
	EndpointSpeech         = "/v1/audio/speech"
	EndpointTranscriptions = "/v1/audio/transcriptions"
	EndpointImages         = "/v1/images/generations"
	EndpointImageEdits     = "/v1/images/edits"
)

// defaultTimeout bounds one upstream HTTP call when the caller's context
// carries no earlier deadline.
const defaultTimeout = 120 * time.Second

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// StreamChunk is a single token chunk delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// Request — normalized client request, shared by every endpoint. Only
	// the fields relevant to the target endpoint are set.
	Request struct {
		Model       string
		Messages    []Message // chat
		Prompt      string    // completions, speech input, image prompt
		Input       []string  // embeddings, moderations
		Stream      bool
		Temperature float64
		MaxTokens   int

		// Audio.
		Voice       string
		AudioFormat string

		// FileData carries the uploaded payload for transcriptions and
		// image edits.
		FileData []byte
		FileName string

		// Images.
		Size string
		N    int

		// APIKey is the decrypted upstream key selected from the
		// sub-provider's pool.
		APIKey    string
		RequestID string
	}

	// Embedding — a single embedding vector.
	Embedding struct {
		Index  int
		Values []float32
	}

	// Image — one generated or edited image.
	Image struct {
		URL string
		B64 string
	}

	// Response — normalized upstream response. Endpoint-specific fields are
	// zero for other endpoints.
	Response struct {
		ID      string
		Model   string
		Content string

		Embeddings []Embedding
		Flagged    bool // moderations
		Images     []Image
		Audio      []byte

		Usage  Usage
		Stream <-chan StreamChunk // nil if it's not a stream
	}
)

// Adapter — upstream vendor interface.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, endpoint string, req *Request) (*Response, error)
	HealthCheck(ctx context.Context) error
}

// Kind classifies a vendor error for the dispatch loop.
type Kind string

const (
	KindInvalid       Kind = "invalid_request"
	KindAuth          Kind = "authentication"
	KindNotFound      Kind = "not_found"
	KindRateLimited   Kind = "rate_limited"
	KindTimeout       Kind = "timeout"
	KindServer        Kind = "server_error"
	KindContentPolicy Kind = "content_policy"
)

// Error is a structured upstream failure. StatusCode is the vendor's HTTP
// status when known; RetryAfter is the vendor's backoff hint for rate limits.
type Error struct {
	Vendor     string
	Kind       Kind
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, kind=%s)", e.Vendor, e.Message, e.StatusCode, e.Kind)
}

// HTTPStatus implements the status-coder convention used at the HTTP boundary.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// Retryable reports whether the dispatch loop may fail over to another
// provider after this error.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindServer, KindRateLimited:
		return true
	}
	return false
}

// classifyStatus maps a vendor HTTP status to an Error.
func classifyStatus(vendor string, status int, msg string) *Error {
	e := &Error{Vendor: vendor, StatusCode: status, Message: msg}
	switch {
	case status == 401 || status == 403:
		e.Kind = KindAuth
	case status == 404:
		e.Kind = KindNotFound
	case status == 408:
		e.Kind = KindTimeout
	case status == 429:
		e.Kind = KindRateLimited
	case status >= 500:
		e.Kind = KindServer
	default:
		e.Kind = KindInvalid
	}
	return e
}

// unsupported is the canonical error for an endpoint a vendor does not serve.
func unsupported(vendor, endpoint string) *Error {
	return &Error{
		Vendor:     vendor,
		Kind:       KindInvalid,
		StatusCode: 400,
		Message:    fmt.Sprintf("endpoint %s is not supported", endpoint),
	}
}

// wrapContextErr converts context termination into a timeout Error so the
// dispatch loop treats deadline expiry uniformly across vendors.
func wrapContextErr(vendor string, err error) *Error {
	return &Error{
		Vendor:     vendor,
		Kind:       KindTimeout,
		StatusCode: 408,
		Message:    err.Error(),
	}
}
