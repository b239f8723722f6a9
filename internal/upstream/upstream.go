// Package upstream defines the common types shared by all upstream provider
// drivers (Gemini, OpenAI, Anthropic) and the error classifier used by the
// dispatcher to pick a recovery action.
//
// Each driver lives in its own sub-package and implements the Caller
// interface. Drivers are stateless with respect to credentials: the auth
// material for every call is supplied per request by the dispatcher, which
// acquires it from the credential pool.
package upstream

import (
	"context"
	"fmt"
	"time"
)

type (
	// StreamChunk is a single token chunk delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

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

	// Request — normalized client request, independent of the upstream wire
	// schema. Drivers translate it to their provider's native format.
	Request struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		MaxTokens   int
		RequestID   string
	}

	// Response — normalized upstream response. FinishReason is set for
	// buffered responses; streaming responses deliver it on the final chunk
	// instead.
	Response struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        Usage
		Stream       <-chan StreamChunk // nil if it's not a stream.
	}

	// Auth carries the credential material for one upstream call. It is a
	// value snapshot taken from the pool — drivers must not cache it across
	// calls, because the pool may rotate or refresh the credential between
	// attempts.
	Auth struct {
		CredentialID string
		Token        string
		ProjectID    string
	}
)

// Caller — upstream provider driver interface.
//
// Send issues exactly one upstream call. On error, the driver has already
// released every resource tied to the attempt (connections, partially opened
// streams); on success with a stream, the channel and its underlying
// connection belong to the caller and stay open until drained or ctx is
// cancelled.
type Caller interface {
	Name() string
	Send(ctx context.Context, auth Auth, req *Request) (*Response, error)
	HealthCheck(ctx context.Context) error
}

// Default dispatch constants. All of them are configuration-tunable; these
// values are the fallbacks applied when the config leaves them unset.
const (
	MaxRetries        = 3
	BackoffBase       = time.Second
	RetryDelay        = 500 * time.Millisecond
	PerAttemptTimeout = 30 * time.Second
	RefreshTimeout    = 15 * time.Second
	MaxContinuations  = 3
)

// StatusCoder is implemented by driver errors that carry an upstream HTTP
// status. The classifier relies on it; everything else is a transport fault.
type StatusCoder interface {
	HTTPStatus() int
}

// Error is the structured error returned by upstream drivers.
type Error struct {
	Status  int
	Message string
	Type    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream: %s (status=%d, type=%s)", e.Message, e.Status, e.Type)
}

// HTTPStatus implements StatusCoder.
func (e *Error) HTTPStatus() int { return e.Status }
