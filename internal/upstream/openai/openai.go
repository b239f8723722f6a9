package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/keypool-gateway/internal/upstream"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	driverName     = "openai"
)

// Driver implements upstream.Caller for the OpenAI API (official SDK).
// The API key is supplied per call through upstream.Auth; the driver itself
// holds only connection-level configuration.
type Driver struct {
	baseURL string
	client  openaiSDK.Client
}

type Option func(*Driver)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(d *Driver) { d.baseURL = u }
}

func New(opts ...Option) *Driver {
	d := &Driver{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(d)
	}

	httpClient := &http.Client{Timeout: upstream.PerAttemptTimeout}
	if d.baseURL != "" && d.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, d.baseURL)
	}

	d.client = openaiSDK.NewClient(
		option.WithHTTPClient(httpClient),
	)

	return d
}

func (d *Driver) Name() string { return driverName }

// HealthCheck verifies connectivity only; it deliberately avoids spending a
// pooled credential.
func (d *Driver) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("openai: health check: upstream returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Driver) Send(ctx context.Context, auth upstream.Auth, req *upstream.Request) (*upstream.Response, error) {
	if auth.Token == "" {
		return nil, fmt.Errorf("openai: empty credential token")
	}

	params := buildChatCompletionParams(req)
	opts := []option.RequestOption{option.WithAPIKey(auth.Token)}

	if req.Stream {
		return d.handleStreaming(ctx, params, opts...)
	}
	return d.handleResponse(ctx, params, opts...)
}

func buildChatCompletionParams(req *upstream.Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
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

func (d *Driver) handleResponse(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*upstream.Response, error) {
	resp, err := d.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, toDriverError(err)
	}

	content := ""
	finish := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = resp.Choices[0].FinishReason
	}

	return &upstream.Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      content,
		FinishReason: finish,
		Usage: upstream.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (d *Driver) handleStreaming(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*upstream.Response, error) {
	ch := make(chan upstream.StreamChunk, 64)

	stream := d.client.Chat.Completions.NewStreaming(ctx, params, opts...)
	if err := stream.Err(); err != nil {
		// Stream setup failure is an attempt failure, not a broken stream.
		stream.Close()
		return nil, toDriverError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}

			c := chunk.Choices[0]

			if c.Delta.Content != "" {
				ch <- upstream.StreamChunk{
					Content:      c.Delta.Content,
					FinishReason: c.FinishReason,
				}
				continue
			}

			if c.FinishReason != "" {
				ch <- upstream.StreamChunk{FinishReason: c.FinishReason}
			}
		}

		if err := stream.Err(); err != nil {
			// Mid-stream failure: the output delivered so far stands, the
			// missing marker lets the continuation layer resume it.
			ch <- upstream.StreamChunk{FinishReason: "error"}
		}
	}()

	return &upstream.Response{Stream: ch}, nil
}

// DriverError is a structured error returned by the OpenAI API.
type DriverError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements upstream.StatusCoder.
func (e *DriverError) HTTPStatus() int { return e.StatusCode }

func toDriverError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &DriverError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "openai_error",
		}
	}
	return err
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {

		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":

		return openaiSDK.AssistantMessage(content)
	case "user":
		fallthrough
	default:
		return openaiSDK.UserMessage(content)
	}
}
