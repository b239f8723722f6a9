package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/keypool-gateway/internal/upstream"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	driverName       = "anthropic"
	defaultMaxTokens = 4096
)

// Driver implements upstream.Caller for Anthropic (official SDK). The API
// key comes from the per-attempt upstream.Auth.
type Driver struct {
	baseURL string
	client  anthropic.Client
}

// Option configures a Driver.
type Option func(*Driver)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(d *Driver) { d.baseURL = url }
}

// New creates a new Anthropic Driver.
func New(opts ...Option) *Driver {
	d := &Driver{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(d)
	}

	httpClient := &http.Client{Timeout: upstream.PerAttemptTimeout}

	d.client = anthropic.NewClient(
		option.WithBaseURL(d.baseURL),
		option.WithHTTPClient(httpClient),
	)

	return d
}

func (d *Driver) Name() string { return driverName }

func (d *Driver) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("anthropic: health check: upstream returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Driver) Send(ctx context.Context, auth upstream.Auth, req *upstream.Request) (*upstream.Response, error) {
	if auth.Token == "" {
		return nil, fmt.Errorf("anthropic: empty credential token")
	}

	params := buildParams(req)
	opts := []option.RequestOption{option.WithAPIKey(auth.Token)}

	if req.Stream {
		return d.handleStreaming(ctx, params, opts...)
	}
	return d.handleResponse(ctx, params, opts...)
}

func buildParams(req *upstream.Request) anthropic.MessageNewParams {
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
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	// Temperature is optional in Anthropic; set only if provided.
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	r := strings.ToLower(role)
	anthRole := anthropic.MessageParamRoleUser
	if r == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{
					Text: content,
				},
			},
		},
	}
}

func (d *Driver) handleResponse(
	ctx context.Context,
	params anthropic.MessageNewParams,
	opts ...option.RequestOption,
) (*upstream.Response, error) {
	msg, err := d.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toDriverError(err)
	}

	// Собираем весь текст из всех text-блоков.
	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &upstream.Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: string(msg.StopReason),
		Usage: upstream.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (d *Driver) handleStreaming(
	ctx context.Context,
	params anthropic.MessageNewParams,
	opts ...option.RequestOption,
) (*upstream.Response, error) {
	ch := make(chan upstream.StreamChunk, 64)

	stream := d.client.Messages.NewStreaming(ctx, params, opts...)
	if err := stream.Err(); err != nil {
		// Stream setup failure is an attempt failure, not a broken stream.
		stream.Close()
		return nil, toDriverError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- upstream.StreamChunk{Content: deltaVariant.Text}
					}
				case *anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- upstream.StreamChunk{Content: deltaVariant.Text}
					}
				}
			case anthropic.MessageDeltaEvent:
				if eventVariant.Delta.StopReason != "" {
					ch <- upstream.StreamChunk{FinishReason: string(eventVariant.Delta.StopReason)}
				}
			}
		}

		if err := stream.Err(); err != nil {
			// Mid-stream failure: close without a completion marker so the
			// continuation layer can resume from the partial output.
			ch <- upstream.StreamChunk{FinishReason: "error"}
		}
	}()

	return &upstream.Response{Stream: ch}, nil
}

// DriverError is a structured error returned by the Anthropic API.
type DriverError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements upstream.StatusCoder.
func (e *DriverError) HTTPStatus() int { return e.StatusCode }

func toDriverError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &DriverError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
