package gemini

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/keypool-gateway/internal/upstream"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	driverName     = "gemini"
)

// Driver implements upstream.Caller for Google Gemini (official GenAI SDK).
// Every Send builds a client bound to the attempt's credential token, so a
// mid-request token refresh is picked up on the next attempt.
type Driver struct {
	baseURL    string
	httpClient *http.Client
	base       string
	apiVersion string
}

// Option configures a Driver.
type Option func(*Driver)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(d *Driver) { d.baseURL = u }
}

// New creates a new Gemini Driver.
func New(opts ...Option) *Driver {
	d := &Driver{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(d)
	}

	d.httpClient = &http.Client{Timeout: upstream.PerAttemptTimeout}

	base, ver := splitBaseURLAndVersion(d.baseURL)
	d.base = base
	d.apiVersion = ver

	return d
}

func (d *Driver) Name() string { return driverName }

func (d *Driver) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(d.base, "/"), nil)
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("gemini: health check: upstream returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Driver) Send(ctx context.Context, auth upstream.Auth, req *upstream.Request) (*upstream.Response, error) {
	client, err := d.clientForAuth(ctx, auth)
	if err != nil {
		return nil, err
	}

	contents, cfg := buildContentsAndConfig(req)

	if req.Stream {
		return d.handleStreaming(ctx, client, req.Model, contents, cfg)
	}
	return d.handleResponse(ctx, client, req, contents, cfg)
}

func buildContentsAndConfig(req *upstream.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
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

		default: // user / unknown
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

func (d *Driver) handleResponse(
	ctx context.Context,
	client *genai.Client,
	req *upstream.Request,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*upstream.Response, error) {
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toDriverError(err)
	}

	id := req.RequestID
	if id == "" {
		if resp != nil && resp.ResponseID != "" {
			id = resp.ResponseID
		} else {
			id = generateID()
		}
	}

	out := ""
	finish := ""
	if resp != nil {
		out = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			finish = string(resp.Candidates[0].FinishReason)
		}
	}

	var inTok, outTok int
	if resp != nil && resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &upstream.Response{
		ID:           id,
		Model:        req.Model,
		Content:      out,
		FinishReason: finish,
		Usage: upstream.Usage{
			InputTokens:  inTok,
			OutputTokens: outTok,
		},
	}, nil
}

func (d *Driver) handleStreaming(
	ctx context.Context,
	client *genai.Client,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*upstream.Response, error) {
	ch := make(chan upstream.StreamChunk, 64)

	go func() {
		defer close(ch)

		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				// Mid-stream failure: close without a completion marker and
				// let the continuation layer resume from the partial output.
				ch <- upstream.StreamChunk{FinishReason: "error"}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			text := firstCandidateText(c)
			finish := ""
			if c.FinishReason != "" {
				finish = string(c.FinishReason)
			}

			if text != "" || finish != "" {
				ch <- upstream.StreamChunk{
					Content:      text,
					FinishReason: finish,
				}
			}
		}
	}()

	return &upstream.Response{Stream: ch}, nil
}

// clientForAuth builds a genai client bound to the attempt's token. The
// token is sent as an API key for AI Studio style credentials.
func (d *Driver) clientForAuth(ctx context.Context, auth upstream.Auth) (*genai.Client, error) {
	if auth.Token == "" {
		return nil, fmt.Errorf("gemini: empty credential token")
	}
	// ProjectID is not forwarded: the AI Studio backend authenticates by
	// key alone, and the SDK rejects a project alongside an API key.
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      auth.Token,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  d.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: d.base, APIVersion: d.apiVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	return client, nil
}

func firstCandidateText(c *genai.Candidate) string {
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

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	// Вторая руна должна быть цифрой
	return s[1] >= '0' && s[1] <= '9'
}

// generateID produces a random hex ID for responses that don't include one.
func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

// DriverError is a structured error returned by the Gemini API (SDK wrapper).
type DriverError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements upstream.StatusCoder.
func (e *DriverError) HTTPStatus() int { return e.StatusCode }

func toDriverError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &DriverError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
		}
	}
	return err
}
