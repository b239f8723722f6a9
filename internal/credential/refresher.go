package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"
)

const defaultRefreshTimeout = 15 * time.Second

// TokenRefresher exchanges a credential's refresh token for a fresh access
// token via the OAuth refresh_token grant. Both store implementations
// delegate RefreshSecret to it.
type TokenRefresher struct {
	client       *fasthttp.Client
	tokenURL     string
	clientID     string
	clientSecret string
	timeout      time.Duration
}

// NewTokenRefresher creates a refresher against tokenURL (e.g. the Google
// OAuth token endpoint). clientID/clientSecret identify the OAuth app the
// refresh tokens were issued to.
func NewTokenRefresher(tokenURL, clientID, clientSecret string) *TokenRefresher {
	return &TokenRefresher{
		client:       &fasthttp.Client{},
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		timeout:      defaultRefreshTimeout,
	}
}

// Refresh performs the token exchange. Expected failures (revoked or
// expired refresh token → 4xx from the token endpoint) come back as plain
// errors; the caller decides whether to ban the credential.
func (r *TokenRefresher) Refresh(ctx context.Context, cred Credential) (string, error) {
	if cred.RefreshToken == "" {
		return "", ErrNotRefreshable
	}

	timeout := r.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	if timeout <= 0 {
		return "", context.DeadlineExceeded
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)
	form.Set("client_id", r.clientID)
	form.Set("client_secret", r.clientSecret)

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(r.tokenURL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/x-www-form-urlencoded")
	req.SetBodyString(form.Encode())

	if err := r.client.DoTimeout(req, resp, timeout); err != nil {
		return "", fmt.Errorf("credential: token endpoint: %w", err)
	}

	if resp.StatusCode() != fasthttp.StatusOK {
		return "", fmt.Errorf("credential: token endpoint returned %d: %s",
			resp.StatusCode(), truncate(resp.Body(), 200))
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("credential: token response: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("credential: token response missing access_token")
	}

	return out.AccessToken, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
