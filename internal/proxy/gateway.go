// Package proxy is the HTTP surface of the gateway.
//
// The Gateway receives an incoming OpenAI-compatible request, checks the
// cache, applies rate limiting, and hands the request to the dispatcher —
// which owns credential selection and retry. Truncated responses are resolved
// by the continuation engine before anything reaches the client.
//
// Key design constraints:
//   - Proxy overhead < 2 ms P50 (SLA). No blocking I/O on the hot path.
//   - Logger, cache, and rate limiter are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE); they are never cached.
package proxy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/keypool-gateway/internal/cache"
	"github.com/nulpointcorp/keypool-gateway/internal/continuation"
	"github.com/nulpointcorp/keypool-gateway/internal/credential"
	"github.com/nulpointcorp/keypool-gateway/internal/dispatch"
	"github.com/nulpointcorp/keypool-gateway/internal/logger"
	"github.com/nulpointcorp/keypool-gateway/internal/metrics"
	"github.com/nulpointcorp/keypool-gateway/internal/ratelimit"
	"github.com/nulpointcorp/keypool-gateway/internal/upstream"
	"github.com/nulpointcorp/keypool-gateway/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// Dispatcher issues one logical request against the upstream, retrying and
// rotating credentials internally. Satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Execute(ctx context.Context, req *upstream.Request) (*dispatch.Reply, error)
}

// PoolAdmin is the slice of the credential pool exposed to the admin API and
// the health checker. Satisfied by *credential.Pool.
type PoolAdmin interface {
	Snapshot() []credential.Credential
	Ban(id, reason string)
	Activate(id string)
	ActiveCount() int
	Len() int
}

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and dispatch
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// CacheTTL controls the default TTL for cached responses.
	// Default: 1h.
	CacheTTL time.Duration

	// CacheReady is an optional readiness probe for the cache backend
	// (used by GET /readiness for Kubernetes probes).
	CacheReady func() bool
}

// Gateway is the main proxy — all dependencies are injected via the constructor
// so they can be replaced with mock doubles in unit tests.
type Gateway struct {
	dispatcher Dispatcher
	engine     *continuation.Engine
	pool       PoolAdmin
	driver     upstream.Caller
	cache      cache.Cache
	health     *HealthChecker
	baseCtx    context.Context
	log        *slog.Logger
	metrics    *metrics.Registry

	cacheTTL time.Duration

	// Optional dependencies — nil-safe when not configured.
	rpmLimiter      *ratelimit.RPMLimiter
	reqLogger       *logger.Logger
	cacheExclusions *cache.ExclusionList

	// CORS allowed origins. Empty slice means deny all; ["*"] means allow all.
	corsOrigins []string
}

// NewGateway creates a fully configured Gateway. driver is the upstream this
// process serves; it is probed by the health checker but never called
// directly — all traffic goes through disp.
func NewGateway(
	baseCtx context.Context,
	disp Dispatcher,
	eng *continuation.Engine,
	pool PoolAdmin,
	driver upstream.Caller,
	c cache.Cache,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	gw := &Gateway{
		dispatcher: disp,
		engine:     eng,
		pool:       pool,
		driver:     driver,
		cache:      c,
		baseCtx:    baseCtx,
		log:        log,
		metrics:    opts.Metrics,
		cacheTTL:   cacheTTL,
	}

	if driver != nil {
		gw.health = NewHealthChecker(baseCtx, driver, pool, opts.CacheReady, gw.metrics)
	}

	return gw
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetRateLimiters injects the RPM rate limiter.
func (g *Gateway) SetRateLimiters(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetLogger injects the async request logger (e.g. for ClickHouse or stdout).
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCacheExclusions injects the cache exclusion list.
// Requests whose model name matches any rule skip both cache GET and SET.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) {
	g.cacheExclusions = el
}

// ── Internal request / response types ─────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

func (g *Gateway) driverName() string {
	if g.driver == nil {
		return "unknown"
	}
	return g.driver.Name()
}

// dispatchChat is the core handler for /v1/chat/completions and /v1/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	route := "chat_completions"
	if path == "/v1/completions" {
		route = "completions"
	}
	reqBytes := len(ctx.PostBody())
	provider := g.driverName()
	cacheLabel := "bypass" // hit|miss|bypass
	inputTokens, outputTokens := 0, 0
	cached := false
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(provider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(provider, route, cacheLabel, dur)
		g.metrics.AddTokens(provider, route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Parse request body.
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
	)

	// 2. Rate limit check (RPM).
	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
			)
			apierr.WriteRateLimit(ctx)
			return
		}
		if g.metrics != nil {
			if err != nil {
				g.metrics.RecordRateLimit("error")
			} else {
				g.metrics.RecordRateLimit("allowed")
			}
		}
	}

	// 3. Build the normalized upstream request.
	msgs := make([]upstream.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = upstream.Message{Role: m.Role, Content: m.Content}
	}

	upReq := &upstream.Request{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		RequestID:   reqID,
	}

	// 4. Cache lookup — non-streaming only; skip excluded models.
	cacheEligible := !req.Stream && g.cache != nil && (g.cacheExclusions == nil || !g.cacheExclusions.Matches(req.Model))
	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}
	var cacheKey string
	if cacheEligible {
		cacheKey = g.buildCacheKey(upReq)
		if cachedBody, ok := g.cache.Get(ctx, cacheKey); ok {
			cacheLabel = "hit"
			cached = true
			respBytes = len(cachedBody)
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", reqID),
				slog.String("model", req.Model),
			)
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(cachedBody)

			// Best-effort token extraction from cached payload.
			var cu struct {
				Usage struct {
					PromptTokens     int `json:"prompt_tokens"`
					CompletionTokens int `json:"completion_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal(cachedBody, &cu); err == nil {
				inputTokens = cu.Usage.PromptTokens
				outputTokens = cu.Usage.CompletionTokens
			}

			g.logRequest(reqID, req.Model, "",
				inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, 0, 0, true)
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	// 5. Dispatch. The dispatcher owns per-attempt timeouts, credential
	// rotation, and retry — the request ctx only carries client cancellation.
	reply, err := g.dispatcher.Execute(ctx, upReq)
	if err != nil {
		g.log.ErrorContext(ctx, "dispatch_failed",
			slog.String("request_id", reqID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		handleDispatchError(ctx, err)
		g.logRequest(reqID, req.Model, "",
			0, 0, time.Since(start), ctx.Response.StatusCode(), attemptCount(err), 0, false)
		return
	}
	credID := reply.CredentialID
	attempts := reply.Attempts

	// 6a. Streaming — SSE relay through the continuation engine. The engine
	// owns the reply from here, including its Release.
	if req.Stream && reply.Stream != nil {
		streaming = true
		stream := g.engine.Stream(ctx, upReq, reply)
		capturedStart := start
		capturedReqBytes := reqBytes
		capturedRoute := route
		writeSSE(ctx, stream, func(outputTokens int) {
			g.logRequest(reqID, req.Model, credID,
				0, outputTokens, time.Since(capturedStart), fasthttp.StatusOK, uint8(attempts), 0, false)
			if g.metrics != nil {
				// End-to-end duration is measured until stream drain.
				dur := time.Since(capturedStart)
				g.metrics.ObserveHTTP(capturedRoute, fasthttp.StatusOK, dur, capturedReqBytes, -1)
				g.metrics.RecordRequest(provider, fasthttp.StatusOK, dur.Milliseconds())
				g.metrics.ObserveGatewayRequest(provider, capturedRoute, "bypass", dur)
				g.metrics.AddTokens(provider, capturedRoute, 0, outputTokens, false)
				g.metrics.DecInFlight()
			}
		})
		return
	}

	// 6b. Buffered — resolve truncation before answering, then build an
	// OpenAI-compatible response envelope.
	resp, rounds, err := g.engine.Complete(ctx, upReq, reply)
	if err != nil {
		handleDispatchError(ctx, err)
		return
	}

	finishReason := resp.FinishReason
	if finishReason == "" {
		finishReason = "stop"
	}

	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: resp.Content},
				FinishReason: finishReason,
			},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	// 7. Populate cache for future identical requests.
	if cacheEligible {
		if err := g.cache.Set(ctx, cacheKey, body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else {
			if g.metrics != nil {
				g.metrics.CacheSetOK()
			}
		}
	}

	// 8. Emit request log entry asynchronously.
	g.logRequest(reqID, resp.Model, credID,
		resp.Usage.InputTokens, resp.Usage.OutputTokens,
		time.Since(start), fasthttp.StatusOK, uint8(attempts), uint8(rounds), false)
	inputTokens = resp.Usage.InputTokens
	outputTokens = resp.Usage.OutputTokens

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("credential_id", credID),
		slog.String("model", resp.Model),
		slog.Int("attempts", attempts),
		slog.Int("continuations", rounds),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// ── Admin API ─────────────────────────────────────────────────────────────────

type adminCredential struct {
	ID                  string `json:"id"`
	Status              string `json:"status"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastUsedAt          string `json:"last_used_at,omitempty"`
	CooldownUntil       string `json:"cooldown_until,omitempty"`
	BanReason           string `json:"ban_reason,omitempty"`
}

// handleAdminList serves GET /admin/credentials. Secrets are never included.
func (g *Gateway) handleAdminList(ctx *fasthttp.RequestCtx) {
	if g.pool == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"credential pool is not configured", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	snap := g.pool.Snapshot()
	out := struct {
		Active      int               `json:"active"`
		Total       int               `json:"total"`
		Credentials []adminCredential `json:"credentials"`
	}{
		Active:      g.pool.ActiveCount(),
		Total:       len(snap),
		Credentials: make([]adminCredential, 0, len(snap)),
	}

	for _, c := range snap {
		ac := adminCredential{
			ID:                  c.ID,
			Status:              string(c.Status),
			ConsecutiveFailures: c.ConsecutiveFailures,
			BanReason:           c.BanReason,
		}
		if !c.LastUsedAt.IsZero() {
			ac.LastUsedAt = c.LastUsedAt.UTC().Format(time.RFC3339)
		}
		if !c.CooldownUntil.IsZero() {
			ac.CooldownUntil = c.CooldownUntil.UTC().Format(time.RFC3339)
		}
		out.Credentials = append(out.Credentials, ac)
	}

	writeJSON(ctx, out)
}

// handleAdminBan serves POST /admin/credentials/{id}/ban.
func (g *Gateway) handleAdminBan(ctx *fasthttp.RequestCtx) {
	g.adminMutate(ctx, func(id string) {
		g.pool.Ban(id, "operator")
	})
}

// handleAdminActivate serves POST /admin/credentials/{id}/activate.
func (g *Gateway) handleAdminActivate(ctx *fasthttp.RequestCtx) {
	g.adminMutate(ctx, func(id string) {
		g.pool.Activate(id)
	})
}

func (g *Gateway) adminMutate(ctx *fasthttp.RequestCtx, fn func(id string)) {
	if g.pool == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"credential pool is not configured", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	id, _ := ctx.UserValue("id").(string)
	if id == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"credential id is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	known := false
	for _, c := range g.pool.Snapshot() {
		if c.ID == id {
			known = true
			break
		}
	}
	if !known {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("unknown credential %q", id),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	fn(id)
	writeJSON(ctx, map[string]string{"status": "ok", "id": id})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID, model, credentialID string,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	attempts, continuations uint8,
	isCached bool,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	// Clamp to uint16 max so we don't overflow the field.
	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:            reqUUID,
		Provider:      g.driverName(),
		Model:         model,
		CredentialID:  credentialID,
		InputTokens:   uint32(inputTokens),
		OutputTokens:  uint32(outputTokens),
		LatencyMs:     latencyMs,
		Status:        uint16(status),
		Attempts:      attempts,
		Continuations: continuations,
		Cached:        isCached,
		CreatedAt:     time.Now(),
	})
}

// buildCacheKey returns a deterministic SHA-256 cache key for the request.
// The driver name is included to prevent cross-provider key collisions when
// two deployments share a Redis instance.
func (g *Gateway) buildCacheKey(req *upstream.Request) string {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	msgs := make([]msg, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = msg{Role: m.Role, Content: m.Content}
	}
	data, _ := json.Marshal(struct {
		P    string `json:"p"`
		M    string `json:"m"`
		T    string `json:"t"`
		MT   int    `json:"mt"`
		Msgs []msg  `json:"msgs"`
	}{
		g.driverName(),
		req.Model,
		fmt.Sprintf("%.2f", req.Temperature),
		req.MaxTokens,
		msgs,
	})
	h := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(h[:])
}

// attemptCount extracts the attempt count from a dispatch error for logging.
func attemptCount(err error) uint8 {
	var de *dispatch.Error
	if errors.As(err, &de) {
		n := len(de.Attempts)
		if n > 255 {
			n = 255
		}
		return uint8(n)
	}
	return 0
}

// handleDispatchError maps a dispatch failure to the appropriate HTTP response.
//
//	rate_limited         → 429 + Retry-After: 60
//	auth / permission    → 502 (credential trouble is the gateway's fault, not the client's)
//	bad_request          → upstream status passed through (4xx)
//	pool exhausted       → 503
//	timeouts             → 504 Gateway Timeout
//	everything else      → 502 Bad Gateway
func handleDispatchError(ctx *fasthttp.RequestCtx, err error) {
	var de *dispatch.Error
	if errors.As(err, &de) {
		switch de.Class {
		case upstream.ClassRateLimited:
			ctx.Response.Header.Set("Retry-After", "60")
			apierr.Write(ctx, fasthttp.StatusTooManyRequests,
				de.Message, apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded)
		case upstream.ClassBadRequest:
			apierr.Write(ctx, de.HTTPStatus(),
				de.Message, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		case upstream.ClassAuthInvalid, upstream.ClassPermissionDenied:
			if de.HTTPStatus() == fasthttp.StatusServiceUnavailable {
				// Pool exhausted: no credential could even be tried.
				apierr.WritePoolExhausted(ctx, de.Message)
				return
			}
			apierr.Write(ctx, fasthttp.StatusBadGateway,
				de.Message, apierr.TypeProviderError, apierr.CodeProviderError)
		default:
			apierr.WriteProviderError(ctx, de.HTTPStatus(), de.Message)
		}
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
}

// writeSSE relays stream chunks as Server-Sent Events in the OpenAI chunk
// format. onComplete is called once the stream drains with an estimated
// output token count (≈ chars/4), enabling async logging for streaming
// requests.
func writeSSE(ctx *fasthttp.RequestCtx, stream <-chan upstream.StreamChunk, onComplete func(outputTokens int)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		var sb strings.Builder
		for chunk := range stream {
			sb.WriteString(chunk.Content)

			delta := map[string]any{
				"id":      "chatcmpl-stream",
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": map[string]string{"content": chunk.Content},
						"finish_reason": func() any {
							if chunk.FinishReason != "" {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		// Estimate output tokens: ~4 characters per token (GPT-style heuristic).
		estimated := sb.Len() / 4
		if estimated == 0 {
			estimated = 1
		}
		if onComplete != nil {
			onComplete(estimated)
		}
	})
}
