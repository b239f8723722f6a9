package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/keypool-gateway/internal/continuation"
	"github.com/nulpointcorp/keypool-gateway/internal/dispatch"
)

// serveRouter starts the full router (with all routes) on an in-memory
// listener and returns an HTTP client + cleanup.
func serveRouter(t *testing.T, gw *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, gw.Handler(nil))
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return client, func() { ln.Close() }
}

func routerGateway(disp Dispatcher, pool PoolAdmin) *Gateway {
	eng := continuation.New(disp, continuation.Options{})
	gw := NewGateway(context.Background(), disp, eng, pool, nil, nil, GatewayOptions{})
	gw.SetCORSOrigins([]string{"*"})
	return gw
}

// --- handleHealth -----------------------------------------------------------

func TestHandleHealth_NoHealthChecker(t *testing.T) {
	gw := routerGateway(&stubDispatcher{}, nil)

	ctx := &fasthttp.RequestCtx{}
	gw.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}

	var resp map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse health response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status=ok, got %v", resp["status"])
	}
}

func TestHandleHealth_WithDriver(t *testing.T) {
	disp := &stubDispatcher{}
	eng := continuation.New(disp, continuation.Options{})
	gw := NewGateway(context.Background(), disp, eng, healthyPool(1, 0),
		&stubDriver{name: "gemini"}, nil, GatewayOptions{})
	defer gw.health.Close()

	ctx := &fasthttp.RequestCtx{}
	gw.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}

	var snap HealthSnapshot
	if err := json.Unmarshal(ctx.Response.Body(), &snap); err != nil {
		t.Fatalf("failed to parse health snapshot: %v", err)
	}
	if snap.Status != "ok" {
		t.Errorf("expected status=ok, got %s", snap.Status)
	}
	if snap.Upstream != "ok" {
		t.Errorf("expected upstream=ok, got %s", snap.Upstream)
	}
}

// --- handleReadiness --------------------------------------------------------

func TestHandleReadiness_NoHealthChecker(t *testing.T) {
	gw := routerGateway(&stubDispatcher{}, nil)

	ctx := &fasthttp.RequestCtx{}
	gw.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleReadiness_PoolExhausted(t *testing.T) {
	disp := &stubDispatcher{}
	eng := continuation.New(disp, continuation.Options{})
	gw := NewGateway(context.Background(), disp, eng, healthyPool(0, 2),
		&stubDriver{name: "gemini"}, nil, GatewayOptions{})
	defer gw.health.Close()

	ctx := &fasthttp.RequestCtx{}
	gw.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", ctx.Response.StatusCode())
	}
}

// --- route registration (via in-memory server) --------------------------------

func TestHandleChatCompletions_DelegatesToDispatch(t *testing.T) {
	gw := routerGateway(&stubDispatcher{
		replies: []*dispatch.Reply{bufferedOK("ok", "stop")},
	}, nil)

	client, cleanup := serveRouter(t, gw)
	defer cleanup()

	req, _ := http.NewRequest("POST", "http://test/v1/chat/completions",
		bReader([]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"mock"}]}`)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHandleCompletions_DelegatesToDispatch(t *testing.T) {
	gw := routerGateway(&stubDispatcher{
		replies: []*dispatch.Reply{bufferedOK("ok", "stop")},
	}, nil)

	client, cleanup := serveRouter(t, gw)
	defer cleanup()

	req, _ := http.NewRequest("POST", "http://test/v1/completions",
		bReader([]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"mock"}]}`)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAdminRoutes_Registered(t *testing.T) {
	pool := healthyPool(1, 0)
	gw := routerGateway(&stubDispatcher{}, pool)

	client, cleanup := serveRouter(t, gw)
	defer cleanup()

	resp, err := client.Get("http://test/admin/credentials")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /admin/credentials: expected 200, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest("POST", "http://test/admin/credentials/a/ban", nil)
	resp2, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("POST ban: expected 200, got %d", resp2.StatusCode)
	}
	if len(pool.banned) != 1 || pool.banned[0] != "a" {
		t.Errorf("banned = %v, want [a]", pool.banned)
	}
}

// --- writeJSON --------------------------------------------------------------

func TestWriteJSON(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeJSON(ctx, map[string]string{"key": "value"})

	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json, got %s", string(ctx.Response.Header.ContentType()))
	}

	var resp map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if resp["key"] != "value" {
		t.Errorf("expected key=value, got %v", resp["key"])
	}
}
