package proxy

import (
	"context"
	"errors"
	"testing"

	"github.com/nulpointcorp/keypool-gateway/internal/credential"
	"github.com/nulpointcorp/keypool-gateway/internal/upstream"
)

// stubDriver implements upstream.Caller for health probe tests.
type stubDriver struct {
	name      string
	healthErr error
}

func (d *stubDriver) Name() string { return d.name }

func (d *stubDriver) Send(context.Context, upstream.Auth, *upstream.Request) (*upstream.Response, error) {
	return nil, errors.New("stub: not implemented")
}

func (d *stubDriver) HealthCheck(context.Context) error { return d.healthErr }

func healthyPool(active, banned int) *stubPoolAdmin {
	p := &stubPoolAdmin{}
	for i := 0; i < active; i++ {
		p.creds = append(p.creds, credential.Credential{ID: "a", Status: credential.StatusActive})
	}
	for i := 0; i < banned; i++ {
		p.creds = append(p.creds, credential.Credential{ID: "b", Status: credential.StatusBanned})
	}
	return p
}

func TestNewHealthChecker_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewHealthChecker(nil, &stubDriver{name: "gemini"}, nil, nil, nil)
}

func TestSnapshot_AllHealthy(t *testing.T) {
	hc := NewHealthChecker(context.Background(),
		&stubDriver{name: "gemini"}, healthyPool(2, 0), func() bool { return true }, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "ok" {
		t.Errorf("status = %q, want ok", snap.Status)
	}
	if snap.Upstream != "ok" {
		t.Errorf("upstream = %q, want ok", snap.Upstream)
	}
	if snap.Cache != "ok" {
		t.Errorf("cache = %q, want ok", snap.Cache)
	}
	if snap.ActiveCredentials != 2 || snap.TotalCredentials != 2 {
		t.Errorf("credentials = %d/%d, want 2/2", snap.ActiveCredentials, snap.TotalCredentials)
	}
}

func TestSnapshot_DegradedUpstream(t *testing.T) {
	hc := NewHealthChecker(context.Background(),
		&stubDriver{name: "gemini", healthErr: errors.New("503")}, healthyPool(1, 0), nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Upstream != "degraded" {
		t.Errorf("upstream = %q, want degraded", snap.Upstream)
	}
	if snap.Status != "degraded" {
		t.Errorf("status = %q, want degraded", snap.Status)
	}
}

func TestSnapshot_PoolExhausted(t *testing.T) {
	hc := NewHealthChecker(context.Background(),
		&stubDriver{name: "gemini"}, healthyPool(0, 3), nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "degraded" {
		t.Errorf("status = %q, want degraded with no active credentials", snap.Status)
	}
	if snap.ActiveCredentials != 0 || snap.TotalCredentials != 3 {
		t.Errorf("credentials = %d/%d, want 0/3", snap.ActiveCredentials, snap.TotalCredentials)
	}
}

func TestSnapshot_CacheDegraded(t *testing.T) {
	hc := NewHealthChecker(context.Background(),
		&stubDriver{name: "gemini"}, healthyPool(1, 0), func() bool { return false }, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Cache != "degraded" {
		t.Errorf("cache = %q, want degraded", snap.Cache)
	}
}

func TestSnapshot_NilCacheProbe(t *testing.T) {
	hc := NewHealthChecker(context.Background(),
		&stubDriver{name: "gemini"}, healthyPool(1, 0), nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Cache != "ok" {
		t.Errorf("cache = %q, want ok when probe is not configured", snap.Cache)
	}
}

func TestReadinessOK_ActiveCredentials(t *testing.T) {
	hc := NewHealthChecker(context.Background(),
		&stubDriver{name: "gemini"}, healthyPool(1, 1), nil, nil)
	defer hc.Close()

	if !hc.ReadinessOK() {
		t.Error("expected ready with an active credential")
	}
}

func TestReadinessOK_PoolExhausted(t *testing.T) {
	hc := NewHealthChecker(context.Background(),
		&stubDriver{name: "gemini"}, healthyPool(0, 2), nil, nil)
	defer hc.Close()

	if hc.ReadinessOK() {
		t.Error("expected not ready with no active credentials")
	}
}

func TestReadinessOK_NilPool(t *testing.T) {
	hc := NewHealthChecker(context.Background(),
		&stubDriver{name: "gemini"}, nil, nil, nil)
	defer hc.Close()

	if !hc.ReadinessOK() {
		t.Error("expected ready when no pool is wired")
	}
}

func TestComponentStatus_DefaultUnknown(t *testing.T) {
	var s componentStatus
	if s.get() != "unknown" {
		t.Errorf("default status = %q, want unknown", s.get())
	}
}

func TestComponentStatus_SetGet(t *testing.T) {
	var s componentStatus
	s.set("ok")
	if s.get() != "ok" {
		t.Errorf("status = %q, want ok", s.get())
	}
	s.set("down")
	if s.get() != "down" {
		t.Errorf("status = %q, want down", s.get())
	}
}

func TestHealthChecker_Close(t *testing.T) {
	hc := NewHealthChecker(context.Background(),
		&stubDriver{name: "gemini"}, healthyPool(1, 0), nil, nil)
	hc.Close() // must not hang or panic
}
