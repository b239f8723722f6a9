package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/keypool-gateway/internal/metrics"
	"github.com/nulpointcorp/keypool-gateway/internal/upstream"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results.
//
// The upstream probe is unauthenticated — it checks reachability only and
// never consumes a pooled credential. Pool health comes straight from the
// pool's own counters.
type HealthChecker struct {
	driver     upstream.Caller
	pool       PoolAdmin
	cacheReady func() bool
	baseCtx    context.Context
	metrics    *metrics.Registry

	upstreamStatus componentStatus
	cacheStatus    componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background probes.
func NewHealthChecker(
	ctx context.Context,
	driver upstream.Caller,
	pool PoolAdmin,
	cacheReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		driver:     driver,
		pool:       pool,
		cacheReady: cacheReady,
		startTime:  time.Now(),
		done:       make(chan struct{}),
		baseCtx:    ctx,
		metrics:    met,
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status            string `json:"status"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	Upstream          string `json:"upstream"`
	Cache             string `json:"cache"`
	ActiveCredentials int    `json:"active_credentials"`
	TotalCredentials  int    `json:"total_credentials"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	up := hc.upstreamStatus.get()
	if up != "ok" {
		overall = "degraded"
	}

	active, total := 0, 0
	if hc.pool != nil {
		active = hc.pool.ActiveCount()
		total = hc.pool.Len()
		if active == 0 {
			overall = "degraded"
		}
	}

	return HealthSnapshot{
		Status:            overall,
		UptimeSeconds:     int64(time.Since(hc.startTime).Seconds()),
		Upstream:          up,
		Cache:             hc.cacheStatus.get(),
		ActiveCredentials: active,
		TotalCredentials:  total,
	}
}

// ReadinessOK returns true when the gateway can serve traffic: at least one
// credential is usable (used by GET /readiness for Kubernetes probes).
func (hc *HealthChecker) ReadinessOK() bool {
	if hc.pool == nil {
		return true
	}
	return hc.pool.ActiveCount() > 0
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup

	// Upstream probe.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.driver == nil {
			hc.upstreamStatus.set("unknown")
			return
		}
		if err := hc.driver.HealthCheck(ctx); err != nil {
			hc.upstreamStatus.set("degraded")
			if hc.metrics != nil {
				hc.metrics.SetProviderHealth(hc.driver.Name(), false)
			}
		} else {
			hc.upstreamStatus.set("ok")
			if hc.metrics != nil {
				hc.metrics.SetProviderHealth(hc.driver.Name(), true)
			}
		}
	}()

	// Cache probe — nil probe means "not configured" → ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.cacheReady == nil || hc.cacheReady() {
			hc.cacheStatus.set("ok")
		} else {
			hc.cacheStatus.set("degraded")
		}
	}()

	wg.Wait()
}
