package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/keypool-gateway/internal/metrics"
	"github.com/nulpointcorp/keypool-gateway/internal/upstream"
)

// ErrNoCredentials is returned by Acquire when no credential is currently
// usable. The dispatcher treats it as an immediate terminal failure.
var ErrNoCredentials = errors.New("credential: no active credentials available")

const persistTimeout = 3 * time.Second

// PoolOptions holds optional tuning parameters for a Pool. All fields have
// sensible defaults and can be omitted.
type PoolOptions struct {
	// Logger is the structured logger for pool state transitions.
	// Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, disabled.
	Metrics *metrics.Registry

	// RefreshTimeout bounds one ForceRefreshToken network call.
	// Default: upstream.RefreshTimeout (15s).
	RefreshTimeout time.Duration

	// BanCooldown, when > 0, turns Ban into a temporary exclusion: the
	// credential re-enters rotation once the cooldown expires. Zero means
	// banned credentials stay out until explicitly re-activated.
	BanCooldown time.Duration
}

// Pool tracks health and rotation order for all credentials. A single
// coarse mutex serializes the five state-mutating operations with respect
// to each other, so no caller can observe a torn state (e.g. acquiring a
// credential mid-ban). Network I/O (refresh, persist) happens outside the
// lock.
type Pool struct {
	mu     sync.Mutex
	store  Store
	creds  map[string]*Credential
	order  []string // rotation ring, round-robin via cursor
	cursor int

	refreshTimeout time.Duration
	banCooldown    time.Duration

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
}

// NewPool loads all credentials from store and builds the rotation ring.
// The ring order is the sorted credential ID order so rotation is
// deterministic across restarts.
func NewPool(ctx context.Context, store Store, opts PoolOptions) (*Pool, error) {
	if ctx == nil {
		return nil, fmt.Errorf("credential: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	refreshTimeout := opts.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = upstream.RefreshTimeout
	}

	creds, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("credential: load: %w", err)
	}

	p := &Pool{
		store:          store,
		creds:          make(map[string]*Credential, len(creds)),
		order:          make([]string, 0, len(creds)),
		refreshTimeout: refreshTimeout,
		banCooldown:    opts.BanCooldown,
		baseCtx:        ctx,
		log:            log,
		metrics:        opts.Metrics,
	}

	for i := range creds {
		c := creds[i]
		if _, dup := p.creds[c.ID]; dup {
			return nil, fmt.Errorf("credential: duplicate id %q", c.ID)
		}
		p.creds[c.ID] = &c
		p.order = append(p.order, c.ID)
	}
	sort.Strings(p.order)

	p.mu.Lock()
	p.updateGauges()
	p.mu.Unlock()

	return p, nil
}

// Acquire returns a snapshot of the next usable credential in round-robin
// order. Credentials with recent consecutive failures are deprioritized but
// not excluded; Banned and in-cooldown credentials are never returned.
// Cooldowns that have expired are re-activated lazily here.
func (p *Pool) Acquire() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	n := len(p.order)

	best := -1
	bestFailures := 0

	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		c := p.creds[p.order[idx]]

		if c.Status == StatusCooldown && now.After(c.CooldownUntil) {
			p.log.Info("credential_cooldown_expired", slog.String("credential", c.ID))
			c.Status = StatusActive
			c.ConsecutiveFailures = 0
			c.CooldownUntil = time.Time{}
			c.BanReason = ""
		}

		if c.Status != StatusActive {
			continue
		}

		if c.ConsecutiveFailures == 0 {
			best = idx
			break // healthy credential in ring order wins outright
		}
		if best == -1 || c.ConsecutiveFailures < bestFailures {
			best = idx
			bestFailures = c.ConsecutiveFailures
		}
	}

	if best == -1 {
		return Credential{}, ErrNoCredentials
	}

	c := p.creds[p.order[best]]
	c.LastUsedAt = now
	p.cursor = (best + 1) % n
	p.updateGauges()

	return *c, nil
}

// Peek returns a value snapshot of id without touching the rotation cursor
// or usage bookkeeping. The dispatcher uses it to pick up a refreshed token
// while retrying on the credential it already holds.
func (p *Pool) Peek(id string) (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.creds[id]
	if !ok {
		return Credential{}, false
	}
	return *c, true
}

// RotateAway moves id to the back of the rotation ring so subsequent
// acquisitions prefer other credentials. Status is not changed.
func (p *Pool) RotateAway(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos := -1
	for i, cid := range p.order {
		if cid == id {
			pos = i
			break
		}
	}
	if pos == -1 {
		return
	}

	p.order = append(append(p.order[:pos:pos], p.order[pos+1:]...), id)
	if pos < p.cursor {
		p.cursor--
	}
	if n := len(p.order); n > 0 {
		p.cursor %= n
	}

	if p.metrics != nil {
		p.metrics.RecordRotation()
	}
}

// ForceRefreshToken renews the auth material for id against the credential
// store. Returns true on success. Expected refresh failures (revoked token,
// endpoint rejection, unknown id) return false; they never panic or abort
// the caller.
func (p *Pool) ForceRefreshToken(ctx context.Context, id string) bool {
	p.mu.Lock()
	c, ok := p.creds[id]
	if !ok || c.Status == StatusRefreshing {
		p.mu.Unlock()
		return false
	}
	prev := c.Status
	c.Status = StatusRefreshing
	snapshot := *c
	p.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, p.refreshTimeout)
	defer cancel()
	token, err := p.store.RefreshSecret(rctx, snapshot)

	p.mu.Lock()
	defer p.mu.Unlock()

	c.Status = prev
	if err != nil {
		p.log.Warn("credential_refresh_failed",
			slog.String("credential", id),
			slog.String("error", err.Error()),
		)
		if p.metrics != nil {
			p.metrics.RecordRefresh("failure")
		}
		return false
	}

	c.Token = token
	c.Status = StatusActive
	c.ConsecutiveFailures = 0
	p.log.Info("credential_refreshed", slog.String("credential", id))
	if p.metrics != nil {
		p.metrics.RecordRefresh("success")
	}

	p.persistAsync(*c)
	return true
}

// Ban excludes id from rotation. With a configured cooldown the credential
// returns automatically once the cooldown expires; otherwise it stays out
// until Activate is called.
func (p *Pool) Ban(id, reason string) {
	p.mu.Lock()

	c, ok := p.creds[id]
	if !ok {
		p.mu.Unlock()
		return
	}

	c.BanReason = reason
	if p.banCooldown > 0 {
		c.Status = StatusCooldown
		c.CooldownUntil = time.Now().Add(p.banCooldown)
	} else {
		c.Status = StatusBanned
	}
	snapshot := *c
	p.updateGauges()
	p.mu.Unlock()

	p.log.Warn("credential_banned",
		slog.String("credential", id),
		slog.String("reason", reason),
		slog.String("status", string(snapshot.Status)),
	)
	if p.metrics != nil {
		p.metrics.RecordBan(reason)
	}

	p.persistAsync(snapshot)
}

// Activate returns id to rotation, clearing failure counters and any ban.
func (p *Pool) Activate(id string) {
	p.mu.Lock()

	c, ok := p.creds[id]
	if !ok {
		p.mu.Unlock()
		return
	}

	c.Status = StatusActive
	c.ConsecutiveFailures = 0
	c.CooldownUntil = time.Time{}
	c.BanReason = ""
	snapshot := *c
	p.updateGauges()
	p.mu.Unlock()

	p.log.Info("credential_activated", slog.String("credential", id))
	p.persistAsync(snapshot)
}

// ReportResult updates the health counters used for acquisition ordering.
// Rate-limited failures count like any other failure here — deprioritization
// only; banning is the dispatcher's decision, never automatic.
func (p *Pool) ReportResult(id string, success bool, class upstream.ErrorClass) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.creds[id]
	if !ok {
		return
	}

	if success {
		c.ConsecutiveFailures = 0
		return
	}

	c.ConsecutiveFailures++
	p.log.Debug("credential_failure_recorded",
		slog.String("credential", id),
		slog.String("class", string(class)),
		slog.Int("consecutive_failures", c.ConsecutiveFailures),
	)
}

// ActiveCount returns the number of credentials Acquire could hand out
// right now (Active, plus Cooldown entries whose cooldown has expired).
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	count := 0
	for _, c := range p.creds {
		if c.Usable(now) {
			count++
		}
	}
	return count
}

// Len returns the total credential count regardless of status.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// Snapshot returns value copies of every credential sorted by ID, with
// secret material blanked — intended for the admin API and logs.
func (p *Pool) Snapshot() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Credential, 0, len(p.creds))
	for _, id := range p.order {
		c := *p.creds[id]
		c.Token = ""
		c.RefreshToken = ""
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// persistAsync writes the credential back to the store without blocking the
// caller. Persistence failures are logged, never propagated — the pool's
// in-memory state is authoritative for the life of the process.
func (p *Pool) persistAsync(cred Credential) {
	go func() {
		ctx, cancel := context.WithTimeout(p.baseCtx, persistTimeout)
		defer cancel()
		if err := p.store.Persist(ctx, cred); err != nil {
			p.log.Warn("credential_persist_failed",
				slog.String("credential", cred.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// updateGauges refreshes the pool gauges. Callers must hold p.mu.
func (p *Pool) updateGauges() {
	if p.metrics == nil {
		return
	}
	now := time.Now()
	active := 0
	for _, c := range p.creds {
		if c.Usable(now) {
			active++
		}
	}
	p.metrics.SetPoolSize(active, len(p.creds))
}
