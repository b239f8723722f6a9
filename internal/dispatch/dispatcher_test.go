package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nulpointcorp/keypool-gateway/internal/credential"
	"github.com/nulpointcorp/keypool-gateway/internal/upstream"
)

type fakePool struct {
	creds     []credential.Credential
	next      int
	active    int
	refreshOK bool

	rotated   []string
	banned    []string
	refreshed []string
}

func (p *fakePool) Acquire() (credential.Credential, error) {
	if len(p.creds) == 0 {
		return credential.Credential{}, credential.ErrNoCredentials
	}
	c := p.creds[p.next%len(p.creds)]
	p.next++
	return c, nil
}

func (p *fakePool) Peek(id string) (credential.Credential, bool) {
	for _, c := range p.creds {
		if c.ID == id {
			return c, true
		}
	}
	return credential.Credential{}, false
}

func (p *fakePool) RotateAway(id string) { p.rotated = append(p.rotated, id) }
func (p *fakePool) Ban(id, _ string)    { p.banned = append(p.banned, id) }
func (p *fakePool) ActiveCount() int    { return p.active }

func (p *fakePool) ForceRefreshToken(_ context.Context, id string) bool {
	p.refreshed = append(p.refreshed, id)
	return p.refreshOK
}

func (p *fakePool) ReportResult(string, bool, upstream.ErrorClass) {}

type sendResult struct {
	resp *upstream.Response
	err  error
}

type scriptCaller struct {
	script []sendResult
	calls  int
	auths  []upstream.Auth
	ctxs   []context.Context
}

func (c *scriptCaller) Name() string { return "script" }

func (c *scriptCaller) Send(ctx context.Context, auth upstream.Auth, _ *upstream.Request) (*upstream.Response, error) {
	c.auths = append(c.auths, auth)
	c.ctxs = append(c.ctxs, ctx)
	i := c.calls
	if i >= len(c.script) {
		i = len(c.script) - 1
	}
	c.calls++
	r := c.script[i]
	return r.resp, r.err
}

func (c *scriptCaller) HealthCheck(context.Context) error { return nil }

func twoCreds() []credential.Credential {
	return []credential.Credential{
		{ID: "a", Token: "tok-a", Status: credential.StatusActive},
		{ID: "b", Token: "tok-b", Status: credential.StatusActive},
	}
}

func statusErr(status int) error {
	return &upstream.Error{Status: status, Message: "scripted", Type: "test"}
}

// newTestDispatcher wires a dispatcher with the scripted collaborators and
// captures every backoff delay instead of sleeping.
func newTestDispatcher(pool CredentialSource, caller upstream.Caller, cfg Config) (*Dispatcher, *[]time.Duration) {
	d := New(pool, caller, cfg, Options{})
	delays := &[]time.Duration{}
	d.sleep = func(_ context.Context, dur time.Duration) error {
		*delays = append(*delays, dur)
		return nil
	}
	return d, delays
}

func TestExecuteFirstAttemptSuccess(t *testing.T) {
	pool := &fakePool{creds: twoCreds(), active: 2}
	caller := &scriptCaller{script: []sendResult{
		{resp: &upstream.Response{ID: "r1", Content: "hello"}},
	}}
	d, delays := newTestDispatcher(pool, caller, Config{})

	reply, err := d.Execute(context.Background(), &upstream.Request{Model: "m"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if reply.Content != "hello" || reply.Attempts != 1 || reply.CredentialID != "a" {
		t.Errorf("reply = %+v", reply)
	}
	if len(*delays) != 0 {
		t.Errorf("unexpected delays: %v", *delays)
	}

	// Release on a non-stream reply is a no-op.
	reply.Release()
	reply.Release()
}

func TestExecuteRateLimitedRotates(t *testing.T) {
	pool := &fakePool{creds: twoCreds(), active: 2}
	caller := &scriptCaller{script: []sendResult{
		{err: statusErr(429)},
		{resp: &upstream.Response{Content: "ok"}},
	}}
	d, delays := newTestDispatcher(pool, caller, Config{})

	reply, err := d.Execute(context.Background(), &upstream.Request{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if reply.CredentialID != "b" || reply.Attempts != 2 {
		t.Errorf("reply = %+v", reply)
	}
	if len(pool.rotated) != 1 || pool.rotated[0] != "a" {
		t.Errorf("rotated = %v, want [a]", pool.rotated)
	}
	// Rotation retries immediately.
	if len(*delays) != 0 {
		t.Errorf("delays = %v, want none", *delays)
	}
}

func TestExecuteRateLimitedSingleCredentialBacksOff(t *testing.T) {
	pool := &fakePool{
		creds:  []credential.Credential{{ID: "a", Token: "t", Status: credential.StatusActive}},
		active: 1,
	}
	caller := &scriptCaller{script: []sendResult{
		{err: statusErr(429)},
		{err: statusErr(429)},
		{resp: &upstream.Response{Content: "ok"}},
	}}
	d, delays := newTestDispatcher(pool, caller, Config{BackoffBase: 10 * time.Millisecond})

	reply, err := d.Execute(context.Background(), &upstream.Request{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if reply.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", reply.Attempts)
	}
	if len(pool.rotated) != 0 {
		t.Errorf("rotated = %v, want none with a single credential", pool.rotated)
	}

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if len(*delays) != len(want) {
		t.Fatalf("delays = %v, want %v", *delays, want)
	}
	for i := range want {
		if (*delays)[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, (*delays)[i], want[i])
		}
	}
}

func TestExecuteAuthInvalidRefreshesAndRetries(t *testing.T) {
	pool := &fakePool{creds: twoCreds(), active: 2, refreshOK: true}
	caller := &scriptCaller{script: []sendResult{
		{err: statusErr(401)},
		{resp: &upstream.Response{Content: "ok"}},
	}}
	d, delays := newTestDispatcher(pool, caller, Config{AutoBan: true})

	reply, err := d.Execute(context.Background(), &upstream.Request{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if reply.CredentialID != "a" {
		t.Errorf("credential = %q, want the refreshed credential a", reply.CredentialID)
	}
	if len(pool.refreshed) != 1 || pool.refreshed[0] != "a" {
		t.Errorf("refreshed = %v, want [a]", pool.refreshed)
	}
	if len(pool.banned) != 0 {
		t.Errorf("banned = %v, want none after successful refresh", pool.banned)
	}
	if len(*delays) != 0 {
		t.Errorf("delays = %v, want none", *delays)
	}
}

func TestExecuteAuthInvalidRefreshFailureBans(t *testing.T) {
	pool := &fakePool{creds: twoCreds(), active: 2, refreshOK: false}
	caller := &scriptCaller{script: []sendResult{
		{err: statusErr(401)},
		{resp: &upstream.Response{Content: "ok"}},
	}}
	d, delays := newTestDispatcher(pool, caller, Config{AutoBan: true, RetryDelay: 5 * time.Millisecond})

	if _, err := d.Execute(context.Background(), &upstream.Request{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(pool.banned) != 1 || pool.banned[0] != "a" {
		t.Errorf("banned = %v, want [a]", pool.banned)
	}
	if len(*delays) != 1 || (*delays)[0] != 5*time.Millisecond {
		t.Errorf("delays = %v, want [5ms]", *delays)
	}
}

func TestExecutePermissionDeniedBansImmediately(t *testing.T) {
	pool := &fakePool{creds: twoCreds(), active: 2}
	caller := &scriptCaller{script: []sendResult{
		{err: statusErr(403)},
		{resp: &upstream.Response{Content: "ok"}},
	}}
	d, delays := newTestDispatcher(pool, caller, Config{AutoBan: true, RetryDelay: 5 * time.Millisecond})

	if _, err := d.Execute(context.Background(), &upstream.Request{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(pool.banned) != 1 || pool.banned[0] != "a" {
		t.Errorf("banned = %v, want [a]", pool.banned)
	}
	if len(pool.refreshed) != 0 {
		t.Errorf("refreshed = %v, want none for 403", pool.refreshed)
	}
	if len(*delays) != 1 || (*delays)[0] != 5*time.Millisecond {
		t.Errorf("delays = %v, want [5ms]", *delays)
	}
}

func TestExecutePermissionDeniedAutoBanOff(t *testing.T) {
	pool := &fakePool{creds: twoCreds(), active: 2}
	caller := &scriptCaller{script: []sendResult{
		{err: statusErr(403)},
		{resp: &upstream.Response{Content: "ok"}},
	}}
	d, _ := newTestDispatcher(pool, caller, Config{AutoBan: false})

	if _, err := d.Execute(context.Background(), &upstream.Request{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(pool.banned) != 0 {
		t.Errorf("banned = %v, want none with auto-ban off", pool.banned)
	}
	if len(pool.rotated) != 1 || pool.rotated[0] != "a" {
		t.Errorf("rotated = %v, want [a]", pool.rotated)
	}
}

func TestExecuteBadRequestIsTerminal(t *testing.T) {
	pool := &fakePool{creds: twoCreds(), active: 2}
	caller := &scriptCaller{script: []sendResult{
		{err: statusErr(422)},
	}}
	d, _ := newTestDispatcher(pool, caller, Config{})

	_, err := d.Execute(context.Background(), &upstream.Request{})
	if err == nil {
		t.Fatal("expected error")
	}

	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("err = %T, want *Error", err)
	}
	if de.Class != upstream.ClassBadRequest || de.Status != 422 {
		t.Errorf("err = %+v", de)
	}
	if caller.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on bad request)", caller.calls)
	}
	if len(de.Attempts) != 1 {
		t.Errorf("attempt trail = %+v, want 1 entry", de.Attempts)
	}
}

func TestExecuteServerFaultExhaustsRetries(t *testing.T) {
	pool := &fakePool{creds: twoCreds(), active: 2}
	caller := &scriptCaller{script: []sendResult{
		{err: statusErr(503)},
	}}
	d, delays := newTestDispatcher(pool, caller, Config{
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
	})

	_, err := d.Execute(context.Background(), &upstream.Request{})
	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("err = %T, want *Error", err)
	}
	if de.Class != upstream.ClassServerFault || de.Status != 503 {
		t.Errorf("err = %+v", de)
	}
	if caller.calls != 3 {
		t.Errorf("calls = %d, want 3 (MaxRetries+1)", caller.calls)
	}
	if len(de.Attempts) != 3 {
		t.Errorf("attempt trail = %d entries, want 3", len(de.Attempts))
	}
	// Backoff grows between attempts; none after the last one.
	want := []time.Duration{time.Millisecond, 2 * time.Millisecond}
	if len(*delays) != len(want) || (*delays)[0] != want[0] || (*delays)[1] != want[1] {
		t.Errorf("delays = %v, want %v", *delays, want)
	}
}

func TestExecuteNetworkFaultRetriesSameCredential(t *testing.T) {
	pool := &fakePool{
		creds:  []credential.Credential{{ID: "a", Token: "t", Status: credential.StatusActive}},
		active: 1,
	}
	caller := &scriptCaller{script: []sendResult{
		{err: errors.New("connection reset by peer")},
		{resp: &upstream.Response{Content: "ok"}},
	}}
	d, _ := newTestDispatcher(pool, caller, Config{BackoffBase: time.Millisecond})

	reply, err := d.Execute(context.Background(), &upstream.Request{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if reply.Attempts != 2 || reply.CredentialID != "a" {
		t.Errorf("reply = %+v", reply)
	}
	if len(pool.rotated)+len(pool.banned) != 0 {
		t.Error("network faults must not rotate or ban")
	}
}

func TestExecuteEmptyPoolFailsImmediately(t *testing.T) {
	pool := &fakePool{}
	caller := &scriptCaller{script: []sendResult{{resp: &upstream.Response{}}}}
	d, _ := newTestDispatcher(pool, caller, Config{})

	_, err := d.Execute(context.Background(), &upstream.Request{})
	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("err = %T, want *Error", err)
	}
	if de.Status != 503 {
		t.Errorf("status = %d, want 503", de.Status)
	}
	if caller.calls != 0 {
		t.Errorf("calls = %d, want 0", caller.calls)
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	pool := &fakePool{creds: twoCreds(), active: 2}
	caller := &scriptCaller{script: []sendResult{{resp: &upstream.Response{}}}}
	d, _ := newTestDispatcher(pool, caller, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Execute(ctx, &upstream.Request{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if caller.calls != 0 {
		t.Errorf("calls = %d, want 0", caller.calls)
	}
}

func TestExecuteStreamingReplyHoldsContext(t *testing.T) {
	stream := make(chan upstream.StreamChunk)
	close(stream)

	pool := &fakePool{creds: twoCreds(), active: 2}
	caller := &scriptCaller{script: []sendResult{
		{resp: &upstream.Response{Stream: stream}},
	}}
	d, _ := newTestDispatcher(pool, caller, Config{PerAttemptTimeout: time.Millisecond})

	reply, err := d.Execute(context.Background(), &upstream.Request{Stream: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	sendCtx := caller.ctxs[0]
	select {
	case <-sendCtx.Done():
		t.Fatal("stream context cancelled before Release")
	default:
	}

	// Streaming attempts are exempt from the per-attempt timeout.
	if _, ok := sendCtx.Deadline(); ok {
		t.Error("streaming attempt context must not carry a deadline")
	}

	reply.Release()
	select {
	case <-sendCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("Release did not cancel the stream context")
	}
}

// memStore backs a real credential.Pool for the tests below, so the
// round-robin cursor behaves exactly as in production.
type memStore struct {
	creds      []credential.Credential
	token      string
	refreshErr error
}

func (s *memStore) Load(context.Context) ([]credential.Credential, error) { return s.creds, nil }
func (s *memStore) Persist(context.Context, credential.Credential) error  { return nil }

func (s *memStore) RefreshSecret(context.Context, credential.Credential) (string, error) {
	if s.refreshErr != nil {
		return "", s.refreshErr
	}
	return s.token, nil
}

func realPool(t *testing.T, store *memStore) *credential.Pool {
	t.Helper()
	pool, err := credential.NewPool(context.Background(), store, credential.PoolOptions{})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return pool
}

func TestExecuteServerFaultHoldsCredentialAcrossPool(t *testing.T) {
	pool := realPool(t, &memStore{creds: twoCreds()})
	caller := &scriptCaller{script: []sendResult{
		{err: statusErr(500)},
		{resp: &upstream.Response{Content: "ok"}},
	}}
	d, _ := newTestDispatcher(pool, caller, Config{BackoffBase: time.Millisecond})

	reply, err := d.Execute(context.Background(), &upstream.Request{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if reply.Attempts != 2 || reply.CredentialID != "a" {
		t.Errorf("reply = attempts %d credential %q, want 2 attempts on a", reply.Attempts, reply.CredentialID)
	}
	if caller.auths[0].CredentialID != caller.auths[1].CredentialID {
		t.Errorf("retry switched credential: %q then %q",
			caller.auths[0].CredentialID, caller.auths[1].CredentialID)
	}
}

func TestExecuteRefreshRetriesSameCredentialAcrossPool(t *testing.T) {
	pool := realPool(t, &memStore{creds: twoCreds(), token: "tok-new"})
	caller := &scriptCaller{script: []sendResult{
		{err: statusErr(404)},
		{resp: &upstream.Response{Content: "ok"}},
	}}
	d, _ := newTestDispatcher(pool, caller, Config{AutoBan: true})

	reply, err := d.Execute(context.Background(), &upstream.Request{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if reply.Attempts != 2 || reply.CredentialID != "a" {
		t.Errorf("reply = attempts %d credential %q, want 2 attempts on a", reply.Attempts, reply.CredentialID)
	}
	// The retry must carry the renewed token, not the stale snapshot.
	if caller.auths[1].Token != "tok-new" {
		t.Errorf("retry token = %q, want tok-new", caller.auths[1].Token)
	}
}

func TestExecuteRateLimitedRotatesAcrossPool(t *testing.T) {
	pool := realPool(t, &memStore{creds: twoCreds()})
	caller := &scriptCaller{script: []sendResult{
		{err: statusErr(429)},
		{resp: &upstream.Response{Content: "ok"}},
	}}
	d, _ := newTestDispatcher(pool, caller, Config{})

	reply, err := d.Execute(context.Background(), &upstream.Request{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if reply.CredentialID != "b" {
		t.Errorf("credential = %q, want rotation to b", reply.CredentialID)
	}
}

// blockingCaller never returns until its context is cancelled, simulating an
// upstream that accepts the connection but never finishes the handshake.
type blockingCaller struct {
	calls int
}

func (c *blockingCaller) Name() string { return "blocking" }

func (c *blockingCaller) Send(ctx context.Context, _ upstream.Auth, _ *upstream.Request) (*upstream.Response, error) {
	c.calls++
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *blockingCaller) HealthCheck(context.Context) error { return nil }

func TestExecuteStreamEstablishmentIsBounded(t *testing.T) {
	pool := &fakePool{creds: twoCreds(), active: 2}
	caller := &blockingCaller{}
	d, _ := newTestDispatcher(pool, caller, Config{
		MaxRetries:        1,
		PerAttemptTimeout: 5 * time.Millisecond,
		BackoffBase:       time.Millisecond,
	})

	done := make(chan struct{})
	var execErr error
	go func() {
		_, execErr = d.Execute(context.Background(), &upstream.Request{Stream: true})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute hung on stream establishment")
	}

	var de *Error
	if !errors.As(execErr, &de) {
		t.Fatalf("err = %T, want *Error", execErr)
	}
	if de.Class != upstream.ClassNetworkFault {
		t.Errorf("class = %s, want network_fault", de.Class)
	}
	if caller.calls != 2 {
		t.Errorf("calls = %d, want 2 (MaxRetries+1)", caller.calls)
	}
}
