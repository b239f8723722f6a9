// Package dispatch owns the retry loop around upstream calls: it acquires a
// credential for each attempt, classifies failures, and applies the matching
// recovery action (rotate, refresh, back off, ban) until the call succeeds,
// the attempt budget runs out, or the failure is terminal.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/keypool-gateway/internal/credential"
	"github.com/nulpointcorp/keypool-gateway/internal/metrics"
	"github.com/nulpointcorp/keypool-gateway/internal/upstream"
)

// CredentialSource is the slice of the credential pool the dispatcher needs.
type CredentialSource interface {
	Acquire() (credential.Credential, error)
	Peek(id string) (credential.Credential, bool)
	RotateAway(id string)
	ForceRefreshToken(ctx context.Context, id string) bool
	Ban(id, reason string)
	ReportResult(id string, success bool, class upstream.ErrorClass)
	ActiveCount() int
}

// Config holds the retry policy knobs.
type Config struct {
	// MaxRetries is the number of retries after the first attempt, so the
	// total attempt budget is MaxRetries+1.
	MaxRetries int

	// BackoffBase seeds the exponential backoff for server and network
	// faults: delay = BackoffBase << attempt.
	BackoffBase time.Duration

	// RetryDelay is the fixed pause inserted after a credential is banned
	// mid-request, giving the pool's async persistence a head start.
	RetryDelay time.Duration

	// PerAttemptTimeout bounds one buffered upstream exchange. Streaming
	// attempts are exempt once the stream is established.
	PerAttemptTimeout time.Duration

	// AutoBan enables automatic banning on permission_denied and on failed
	// token refresh. When disabled those credentials are only rotated away.
	AutoBan bool
}

// DefaultConfig returns the production retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        upstream.MaxRetries,
		BackoffBase:       upstream.BackoffBase,
		RetryDelay:        upstream.RetryDelay,
		PerAttemptTimeout: upstream.PerAttemptTimeout,
		AutoBan:           true,
	}
}

// Reply wraps a successful upstream response. It is success-only by
// construction: failures travel as *Error through the error return, so a
// reply can never carry an error state alongside an open stream.
type Reply struct {
	*upstream.Response

	// CredentialID is the credential that served the final attempt.
	CredentialID string

	// Attempts is how many attempts the request consumed (≥ 1).
	Attempts int

	release context.CancelFunc
}

// Release frees the attempt context backing a streaming reply. Must be
// called once the stream is drained or abandoned. Safe on nil and non-stream
// replies, and safe to call more than once.
func (r *Reply) Release() {
	if r == nil || r.release == nil {
		return
	}
	r.release()
	r.release = nil
}

// AttemptRecord describes one failed attempt, for logs and error reporting.
type AttemptRecord struct {
	Credential string
	Class      upstream.ErrorClass
	Message    string
	Delay      time.Duration
}

// Error is the terminal failure of a dispatch. It carries the class of the
// last attempt and the attempt trail; it never carries response content or
// a stream.
type Error struct {
	Class    upstream.ErrorClass
	Status   int
	Message  string
	Attempts []AttemptRecord
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch: %s after %d attempt(s): %s", e.Class, len(e.Attempts), e.Message)
}

// HTTPStatus implements upstream.StatusCoder for the HTTP layer.
func (e *Error) HTTPStatus() int { return e.Status }

// Options holds the optional collaborators for a Dispatcher.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Dispatcher runs requests against one upstream driver with retry and
// credential rotation. Safe for concurrent use.
type Dispatcher struct {
	pool    CredentialSource
	caller  upstream.Caller
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Registry

	// sleep is swapped out in tests to capture delay sequences.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Dispatcher. Zero-valued Config fields fall back to
// DefaultConfig values, except AutoBan which is taken as given.
func New(pool CredentialSource, caller upstream.Caller, cfg Config, opts Options) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.PerAttemptTimeout <= 0 {
		cfg.PerAttemptTimeout = def.PerAttemptTimeout
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Dispatcher{
		pool:    pool,
		caller:  caller,
		cfg:     cfg,
		log:     log,
		metrics: opts.Metrics,
		sleep:   sleepCtx,
	}
}

// Execute runs req with the full retry policy. It returns either a Reply or
// an *Error — never both, and the error side is structurally stream-free.
//
// The recovery table, by class of the failed attempt:
//
//	rate_limited      → rotate to another credential when ≥2 are active
//	                    (no delay); otherwise back off exponentially on
//	                    the same credential
//	auth_invalid      → refresh the token and retry the same credential
//	                    immediately; if the refresh fails, ban the credential
//	                    and pause RetryDelay
//	permission_denied → ban the credential, pause RetryDelay
//	server_fault      → same credential, exponential backoff
//	network_fault     → same credential, exponential backoff
//	bad_request       → terminal, no retry
//
// A credential is acquired once at request start and held across retries.
// The pool is consulted again only after the held credential was rotated
// away or banned — "same credential" rows really do reuse the credential in
// hand rather than taking the next ring slot.
func (d *Dispatcher) Execute(ctx context.Context, req *upstream.Request) (*Reply, error) {
	var trail []AttemptRecord
	var cred credential.Credential
	holding := false

	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, d.fail(upstream.ClassNetworkFault, 499, "client disconnected", trail)
		}

		if !holding {
			var err error
			cred, err = d.pool.Acquire()
			if err != nil {
				if errors.Is(err, credential.ErrNoCredentials) {
					return nil, d.fail(upstream.ClassAuthInvalid, 503, "no active credentials", trail)
				}
				return nil, d.fail(upstream.ClassNetworkFault, 500, err.Error(), trail)
			}
		}

		resp, release, sendErr := d.attempt(ctx, cred, req)
		if sendErr == nil {
			d.pool.ReportResult(cred.ID, true, "")
			if d.metrics != nil {
				d.metrics.RecordDispatchAttempt("", "success")
			}
			return &Reply{
				Response:     resp,
				CredentialID: cred.ID,
				Attempts:     attempt + 1,
				release:      release,
			}, nil
		}

		class := upstream.Classify(sendErr)
		d.pool.ReportResult(cred.ID, false, class)
		if d.metrics != nil {
			d.metrics.RecordDispatchAttempt(string(class), "failure")
		}

		rec := AttemptRecord{Credential: cred.ID, Class: class, Message: sendErr.Error()}

		d.log.Warn("dispatch_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("credential", cred.ID),
			slog.String("class", string(class)),
			slog.Int("attempt", attempt+1),
			slog.String("error", sendErr.Error()),
		)

		if class == upstream.ClassBadRequest {
			trail = append(trail, rec)
			return nil, d.fail(class, statusOf(sendErr, 400), sendErr.Error(), trail)
		}

		if attempt == d.cfg.MaxRetries {
			trail = append(trail, rec)
			return nil, d.fail(class, statusOf(sendErr, 502), sendErr.Error(), trail)
		}

		var keep bool
		rec.Delay, keep = d.recover(ctx, cred, class, attempt)
		trail = append(trail, rec)

		if keep && class == upstream.ClassAuthInvalid {
			// The refreshed token lives in the pool; pick up the new secret
			// before retrying on the same credential.
			if fresh, ok := d.pool.Peek(cred.ID); ok {
				cred = fresh
			}
		}
		holding = keep

		if rec.Delay > 0 {
			if err := d.sleep(ctx, rec.Delay); err != nil {
				return nil, d.fail(class, 499, "client disconnected during backoff", trail)
			}
		}
	}

	// Unreachable: the loop either returns a reply or fails on the last
	// attempt above.
	return nil, d.fail(upstream.ClassNetworkFault, 500, "retry loop exhausted", trail)
}

// attempt runs a single upstream call. Non-streaming attempts are bounded by
// PerAttemptTimeout. Streaming attempts get a cancel-only context so a
// healthy long stream is not cut off mid-flight, but establishment (the Send
// call itself) is still bounded by the same timeout; the returned cancel is
// handed to the Reply for release after drain.
func (d *Dispatcher) attempt(ctx context.Context, cred credential.Credential, req *upstream.Request) (*upstream.Response, context.CancelFunc, error) {
	auth := upstream.Auth{
		CredentialID: cred.ID,
		Token:        cred.Token,
		ProjectID:    cred.ProjectID,
	}

	if !req.Stream {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.PerAttemptTimeout)
		defer cancel()
		resp, err := d.caller.Send(attemptCtx, auth, req)
		if err != nil {
			return nil, nil, err
		}
		return resp, nil, nil
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	establish := time.AfterFunc(d.cfg.PerAttemptTimeout, cancel)
	resp, err := d.caller.Send(attemptCtx, auth, req)
	if !establish.Stop() && err == nil {
		// The timer fired between Send returning and Stop: the stream
		// context is already cancelled, so the stream is unusable.
		err = context.DeadlineExceeded
	}
	if err != nil {
		cancel()
		return nil, nil, err
	}

	if resp.Stream == nil {
		cancel()
		return resp, nil, nil
	}
	return resp, cancel, nil
}

// recover applies the post-failure action for class. It returns the delay to
// wait before the next attempt and whether the failed credential is kept for
// it; keep is false exactly when the credential was rotated away or banned.
func (d *Dispatcher) recover(ctx context.Context, cred credential.Credential, class upstream.ErrorClass, attempt int) (time.Duration, bool) {
	switch class {
	case upstream.ClassRateLimited:
		if d.pool.ActiveCount() >= 2 {
			d.pool.RotateAway(cred.ID)
			return 0, false
		}
		return d.backoff(attempt), true

	case upstream.ClassAuthInvalid:
		if d.pool.ForceRefreshToken(ctx, cred.ID) {
			return 0, true
		}
		if d.cfg.AutoBan {
			d.pool.Ban(cred.ID, string(class))
		} else {
			d.pool.RotateAway(cred.ID)
		}
		return d.cfg.RetryDelay, false

	case upstream.ClassPermissionDenied:
		if d.cfg.AutoBan {
			d.pool.Ban(cred.ID, string(class))
		} else {
			d.pool.RotateAway(cred.ID)
		}
		return d.cfg.RetryDelay, false

	default: // server_fault, network_fault
		return d.backoff(attempt), true
	}
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	return d.cfg.BackoffBase << uint(attempt)
}

func (d *Dispatcher) fail(class upstream.ErrorClass, status int, msg string, trail []AttemptRecord) *Error {
	if d.metrics != nil {
		d.metrics.RecordDispatchFailure(string(class))
	}
	return &Error{Class: class, Status: status, Message: msg, Attempts: trail}
}

// statusOf extracts the upstream HTTP status from err, or returns fallback
// for transport-level failures that never produced one.
func statusOf(err error, fallback int) int {
	var sc upstream.StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return fallback
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
