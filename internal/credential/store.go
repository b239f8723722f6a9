package credential

import (
	"context"
	"errors"
)

// ErrNotRefreshable is returned by RefreshSecret for credentials that carry
// no refresh token (plain API keys). The pool treats it as a refresh
// failure, not an infrastructure fault.
var ErrNotRefreshable = errors.New("credential: not refreshable (no refresh token)")

// Store is the external credential store collaborator. It owns persistence
// of secret material and the network call that renews it.
//
// Implementations must be safe for concurrent use: the pool calls
// RefreshSecret without holding its lock so that a slow token endpoint
// cannot stall Acquire for other requests.
type Store interface {
	// Load reads all known credentials. Called once at pool construction.
	Load(ctx context.Context) ([]Credential, error)

	// Persist writes back one credential's durable fields (token, status).
	// Best-effort from the pool's perspective; errors are logged, not fatal.
	Persist(ctx context.Context, cred Credential) error

	// RefreshSecret renews the credential's auth material against the
	// upstream identity provider and returns the new token. It does not
	// mutate pool state — the pool applies the result.
	RefreshSecret(ctx context.Context, cred Credential) (string, error)
}
