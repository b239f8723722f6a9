// Package credential manages the pool of interchangeable upstream
// credentials: their health state, rotation order, auth refresh, and the
// ban/cooldown lifecycle.
//
// The Pool owns every Credential exclusively. Callers receive value
// snapshots from Acquire and must go through the Pool API for any mutation —
// there is no way to reach a live *Credential from outside the package.
package credential

import "time"

// Status is the lifecycle state of a credential inside the pool.
type Status string

const (
	// StatusActive — eligible for Acquire.
	StatusActive Status = "active"

	// StatusRefreshing — a token refresh is in flight; skipped by Acquire.
	StatusRefreshing Status = "refreshing"

	// StatusBanned — permanently excluded until explicitly re-activated.
	StatusBanned Status = "banned"

	// StatusCooldown — temporarily excluded; becomes Active automatically
	// once CooldownUntil has passed.
	StatusCooldown Status = "cooldown"
)

// Credential is one authorization unit usable against the upstream provider.
type Credential struct {
	ID           string
	Token        string
	RefreshToken string
	ProjectID    string

	Status              Status
	LastUsedAt          time.Time
	ConsecutiveFailures int
	CooldownUntil       time.Time
	BanReason           string
}

// Usable reports whether the credential may be handed out at time now.
// Cooldown credentials become usable once their cooldown has expired; the
// status transition itself happens lazily inside the pool.
func (c *Credential) Usable(now time.Time) bool {
	switch c.Status {
	case StatusActive:
		return true
	case StatusCooldown:
		return now.After(c.CooldownUntil)
	default:
		return false
	}
}
