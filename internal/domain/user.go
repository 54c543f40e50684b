package domain

import (
	"time"
)

// Plan names. Unknown plan strings fall back to monthly intervals.
const (
	PlanDaily   = "daily"
	PlanWeekly  = "weekly"
	PlanMonthly = "monthly"
)

// PlanInterval returns the credit reset interval for a plan name.
func PlanInterval(plan string) time.Duration {
	switch plan {
	case PlanDaily:
		return 24 * time.Hour
	case PlanWeekly:
		return 7 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// User is a gateway tenant. The struct is a snapshot of the repository
// record: the gate reads it for admission decisions, but credits are
// debited through the repository so concurrent requests serialise on the
// store, not on this copy.
type User struct {
	ID   string
	Name string

	// APIKeyHashes holds the salted hashes of the user's API keys. A user
	// with no hashes cannot authenticate.
	APIKeyHashes map[string]struct{}

	Plan          string
	PlanExpiresAt time.Time
	Enabled       bool

	// Credits is the remaining quota balance. Allowance is the amount the
	// balance resets to at each plan interval.
	Credits          int64
	Allowance        int64
	CreditsLastReset time.Time

	// AllowedModels restricts which models the plan covers. Empty means all.
	AllowedModels map[string]struct{}

	// Permissions restricts which endpoints the plan covers. Empty means all.
	Permissions map[string]struct{}

	// IPWhitelist restricts calling IPs. Empty means any.
	IPWhitelist map[string]struct{}

	// RateLimit is the per-minute request ceiling. 0 disables the check.
	RateLimit int

	// MaxConcurrent caps the user's simultaneous in-flight requests.
	// 0 disables the check.
	MaxConcurrent int
}

// HasAPIKeyHash reports whether hash is one of the user's key hashes.
func (u *User) HasAPIKeyHash(hash string) bool {
	_, ok := u.APIKeyHashes[hash]
	return ok
}

// PlanExpired reports whether the plan lapsed before now.
func (u *User) PlanExpired(now time.Time) bool {
	return !u.PlanExpiresAt.IsZero() && now.After(u.PlanExpiresAt)
}

// ModelAllowed reports whether the plan covers model.
func (u *User) ModelAllowed(model string) bool {
	if len(u.AllowedModels) == 0 {
		return true
	}
	_, ok := u.AllowedModels[model]
	return ok
}

// EndpointAllowed reports whether the plan covers endpoint.
func (u *User) EndpointAllowed(endpoint string) bool {
	if len(u.Permissions) == 0 {
		return true
	}
	_, ok := u.Permissions[endpoint]
	return ok
}

// IPAllowed reports whether ip passes the whitelist. An empty whitelist
// admits every caller, including the "unknown" placeholder.
func (u *User) IPAllowed(ip string) bool {
	if len(u.IPWhitelist) == 0 {
		return true
	}
	_, ok := u.IPWhitelist[ip]
	return ok
}

// ResetDue reports whether the lazy credit reset should run at now.
func (u *User) ResetDue(now time.Time) bool {
	return now.Sub(u.CreditsLastReset) >= PlanInterval(u.Plan)
}
