package outbound

import "context"

// AuthResult is the subset of the control plane's Auth RPC response the
// protocol handler consumes (§6, §9 — "specify only what the core reads").
type AuthResult struct {
	// Groups is the caller's group membership, fed into every policy
	// evaluation as part of Input (§4.7).
	Groups []string
	// ExpiresAt is a Unix timestamp in seconds; zero means no expiry.
	ExpiresAt int64
	// Passthrough, when true, skips the rewriter entirely for this session
	// — access-level enforcement at setup still applies (§4.8.2).
	Passthrough bool
}

// ControlPlaneClient is the outbound port to the external control plane
// (§6): authenticating a connecting principal and resolving the data
// source/integration configuration the handler needs before it dials a
// backend. internal/adapter/outbound/controlplane implements this against
// the real HTTP+JSON API; internal/adapter/outbound/controlplane/devstore's
// bundled server answers the same calls for local iteration and tests.
type ControlPlaneClient interface {
	// Auth exchanges a connecting principal's cleartext credentials for
	// its group membership and session bounds.
	Auth(ctx context.Context, user, password string) (AuthResult, error)

	// GetDataSource resolves which backend Postgres instance the
	// configured data source name points at.
	GetDataSource(ctx context.Context) (DataSource, error)
}

// DataSource is the subset of GetDataSource's response the core consumes:
// the connected database name a session's policy evaluation is scoped to.
type DataSource struct {
	Name string
}
