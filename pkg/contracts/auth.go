// Package contracts — authentication interfaces for the pluggable credential
// resolver described in spec.md §4.2.
//
// OSS ships three providers tried in order: bearer JWT (JWKS-verified),
// static API key (web/tool scoped), and trusted-proxy upstream headers.
package contracts

import (
	"context"
	"net/http"
	"time"
)

// ── Identity ────────────────────────────────────────────────

// Identity represents the authenticated principal behind a request.
// Produced by an AuthProvider, consumed by the Request Router to resolve
// the "authoritative user id" per spec.md §4.1 step 1.
type Identity struct {
	// Subject is the authoritative user id (JWT `sub`, "apikey:<first 16 hex
	// chars of the key's SHA-256>" for API-key callers, or the
	// upstream-injected x-user-id).
	Subject string `json:"subject"`

	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`

	// Provider identifies which AuthProvider authenticated this identity:
	// "jwt", "apikey", "trusted_proxy".
	Provider string `json:"provider"`

	// Scope is "web", "tool", or "" (JWT/proxy identities are unscoped and
	// may call any surface the subject is authorized for by the caller).
	// API key scopes MUST NOT cross per spec.md §4.2.
	Scope string `json:"scope,omitempty"`

	Groups    []string          `json:"groups,omitempty"`
	Claims    map[string]string `json:"claims,omitempty"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
}

// ── AuthProvider ────────────────────────────────────────────

// AuthProvider authenticates an HTTP request and returns an Identity.
//
// Contract (spec.md §4.2):
//   - (*Identity, nil) → authenticated, stop the chain
//   - (nil, nil)       → this provider doesn't apply, try the next one
//   - (nil, error)     → a credential was presented but rejected; the chain
//     stops and the caller gets `unauthorized` with no detail about which
//     validator refused.
type AuthProvider interface {
	Name() string
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
	Enabled() bool
}

// ── AuthProviderChain ───────────────────────────────────────

// AuthProviderChain tries providers in registration order until one
// returns an Identity or rejects with an error.
type AuthProviderChain interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
	RegisterProvider(provider AuthProvider)
}
