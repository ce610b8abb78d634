// Package auth implements the pluggable credential resolver chain described
// in spec.md §4.2: bearer JWT (JWKS-verified), static scoped API key, and
// trusted-proxy upstream headers, tried in that order.
package auth

import (
	"context"
	"net/http"
	"sync"

	"github.com/relaymesh/control-plane/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// ProviderChain implements contracts.AuthProviderChain.
// It walks registered providers in order until one returns an Identity.
//
// Thread-safe: providers can be registered at any time.
type ProviderChain struct {
	mu        sync.RWMutex
	providers []contracts.AuthProvider
}

// NewProviderChain creates an empty auth provider chain.
func NewProviderChain() *ProviderChain {
	return &ProviderChain{
		providers: make([]contracts.AuthProvider, 0),
	}
}

// RegisterProvider adds a provider to the end of the chain.
// Providers are tried in registration order.
func (c *ProviderChain) RegisterProvider(provider contracts.AuthProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers = append(c.providers, provider)
	log.Info().
		Str("provider", provider.Name()).
		Bool("enabled", provider.Enabled()).
		Msg("auth provider registered")
}

// Authenticate walks the chain of providers in order.
//
// Contract:
//   - (*Identity, nil) → authenticated, stop walking
//   - (nil, nil) → this provider doesn't handle this request, try next
//   - (nil, error) → auth attempted but failed, reject immediately
func (c *ProviderChain) Authenticate(ctx context.Context, r *http.Request) (*contracts.Identity, error) {
	c.mu.RLock()
	providers := make([]contracts.AuthProvider, len(c.providers))
	copy(providers, c.providers)
	c.mu.RUnlock()

	for _, p := range providers {
		if !p.Enabled() {
			continue
		}
		identity, err := p.Authenticate(ctx, r)
		if err != nil {
			log.Debug().
				Str("provider", p.Name()).
				Err(err).
				Msg("auth provider rejected request")
			return nil, err
		}
		if identity != nil {
			log.Debug().
				Str("provider", p.Name()).
				Str("subject", identity.Subject).
				Str("scope", identity.Scope).
				Msg("request authenticated")
			return identity, nil
		}
	}

	return nil, nil
}

// ListProviders returns the names of all registered providers (for diagnostics).
func (c *ProviderChain) ListProviders() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}
