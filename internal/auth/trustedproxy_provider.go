package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/relaymesh/control-plane/internal/config"
	"github.com/relaymesh/control-plane/pkg/contracts"
)

// TrustedProxyProvider trusts an upstream edge proxy to have already
// authenticated the caller and injected identity headers. Disabled by
// default per spec.md §4.2 Open Question — operators must explicitly opt
// in, since this provider has no way to verify the headers actually came
// from a trusted edge rather than a spoofing client.
type TrustedProxyProvider struct {
	enabled bool
}

// NewTrustedProxyProvider creates a trusted-proxy auth provider from config.
func NewTrustedProxyProvider(cfg config.AuthConfig) *TrustedProxyProvider {
	return &TrustedProxyProvider{enabled: cfg.TrustedProxyEnabled}
}

func (p *TrustedProxyProvider) Name() string  { return "trusted_proxy" }
func (p *TrustedProxyProvider) Enabled() bool { return p.enabled }

// Authenticate reads the X-User-Id / X-User-Email / X-User-Name /
// X-User-Groups (comma-separated) headers injected by the upstream proxy.
// Returns (nil, nil) if no X-User-Id header is present.
func (p *TrustedProxyProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		return nil, nil
	}
	if !isSafeHeaderValue(userID) {
		return nil, fmt.Errorf("trusted_proxy: malformed X-User-Id header")
	}

	var groups []string
	for _, g := range strings.Split(r.Header.Get("X-User-Groups"), ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}

	return &contracts.Identity{
		Subject:     userID,
		Email:       r.Header.Get("X-User-Email"),
		DisplayName: r.Header.Get("X-User-Name"),
		Provider:    "trusted_proxy",
		Groups:      groups,
	}, nil
}

func isSafeHeaderValue(v string) bool {
	if len(v) == 0 || len(v) > 256 {
		return false
	}
	for _, r := range v {
		if r == '\n' || r == '\r' {
			return false
		}
	}
	return true
}
