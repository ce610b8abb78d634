package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/relaymesh/control-plane/internal/config"
	"github.com/relaymesh/control-plane/pkg/contracts"
)

// APIKeyProvider validates static keys from the Authorization: Bearer <key>,
// X-API-Key header, or api_key query parameter. Keys are scoped to either
// "web" or "tool" (spec.md §4.2) — a web key may never authenticate a tool
// surface request and vice versa; the Request Router enforces that after
// the chain returns an Identity.
type APIKeyProvider struct {
	mu      sync.RWMutex
	web     map[string]bool
	tool    map[string]bool
	enabled bool
}

// NewAPIKeyProvider creates an API key auth provider from config.
func NewAPIKeyProvider(cfg config.AuthConfig) *APIKeyProvider {
	web := make(map[string]bool, len(cfg.WebAPIKeys))
	for k := range cfg.WebAPIKeys {
		web[k] = true
	}
	tool := make(map[string]bool, len(cfg.ToolAPIKeys))
	for k := range cfg.ToolAPIKeys {
		tool[k] = true
	}
	return &APIKeyProvider{
		web:     web,
		tool:    tool,
		enabled: cfg.APIKeysEnabled && (len(web) > 0 || len(tool) > 0),
	}
}

func (p *APIKeyProvider) Name() string { return "apikey" }

func (p *APIKeyProvider) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// Authenticate validates the API key and returns a scoped Identity.
// Returns (nil, nil) if no API key is present (let next provider try).
// Returns (nil, error) if an API key is present but invalid.
func (p *APIKeyProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	apiKey := extractAPIKeyFromRequest(r)
	if apiKey == "" {
		return nil, nil
	}

	scope, ok := p.validateKey(apiKey)
	if !ok {
		return nil, fmt.Errorf("invalid API key")
	}

	keyHash := fmt.Sprintf("%x", sha256.Sum256([]byte(apiKey)))

	return &contracts.Identity{
		Subject:     "apikey:" + keyHash[:16],
		Provider:    "apikey",
		Scope:       scope,
		DisplayName: "API key caller",
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}, nil
}

// validateKey reports whether candidate is a known web or tool key, and
// which scope it belongs to. A key present in both maps resolves to "web".
func (p *APIKeyProvider) validateKey(candidate string) (scope string, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for key := range p.web {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return "web", true
		}
	}
	for key := range p.tool {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return "tool", true
		}
	}
	return "", false
}

// AddKey adds a new scoped API key at runtime.
func (p *APIKeyProvider) AddKey(scope, key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch scope {
	case "tool":
		p.tool[key] = true
	default:
		p.web[key] = true
	}
	p.enabled = true
}

// RemoveKey removes a scoped API key at runtime.
func (p *APIKeyProvider) RemoveKey(scope, key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch scope {
	case "tool":
		delete(p.tool, key)
	default:
		delete(p.web, key)
	}
	if len(p.web) == 0 && len(p.tool) == 0 {
		p.enabled = false
	}
}

func extractAPIKeyFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	return ""
}
