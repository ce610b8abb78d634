package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/relaymesh/control-plane/internal/config"
	"github.com/relaymesh/control-plane/pkg/contracts"
)

// JWTProvider validates bearer JWTs against a configured set of trusted
// issuers, resolving signing keys from each issuer's JWKS endpoint. This is
// the first provider tried in the chain (spec.md §4.2).
type JWTProvider struct {
	mu       sync.RWMutex
	issuers  map[string]bool
	audience string
	leeway   time.Duration
	enabled  bool
	jwks     *jwksCache
}

// NewJWTProvider creates a JWT auth provider from config.
func NewJWTProvider(cfg config.AuthConfig) *JWTProvider {
	issuers := make(map[string]bool, len(cfg.JWTIssuers))
	for _, iss := range cfg.JWTIssuers {
		issuers[iss] = true
	}
	return &JWTProvider{
		issuers:  issuers,
		audience: cfg.JWTAudience,
		leeway:   time.Duration(cfg.JWTLeewaySeconds) * time.Second,
		enabled:  cfg.JWTEnabled && len(issuers) > 0,
		jwks:     newJWKSCache(),
	}
}

func (p *JWTProvider) Name() string { return "jwt" }

func (p *JWTProvider) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// Authenticate validates the bearer token in the Authorization header.
// Returns (nil, nil) if no bearer token is present, or if the bearer token
// doesn't parse as a JWT issued by a trusted issuer — a web/tool API key
// presented as Authorization: Bearer <key> takes this same shape, and the
// chain must fall through to APIKeyProvider rather than reject outright
// (spec.md §4.2's "tried in order, short-circuiting on success"). Returns
// (nil, error) only once a token is confirmed to be ours (trusted issuer,
// well-formed) but fails validation beyond that point.
func (p *JWTProvider) Authenticate(ctx context.Context, r *http.Request) (*contracts.Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, nil
	}

	issuer, ok := unverifiedIssuer(raw)
	if !ok || !p.issuerTrusted(issuer) {
		return nil, nil
	}

	var claims jwt.MapClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token missing kid header")
		}
		return p.jwks.key(issuer+"/.well-known/jwks.json", kid)
	}, jwt.WithLeeway(p.leeway))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid bearer token: %w", err)
	}

	if p.audience != "" {
		ok, err := claims.GetAudience()
		if err != nil || !containsAudience(ok, p.audience) {
			return nil, fmt.Errorf("token audience does not match")
		}
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	identity := &contracts.Identity{
		Subject:  sub,
		Provider: "jwt",
		Claims:   map[string]string{},
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		identity.DisplayName = name
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		identity.ExpiresAt = exp.Time
	}

	return identity, nil
}

func (p *JWTProvider) issuerTrusted(iss string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.issuers[iss]
}

// unverifiedIssuer reads the "iss" claim without verifying the signature,
// so the provider can decide whether a bearer token is even shaped like one
// of its own JWTs before treating a validation failure as an error instead
// of a pass-through to the next provider in the chain.
func unverifiedIssuer(raw string) (string, bool) {
	var claims jwt.MapClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return "", false
	}
	iss, err := claims.GetIssuer()
	if err != nil || iss == "" {
		return "", false
	}
	return iss, true
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

func containsAudience(auds []string, want string) bool {
	for _, a := range auds {
		if a == want {
			return true
		}
	}
	return false
}
