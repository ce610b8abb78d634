// Package router is the public entry point for composing the Request
// Router process (spec.md §4.1). It lives in pkg/ rather than internal/ so
// a future overlay process can import it and wrap the returned handler,
// mirroring how the teacher keeps pkg/server importable from outside the
// module.
package router

import (
	"context"
	"fmt"
	"net/http"

	"github.com/relaymesh/control-plane/internal/auth"
	"github.com/relaymesh/control-plane/internal/config"
	"github.com/relaymesh/control-plane/internal/ingress"
	"github.com/relaymesh/control-plane/internal/store"
	"github.com/relaymesh/control-plane/internal/substrate"
	"github.com/relaymesh/control-plane/pkg/contracts"

	"github.com/rs/zerolog/log"
)

// Service holds the Request Router's initialized dependencies.
type Service struct {
	Handler   http.Handler
	Store     contracts.Store
	Substrate contracts.Substrate
	AuthChain *auth.ProviderChain
	Config    *config.Config
}

// New builds the Router: store, substrate, auth provider chain (JWT, API
// key, trusted proxy, tried in that order per spec.md §4.2), and the HTTP
// handler tree.
func New(ctx context.Context) (*Service, error) {
	cfg := config.Load()

	dataStore, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("router: open store: %w", err)
	}

	sub, err := substrate.New(cfg.Transport)
	if err != nil {
		dataStore.Close()
		return nil, fmt.Errorf("router: build substrate: %w", err)
	}

	authChain := auth.NewProviderChain()
	jwtProvider := auth.NewJWTProvider(cfg.Auth)
	if jwtProvider.Enabled() {
		authChain.RegisterProvider(jwtProvider)
	}
	apiKeyProvider := auth.NewAPIKeyProvider(cfg.Auth)
	if apiKeyProvider.Enabled() {
		authChain.RegisterProvider(apiKeyProvider)
	}
	proxyProvider := auth.NewTrustedProxyProvider(cfg.Auth)
	if proxyProvider.Enabled() {
		authChain.RegisterProvider(proxyProvider)
	}
	log.Info().Strs("providers", authChain.ListProviders()).Msg("auth provider chain built")

	h := ingress.New(dataStore, sub, cfg)
	handler := ingress.NewRouter(cfg, h, authChain)

	return &Service{
		Handler:   handler,
		Store:     dataStore,
		Substrate: sub,
		AuthChain: authChain,
		Config:    cfg,
	}, nil
}

// Close releases the store. The substrate (direct-HTTP or Redis) needs no
// explicit teardown.
func (s *Service) Close() error {
	return s.Store.Close()
}
