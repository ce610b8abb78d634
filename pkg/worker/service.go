// Package worker is the public entry point for composing the Agent Worker
// process (spec.md §4.4).
package worker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/relaymesh/control-plane/internal/agentruntime"
	"github.com/relaymesh/control-plane/internal/agentworker"
	"github.com/relaymesh/control-plane/internal/config"
	"github.com/relaymesh/control-plane/internal/store"
	"github.com/relaymesh/control-plane/internal/substrate"
	"github.com/relaymesh/control-plane/pkg/contracts"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Service holds the Agent Worker's initialized dependencies.
type Service struct {
	Handler http.Handler
	Store   contracts.Store
	Worker  *agentworker.Worker
	Config  *config.Config
}

// New builds the Worker: store, substrate, the EchoRuntime reference agent
// runtime, and the HTTP handler that backs the direct-HTTP substrate's
// intake endpoint. A broker substrate deployment calls Start instead of
// serving HTTP.
func New(ctx context.Context) (*Service, error) {
	cfg := config.Load()

	dataStore, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("worker: open store: %w", err)
	}

	sub, err := substrate.New(cfg.Transport)
	if err != nil {
		dataStore.Close()
		return nil, fmt.Errorf("worker: build substrate: %w", err)
	}

	runtime := agentruntime.NewEchoRuntime()
	w := agentworker.New(dataStore, sub, runtime, cfg.Worker.RuntimeTimeout)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Get("/health", func(rw http.ResponseWriter, _ *http.Request) { rw.WriteHeader(http.StatusOK) })
	r.Post("/internal/requests", w.HandleIntake)

	return &Service{Handler: r, Store: dataStore, Worker: w, Config: cfg}, nil
}

// Close releases the store.
func (s *Service) Close() error {
	return s.Store.Close()
}
