// Package dispatcher is the public entry point for composing the
// Integration Dispatcher process (spec.md §4.6).
package dispatcher

import (
	"context"
	"fmt"
	"net/http"

	"github.com/relaymesh/control-plane/internal/config"
	"github.com/relaymesh/control-plane/internal/dispatch"
	"github.com/relaymesh/control-plane/internal/store"
	"github.com/relaymesh/control-plane/pkg/contracts"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Service holds the Integration Dispatcher's initialized dependencies.
type Service struct {
	Handler    http.Handler
	Store      contracts.Store
	Dispatcher *dispatch.Dispatcher
	Config     *config.Config
}

// New builds the Dispatcher: store and the registered integration handler
// table (chat, email, webhook, test). A background retry poller is started
// separately by the caller via Service.Dispatcher.Start.
func New(ctx context.Context) (*Service, error) {
	cfg := config.Load()

	dataStore, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: open store: %w", err)
	}

	smtpCfg := dispatch.SMTPConfig{
		Host:      cfg.Dispatcher.SMTPHost,
		Port:      cfg.Dispatcher.SMTPPort,
		Username:  cfg.Dispatcher.SMTPUsername,
		Password:  cfg.Dispatcher.SMTPPassword,
		FromEmail: cfg.Dispatcher.SMTPFromEmail,
		FromName:  cfg.Dispatcher.SMTPFromName,
		UseTLS:    cfg.Dispatcher.SMTPUseTLS,
	}
	d := dispatch.New(dataStore, cfg.Dispatcher.ChatWebhookURL, cfg.Router.ChatSigningSecret, smtpCfg)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Get("/health", func(rw http.ResponseWriter, _ *http.Request) { rw.WriteHeader(http.StatusOK) })
	r.Post("/internal/responses", d.HandleIntake)

	return &Service{Handler: r, Store: dataStore, Dispatcher: d, Config: cfg}, nil
}

// Close releases the store.
func (s *Service) Close() error {
	return s.Store.Close()
}
