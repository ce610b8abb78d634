package ingress

import (
	"net/http"
	"os"
	"strings"

	"github.com/relaymesh/control-plane/internal/config"
	"github.com/relaymesh/control-plane/internal/ingress/middleware"
	"github.com/relaymesh/control-plane/pkg/contracts"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter builds the Request Router's HTTP handler tree.
func NewRouter(cfg *config.Config, h *Handlers, authChain contracts.AuthProviderChain) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)

	if authChain != nil {
		authMW := middleware.NewAuthMiddleware(authChain, cfg.Auth.RequireAuth)
		r.Use(authMW.Handler)
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(),
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id", "X-Signature", "X-Timestamp"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Get("/healthz", h.Health)
	r.Get("/health/detailed", h.HealthDetailed)

	r.Route("/api/v1/requests", func(r chi.Router) {
		r.Post("/web", h.Web)
		r.Post("/cli", h.CLI)
		r.Post("/tool", h.Tool)
		r.Post("/chat_event", h.ChatEvent)
		r.Post("/chat_interactive", h.ChatEvent)
		r.Post("/chat_slash", h.ChatEvent)
		if cfg.Router.GenericEndpointEnabled {
			r.Post("/generic", h.Generic)
		}
	})

	// Chat webhooks authenticate via X-Signature instead of the credential
	// chain (spec.md §4.2); the path prefix is what the auth middleware
	// treats as public.
	r.Route("/webhooks/chat", func(r chi.Router) {
		r.Post("/event", h.ChatEvent)
		r.Post("/interactive", h.ChatEvent)
		r.Post("/slash", h.ChatEvent)
	})

	return r
}

func corsOrigins() []string {
	v := os.Getenv("AGENTOVEN_CORS_ORIGINS")
	if v == "" {
		return []string{"*"}
	}
	var out []string
	for _, o := range strings.Split(v, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
