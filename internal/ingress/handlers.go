// Package ingress implements the Request Router (spec.md §4.1): it
// terminates inbound HTTP per surface, authenticates, normalizes into a
// NormalizedRequest, allocates or reuses a session, dispatches
// request.created on the Communication Substrate, and either awaits
// response.ready synchronously or acknowledges asynchronously.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relaymesh/control-plane/internal/config"
	"github.com/relaymesh/control-plane/internal/substrate"
	"github.com/relaymesh/control-plane/pkg/contracts"
	"github.com/relaymesh/control-plane/pkg/events"
	pkgmw "github.com/relaymesh/control-plane/pkg/middleware"
	"github.com/relaymesh/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// Handlers holds the dependencies every Router endpoint needs.
type Handlers struct {
	store     contracts.Store
	substrate contracts.Substrate
	cfg       *config.Config
}

// New builds the Router's HTTP handlers.
func New(store contracts.Store, substrate contracts.Substrate, cfg *config.Config) *Handlers {
	return &Handlers{store: store, substrate: substrate, cfg: cfg}
}

// chatEventBody is the normalized-enough shape of a signed chat platform
// event. Real platforms (Slack, WhatsApp, Teams) nest this differently;
// a thin per-platform adapter upstream of this endpoint is expected to
// flatten into this shape before it reaches the Router (spec.md §6 treats
// chat_event/chat_interactive/chat_slash as one contract).
type chatEventBody struct {
	ExternalUserID string `json:"external_user_id"`
	ChannelID      string `json:"channel_id,omitempty"`
	ThreadID       string `json:"thread_id,omitempty"`
	Content        string `json:"content"`
}

// Web handles POST /api/v1/requests/web — bearer-authenticated, synchronous.
func (h *Handlers) Web(w http.ResponseWriter, r *http.Request) {
	h.handleDirect(w, r, models.SurfaceWeb)
}

// CLI handles POST /api/v1/requests/cli — same contract as Web.
func (h *Handlers) CLI(w http.ResponseWriter, r *http.Request) {
	h.handleDirect(w, r, models.SurfaceCLI)
}

func (h *Handlers) handleDirect(w http.ResponseWriter, r *http.Request, surface models.SurfaceKind) {
	identity := pkgmw.GetIdentity(r.Context())
	if identity == nil {
		writeError(w, r, Unauthorized())
		return
	}
	if identity.Scope == "tool" {
		writeError(w, r, Forbidden("a tool-scoped key cannot call this endpoint"))
		return
	}

	var body webRequestBody
	if err := decodeJSON(r, int64(h.cfg.Router.MaxContentBytes)+4096, &body); err != nil {
		writeError(w, r, err)
		return
	}

	req, err := normalizeWeb(surface, body, identity.Subject, h.cfg.Router.MaxContentBytes)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.dispatchSync(w, r, req)
}

// Tool handles POST /api/v1/requests/tool — API-key-authenticated,
// acknowledged asynchronously.
func (h *Handlers) Tool(w http.ResponseWriter, r *http.Request) {
	identity := pkgmw.GetIdentity(r.Context())
	if identity == nil {
		writeError(w, r, Unauthorized())
		return
	}
	if identity.Scope == "web" {
		writeError(w, r, Forbidden("a web-scoped key cannot call this endpoint"))
		return
	}

	var body toolRequestBody
	if err := decodeJSON(r, int64(h.cfg.Router.MaxContentBytes)+4096, &body); err != nil {
		writeError(w, r, err)
		return
	}

	req, err := normalizeTool(body, identity.Subject, h.cfg.Router.MaxContentBytes)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.dispatchAsync(w, r, req, http.StatusAccepted)
}

// ChatEvent handles the chat surface endpoints (chat_event, chat_interactive,
// chat_slash) — signature-verified instead of credential-chain-authenticated,
// acknowledged within 3 s, processed asynchronously.
func (h *Handlers) ChatEvent(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, int64(h.cfg.Router.MaxContentBytes)+4096))
	if err != nil {
		writeError(w, r, BadRequest("body", "could not read request body"))
		return
	}

	if !verifyChatSignature(
		h.cfg.Router.ChatSigningSecret,
		r.Header.Get("X-Signature"),
		r.Header.Get("X-Timestamp"),
		raw,
		h.cfg.Router.ChatSignatureWindow,
		time.Now().UTC(),
	) {
		writeError(w, r, Unauthorized())
		return
	}

	var body chatEventBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, r, BadRequest("body", "malformed JSON: "+err.Error()))
		return
	}

	req, err := normalizeChat(body.ExternalUserID, body.ChannelID, body.ThreadID, body.Content, h.cfg.Router.MaxContentBytes)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.dispatchAsync(w, r, req, http.StatusOK)
}

// Generic handles the feature-flagged, unauthenticated generic endpoint.
// Only mounted by the router when AGENTOVEN_GENERIC_ENDPOINT_ENABLED is set.
func (h *Handlers) Generic(w http.ResponseWriter, r *http.Request) {
	var body webRequestBody
	if err := decodeJSON(r, int64(h.cfg.Router.MaxContentBytes)+4096, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.UserID == "" {
		writeError(w, r, BadRequest("user_id", "user_id is required"))
		return
	}

	req, err := normalizeWeb(models.SurfaceGeneric, body, body.UserID, h.cfg.Router.MaxContentBytes)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.dispatchAsync(w, r, req, http.StatusAccepted)
}

// dispatchSync allocates the session, creates the request log, emits
// request.created, and blocks for response.ready within the configured
// deadline (spec.md §4.1 "Dispatch").
func (h *Handlers) dispatchSync(w http.ResponseWriter, r *http.Request, req *models.NormalizedRequest) {
	ctx := r.Context()

	session, lockToken, err := h.allocateAndLog(ctx, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if _, err := h.substrate.SendRequest(ctx, req); err != nil {
		h.releaseAndFail(ctx, session.ID, lockToken, req.RequestID, "dispatch failed")
		writeError(w, r, Unavailable("could not dispatch the request", 5))
		return
	}

	resp, err := h.substrate.AwaitResponse(ctx, req.RequestID, h.cfg.Router.AwaitResponseTimeout)
	if errors.Is(err, substrate.ErrAwaitNotSupported) {
		resp, err = h.pollForCompletion(ctx, req.RequestID, h.cfg.Router.AwaitResponseTimeout)
	}
	if err != nil {
		// The worker still owns the turn lock and may complete (and
		// release it) after this handler has already returned 504
		// (spec.md §8 boundary behavior).
		if markErr := h.store.UpdateRequestLogStatus(ctx, req.RequestID, models.RequestFailed, "timeout"); markErr != nil {
			log.Error().Err(markErr).Str("request_id", req.RequestID).Msg("mark request log timed out")
		}
		writeError(w, r, Timeout("timed out waiting for a response"))
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": session.ID,
		"request_id": req.RequestID,
		"content":    resp.Content,
	})
}

// pollForCompletion implements the store-polling flavor of await_response
// for the direct-HTTP substrate (spec.md §4.5): the Agent Worker completes
// the request log directly, so the Router just watches for that.
func (h *Handlers) pollForCompletion(ctx context.Context, requestID string, timeout time.Duration) (*events.ResponseReadyData, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		reqLog, err := h.store.GetRequestLog(ctx, requestID)
		if err == nil && reqLog.Status == models.RequestCompleted && reqLog.Response != nil {
			return &events.ResponseReadyData{
				RequestID:          requestID,
				SessionID:          reqLog.SessionID,
				AgentID:            reqLog.AgentID,
				Content:            reqLog.Response.Content,
				Kind:               reqLog.Response.Kind,
				CompletionMetadata: reqLog.Response.Metadata,
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, substrate.ErrAwaitNotSupported
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// dispatchAsync allocates the session, creates the request log, emits
// request.created, and acknowledges immediately without awaiting
// response.ready. The Agent Worker completes the turn and releases the
// lock out of band; the Integration Dispatcher delivers the eventual
// response through the user's configured integrations.
func (h *Handlers) dispatchAsync(w http.ResponseWriter, r *http.Request, req *models.NormalizedRequest, ackStatus int) {
	ctx := r.Context()

	session, lockToken, err := h.allocateAndLog(ctx, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if _, err := h.substrate.SendRequest(ctx, req); err != nil {
		h.releaseAndFail(ctx, session.ID, lockToken, req.RequestID, "dispatch failed")
		writeError(w, r, Unavailable("could not dispatch the request", 5))
		return
	}

	respondJSON(w, ackStatus, map[string]any{
		"session_id": session.ID,
		"request_id": req.RequestID,
		"accepted":   true,
	})
}

func (h *Handlers) allocateAndLog(ctx context.Context, req *models.NormalizedRequest) (*models.Session, string, error) {
	session, lockToken, err := allocateSession(ctx, h.store, req)
	if err != nil {
		return nil, "", err
	}

	if err := h.store.CreateRequestLog(ctx, &models.RequestLog{
		ID:         req.RequestID,
		SessionID:  session.ID,
		Normalized: req,
		Status:     models.RequestPending,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		_ = releaseSession(ctx, h.store, session.ID, lockToken)
		return nil, "", Internal(fmt.Errorf("create request log: %w", err))
	}

	return session, lockToken, nil
}

func (h *Handlers) releaseAndFail(ctx context.Context, sessionID, lockToken, requestID, reason string) {
	if err := releaseSession(ctx, h.store, sessionID, lockToken); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("release turn after dispatch failure")
	}
	if err := h.store.UpdateRequestLogStatus(ctx, requestID, models.RequestFailed, reason); err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("mark request log failed")
	}
}

// Health handles GET /health — unauthenticated, no per-user data.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// HealthDetailed handles GET /health/detailed — component statuses only;
// MUST NOT include credentials or user ids.
func (h *Handlers) HealthDetailed(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{"store": "healthy", "substrate": "healthy"}

	if err := h.store.Ping(r.Context()); err != nil {
		components["store"] = "unhealthy"
	}

	status := http.StatusOK
	overall := "healthy"
	for _, s := range components {
		if s != "healthy" {
			status = http.StatusServiceUnavailable
			overall = "degraded"
			break
		}
	}

	respondJSON(w, status, map[string]any{
		"status":     overall,
		"version":    h.cfg.Version,
		"components": components,
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
