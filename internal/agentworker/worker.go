// Package agentworker implements the Agent Worker (spec.md §4.4): it
// consumes request.created, invokes the agent runtime, and produces
// response.ready.
package agentworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaymesh/control-plane/pkg/contracts"
	"github.com/relaymesh/control-plane/pkg/events"
	"github.com/relaymesh/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// Worker is transport-agnostic: the direct-HTTP substrate drives it
// through HandleIntake (an HTTP POST target), the broker substrate drives
// it through Start's Subscribe loop. Both paths converge on process.
type Worker struct {
	store     contracts.Store
	substrate contracts.Substrate
	runtime   contracts.AgentRuntime
	timeout   time.Duration
}

// New builds the Agent Worker. timeout bounds every runtime invocation
// (spec.md §4.4 "Timeouts").
func New(store contracts.Store, substrate contracts.Substrate, runtime contracts.AgentRuntime, timeout time.Duration) *Worker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Worker{store: store, substrate: substrate, runtime: runtime, timeout: timeout}
}

// Start subscribes to request.created on the broker strategy. No-op (and
// returns the substrate's error) when the wired substrate doesn't support
// Subscribe — the direct-HTTP strategy drives the worker through
// HandleIntake instead.
func (w *Worker) Start(ctx context.Context) error {
	return w.substrate.Subscribe(ctx, events.TypeRequestCreated, func(env events.Envelope) {
		var req models.NormalizedRequest
		if err := env.Unmarshal(&req); err != nil {
			log.Error().Err(err).Str("envelope_id", env.ID).Msg("malformed request.created envelope")
			return
		}
		if err := w.process(ctx, &req, env.Subject); err != nil {
			log.Error().Err(err).Str("request_id", req.RequestID).Msg("process request.created")
		}
	})
}

// process implements spec.md §4.4 steps 1-4, with idempotency per the
// at-least-once delivery contract (P3 in spec.md §8). sessionID is the
// envelope's Subject on the broker strategy; HandleIntake passes "" since
// the direct-HTTP payload carries no envelope, and process falls back to
// resolving the session from the request's own (user, surface, handles) key.
func (w *Worker) process(ctx context.Context, req *models.NormalizedRequest, sessionID string) error {
	existing, err := w.store.GetRequestLog(ctx, req.RequestID)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("lookup request log: %w", err)
	}

	switch {
	case existing != nil && existing.Status == models.RequestCompleted:
		// Duplicate delivery of an already-completed turn: republish the
		// prior response deterministically without re-invoking the
		// runtime (spec.md §4.4 idempotency clause (a)).
		return w.republish(ctx, existing)
	case existing != nil && existing.Status == models.RequestDispatched:
		// Another delivery already claimed this request_id and is mid-flight
		// (spec.md §4.4 idempotency clause (b)); this delivery is a no-op.
		return nil
	}

	if err := w.store.UpdateRequestLogStatus(ctx, req.RequestID, models.RequestDispatched, ""); err != nil {
		return fmt.Errorf("claim request: %w", err)
	}

	session, err := w.sessionFor(ctx, req, sessionID)
	if err != nil {
		return err
	}

	result, agentID, err := w.invoke(ctx, session, req)
	response := models.ResponsePayload{Content: result, Kind: "ok"}
	if err != nil {
		response = models.ResponsePayload{Content: "the agent did not respond in time", Kind: "error"}
		log.Warn().Err(err).Str("request_id", req.RequestID).Msg("agent runtime invocation failed")
	}

	if cErr := w.store.CompleteRequestLog(ctx, req.RequestID, response); cErr != nil {
		log.Error().Err(cErr).Str("request_id", req.RequestID).Msg("complete request log")
	}

	if rErr := w.releaseTurn(ctx, session.ID); rErr != nil {
		log.Error().Err(rErr).Str("session_id", session.ID).Msg("release turn after completion")
	}

	_, pubErr := w.substrate.PublishResponse(ctx, &events.ResponseReadyData{
		RequestID: req.RequestID,
		SessionID: session.ID,
		AgentID:   agentID,
		Content:   response.Content,
		Kind:      response.Kind,
	}, session.ID)
	return pubErr
}

func (w *Worker) republish(ctx context.Context, existing *models.RequestLog) error {
	if existing.Response == nil {
		return nil
	}
	_, err := w.substrate.PublishResponse(ctx, &events.ResponseReadyData{
		RequestID: existing.ID,
		SessionID: existing.SessionID,
		AgentID:   existing.AgentID,
		Content:   existing.Response.Content,
		Kind:      existing.Response.Kind,
	}, existing.SessionID)
	return err
}

// sessionFor resolves the session the Router allocated. The Worker never
// creates sessions itself — that happens at intake (spec.md §4.1 step 2);
// GetOrCreateSession here only ever hits the existing row via the same key.
func (w *Worker) sessionFor(ctx context.Context, req *models.NormalizedRequest, sessionID string) (*models.Session, error) {
	if sessionID != "" {
		if session, err := w.store.GetSession(ctx, sessionID); err == nil {
			return session, nil
		}
	}
	key := models.SessionKey{
		UserID:         req.UserID,
		Surface:        req.Surface,
		ChannelID:      req.ChannelID,
		ThreadID:       req.ThreadID,
		ExternalUserID: req.ExternalUserID,
		WorkspaceID:    req.WorkspaceID,
	}
	session, _, err := w.store.GetOrCreateSession(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	return session, nil
}

// invoke calls the agent runtime with a hard deadline (spec.md §4.4
// "Timeouts"), passing the session's stored RuntimeSessionRef as the
// conversation handle. It does not create or persist a handle, so a session
// without one is invoked with an empty RuntimeSessionRef.
func (w *Worker) invoke(ctx context.Context, session *models.Session, req *models.NormalizedRequest) (content, agentID string, err error) {
	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	result, err := w.runtime.Invoke(callCtx, session.RuntimeSessionRef, req.Content, session.ConversationContext)
	if err != nil {
		return "", session.CurrentAgentID, err
	}

	agentID = session.CurrentAgentID
	if result.RoutingDirective != "" && result.RoutingDirective != session.CurrentAgentID {
		// A routing directive switches the session's active agent. OSS
		// applies the switch and returns the runtime's content for this
		// turn rather than recursively re-invoking, keeping one Worker
		// turn bounded to one runtime call.
		if uErr := w.store.UpdateSessionAgent(ctx, session.ID, result.RoutingDirective); uErr != nil {
			log.Error().Err(uErr).Str("session_id", session.ID).Msg("persist agent routing directive")
		} else {
			agentID = result.RoutingDirective
		}
	}

	return result.Content, agentID, nil
}

func (w *Worker) releaseTurn(ctx context.Context, sessionID string) error {
	session, err := w.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.LockToken == "" {
		return nil
	}
	return w.store.ReleaseTurn(ctx, sessionID, session.LockToken)
}

func isNotFound(err error) bool {
	var nf *contracts.ErrNotFound
	return errors.As(err, &nf)
}
