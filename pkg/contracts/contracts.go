// Package contracts defines the service interfaces shared between the
// Request Router, Agent Worker, and Integration Dispatcher processes.
//
// Keeping these in pkg/ (not internal/) mirrors the teacher's boundary
// between OSS and an enterprise overlay: any process that composes this
// module only needs to depend on contracts, never on another process's
// internal package.
package contracts

import (
	"context"
	"time"

	"github.com/relaymesh/control-plane/internal/store"
	"github.com/relaymesh/control-plane/pkg/events"
	"github.com/relaymesh/control-plane/pkg/models"
)

// Store is a type alias for the internal Store interface, exposed here so
// that auth/substrate/dispatch packages can depend on it without importing
// internal/store directly.
type Store = store.Store

// ErrNotFound is a type alias for the internal not-found error.
type ErrNotFound = store.ErrNotFound

// ── Communication Substrate (spec.md §4.5) ──────────────────

// Ack is returned by Substrate.SendRequest / PublishResponse.
type Ack struct {
	Accepted bool
}

// Substrate is the single strategy contract both the broker and
// direct-HTTP transports satisfy. Callers (Router, Worker, Dispatcher)
// never know which concrete strategy is wired in.
type Substrate interface {
	// SendRequest emits request.created for a normalized request.
	SendRequest(ctx context.Context, req *models.NormalizedRequest) (Ack, error)

	// AwaitResponse blocks until response.ready for requestID arrives or the
	// timeout elapses.
	AwaitResponse(ctx context.Context, requestID string, timeout time.Duration) (*events.ResponseReadyData, error)

	// PublishResponse emits response.ready for a completed turn.
	PublishResponse(ctx context.Context, resp *events.ResponseReadyData, sessionID string) (Ack, error)

	// Subscribe registers a handler for a given event type. Only meaningful
	// on the broker strategy; the direct-HTTP strategy returns an error.
	Subscribe(ctx context.Context, kind events.Type, handler func(events.Envelope)) error
}

// ── Agent Runtime (collaborator, spec.md §1/§4.4 — out of core scope) ──

// RuntimeResult is what the agent runtime returns for one invocation.
type RuntimeResult struct {
	Content          string
	RoutingDirective string // non-empty means "switch current_agent_id to this"
	CompletionMeta   map[string]any
}

// AgentRuntime is the boundary to the (out-of-scope) AI agent runtime.
// The Worker treats it as a best-effort collaborator: timeouts, retries on
// transport errors, and terminal classification of semantic errors are the
// Worker's responsibility, not the runtime's.
type AgentRuntime interface {
	Invoke(ctx context.Context, runtimeSessionRef, content string, context map[string]any) (*RuntimeResult, error)
}

// ── Integration Dispatcher handler contract (spec.md §4.6) ──────────

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Success   bool
	Retryable bool
	Error     string
}

// IntegrationHandler delivers a response through one integration kind.
// OSS ships chat, email, webhook, and test handlers behind a
// map[models.IntegrationKind]IntegrationHandler table — a tagged union,
// not a string-keyed dynamic dispatch (spec.md §9 re-architecture note).
type IntegrationHandler interface {
	Kind() models.IntegrationKind
	Deliver(ctx context.Context, cfg models.EffectiveConfig, payload DeliveryPayload) Outcome
}

// DeliveryPayload is the canonical envelope handed to every integration
// handler (spec.md §6 "Outbound integration contracts" / webhook envelope).
type DeliveryPayload struct {
	RequestID string
	SessionID string
	UserID    string
	AgentID   string
	Subject   string
	Body      string
	Metadata  map[string]any
	Attempt   int
}
