// Package models defines the persisted entities and wire-level value types
// shared across the router, worker, dispatcher, and store packages.
package models

import (
	"strconv"
	"time"
)

// ── Surface kinds ────────────────────────────────────────────

// SurfaceKind identifies the inbound channel a request arrived on.
type SurfaceKind string

const (
	SurfaceChat    SurfaceKind = "chat"
	SurfaceWeb     SurfaceKind = "web"
	SurfaceCLI     SurfaceKind = "cli"
	SurfaceTool    SurfaceKind = "tool"
	SurfaceGeneric SurfaceKind = "generic"
)

// ── Session ──────────────────────────────────────────────────

type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionInactive SessionStatus = "inactive"
	SessionComplete SessionStatus = "completed"
	SessionError    SessionStatus = "error"
)

// Session is the unit of conversational continuity (S1..S4 in spec.md §3).
type Session struct {
	ID      string      `json:"id" db:"id"`
	UserID  string      `json:"user_id" db:"user_id"`
	Surface SurfaceKind `json:"surface" db:"surface"`

	// Surface-specific handles — all optional.
	ChannelID      string `json:"channel_id,omitempty" db:"channel_id"`
	ThreadID       string `json:"thread_id,omitempty" db:"thread_id"`
	ExternalUserID string `json:"external_user_id,omitempty" db:"external_user_id"`
	WorkspaceID    string `json:"workspace_id,omitempty" db:"workspace_id"`

	CurrentAgentID    string `json:"current_agent_id,omitempty" db:"current_agent_id"`
	RuntimeSessionRef string `json:"runtime_session_ref,omitempty" db:"runtime_session_ref"`

	Status SessionStatus `json:"status" db:"status"`

	// Opaque bags — bounded in size, merge-updated at field granularity.
	ConversationContext map[string]any `json:"conversation_context,omitempty" db:"conversation_context"`
	IntegrationMetadata map[string]any `json:"integration_metadata,omitempty" db:"integration_metadata"`
	UserContext         map[string]any `json:"user_context,omitempty" db:"user_context"`

	// InFlight carries the turn lock (S2). LockToken is opaque to callers.
	InFlight  bool   `json:"in_flight" db:"in_flight"`
	LockToken string `json:"-" db:"lock_token"`

	TotalRequests int `json:"total_requests" db:"total_requests"`

	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
	LastActivityAt time.Time `json:"last_activity_at" db:"last_activity_at"`
}

// SessionKey identifies the (surface, handle) tuple used to resolve or
// create a Session (spec.md §4.1 step 2 reuse rule).
type SessionKey struct {
	UserID         string
	Surface        SurfaceKind
	ChannelID      string
	ThreadID       string
	ExternalUserID string
	WorkspaceID    string
}

// ── RequestLog ───────────────────────────────────────────────

type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestDispatched RequestStatus = "dispatched"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
)

// RequestLog is a single user turn (R1..R4 in spec.md §3).
type RequestLog struct {
	ID        string `json:"id" db:"id"`
	SessionID string `json:"session_id" db:"session_id"`

	Normalized *NormalizedRequest `json:"normalized" db:"normalized"`
	Response   *ResponsePayload   `json:"response,omitempty" db:"response"`

	AgentID        string        `json:"agent_id,omitempty" db:"agent_id"`
	ProcessingTime time.Duration `json:"processing_time_ms,omitempty" db:"processing_time_ms"`
	CloudEventID   string        `json:"cloudevent_id,omitempty" db:"cloudevent_id"`
	CloudEventType string        `json:"cloudevent_type,omitempty" db:"cloudevent_type"`
	Status         RequestStatus `json:"status" db:"status"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// NormalizedRequest is the uniform internal record produced from any
// surface's raw payload (spec.md §4.1 "Normalization contract").
type NormalizedRequest struct {
	RequestID           string          `json:"request_id"`
	UserID              string          `json:"user_id"`
	Surface             SurfaceKind     `json:"surface"`
	ChannelID           string          `json:"channel_id,omitempty"`
	ThreadID            string          `json:"thread_id,omitempty"`
	ExternalUserID      string          `json:"external_user_id,omitempty"`
	WorkspaceID         string          `json:"workspace_id,omitempty"`
	Content             string          `json:"content"`
	ForcedIntegration   IntegrationKind `json:"forced_integration,omitempty"`
	Timestamp           time.Time       `json:"timestamp"`
	IntegrationContext  map[string]any  `json:"integration_context,omitempty"`
}

// ResponsePayload is the agent's answer to a turn.
type ResponsePayload struct {
	Content  string         `json:"content"`
	Kind     string         `json:"kind,omitempty"` // "ok" | "error"
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ── Integration configuration ───────────────────────────────

// IntegrationKind is a closed, tagged-union set of delivery channels.
type IntegrationKind string

const (
	IntegrationChat    IntegrationKind = "chat"
	IntegrationEmail   IntegrationKind = "email"
	IntegrationWebhook IntegrationKind = "webhook"
	IntegrationTest    IntegrationKind = "test"
)

// BackoffShape selects the retry spacing curve for an integration default.
type BackoffShape string

const (
	BackoffLinear      BackoffShape = "linear"
	BackoffExponential BackoffShape = "exponential"
)

// UserIntegrationConfig is a per-user override of default delivery
// behavior (C1..C3 in spec.md §3).
type UserIntegrationConfig struct {
	UserID         string          `json:"user_id" db:"user_id"`
	Kind           IntegrationKind `json:"kind" db:"kind"`
	Enabled        bool            `json:"enabled" db:"enabled"`
	Config         map[string]any  `json:"config" db:"config"`
	Priority       int             `json:"priority" db:"priority"`
	RetryCount     int             `json:"retry_count" db:"retry_count"`
	RetryDelaySecs int             `json:"retry_delay_seconds" db:"retry_delay_seconds"`
	BackoffShape   BackoffShape    `json:"backoff_shape,omitempty" db:"backoff_shape"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// IntegrationDefault is the system-wide fallback for a kind.
type IntegrationDefault struct {
	Kind                IntegrationKind `json:"kind" db:"kind"`
	Enabled             bool            `json:"enabled" db:"enabled"`
	Config              map[string]any  `json:"config" db:"config"`
	Priority            int             `json:"priority" db:"priority"`
	RetryCount          int             `json:"retry_count" db:"retry_count"`
	RetryDelaySecs      int             `json:"retry_delay_seconds" db:"retry_delay_seconds"`
	BackoffShape        BackoffShape    `json:"backoff_shape,omitempty" db:"backoff_shape"`
	AutoEnablePredicate string          `json:"auto_enable_predicate,omitempty" db:"auto_enable_predicate"`
}

// EffectiveConfig is the overlay result for (user, kind) — P4 in spec.md §8:
// it is the user override XOR the system default, never both.
type EffectiveConfig struct {
	Kind           IntegrationKind
	Enabled        bool
	Config         map[string]any
	Priority       int
	RetryCount     int
	RetryDelaySecs int
	BackoffShape   BackoffShape
	Source         string // "user" | "default" | "disabled"
}

// ── Delivery ─────────────────────────────────────────────────

type DeliveryOutcome string

const (
	DeliverySuccess DeliveryOutcome = "success"
	DeliveryFailed  DeliveryOutcome = "failed"
	DeliveryPending DeliveryOutcome = "pending"
)

// DeliveryLog is one append-only attempt record (D1..D3 in spec.md §3).
type DeliveryLog struct {
	ID            string          `json:"id" db:"id"`
	RequestID     string          `json:"request_id" db:"request_id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Kind          IntegrationKind `json:"kind" db:"kind"`
	Attempt       int             `json:"attempt" db:"attempt"`
	Outcome       DeliveryOutcome `json:"outcome" db:"outcome"`
	Error         string          `json:"error,omitempty" db:"error"`
	StartedAt     time.Time       `json:"started_at" db:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
}

// IdempotencyKey derives the receiver-side dedup key for an attempt
// (request_id, kind, attempt_index) per spec.md §4.6.
func (d *DeliveryLog) IdempotencyKey() string {
	return d.RequestID + ":" + string(d.Kind) + ":" + strconv.Itoa(d.Attempt)
}
