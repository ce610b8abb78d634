// Package store provides the storage interface and implementations backing
// the Session/Request Store module (spec.md §4.3). MemoryStore is used for
// local development and the test integration kind; PostgresStore is the
// production backend.
package store

import (
	"context"
	"time"

	"github.com/relaymesh/control-plane/pkg/models"
)

// Store is the primary storage interface for the control plane. The
// Request Router, Agent Worker, and Integration Dispatcher all depend on
// this interface rather than a concrete implementation.
type Store interface {
	SessionStore
	RequestLogStore
	IntegrationConfigStore
	DeliveryLogStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error
}

// ── Session Store ───────────────────────────────────────────

// SessionStore manages multi-turn Session records (spec.md §4.1/§4.3) and
// the turn-lock that enforces at-most-one in-flight request per session.
type SessionStore interface {
	// GetOrCreateSession resolves the session for (surface, channelID,
	// threadID, userID), creating one if none matches. Reuse rules are
	// described in spec.md §4.1 step 2.
	GetOrCreateSession(ctx context.Context, key models.SessionKey) (*models.Session, bool, error)

	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSessionContext(ctx context.Context, id string, contextDelta map[string]any) error
	UpdateSessionAgent(ctx context.Context, id string, agentID string) error
	DeleteSession(ctx context.Context, id string) error
	ListActiveSessions(ctx context.Context, limit int) ([]models.Session, error)

	// AcquireTurn atomically transitions a session into in-flight state.
	// Returns false (no error) if the session already has a turn in
	// flight — the caller rejects the request as "conflict"
	// (spec.md §4.1 invariant).
	AcquireTurn(ctx context.Context, sessionID, lockToken string) (bool, error)

	// ReleaseTurn clears in-flight state. Only succeeds if lockToken
	// matches the token AcquireTurn returned, so a stale worker can never
	// release a lock a newer turn holds.
	ReleaseTurn(ctx context.Context, sessionID, lockToken string) error
}

// ── Request Log Store ───────────────────────────────────────

// RequestLogStore persists one row per normalized request (spec.md §4.1/§6
// audit trail), from receipt through completion or failure.
type RequestLogStore interface {
	CreateRequestLog(ctx context.Context, log *models.RequestLog) error
	GetRequestLog(ctx context.Context, requestID string) (*models.RequestLog, error)
	UpdateRequestLogStatus(ctx context.Context, requestID string, status models.RequestStatus, errorReason string) error
	CompleteRequestLog(ctx context.Context, requestID string, response models.ResponsePayload) error
	ListRequestLogsBySession(ctx context.Context, sessionID string, limit int) ([]models.RequestLog, error)
}

// ── Integration Config Store ────────────────────────────────

// IntegrationConfigStore manages per-user integration overrides layered on
// top of per-kind IntegrationDefault values (spec.md §4.1 step 5 "effective
// configuration" resolution).
type IntegrationConfigStore interface {
	GetUserIntegrationConfigs(ctx context.Context, userID string) ([]models.UserIntegrationConfig, error)
	UpsertUserIntegrationConfig(ctx context.Context, cfg *models.UserIntegrationConfig) error
	DeleteUserIntegrationConfig(ctx context.Context, userID string, kind models.IntegrationKind) error

	GetIntegrationDefault(ctx context.Context, kind models.IntegrationKind) (*models.IntegrationDefault, error)
	ListIntegrationDefaults(ctx context.Context) ([]models.IntegrationDefault, error)
	UpsertIntegrationDefault(ctx context.Context, def *models.IntegrationDefault) error
}

// ── Delivery Log Store ──────────────────────────────────────

// DeliveryLogStore records one row per delivery attempt, keyed by the
// idempotency tuple (request_id, kind, attempt_index) per spec.md §4.6.
type DeliveryLogStore interface {
	CreateDeliveryLog(ctx context.Context, log *models.DeliveryLog) error
	GetDeliveryLog(ctx context.Context, requestID string, kind models.IntegrationKind, attempt int) (*models.DeliveryLog, error)
	ListDeliveryLogsByRequest(ctx context.Context, requestID string) ([]models.DeliveryLog, error)
	ListPendingRetries(ctx context.Context, before time.Time, limit int) ([]models.DeliveryLog, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ── Filter helpers ──────────────────────────────────────────

// ListFilter provides common pagination/filter options.
type ListFilter struct {
	Limit  int
	Offset int
	Since  *time.Time
}
