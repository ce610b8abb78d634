package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/relaymesh/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// PostgresStore implements Store using PostgreSQL. Connection URL and pool
// sizing come from internal/config.DatabaseConfig.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and runs migrations.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	log.Info().Msg("postgres store initialized")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate runs the embedded DDL. Idempotent: safe to call on every startup.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, migrationDDL)
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

const migrationDDL = `
CREATE TABLE IF NOT EXISTS sessions (
	id                   TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL,
	surface              TEXT NOT NULL,
	channel_id           TEXT NOT NULL DEFAULT '',
	thread_id            TEXT NOT NULL DEFAULT '',
	external_user_id     TEXT NOT NULL DEFAULT '',
	workspace_id         TEXT NOT NULL DEFAULT '',
	current_agent_id     TEXT NOT NULL DEFAULT '',
	runtime_session_ref  TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL DEFAULT 'active',
	conversation_context JSONB NOT NULL DEFAULT '{}',
	integration_metadata JSONB NOT NULL DEFAULT '{}',
	user_context         JSONB NOT NULL DEFAULT '{}',
	in_flight            BOOLEAN NOT NULL DEFAULT FALSE,
	lock_token           TEXT NOT NULL DEFAULT '',
	total_requests       INTEGER NOT NULL DEFAULT 0,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_activity_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_key ON sessions
	(user_id, surface, channel_id, thread_id, external_user_id, workspace_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions (status);
CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions (last_activity_at);

CREATE TABLE IF NOT EXISTS request_logs (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	normalized       JSONB NOT NULL DEFAULT '{}',
	response         JSONB,
	agent_id         TEXT NOT NULL DEFAULT '',
	processing_ms    BIGINT NOT NULL DEFAULT 0,
	cloudevent_id    TEXT NOT NULL DEFAULT '',
	cloudevent_type  TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'pending',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_request_logs_session ON request_logs (session_id);

CREATE TABLE IF NOT EXISTS user_integration_configs (
	user_id           TEXT NOT NULL,
	kind              TEXT NOT NULL,
	enabled           BOOLEAN NOT NULL DEFAULT TRUE,
	config            JSONB NOT NULL DEFAULT '{}',
	priority          INTEGER NOT NULL DEFAULT 0,
	retry_count       INTEGER NOT NULL DEFAULT 3,
	retry_delay_secs  INTEGER NOT NULL DEFAULT 5,
	backoff_shape     TEXT NOT NULL DEFAULT 'linear',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, kind)
);

CREATE TABLE IF NOT EXISTS integration_defaults (
	kind              TEXT PRIMARY KEY,
	enabled           BOOLEAN NOT NULL DEFAULT FALSE,
	config            JSONB NOT NULL DEFAULT '{}',
	priority          INTEGER NOT NULL DEFAULT 0,
	retry_count       INTEGER NOT NULL DEFAULT 3,
	retry_delay_secs  INTEGER NOT NULL DEFAULT 5,
	backoff_shape     TEXT NOT NULL DEFAULT 'linear',
	auto_enable_predicate TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS delivery_logs (
	id               TEXT PRIMARY KEY,
	request_id       TEXT NOT NULL,
	user_id          TEXT NOT NULL DEFAULT '',
	kind             TEXT NOT NULL,
	attempt          INTEGER NOT NULL,
	outcome          TEXT NOT NULL,
	error            TEXT NOT NULL DEFAULT '',
	started_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at     TIMESTAMPTZ,
	next_attempt_at  TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_delivery_logs_idempotency ON delivery_logs (request_id, kind, attempt);
CREATE INDEX IF NOT EXISTS idx_delivery_logs_pending ON delivery_logs (outcome, next_attempt_at);
`

// ── Session Store ───────────────────────────────────────────

func (s *PostgresStore) GetOrCreateSession(ctx context.Context, key models.SessionKey) (*models.Session, bool, error) {
	sess, err := s.scanSessionByKey(ctx, key)
	if err == nil {
		return sess, false, nil
	}
	if !isNotFound(err) {
		return nil, false, err
	}

	id := "sess_" + uuid.NewString()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, surface, channel_id, thread_id, external_user_id, workspace_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, surface, channel_id, thread_id, external_user_id, workspace_id) DO NOTHING
	`, id, key.UserID, key.Surface, key.ChannelID, key.ThreadID, key.ExternalUserID, key.WorkspaceID)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: create session: %w", err)
	}

	sess, err = s.scanSessionByKey(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return sess, sess.ID == id, nil
}

func (s *PostgresStore) scanSessionByKey(ctx context.Context, key models.SessionKey) (*models.Session, error) {
	row := s.pool.QueryRow(ctx, sessionSelectColumns+` FROM sessions
		WHERE user_id = $1 AND surface = $2 AND channel_id = $3 AND thread_id = $4
		  AND external_user_id = $5 AND workspace_id = $6`,
		key.UserID, key.Surface, key.ChannelID, key.ThreadID, key.ExternalUserID, key.WorkspaceID)
	return scanSession(row)
}

const sessionSelectColumns = `SELECT id, user_id, surface, channel_id, thread_id, external_user_id, workspace_id,
	current_agent_id, runtime_session_ref, status, conversation_context, integration_metadata,
	user_context, in_flight, lock_token, total_requests, created_at, updated_at, last_activity_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var sess models.Session
	var conv, integ, userCtx []byte
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Surface, &sess.ChannelID, &sess.ThreadID,
		&sess.ExternalUserID, &sess.WorkspaceID, &sess.CurrentAgentID, &sess.RuntimeSessionRef,
		&sess.Status, &conv, &integ, &userCtx, &sess.InFlight, &sess.LockToken,
		&sess.TotalRequests, &sess.CreatedAt, &sess.UpdatedAt, &sess.LastActivityAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "session"}
		}
		return nil, fmt.Errorf("postgres: scan session: %w", err)
	}
	sess.ConversationContext = unmarshalMap(conv)
	sess.IntegrationMetadata = unmarshalMap(integ)
	sess.UserContext = unmarshalMap(userCtx)
	return &sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.pool.QueryRow(ctx, sessionSelectColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		if isNotFound(err) {
			return nil, &ErrNotFound{Entity: "session", Key: id}
		}
		return nil, err
	}
	return sess, nil
}

func (s *PostgresStore) UpdateSessionContext(ctx context.Context, id string, contextDelta map[string]any) error {
	delta, err := json.Marshal(contextDelta)
	if err != nil {
		return fmt.Errorf("postgres: marshal context delta: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET conversation_context = conversation_context || $2::jsonb,
		    updated_at = NOW(), last_activity_at = NOW()
		WHERE id = $1`, id, delta)
	if err != nil {
		return fmt.Errorf("postgres: update session context: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	return nil
}

func (s *PostgresStore) UpdateSessionAgent(ctx context.Context, id string, agentID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET current_agent_id = $2, updated_at = NOW() WHERE id = $1`, id, agentID)
	if err != nil {
		return fmt.Errorf("postgres: update session agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	return nil
}

func (s *PostgresStore) ListActiveSessions(ctx context.Context, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, sessionSelectColumns+` FROM sessions WHERE status = 'active' ORDER BY last_activity_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// AcquireTurn performs the turn lock as a single conditional UPDATE: it
// only sets in_flight when the row is currently not in_flight, so two
// concurrent callers can never both win (spec.md §4.1 invariant).
func (s *PostgresStore) AcquireTurn(ctx context.Context, sessionID, lockToken string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET in_flight = TRUE, lock_token = $2, total_requests = total_requests + 1,
		    last_activity_at = NOW()
		WHERE id = $1 AND in_flight = FALSE`, sessionID, lockToken)
	if err != nil {
		return false, fmt.Errorf("postgres: acquire turn: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseTurn(ctx context.Context, sessionID, lockToken string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET in_flight = FALSE, lock_token = '', last_activity_at = NOW()
		WHERE id = $1 AND lock_token = $2`, sessionID, lockToken)
	if err != nil {
		return fmt.Errorf("postgres: release turn: %w", err)
	}
	return nil
}

// ── Request Log Store ───────────────────────────────────────

func (s *PostgresStore) CreateRequestLog(ctx context.Context, rl *models.RequestLog) error {
	if rl.ID == "" {
		rl.ID = "req_" + uuid.NewString()
	}
	normalized, err := json.Marshal(rl.Normalized)
	if err != nil {
		return fmt.Errorf("postgres: marshal normalized request: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO request_logs (id, session_id, normalized, agent_id, cloudevent_id, cloudevent_type, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rl.ID, rl.SessionID, normalized, rl.AgentID, rl.CloudEventID, rl.CloudEventType, rl.Status)
	if err != nil {
		return fmt.Errorf("postgres: create request log: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRequestLog(ctx context.Context, requestID string) (*models.RequestLog, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, session_id, normalized, response, agent_id, processing_ms, cloudevent_id,
		       cloudevent_type, status, created_at, completed_at
		FROM request_logs WHERE id = $1`, requestID)

	var rl models.RequestLog
	var normalized, response []byte
	var processingMS int64
	err := row.Scan(&rl.ID, &rl.SessionID, &normalized, &response, &rl.AgentID, &processingMS,
		&rl.CloudEventID, &rl.CloudEventType, &rl.Status, &rl.CreatedAt, &rl.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "request_log", Key: requestID}
		}
		return nil, fmt.Errorf("postgres: get request log: %w", err)
	}
	rl.ProcessingTime = time.Duration(processingMS) * time.Millisecond
	if len(normalized) > 0 {
		_ = json.Unmarshal(normalized, &rl.Normalized)
	}
	if len(response) > 0 {
		_ = json.Unmarshal(response, &rl.Response)
	}
	return &rl, nil
}

func (s *PostgresStore) UpdateRequestLogStatus(ctx context.Context, requestID string, status models.RequestStatus, errorReason string) error {
	var response []byte
	if errorReason != "" {
		var err error
		response, err = json.Marshal(models.ResponsePayload{Kind: "error", Content: errorReason})
		if err != nil {
			return fmt.Errorf("postgres: marshal error response: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE request_logs SET status = $2, response = COALESCE($3, response) WHERE id = $1`,
		requestID, status, nullIfEmpty(response))
	if err != nil {
		return fmt.Errorf("postgres: update request log status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "request_log", Key: requestID}
	}
	return nil
}

func (s *PostgresStore) CompleteRequestLog(ctx context.Context, requestID string, response models.ResponsePayload) error {
	payload, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("postgres: marshal response: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE request_logs
		SET status = 'completed', response = $2, completed_at = NOW(),
		    processing_ms = EXTRACT(EPOCH FROM (NOW() - created_at)) * 1000
		WHERE id = $1`, requestID, payload)
	if err != nil {
		return fmt.Errorf("postgres: complete request log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "request_log", Key: requestID}
	}
	return nil
}

func (s *PostgresStore) ListRequestLogsBySession(ctx context.Context, sessionID string, limit int) ([]models.RequestLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, normalized, response, agent_id, processing_ms, cloudevent_id,
		       cloudevent_type, status, created_at, completed_at
		FROM request_logs WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list request logs: %w", err)
	}
	defer rows.Close()

	var out []models.RequestLog
	for rows.Next() {
		var rl models.RequestLog
		var normalized, response []byte
		var processingMS int64
		if err := rows.Scan(&rl.ID, &rl.SessionID, &normalized, &response, &rl.AgentID, &processingMS,
			&rl.CloudEventID, &rl.CloudEventType, &rl.Status, &rl.CreatedAt, &rl.CompletedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan request log: %w", err)
		}
		rl.ProcessingTime = time.Duration(processingMS) * time.Millisecond
		if len(normalized) > 0 {
			_ = json.Unmarshal(normalized, &rl.Normalized)
		}
		if len(response) > 0 {
			_ = json.Unmarshal(response, &rl.Response)
		}
		out = append(out, rl)
	}
	return out, rows.Err()
}

// ── Integration Config Store ────────────────────────────────

func (s *PostgresStore) GetUserIntegrationConfigs(ctx context.Context, userID string) ([]models.UserIntegrationConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, kind, enabled, config, priority, retry_count, retry_delay_secs, backoff_shape, created_at, updated_at
		FROM user_integration_configs WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get user integration configs: %w", err)
	}
	defer rows.Close()

	var out []models.UserIntegrationConfig
	for rows.Next() {
		var cfg models.UserIntegrationConfig
		var raw []byte
		if err := rows.Scan(&cfg.UserID, &cfg.Kind, &cfg.Enabled, &raw, &cfg.Priority,
			&cfg.RetryCount, &cfg.RetryDelaySecs, &cfg.BackoffShape, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan user integration config: %w", err)
		}
		cfg.Config = unmarshalMap(raw)
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertUserIntegrationConfig(ctx context.Context, cfg *models.UserIntegrationConfig) error {
	raw, err := json.Marshal(cfg.Config)
	if err != nil {
		return fmt.Errorf("postgres: marshal config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO user_integration_configs (user_id, kind, enabled, config, priority, retry_count, retry_delay_secs, backoff_shape)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, kind) DO UPDATE SET
			enabled = EXCLUDED.enabled, config = EXCLUDED.config, priority = EXCLUDED.priority,
			retry_count = EXCLUDED.retry_count, retry_delay_secs = EXCLUDED.retry_delay_secs,
			backoff_shape = EXCLUDED.backoff_shape, updated_at = NOW()`,
		cfg.UserID, cfg.Kind, cfg.Enabled, raw, cfg.Priority, cfg.RetryCount, cfg.RetryDelaySecs, cfg.BackoffShape)
	if err != nil {
		return fmt.Errorf("postgres: upsert user integration config: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteUserIntegrationConfig(ctx context.Context, userID string, kind models.IntegrationKind) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM user_integration_configs WHERE user_id = $1 AND kind = $2`, userID, kind)
	if err != nil {
		return fmt.Errorf("postgres: delete user integration config: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIntegrationDefault(ctx context.Context, kind models.IntegrationKind) (*models.IntegrationDefault, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT kind, enabled, config, priority, retry_count, retry_delay_secs, backoff_shape, auto_enable_predicate
		FROM integration_defaults WHERE kind = $1`, kind)

	var def models.IntegrationDefault
	var raw []byte
	err := row.Scan(&def.Kind, &def.Enabled, &raw, &def.Priority, &def.RetryCount, &def.RetryDelaySecs,
		&def.BackoffShape, &def.AutoEnablePredicate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "integration_default", Key: string(kind)}
		}
		return nil, fmt.Errorf("postgres: get integration default: %w", err)
	}
	def.Config = unmarshalMap(raw)
	return &def, nil
}

func (s *PostgresStore) ListIntegrationDefaults(ctx context.Context) ([]models.IntegrationDefault, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT kind, enabled, config, priority, retry_count, retry_delay_secs, backoff_shape, auto_enable_predicate
		FROM integration_defaults`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list integration defaults: %w", err)
	}
	defer rows.Close()

	var out []models.IntegrationDefault
	for rows.Next() {
		var def models.IntegrationDefault
		var raw []byte
		if err := rows.Scan(&def.Kind, &def.Enabled, &raw, &def.Priority, &def.RetryCount,
			&def.RetryDelaySecs, &def.BackoffShape, &def.AutoEnablePredicate); err != nil {
			return nil, fmt.Errorf("postgres: scan integration default: %w", err)
		}
		def.Config = unmarshalMap(raw)
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertIntegrationDefault(ctx context.Context, def *models.IntegrationDefault) error {
	raw, err := json.Marshal(def.Config)
	if err != nil {
		return fmt.Errorf("postgres: marshal default config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO integration_defaults (kind, enabled, config, priority, retry_count, retry_delay_secs, backoff_shape, auto_enable_predicate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (kind) DO UPDATE SET
			enabled = EXCLUDED.enabled, config = EXCLUDED.config, priority = EXCLUDED.priority,
			retry_count = EXCLUDED.retry_count, retry_delay_secs = EXCLUDED.retry_delay_secs,
			backoff_shape = EXCLUDED.backoff_shape, auto_enable_predicate = EXCLUDED.auto_enable_predicate`,
		def.Kind, def.Enabled, raw, def.Priority, def.RetryCount, def.RetryDelaySecs, def.BackoffShape, def.AutoEnablePredicate)
	if err != nil {
		return fmt.Errorf("postgres: upsert integration default: %w", err)
	}
	return nil
}

// ── Delivery Log Store ──────────────────────────────────────

func (s *PostgresStore) CreateDeliveryLog(ctx context.Context, dl *models.DeliveryLog) error {
	if dl.ID == "" {
		dl.ID = "dlv_" + uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_logs (id, request_id, user_id, kind, attempt, outcome, error, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (request_id, kind, attempt) DO UPDATE SET
			outcome = EXCLUDED.outcome, error = EXCLUDED.error, completed_at = NOW()`,
		dl.ID, dl.RequestID, dl.UserID, dl.Kind, dl.Attempt, dl.Outcome, dl.Error, dl.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("postgres: create delivery log: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDeliveryLog(ctx context.Context, requestID string, kind models.IntegrationKind, attempt int) (*models.DeliveryLog, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, request_id, user_id, kind, attempt, outcome, error, started_at, completed_at, next_attempt_at
		FROM delivery_logs WHERE request_id = $1 AND kind = $2 AND attempt = $3`, requestID, kind, attempt)

	var dl models.DeliveryLog
	err := row.Scan(&dl.ID, &dl.RequestID, &dl.UserID, &dl.Kind, &dl.Attempt, &dl.Outcome, &dl.Error,
		&dl.StartedAt, &dl.CompletedAt, &dl.NextAttemptAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "delivery_log"}
		}
		return nil, fmt.Errorf("postgres: get delivery log: %w", err)
	}
	return &dl, nil
}

func (s *PostgresStore) ListDeliveryLogsByRequest(ctx context.Context, requestID string) ([]models.DeliveryLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, user_id, kind, attempt, outcome, error, started_at, completed_at, next_attempt_at
		FROM delivery_logs WHERE request_id = $1 ORDER BY attempt ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list delivery logs: %w", err)
	}
	defer rows.Close()

	var out []models.DeliveryLog
	for rows.Next() {
		var dl models.DeliveryLog
		if err := rows.Scan(&dl.ID, &dl.RequestID, &dl.UserID, &dl.Kind, &dl.Attempt, &dl.Outcome, &dl.Error,
			&dl.StartedAt, &dl.CompletedAt, &dl.NextAttemptAt); err != nil {
			return nil, fmt.Errorf("postgres: scan delivery log: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPendingRetries(ctx context.Context, before time.Time, limit int) ([]models.DeliveryLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, user_id, kind, attempt, outcome, error, started_at, completed_at, next_attempt_at
		FROM delivery_logs
		WHERE next_attempt_at IS NOT NULL AND next_attempt_at < $1
		ORDER BY next_attempt_at ASC LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending retries: %w", err)
	}
	defer rows.Close()

	var out []models.DeliveryLog
	for rows.Next() {
		var dl models.DeliveryLog
		if err := rows.Scan(&dl.ID, &dl.RequestID, &dl.UserID, &dl.Kind, &dl.Attempt, &dl.Outcome, &dl.Error,
			&dl.StartedAt, &dl.CompletedAt, &dl.NextAttemptAt); err != nil {
			return nil, fmt.Errorf("postgres: scan pending retry: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// ── helpers ───────────────────────────────────────────────────

func unmarshalMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func nullIfEmpty(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func isNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
