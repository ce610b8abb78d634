// Package store — in-memory Store implementation.
// Used for local development, the "test" integration kind, and unit tests.
// Supports file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relaymesh/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Sessions    map[string]*models.Session                `json:"sessions"`
	RequestLogs map[string]*models.RequestLog              `json:"request_logs"`
	UserConfigs map[string]*models.UserIntegrationConfig   `json:"user_configs"` // key: userID:kind
	Defaults    map[string]*models.IntegrationDefault      `json:"defaults"`     // key: kind
	Deliveries  map[string]*models.DeliveryLog             `json:"deliveries"`   // key: requestID:kind:attempt
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*models.Session
	sessionKeys map[string]string // SessionKey digest -> session id
	requestLogs map[string]*models.RequestLog
	userConfigs map[string]*models.UserIntegrationConfig
	defaults    map[string]*models.IntegrationDefault
	deliveries  map[string]*models.DeliveryLog

	// Persistence
	snapshotPath string
	saveMu       sync.Mutex
	saveCh       chan struct{}
	doneCh       chan struct{}

	// Inactive sessions older than this are evicted automatically.
	// Set via AGENTOVEN_SESSION_TTL env var (Go duration string).
	sessionTTL time.Duration
}

// NewMemoryStore creates a new in-memory store.
// If AGENTOVEN_DATA_DIR is set, data is persisted to a JSON file in that
// directory. Otherwise defaults to ~/.relaymesh/data.json.
func NewMemoryStore() *MemoryStore {
	sessionTTL := 30 * 24 * time.Hour
	if ttlStr := os.Getenv("AGENTOVEN_SESSION_TTL"); ttlStr != "" {
		if parsed, err := time.ParseDuration(ttlStr); err == nil {
			sessionTTL = parsed
		} else {
			log.Warn().Str("value", ttlStr).Msg("invalid AGENTOVEN_SESSION_TTL, using default 30d")
		}
	}

	m := &MemoryStore{
		sessions:    make(map[string]*models.Session),
		sessionKeys: make(map[string]string),
		requestLogs: make(map[string]*models.RequestLog),
		userConfigs: make(map[string]*models.UserIntegrationConfig),
		defaults:    make(map[string]*models.IntegrationDefault),
		deliveries:  make(map[string]*models.DeliveryLog),
		saveCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
		sessionTTL:  sessionTTL,
	}

	dataDir := os.Getenv("AGENTOVEN_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".relaymesh")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
	}

	if m.snapshotPath != "" {
		go m.saveLoop()
	}
	go m.sessionEvictionLoop()

	log.Info().
		Str("session_ttl", sessionTTL.String()).
		Str("snapshot", m.snapshotPath).
		Msg("memory store configured")

	return m
}

func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) sessionEvictionLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.evictInactiveSessions()
		}
	}
}

func (m *MemoryStore) evictInactiveSessions() {
	cutoff := time.Now().Add(-m.sessionTTL)

	m.mu.Lock()
	var evicted int
	for id, s := range m.sessions {
		if s.LastActivityAt.Before(cutoff) && !s.InFlight {
			delete(m.sessions, id)
			evicted++
		}
	}
	m.mu.Unlock()

	if evicted > 0 {
		log.Info().Int("evicted", evicted).Str("ttl", m.sessionTTL.String()).Msg("evicted inactive sessions")
		m.requestSave()
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Sessions:    m.sessions,
		RequestLogs: m.requestLogs,
		UserConfigs: m.userConfigs,
		Defaults:    m.defaults,
		Deliveries:  m.deliveries,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("no snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Msg("failed to parse snapshot, starting fresh")
		return
	}

	if snap.Sessions != nil {
		m.sessions = snap.Sessions
		for id, s := range snap.Sessions {
			m.sessionKeys[sessionKeyDigest(sessionKeyOf(s))] = id
		}
	}
	if snap.RequestLogs != nil {
		m.requestLogs = snap.RequestLogs
	}
	if snap.UserConfigs != nil {
		m.userConfigs = snap.UserConfigs
	}
	if snap.Defaults != nil {
		m.defaults = snap.Defaults
	}
	if snap.Deliveries != nil {
		m.deliveries = snap.Deliveries
	}

	log.Info().
		Int("sessions", len(m.sessions)).
		Int("request_logs", len(m.requestLogs)).
		Msg("snapshot loaded")
}

// Close stops background goroutines and flushes a final snapshot.
func (m *MemoryStore) Close() error {
	close(m.doneCh)
	if m.snapshotPath != "" {
		m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }

// ── Session Store ───────────────────────────────────────────

func sessionKeyOf(s *models.Session) models.SessionKey {
	return models.SessionKey{
		UserID:         s.UserID,
		Surface:        s.Surface,
		ChannelID:      s.ChannelID,
		ThreadID:       s.ThreadID,
		ExternalUserID: s.ExternalUserID,
		WorkspaceID:    s.WorkspaceID,
	}
}

func sessionKeyDigest(k models.SessionKey) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s", k.UserID, k.Surface, k.ChannelID, k.ThreadID, k.ExternalUserID, k.WorkspaceID)
}

func (m *MemoryStore) GetOrCreateSession(ctx context.Context, key models.SessionKey) (*models.Session, bool, error) {
	digest := sessionKeyDigest(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.sessionKeys[digest]; ok {
		if s, ok := m.sessions[id]; ok {
			return cloneSession(s), false, nil
		}
	}

	now := time.Now().UTC()
	s := &models.Session{
		ID:             newID("sess"),
		UserID:         key.UserID,
		Surface:        key.Surface,
		ChannelID:      key.ChannelID,
		ThreadID:       key.ThreadID,
		ExternalUserID: key.ExternalUserID,
		WorkspaceID:    key.WorkspaceID,
		Status:         models.SessionActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	m.sessions[s.ID] = s
	m.sessionKeys[digest] = s.ID
	m.requestSave()
	return cloneSession(s), true, nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) UpdateSessionContext(ctx context.Context, id string, contextDelta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	if s.ConversationContext == nil {
		s.ConversationContext = make(map[string]any)
	}
	for k, v := range contextDelta {
		s.ConversationContext[k] = v
	}
	s.UpdatedAt = time.Now().UTC()
	s.LastActivityAt = s.UpdatedAt
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateSessionAgent(ctx context.Context, id string, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	s.CurrentAgentID = agentID
	s.UpdatedAt = time.Now().UTC()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	delete(m.sessionKeys, sessionKeyDigest(sessionKeyOf(s)))
	delete(m.sessions, id)
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListActiveSessions(ctx context.Context, limit int) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Session, 0, limit)
	for _, s := range m.sessions {
		if s.Status != models.SessionActive {
			continue
		}
		out = append(out, *cloneSession(s))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// AcquireTurn implements the turn lock as a conditional in-memory update,
// mirroring what a real database does with a conditional UPDATE statement
// (spec.md §4.1 invariant "at most one in-flight request per session").
func (m *MemoryStore) AcquireTurn(ctx context.Context, sessionID, lockToken string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false, &ErrNotFound{Entity: "session", Key: sessionID}
	}
	if s.InFlight {
		return false, nil
	}
	s.InFlight = true
	s.LockToken = lockToken
	s.TotalRequests++
	s.LastActivityAt = time.Now().UTC()
	m.requestSave()
	return true, nil
}

func (m *MemoryStore) ReleaseTurn(ctx context.Context, sessionID, lockToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return &ErrNotFound{Entity: "session", Key: sessionID}
	}
	if s.LockToken != lockToken {
		// A stale caller tried to release a lock it no longer holds; ignore.
		return nil
	}
	s.InFlight = false
	s.LockToken = ""
	s.LastActivityAt = time.Now().UTC()
	m.requestSave()
	return nil
}

func cloneSession(s *models.Session) *models.Session {
	cp := *s
	cp.ConversationContext = cloneMap(s.ConversationContext)
	cp.IntegrationMetadata = cloneMap(s.IntegrationMetadata)
	cp.UserContext = cloneMap(s.UserContext)
	return &cp
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ── Request Log Store ───────────────────────────────────────

func (m *MemoryStore) CreateRequestLog(ctx context.Context, rl *models.RequestLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rl.ID == "" {
		rl.ID = newID("req")
	}
	if rl.CreatedAt.IsZero() {
		rl.CreatedAt = time.Now().UTC()
	}
	cp := *rl
	m.requestLogs[rl.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetRequestLog(ctx context.Context, requestID string) (*models.RequestLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rl, ok := m.requestLogs[requestID]
	if !ok {
		return nil, &ErrNotFound{Entity: "request_log", Key: requestID}
	}
	cp := *rl
	return &cp, nil
}

func (m *MemoryStore) UpdateRequestLogStatus(ctx context.Context, requestID string, status models.RequestStatus, errorReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rl, ok := m.requestLogs[requestID]
	if !ok {
		return &ErrNotFound{Entity: "request_log", Key: requestID}
	}
	rl.Status = status
	if errorReason != "" {
		if rl.Response == nil {
			rl.Response = &models.ResponsePayload{}
		}
		rl.Response.Kind = "error"
		rl.Response.Content = errorReason
	}
	m.requestSave()
	return nil
}

func (m *MemoryStore) CompleteRequestLog(ctx context.Context, requestID string, response models.ResponsePayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rl, ok := m.requestLogs[requestID]
	if !ok {
		return &ErrNotFound{Entity: "request_log", Key: requestID}
	}
	rl.Status = models.RequestCompleted
	rl.Response = &response
	now := time.Now().UTC()
	rl.CompletedAt = &now
	rl.ProcessingTime = now.Sub(rl.CreatedAt)
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListRequestLogsBySession(ctx context.Context, sessionID string, limit int) ([]models.RequestLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RequestLog, 0, limit)
	for _, rl := range m.requestLogs {
		if rl.SessionID != sessionID {
			continue
		}
		out = append(out, *rl)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ── Integration Config Store ────────────────────────────────

func userConfigKey(userID string, kind models.IntegrationKind) string {
	return userID + ":" + string(kind)
}

func (m *MemoryStore) GetUserIntegrationConfigs(ctx context.Context, userID string) ([]models.UserIntegrationConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.UserIntegrationConfig
	prefix := userID + ":"
	for k, cfg := range m.userConfigs {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, *cfg)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertUserIntegrationConfig(ctx context.Context, cfg *models.UserIntegrationConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	cp := *cfg
	if existing, ok := m.userConfigs[userConfigKey(cfg.UserID, cfg.Kind)]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.userConfigs[userConfigKey(cfg.UserID, cfg.Kind)] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteUserIntegrationConfig(ctx context.Context, userID string, kind models.IntegrationKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.userConfigs, userConfigKey(userID, kind))
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetIntegrationDefault(ctx context.Context, kind models.IntegrationKind) (*models.IntegrationDefault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.defaults[string(kind)]
	if !ok {
		return nil, &ErrNotFound{Entity: "integration_default", Key: string(kind)}
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListIntegrationDefaults(ctx context.Context) ([]models.IntegrationDefault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.IntegrationDefault, 0, len(m.defaults))
	for _, d := range m.defaults {
		out = append(out, *d)
	}
	return out, nil
}

func (m *MemoryStore) UpsertIntegrationDefault(ctx context.Context, def *models.IntegrationDefault) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *def
	m.defaults[string(def.Kind)] = &cp
	m.requestSave()
	return nil
}

// ── Delivery Log Store ──────────────────────────────────────

func deliveryKey(requestID string, kind models.IntegrationKind, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", requestID, kind, attempt)
}

func (m *MemoryStore) CreateDeliveryLog(ctx context.Context, dl *models.DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dl.ID == "" {
		dl.ID = newID("dlv")
	}
	if dl.StartedAt.IsZero() {
		dl.StartedAt = time.Now().UTC()
	}
	cp := *dl
	m.deliveries[deliveryKey(dl.RequestID, dl.Kind, dl.Attempt)] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetDeliveryLog(ctx context.Context, requestID string, kind models.IntegrationKind, attempt int) (*models.DeliveryLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dl, ok := m.deliveries[deliveryKey(requestID, kind, attempt)]
	if !ok {
		return nil, &ErrNotFound{Entity: "delivery_log", Key: deliveryKey(requestID, kind, attempt)}
	}
	cp := *dl
	return &cp, nil
}

func (m *MemoryStore) ListDeliveryLogsByRequest(ctx context.Context, requestID string) ([]models.DeliveryLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.DeliveryLog
	for _, dl := range m.deliveries {
		if dl.RequestID == requestID {
			out = append(out, *dl)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListPendingRetries(ctx context.Context, before time.Time, limit int) ([]models.DeliveryLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DeliveryLog, 0, limit)
	for _, dl := range m.deliveries {
		// NextAttemptAt is only ever set on attempts that still have
		// retries left (spec.md §4.6 step 5); Outcome itself always
		// records the spent attempt as failed or succeeded.
		if dl.NextAttemptAt != nil && dl.NextAttemptAt.Before(before) {
			out = append(out, *dl)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func newID(prefix string) string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return prefix + "_" + hex.EncodeToString(buf)
}
