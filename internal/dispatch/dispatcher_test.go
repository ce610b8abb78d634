package dispatch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaymesh/control-plane/internal/dispatch"
	"github.com/relaymesh/control-plane/internal/store"
	"github.com/relaymesh/control-plane/pkg/events"
	"github.com/relaymesh/control-plane/pkg/models"
)

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("AGENTOVEN_DATA_DIR", dir)
	t.Cleanup(func() { os.Unsetenv("AGENTOVEN_DATA_DIR") })
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSessionAndRequest(t *testing.T, s *store.MemoryStore, userID, content string) (*models.Session, *models.RequestLog) {
	t.Helper()
	session, _, err := s.GetOrCreateSession(context.Background(), models.SessionKey{UserID: userID, Surface: models.SurfaceWeb})
	if err != nil {
		t.Fatalf("GetOrCreateSession() error = %v", err)
	}
	rl := &models.RequestLog{
		ID:        "req-" + session.ID,
		SessionID: session.ID,
		Normalized: &models.NormalizedRequest{RequestID: "req-" + session.ID, UserID: userID, Content: content},
		Status:    models.RequestCompleted,
		Response:  &models.ResponsePayload{Content: content, Kind: "ok"},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateRequestLog(context.Background(), rl); err != nil {
		t.Fatalf("CreateRequestLog() error = %v", err)
	}
	return session, rl
}

// TestProcessResponse_DeliversToEveryEnabledKindAndLogsOutcomes exercises
// resolve-fan-out, parallel dispatch, and outcome logging against the
// built-in test handler (always succeeds) and a webhook handler pointed at
// a fake receiver.
func TestProcessResponse_DeliversToEveryEnabledKindAndLogsOutcomes(t *testing.T) {
	s := newTestStore(t)

	var webhookHits int32
	webhookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&webhookHits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer webhookSrv.Close()

	session, rl := seedSessionAndRequest(t, s, "alice", "hello")

	if err := s.UpsertIntegrationDefault(context.Background(), &models.IntegrationDefault{
		Kind: models.IntegrationTest, Enabled: true, Priority: 0, RetryCount: 3, RetryDelaySecs: 1,
	}); err != nil {
		t.Fatalf("UpsertIntegrationDefault(test) error = %v", err)
	}
	if err := s.UpsertUserIntegrationConfig(context.Background(), &models.UserIntegrationConfig{
		UserID: "alice", Kind: models.IntegrationWebhook, Enabled: true, Priority: 10,
		RetryCount: 3, RetryDelaySecs: 1,
		Config: map[string]any{"url": webhookSrv.URL},
	}); err != nil {
		t.Fatalf("UpsertUserIntegrationConfig(webhook) error = %v", err)
	}

	d := dispatch.New(s, "", "", dispatch.SMTPConfig{})
	resp := &events.ResponseReadyData{RequestID: rl.ID, SessionID: session.ID, Content: "hello", Kind: "ok"}
	if err := d.ProcessResponse(context.Background(), resp); err != nil {
		t.Fatalf("ProcessResponse() error = %v", err)
	}

	if got := atomic.LoadInt32(&webhookHits); got != 1 {
		t.Errorf("webhook hits = %d, want 1", got)
	}

	logs, err := s.ListDeliveryLogsByRequest(context.Background(), rl.ID)
	if err != nil {
		t.Fatalf("ListDeliveryLogsByRequest() error = %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("len(logs) = %d, want 2 (test + webhook)", len(logs))
	}
	for _, l := range logs {
		if l.Outcome != models.DeliverySuccess {
			t.Errorf("delivery log kind=%s outcome = %s, want success", l.Kind, l.Outcome)
		}
	}
}

// TestProcessResponse_SkipsDisabledKinds asserts a disabled default never
// produces a delivery attempt.
func TestProcessResponse_SkipsDisabledKinds(t *testing.T) {
	s := newTestStore(t)
	session, rl := seedSessionAndRequest(t, s, "bob", "hi")

	if err := s.UpsertIntegrationDefault(context.Background(), &models.IntegrationDefault{
		Kind: models.IntegrationTest, Enabled: false,
	}); err != nil {
		t.Fatalf("UpsertIntegrationDefault() error = %v", err)
	}

	d := dispatch.New(s, "", "", dispatch.SMTPConfig{})
	resp := &events.ResponseReadyData{RequestID: rl.ID, SessionID: session.ID, Content: "hi"}
	if err := d.ProcessResponse(context.Background(), resp); err != nil {
		t.Fatalf("ProcessResponse() error = %v", err)
	}

	logs, err := s.ListDeliveryLogsByRequest(context.Background(), rl.ID)
	if err != nil {
		t.Fatalf("ListDeliveryLogsByRequest() error = %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("len(logs) = %d, want 0 for a disabled kind", len(logs))
	}
}

// TestProcessResponse_RetryAttemptsAreContiguousAndTerminalAfterExhaustion
// drives a webhook endpoint that always returns 500: attempts 1..3 all land
// as failed with contiguous attempt indices (invariant P5), the first two
// carrying a NextAttemptAt and the last, exhausted one carrying none.
func TestProcessResponse_RetryAttemptsAreContiguousAndTerminalAfterExhaustion(t *testing.T) {
	s := newTestStore(t)

	failingSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failingSrv.Close()

	session, rl := seedSessionAndRequest(t, s, "carol", "retry me")
	if err := s.UpsertUserIntegrationConfig(context.Background(), &models.UserIntegrationConfig{
		UserID: "carol", Kind: models.IntegrationWebhook, Enabled: true, Priority: 0,
		RetryCount: 3, RetryDelaySecs: 0,
		Config: map[string]any{"url": failingSrv.URL},
	}); err != nil {
		t.Fatalf("UpsertUserIntegrationConfig() error = %v", err)
	}

	d := dispatch.New(s, "", "", dispatch.SMTPConfig{})
	resp := &events.ResponseReadyData{RequestID: rl.ID, SessionID: session.ID, Content: "retry me"}
	if err := d.ProcessResponse(context.Background(), resp); err != nil {
		t.Fatalf("ProcessResponse() error = %v", err)
	}

	for attempt := 2; attempt <= 3; attempt++ {
		if err := d.RunRetries(context.Background(), 10); err != nil {
			t.Fatalf("RunRetries() error = %v", err)
		}
	}

	logs, err := s.ListDeliveryLogsByRequest(context.Background(), rl.ID)
	if err != nil {
		t.Fatalf("ListDeliveryLogsByRequest() error = %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("len(logs) = %d, want 3 attempts", len(logs))
	}
	seen := map[int]bool{}
	for _, l := range logs {
		seen[l.Attempt] = true
		if l.Outcome != models.DeliveryFailed {
			t.Errorf("attempt %d outcome = %s, want failed", l.Attempt, l.Outcome)
		}
		if l.Attempt < 3 && l.NextAttemptAt == nil {
			t.Errorf("attempt %d NextAttemptAt = nil, want a retry scheduled", l.Attempt)
		}
		if l.Attempt == 3 && l.NextAttemptAt != nil {
			t.Errorf("final attempt NextAttemptAt = %v, want nil (retries exhausted)", l.NextAttemptAt)
		}
	}
	for i := 1; i <= 3; i++ {
		if !seen[i] {
			t.Errorf("attempt %d missing, want a contiguous prefix {1,2,3}", i)
		}
	}
}
