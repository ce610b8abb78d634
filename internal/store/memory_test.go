package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/relaymesh/control-plane/internal/store"
	"github.com/relaymesh/control-plane/pkg/models"
)

// newTestStore creates a fresh in-memory store for tests with no persistence.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("AGENTOVEN_DATA_DIR", dir)
	defer os.Unsetenv("AGENTOVEN_DATA_DIR")
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateSession_ReusesExistingMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := models.SessionKey{UserID: "u1", Surface: models.SurfaceChat, ChannelID: "c1", ThreadID: "t1"}

	first, created, err := s.GetOrCreateSession(ctx, key)
	if err != nil {
		t.Fatalf("GetOrCreateSession() error = %v", err)
	}
	if !created {
		t.Fatalf("GetOrCreateSession() created = false on first call, want true")
	}

	second, created, err := s.GetOrCreateSession(ctx, key)
	if err != nil {
		t.Fatalf("GetOrCreateSession() second call error = %v", err)
	}
	if created {
		t.Errorf("GetOrCreateSession() created = true on reuse, want false")
	}
	if second.ID != first.ID {
		t.Errorf("GetOrCreateSession() id = %q, want reuse of %q", second.ID, first.ID)
	}
}

func TestGetOrCreateSession_DistinctKeysDistinctSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _, _ := s.GetOrCreateSession(ctx, models.SessionKey{UserID: "u1", Surface: models.SurfaceChat, ChannelID: "c1"})
	b, _, _ := s.GetOrCreateSession(ctx, models.SessionKey{UserID: "u1", Surface: models.SurfaceChat, ChannelID: "c2"})

	if a.ID == b.ID {
		t.Errorf("expected distinct sessions for distinct channel ids, got same id %q", a.ID)
	}
}

func TestAcquireTurn_RejectsConcurrentTurn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, _, _ := s.GetOrCreateSession(ctx, models.SessionKey{UserID: "u1", Surface: models.SurfaceWeb})

	ok, err := s.AcquireTurn(ctx, sess.ID, "token-1")
	if err != nil || !ok {
		t.Fatalf("AcquireTurn() first call = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = s.AcquireTurn(ctx, sess.ID, "token-2")
	if err != nil {
		t.Fatalf("AcquireTurn() second call error = %v", err)
	}
	if ok {
		t.Errorf("AcquireTurn() second call = true, want false while a turn is in flight")
	}
}

func TestReleaseTurn_StaleTokenIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, _, _ := s.GetOrCreateSession(ctx, models.SessionKey{UserID: "u1", Surface: models.SurfaceWeb})
	if _, err := s.AcquireTurn(ctx, sess.ID, "token-1"); err != nil {
		t.Fatalf("AcquireTurn() error = %v", err)
	}

	if err := s.ReleaseTurn(ctx, sess.ID, "wrong-token"); err != nil {
		t.Fatalf("ReleaseTurn() error = %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if !got.InFlight {
		t.Errorf("ReleaseTurn() with a stale token cleared the lock, want it held")
	}

	if err := s.ReleaseTurn(ctx, sess.ID, "token-1"); err != nil {
		t.Fatalf("ReleaseTurn() error = %v", err)
	}
	got, _ = s.GetSession(ctx, sess.ID)
	if got.InFlight {
		t.Errorf("ReleaseTurn() with the correct token left the lock held")
	}
}

func TestRequestLogLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rl := &models.RequestLog{SessionID: "sess1", Status: models.RequestPending}
	if err := s.CreateRequestLog(ctx, rl); err != nil {
		t.Fatalf("CreateRequestLog() error = %v", err)
	}
	if rl.ID == "" {
		t.Fatalf("CreateRequestLog() did not assign an ID")
	}

	if err := s.CompleteRequestLog(ctx, rl.ID, models.ResponsePayload{Content: "done", Kind: "ok"}); err != nil {
		t.Fatalf("CompleteRequestLog() error = %v", err)
	}

	got, err := s.GetRequestLog(ctx, rl.ID)
	if err != nil {
		t.Fatalf("GetRequestLog() error = %v", err)
	}
	if got.Status != models.RequestCompleted {
		t.Errorf("GetRequestLog().Status = %q, want %q", got.Status, models.RequestCompleted)
	}
	if got.Response == nil || got.Response.Content != "done" {
		t.Errorf("GetRequestLog().Response = %+v, want content %q", got.Response, "done")
	}
}

func TestIntegrationDefaultsUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &models.IntegrationDefault{Kind: models.IntegrationEmail, Enabled: true, RetryCount: 2}
	if err := s.UpsertIntegrationDefault(ctx, def); err != nil {
		t.Fatalf("UpsertIntegrationDefault() error = %v", err)
	}

	got, err := s.GetIntegrationDefault(ctx, models.IntegrationEmail)
	if err != nil {
		t.Fatalf("GetIntegrationDefault() error = %v", err)
	}
	if got.RetryCount != 2 {
		t.Errorf("GetIntegrationDefault().RetryCount = %d, want 2", got.RetryCount)
	}
}

func TestDeliveryLogIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dl := &models.DeliveryLog{RequestID: "req1", Kind: models.IntegrationWebhook, Attempt: 1, Outcome: models.DeliverySuccess}
	if err := s.CreateDeliveryLog(ctx, dl); err != nil {
		t.Fatalf("CreateDeliveryLog() error = %v", err)
	}

	got, err := s.GetDeliveryLog(ctx, "req1", models.IntegrationWebhook, 1)
	if err != nil {
		t.Fatalf("GetDeliveryLog() error = %v", err)
	}
	want := "req1:webhook:1"
	if got.IdempotencyKey() != want {
		t.Errorf("IdempotencyKey() = %q, want %q", got.IdempotencyKey(), want)
	}
}
