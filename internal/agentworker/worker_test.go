package agentworker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaymesh/control-plane/internal/agentruntime"
	"github.com/relaymesh/control-plane/internal/agentworker"
	"github.com/relaymesh/control-plane/internal/store"
	"github.com/relaymesh/control-plane/internal/substrate"
	"github.com/relaymesh/control-plane/pkg/contracts"
	"github.com/relaymesh/control-plane/pkg/events"
	"github.com/relaymesh/control-plane/pkg/models"
)

// erroringRuntime always fails, used to exercise the timeout/error path
// of processing a turn without waiting out a real deadline.
type erroringRuntime struct{}

func (erroringRuntime) Invoke(ctx context.Context, runtimeSessionRef, content string, promptContext map[string]any) (*contracts.RuntimeResult, error) {
	return nil, errors.New("runtime unavailable")
}

func newFakeDispatcher(t *testing.T) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var lastResponse atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var data events.ResponseReadyData
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			t.Errorf("decode response.ready: %v", err)
		}
		lastResponse.Store(data)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &lastResponse
}

func newTestSession(t *testing.T, s contracts.Store, content string) (*models.Session, *models.NormalizedRequest, string) {
	t.Helper()
	key := models.SessionKey{UserID: "alice", Surface: models.SurfaceWeb}
	session, _, err := s.GetOrCreateSession(context.Background(), key)
	if err != nil {
		t.Fatalf("GetOrCreateSession() error = %v", err)
	}
	lockToken := "lock-1"
	acquired, err := s.AcquireTurn(context.Background(), session.ID, lockToken)
	if err != nil || !acquired {
		t.Fatalf("AcquireTurn() = %v, %v, want true, nil", acquired, err)
	}
	req := &models.NormalizedRequest{
		RequestID: "req-" + session.ID,
		UserID:    "alice",
		Surface:   models.SurfaceWeb,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	if err := s.CreateRequestLog(context.Background(), &models.RequestLog{
		ID:         req.RequestID,
		SessionID:  session.ID,
		Normalized: req,
		Status:     models.RequestPending,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateRequestLog() error = %v", err)
	}
	return session, req, lockToken
}

func TestHandleIntake_CompletesTurnAndReleasesLock(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	dispatchSrv, lastResponse := newFakeDispatcher(t)

	sub := substrate.NewDirectSubstrate("", dispatchSrv.URL)
	w := agentworker.New(s, sub, agentruntime.NewEchoRuntime(), time.Second)
	intakeSrv := httptest.NewServer(http.HandlerFunc(w.HandleIntake))
	defer intakeSrv.Close()

	session, req, _ := newTestSession(t, s, "hello there")

	body, _ := json.Marshal(req)
	resp, err := http.Post(intakeSrv.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST intake: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("intake status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	waitUntil(t, func() bool {
		log, err := s.GetRequestLog(context.Background(), req.RequestID)
		return err == nil && log.Status == models.RequestCompleted
	})

	log, err := s.GetRequestLog(context.Background(), req.RequestID)
	if err != nil {
		t.Fatalf("GetRequestLog() error = %v", err)
	}
	if log.Response == nil || log.Response.Kind != "ok" {
		t.Fatalf("log.Response = %+v, want kind ok", log.Response)
	}
	if log.Response.Content == "" {
		t.Error("log.Response.Content is empty, want the echoed reply")
	}

	refreshed, err := s.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if refreshed.LockToken != "" {
		t.Errorf("session.LockToken = %q after completion, want released (empty)", refreshed.LockToken)
	}

	v := lastResponse.Load()
	if v == nil {
		t.Fatal("dispatcher never received response.ready")
	}
	data := v.(events.ResponseReadyData)
	if data.RequestID != req.RequestID {
		t.Errorf("response.ready request_id = %q, want %q", data.RequestID, req.RequestID)
	}
}

func TestHandleIntake_RuntimeErrorProducesErrorResponseAndReleasesLock(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	dispatchSrv, _ := newFakeDispatcher(t)

	sub := substrate.NewDirectSubstrate("", dispatchSrv.URL)
	w := agentworker.New(s, sub, erroringRuntime{}, time.Second)
	intakeSrv := httptest.NewServer(http.HandlerFunc(w.HandleIntake))
	defer intakeSrv.Close()

	session, req, _ := newTestSession(t, s, "hello")

	body, _ := json.Marshal(req)
	resp, err := http.Post(intakeSrv.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST intake: %v", err)
	}
	resp.Body.Close()

	waitUntil(t, func() bool {
		log, err := s.GetRequestLog(context.Background(), req.RequestID)
		return err == nil && log.Status == models.RequestCompleted
	})

	log, err := s.GetRequestLog(context.Background(), req.RequestID)
	if err != nil {
		t.Fatalf("GetRequestLog() error = %v", err)
	}
	if log.Response == nil || log.Response.Kind != "error" {
		t.Fatalf("log.Response = %+v, want kind error", log.Response)
	}

	refreshed, err := s.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if refreshed.LockToken != "" {
		t.Error("turn lock was not released after a failed runtime invocation")
	}
}

func TestHandleIntake_DuplicateDeliveryIsIdempotent(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	dispatchSrv, lastResponse := newFakeDispatcher(t)

	sub := substrate.NewDirectSubstrate("", dispatchSrv.URL)
	w := agentworker.New(s, sub, agentruntime.NewEchoRuntime(), time.Second)
	intakeSrv := httptest.NewServer(http.HandlerFunc(w.HandleIntake))
	defer intakeSrv.Close()

	_, req, _ := newTestSession(t, s, "first delivery")

	body, _ := json.Marshal(req)
	for i := 0; i < 2; i++ {
		resp, err := http.Post(intakeSrv.URL, "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("POST intake #%d: %v", i, err)
		}
		resp.Body.Close()
	}

	waitUntil(t, func() bool {
		log, err := s.GetRequestLog(context.Background(), req.RequestID)
		return err == nil && log.Status == models.RequestCompleted
	})
	// Give the second (duplicate) delivery's republish time to land too.
	time.Sleep(50 * time.Millisecond)

	v := lastResponse.Load()
	if v == nil {
		t.Fatal("dispatcher never received response.ready")
	}
	data := v.(events.ResponseReadyData)
	if data.RequestID != req.RequestID {
		t.Errorf("republished request_id = %q, want %q", data.RequestID, req.RequestID)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true within the test deadline")
}

