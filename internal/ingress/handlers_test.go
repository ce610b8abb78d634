package ingress_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/relaymesh/control-plane/internal/auth"
	"github.com/relaymesh/control-plane/internal/config"
	"github.com/relaymesh/control-plane/internal/ingress"
	"github.com/relaymesh/control-plane/internal/store"
	"github.com/relaymesh/control-plane/internal/substrate"
)

// newTestSystem wires a Router against a fresh in-memory store and a fake
// worker that immediately echoes back a response.ready, mirroring the
// direct-HTTP Communication Substrate strategy (spec.md §4.5).
func newTestSystem(t *testing.T, workerHandler http.HandlerFunc) (http.Handler, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("AGENTOVEN_DATA_DIR", dir)
	t.Cleanup(func() { os.Unsetenv("AGENTOVEN_DATA_DIR") })

	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	var workerSrv *httptest.Server
	if workerHandler != nil {
		workerSrv = httptest.NewServer(workerHandler)
		t.Cleanup(workerSrv.Close)
	}

	cfg := &config.Config{
		Version: "test",
		Auth: config.AuthConfig{
			APIKeysEnabled: true,
			WebAPIKeys:     map[string]bool{"KEY_ALICE": true},
			ToolAPIKeys:    map[string]bool{"TOOL_KEY_SNOW": true},
			RequireAuth:    true,
		},
		Router: config.RouterConfig{
			AwaitResponseTimeout: 200 * time.Millisecond,
			MaxContentBytes:      32 * 1024,
			ChatSignatureWindow:  5 * time.Minute,
			ChatSigningSecret:    "chat-secret",
		},
	}

	workerURL := ""
	if workerSrv != nil {
		workerURL = workerSrv.URL
	}
	sub := substrate.NewDirectSubstrate(workerURL, "")

	chain := auth.NewProviderChain()
	chain.RegisterProvider(auth.NewAPIKeyProvider(cfg.Auth))

	h := ingress.New(s, sub, cfg)
	router := ingress.NewRouter(cfg, h, chain)
	return router, cfg
}

// TestScenario1_WebSyncAwaitsAndTimesOut exercises the web surface's
// dispatch-and-await path in isolation from the Agent Worker (that
// end-to-end happy path, including the worker answering response.ready,
// is covered by internal/agentworker's integration test). Here the fake
// worker only accepts the request.created push; since the direct
// substrate's AwaitResponse is not wired to a real worker loop, the
// router is expected to accept, dispatch, and then report a timeout
// rather than hang past the configured deadline.
func TestScenario1_WebSyncAwaitsAndTimesOut(t *testing.T) {
	worker := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) }
	router, _ := newTestSystem(t, http.HandlerFunc(worker))

	body := []byte(`{"user_id":"alice","content":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests/web", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer KEY_ALICE")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
}

func TestScenario4_AuthFailure(t *testing.T) {
	router, _ := newTestSystem(t, nil)

	body := []byte(`{"user_id":"alice","content":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests/web", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer WRONG")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got["error"] != "unauthorized" {
		t.Errorf(`body["error"] = %q, want "unauthorized"`, got["error"])
	}
}

func TestScenario5_TurnConflict(t *testing.T) {
	worker := func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusAccepted)
	}
	router, _ := newTestSystem(t, http.HandlerFunc(worker))

	body := []byte(`{"user_id":"alice","content":"first"}`)

	results := make(chan int, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/requests/web", bytes.NewReader(body))
			req.Header.Set("Authorization", "Bearer KEY_ALICE")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			results <- rec.Code
		}()
	}
	wg.Wait()
	close(results)

	var conflicts, others int
	for code := range results {
		if code == http.StatusConflict {
			conflicts++
		} else {
			others++
		}
	}
	if conflicts != 1 {
		t.Errorf("conflicts = %d, want exactly 1 of the 2 concurrent requests to be rejected", conflicts)
	}
}

func TestScenario2_ToolTriggerAcknowledgedAsynchronously(t *testing.T) {
	received := make(chan struct{}, 1)
	worker := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		select {
		case received <- struct{}{}:
		default:
		}
	}
	router, _ := newTestSystem(t, http.HandlerFunc(worker))

	body := []byte(`{"user_id":"svc-snow","content":"laptop refresh","tool_id":"snow","trigger_event":"asset.refresh.due"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests/tool", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "TOOL_KEY_SNOW")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("worker never observed the dispatched request.created")
	}
}

func TestScenario3_ChatSignedEventAcksWithin3s(t *testing.T) {
	worker := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) }
	router, cfg := newTestSystem(t, http.HandlerFunc(worker))

	body := []byte(`{"external_user_id":"U123","channel_id":"C1","content":"/help"}`)
	ts := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(cfg.Router.ChatSigningSecret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests/chat_event", bytes.NewReader(body))
	req.Header.Set("X-Signature", sig)
	req.Header.Set("X-Timestamp", ts)
	rec := httptest.NewRecorder()

	start := time.Now()
	router.ServeHTTP(rec, req)
	elapsed := time.Since(start)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if elapsed > 3*time.Second {
		t.Errorf("chat ack took %s, want under the 3s budget", elapsed)
	}
}

func TestChatEvent_BadSignatureRejected(t *testing.T) {
	router, _ := newTestSystem(t, nil)

	body := []byte(`{"external_user_id":"U123","content":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests/chat_event", bytes.NewReader(body))
	req.Header.Set("X-Signature", "deadbeef")
	req.Header.Set("X-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}
