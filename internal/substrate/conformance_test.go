package substrate_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/relaymesh/control-plane/internal/substrate"
	"github.com/relaymesh/control-plane/pkg/contracts"
	"github.com/relaymesh/control-plane/pkg/events"
	"github.com/relaymesh/control-plane/pkg/models"
)

// harness drives one Substrate strategy well enough to observe both sides
// of a hand-off, independent of whether delivery happens over HTTP or
// Pub/Sub.
type harness struct {
	name      string
	substrate contracts.Substrate
	// recvRequest blocks until a request sent via substrate.SendRequest
	// arrives at the receiving side, however that side is wired.
	recvRequest func(t *testing.T) *models.NormalizedRequest
	// recvResponse mirrors recvRequest for PublishResponse.
	recvResponse func(t *testing.T) *events.ResponseReadyData
}

func directHarness(t *testing.T) harness {
	t.Helper()
	reqCh := make(chan *models.NormalizedRequest, 1)
	respCh := make(chan *events.ResponseReadyData, 1)

	workerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.NormalizedRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusAccepted)
		reqCh <- &req
	}))
	t.Cleanup(workerSrv.Close)

	dispatchSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var resp events.ResponseReadyData
		json.NewDecoder(r.Body).Decode(&resp)
		w.WriteHeader(http.StatusOK)
		respCh <- &resp
	}))
	t.Cleanup(dispatchSrv.Close)

	return harness{
		name:      "direct",
		substrate: substrate.NewDirectSubstrate(workerSrv.URL, dispatchSrv.URL),
		recvRequest: func(t *testing.T) *models.NormalizedRequest {
			t.Helper()
			select {
			case req := <-reqCh:
				return req
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for worker to receive request")
				return nil
			}
		},
		recvResponse: func(t *testing.T) *events.ResponseReadyData {
			t.Helper()
			select {
			case resp := <-respCh:
				return resp
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for dispatcher to receive response")
				return nil
			}
		},
	}
}

func brokerHarness(t *testing.T) harness {
	t.Helper()
	mr := miniredis.RunT(t)

	sub := substrate.NewBrokerSubstrate(mr.Addr())

	reqCh := make(chan *models.NormalizedRequest, 1)
	respCh := make(chan *events.ResponseReadyData, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := sub.Subscribe(ctx, events.TypeRequestCreated, func(env events.Envelope) {
		var req models.NormalizedRequest
		env.Unmarshal(&req)
		reqCh <- &req
	}); err != nil {
		t.Fatalf("Subscribe(request.created) error = %v", err)
	}
	if err := sub.Subscribe(ctx, events.TypeResponseReady, func(env events.Envelope) {
		var resp events.ResponseReadyData
		env.Unmarshal(&resp)
		respCh <- &resp
	}); err != nil {
		t.Fatalf("Subscribe(response.ready) error = %v", err)
	}
	// miniredis delivers Pub/Sub asynchronously; give the subscriber
	// goroutines a moment to register before anything publishes.
	time.Sleep(20 * time.Millisecond)

	return harness{
		name:      "broker",
		substrate: sub,
		recvRequest: func(t *testing.T) *models.NormalizedRequest {
			t.Helper()
			select {
			case req := <-reqCh:
				return req
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for request.created subscriber")
				return nil
			}
		},
		recvResponse: func(t *testing.T) *events.ResponseReadyData {
			t.Helper()
			select {
			case resp := <-respCh:
				return resp
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for response.ready subscriber")
				return nil
			}
		},
	}
}

// TestSubstrateConformance runs the same request/response hand-off
// scenario against both strategies so neither implementation can drift
// from the contracts.Substrate contract the Router, Worker, and
// Dispatcher all depend on.
func TestSubstrateConformance(t *testing.T) {
	builders := map[string]func(t *testing.T) harness{
		"direct": directHarness,
		"broker": brokerHarness,
	}

	for name, build := range builders {
		t.Run(name+"/SendRequest delivers a matching request_id", func(t *testing.T) {
			h := build(t)
			ack, err := h.substrate.SendRequest(context.Background(), &models.NormalizedRequest{
				RequestID: "req-conformance-1",
				UserID:    "user-1",
				Content:   "hello",
			})
			if err != nil {
				t.Fatalf("SendRequest() error = %v", err)
			}
			if !ack.Accepted {
				t.Fatalf("SendRequest() ack.Accepted = false, want true")
			}
			got := h.recvRequest(t)
			if got.RequestID != "req-conformance-1" {
				t.Errorf("received request_id = %q, want %q", got.RequestID, "req-conformance-1")
			}
		})

		t.Run(name+"/PublishResponse delivers a matching request_id and session_id", func(t *testing.T) {
			h := build(t)
			ack, err := h.substrate.PublishResponse(context.Background(), &events.ResponseReadyData{
				RequestID: "req-conformance-2",
				SessionID: "sess-conformance-2",
				Content:   "done",
			}, "sess-conformance-2")
			if err != nil {
				t.Fatalf("PublishResponse() error = %v", err)
			}
			if !ack.Accepted {
				t.Fatalf("PublishResponse() ack.Accepted = false, want true")
			}
			got := h.recvResponse(t)
			if got.RequestID != "req-conformance-2" || got.SessionID != "sess-conformance-2" {
				t.Errorf("received response = %+v, want request_id/session_id = req-conformance-2/sess-conformance-2", got)
			}
		})
	}
}
