package substrate_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaymesh/control-plane/internal/config"
	"github.com/relaymesh/control-plane/internal/substrate"
	"github.com/relaymesh/control-plane/pkg/models"
)

func TestDirectSubstrate_SendRequest_PostsToWorker(t *testing.T) {
	var received models.NormalizedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/requests" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := substrate.NewDirectSubstrate(srv.URL, "")
	req := &models.NormalizedRequest{RequestID: "req-1", Content: "hello"}

	ack, err := s.SendRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if !ack.Accepted {
		t.Errorf("SendRequest() ack.Accepted = false, want true")
	}
	if received.RequestID != "req-1" {
		t.Errorf("worker received request_id = %q, want %q", received.RequestID, "req-1")
	}
}

func TestDirectSubstrate_SendRequest_NonOKIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := substrate.NewDirectSubstrate(srv.URL, "")
	_, err := s.SendRequest(context.Background(), &models.NormalizedRequest{RequestID: "req-1"})
	if err == nil {
		t.Fatal("SendRequest() error = nil, want non-nil on HTTP 500")
	}
}

func TestDirectSubstrate_AwaitResponseUnsupported(t *testing.T) {
	s := substrate.NewDirectSubstrate("http://worker.invalid", "http://dispatch.invalid")
	_, err := s.AwaitResponse(context.Background(), "req-1", 10*time.Millisecond)
	if err == nil {
		t.Fatal("AwaitResponse() error = nil, want an unsupported-operation error")
	}
}

func TestNew_DefaultsToDirectHTTP(t *testing.T) {
	s, err := substrate.New(config.TransportConfig{Kind: config.TransportDirectHTTP, WorkerURL: "http://worker", DispatchURL: "http://dispatch"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := s.(*substrate.DirectSubstrate); !ok {
		t.Errorf("New() returned %T, want *DirectSubstrate", s)
	}
}

func TestNew_BrokerKind(t *testing.T) {
	s, err := substrate.New(config.TransportConfig{Kind: config.TransportBroker, RedisAddr: "localhost:6379"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := s.(*substrate.BrokerSubstrate); !ok {
		t.Errorf("New() returned %T, want *BrokerSubstrate", s)
	}
}

func TestNew_UnknownKind(t *testing.T) {
	if _, err := substrate.New(config.TransportConfig{Kind: "carrier-pigeon"}); err == nil {
		t.Fatal("New() error = nil, want an error for an unknown transport kind")
	}
}
