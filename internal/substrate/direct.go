package substrate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/relaymesh/control-plane/pkg/contracts"
	"github.com/relaymesh/control-plane/pkg/events"
	"github.com/relaymesh/control-plane/pkg/models"
)

// ErrAwaitNotSupported is returned by DirectSubstrate.AwaitResponse.
// Callers (the Request Router) should fall back to polling the
// Session/Request Store for completion, per spec.md §4.5's "await is
// implemented by either subscribing or polling the store" contract.
var ErrAwaitNotSupported = errors.New("direct substrate: AwaitResponse is not supported, poll the request log instead")

// DirectSubstrate implements contracts.Substrate as synchronous HTTP calls
// between processes — no broker, no buffering. Appropriate for small
// deployments where the router, worker, and dispatcher run close together.
type DirectSubstrate struct {
	client      *http.Client
	workerURL   string
	dispatchURL string
}

// NewDirectSubstrate builds a direct-HTTP substrate pointed at the worker's
// and dispatcher's base URLs.
func NewDirectSubstrate(workerURL, dispatchURL string) *DirectSubstrate {
	return &DirectSubstrate{
		client:      &http.Client{Timeout: 30 * time.Second},
		workerURL:   workerURL,
		dispatchURL: dispatchURL,
	}
}

// SendRequest posts the normalized request to the worker's internal intake
// endpoint. The worker processes it asynchronously and calls
// PublishResponse back on the dispatcher's endpoint when done; this call
// only confirms the worker accepted it.
func (d *DirectSubstrate) SendRequest(ctx context.Context, req *models.NormalizedRequest) (contracts.Ack, error) {
	return d.postJSON(ctx, d.workerURL+"/internal/requests", req)
}

// PublishResponse posts the completed response to the dispatcher's internal
// intake endpoint.
func (d *DirectSubstrate) PublishResponse(ctx context.Context, resp *events.ResponseReadyData, sessionID string) (contracts.Ack, error) {
	return d.postJSON(ctx, d.dispatchURL+"/internal/responses", resp)
}

func (d *DirectSubstrate) postJSON(ctx context.Context, url string, payload any) (contracts.Ack, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return contracts.Ack{}, fmt.Errorf("direct: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return contracts.Ack{}, fmt.Errorf("direct: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return contracts.Ack{}, fmt.Errorf("direct: send to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return contracts.Ack{}, fmt.Errorf("direct: %s returned HTTP %d", url, resp.StatusCode)
	}
	return contracts.Ack{Accepted: true}, nil
}

// AwaitResponse is not meaningful on the direct strategy: the Request
// Router never blocks a goroutine waiting on this path — the worker
// delivers the response straight to the dispatcher. Callers that still
// need a synchronous answer (e.g. the web surface polling) should poll
// the Session/Request Store instead.
func (d *DirectSubstrate) AwaitResponse(ctx context.Context, requestID string, timeout time.Duration) (*events.ResponseReadyData, error) {
	return nil, ErrAwaitNotSupported
}

// Subscribe is not meaningful on the direct strategy: delivery is a
// synchronous HTTP push, not a broadcast topic.
func (d *DirectSubstrate) Subscribe(ctx context.Context, kind events.Type, handler func(events.Envelope)) error {
	return fmt.Errorf("direct substrate: Subscribe is not supported, register an HTTP intake handler instead")
}
