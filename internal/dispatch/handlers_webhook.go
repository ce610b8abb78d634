package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/relaymesh/control-plane/pkg/contracts"
	"github.com/relaymesh/control-plane/pkg/models"
)

// WebhookHandler posts the canonical delivery envelope to a user-configured
// URL, with configurable method, headers, auth, and TLS verification
// (spec.md §4.6 "Webhook" contract), grounded on the teacher's
// notify.Service.sendMCPNotification + applyAuth idiom.
type WebhookHandler struct {
	insecureClient *http.Client
	client         *http.Client
}

// NewWebhookHandler builds a webhook handler with two pooled clients: one
// verifying TLS, one not, selected per delivery by the effective config.
func NewWebhookHandler() *WebhookHandler {
	return &WebhookHandler{
		client: &http.Client{Timeout: 15 * time.Second, Transport: &http.Transport{MaxConnsPerHost: 50}},
		insecureClient: &http.Client{
			Timeout:   15 * time.Second,
			Transport: &http.Transport{MaxConnsPerHost: 50, TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		},
	}
}

var _ contracts.IntegrationHandler = (*WebhookHandler)(nil)

func (h *WebhookHandler) Kind() models.IntegrationKind { return models.IntegrationWebhook }

type webhookEnvelope struct {
	RequestID string         `json:"request_id"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	AgentID   string         `json:"agent_id"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (h *WebhookHandler) Deliver(ctx context.Context, cfg models.EffectiveConfig, payload contracts.DeliveryPayload) contracts.Outcome {
	url, _ := cfg.Config["url"].(string)
	if url == "" {
		return contracts.Outcome{Success: false, Retryable: false, Error: "no webhook url configured"}
	}
	method, _ := cfg.Config["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(webhookEnvelope{
		RequestID: payload.RequestID,
		SessionID: payload.SessionID,
		UserID:    payload.UserID,
		AgentID:   payload.AgentID,
		Subject:   payload.Subject,
		Body:      payload.Body,
		Metadata:  payload.Metadata,
	})
	if err != nil {
		return contracts.Outcome{Success: false, Retryable: false, Error: fmt.Sprintf("marshal webhook envelope: %v", err)}
	}

	timeout := 15 * time.Second
	if secs, ok := cfg.Config["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, bytes.NewReader(body))
	if err != nil {
		return contracts.Outcome{Success: false, Retryable: false, Error: fmt.Sprintf("build webhook request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", deliveryIdempotencyKey(h.Kind(), payload))

	if headers, ok := cfg.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	applyAuth(req, cfg.Config)

	client := h.client
	if verify, ok := cfg.Config["tls_verify"].(bool); ok && !verify {
		client = h.insecureClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return contracts.Outcome{Success: false, Retryable: true, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return contracts.Outcome{Success: true}
	}
	return contracts.Outcome{
		Success:   false,
		Retryable: classifyHTTPOutcome(resp.StatusCode),
		Error:     fmt.Sprintf("webhook returned HTTP %d", resp.StatusCode),
	}
}

// applyAuth adds authentication headers based on the effective config's
// "auth" block: {type: bearer|api_key|basic, ...}.
func applyAuth(req *http.Request, cfg map[string]any) {
	authRaw, ok := cfg["auth"].(map[string]any)
	if !ok {
		return
	}
	authType, _ := authRaw["type"].(string)
	switch authType {
	case "bearer":
		if token, ok := authRaw["token"].(string); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	case "api_key":
		header, _ := authRaw["header"].(string)
		key, _ := authRaw["key"].(string)
		if header != "" && key != "" {
			req.Header.Set(header, key)
		}
	case "basic":
		user, _ := authRaw["username"].(string)
		pass, _ := authRaw["password"].(string)
		req.SetBasicAuth(user, pass)
	}
}
