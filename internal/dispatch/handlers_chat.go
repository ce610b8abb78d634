package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/relaymesh/control-plane/pkg/contracts"
	"github.com/relaymesh/control-plane/pkg/models"
)

// ChatHandler delivers a response to the chat platform the request
// originated on, signed with an X-Signature header of "sha256=" plus the hex
// HMAC-SHA256 of the raw body (spec.md §4.6 "Chat" contract). This differs
// from the inbound check, which signs "v0:<timestamp>:<body>".
type ChatHandler struct {
	client        *http.Client
	defaultURL    string
	signingSecret string
}

// NewChatHandler builds a chat handler posting to defaultURL unless the
// effective config's Config map supplies its own "webhook_url".
func NewChatHandler(defaultURL, signingSecret string) *ChatHandler {
	return &ChatHandler{
		client:        &http.Client{Timeout: 10 * time.Second, Transport: &http.Transport{MaxConnsPerHost: 50}},
		defaultURL:    defaultURL,
		signingSecret: signingSecret,
	}
}

var _ contracts.IntegrationHandler = (*ChatHandler)(nil)

func (h *ChatHandler) Kind() models.IntegrationKind { return models.IntegrationChat }

type chatOutboundPayload struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
	ThreadID  string `json:"thread_id,omitempty"`
}

func (h *ChatHandler) Deliver(ctx context.Context, cfg models.EffectiveConfig, payload contracts.DeliveryPayload) contracts.Outcome {
	url := h.defaultURL
	if u, ok := cfg.Config["webhook_url"].(string); ok && u != "" {
		url = u
	}
	if url == "" {
		return contracts.Outcome{Success: false, Retryable: false, Error: "no chat webhook url configured"}
	}

	threadID, _ := cfg.Config["thread_id"].(string)
	body, err := json.Marshal(chatOutboundPayload{
		RequestID: payload.RequestID,
		SessionID: payload.SessionID,
		UserID:    payload.UserID,
		Content:   payload.Body,
		ThreadID:  threadID,
	})
	if err != nil {
		return contracts.Outcome{Success: false, Retryable: false, Error: fmt.Sprintf("marshal chat payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return contracts.Outcome{Success: false, Retryable: false, Error: fmt.Sprintf("build chat request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", deliveryIdempotencyKey(h.Kind(), payload))

	if h.signingSecret != "" {
		mac := hmac.New(sha256.New, []byte(h.signingSecret))
		mac.Write(body)
		req.Header.Set("X-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := h.client.Do(req)
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
		Error:     fmt.Sprintf("chat webhook returned HTTP %d", resp.StatusCode),
	}
}

// deliveryIdempotencyKey matches models.DeliveryLog.IdempotencyKey's shape
// so a receiver can dedupe using the header alone (spec.md §4.6 "Idempotency").
func deliveryIdempotencyKey(kind models.IntegrationKind, payload contracts.DeliveryPayload) string {
	return fmt.Sprintf("%s:%s:%d", payload.RequestID, kind, payload.Attempt)
}
