package ingress

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/relaymesh/control-plane/pkg/models"
)

// webRequestBody is the wire shape of POST /api/v1/requests/web and
// /api/v1/requests/cli (spec.md §6).
type webRequestBody struct {
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// toolRequestBody is the wire shape of POST /api/v1/requests/tool.
type toolRequestBody struct {
	UserID          string         `json:"user_id"`
	Content         string         `json:"content"`
	ToolID          string         `json:"tool_id"`
	ToolInstanceID  string         `json:"tool_instance_id,omitempty"`
	TriggerEvent    string         `json:"trigger_event"`
	ToolContext     map[string]any `json:"tool_context,omitempty"`
}

// decodeJSON reads and decodes a bounded JSON body, rejecting anything
// over maxBytes with bad_request (spec.md §8 "content at the max payload
// size succeeds; one byte over rejects").
func decodeJSON(r *http.Request, maxBytes int64, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBytes)
	raw, err := io.ReadAll(body)
	if err != nil {
		return BadRequest("body", "request body exceeds the maximum allowed size")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return BadRequest("body", "malformed JSON: "+err.Error())
	}
	return nil
}

// normalizeWeb builds a NormalizedRequest for the web/cli surfaces. The
// authenticated subject is the authoritative user id; a presented user_id
// that disagrees is rejected as unauthorized (spec.md §4.1 step 1).
func normalizeWeb(surface models.SurfaceKind, body webRequestBody, authenticatedSubject string, maxContentBytes int) (*models.NormalizedRequest, error) {
	if body.UserID != "" && body.UserID != authenticatedSubject {
		return nil, Unauthorized()
	}
	if err := validateContent(body.Content, maxContentBytes); err != nil {
		return nil, err
	}
	return &models.NormalizedRequest{
		RequestID: uuid.New().String(),
		UserID:    authenticatedSubject,
		Surface:   surface,
		Content:   body.Content,
		Timestamp: time.Now().UTC(),
		IntegrationContext: map[string]any{
			"client_ip":  body.ClientIP,
			"user_agent": body.UserAgent,
		},
	}, nil
}

// normalizeTool builds a NormalizedRequest for the tool surface. The
// system principal (the authenticated identity's subject) owns the turn;
// body.UserID names the human on whose behalf the tool is acting and is
// carried through as an integration-context hint, never as the
// authoritative user id.
func normalizeTool(body toolRequestBody, systemPrincipal string, maxContentBytes int) (*models.NormalizedRequest, error) {
	if body.ToolID == "" {
		return nil, BadRequest("tool_id", "tool_id is required")
	}
	if body.TriggerEvent == "" {
		return nil, BadRequest("trigger_event", "trigger_event is required")
	}
	if err := validateContent(body.Content, maxContentBytes); err != nil {
		return nil, err
	}

	ctx := map[string]any{
		"tool_id":         body.ToolID,
		"tool_instance_id": body.ToolInstanceID,
		"trigger_event":   body.TriggerEvent,
		"acting_for_user": body.UserID,
	}
	for k, v := range body.ToolContext {
		ctx[k] = v
	}

	return &models.NormalizedRequest{
		RequestID: uuid.New().String(),
		UserID:    systemPrincipal,
		Surface:   models.SurfaceTool,
		Content:   body.Content,
		Timestamp: time.Now().UTC(),
		IntegrationContext: ctx,
	}, nil
}

// normalizeChat builds a NormalizedRequest for a signature-verified chat
// event. externalUserID/channelID/threadID are the platform's own handles;
// the external user id becomes the authoritative user id (spec.md §4.1
// step 1).
func normalizeChat(externalUserID, channelID, threadID, content string, maxContentBytes int) (*models.NormalizedRequest, error) {
	if externalUserID == "" {
		return nil, BadRequest("user", "chat event is missing the platform user handle")
	}
	if err := validateContent(content, maxContentBytes); err != nil {
		return nil, err
	}
	return &models.NormalizedRequest{
		RequestID:      uuid.New().String(),
		UserID:         externalUserID,
		Surface:        models.SurfaceChat,
		ChannelID:      channelID,
		ThreadID:       threadID,
		ExternalUserID: externalUserID,
		Content:        content,
		Timestamp:      time.Now().UTC(),
	}, nil
}

func validateContent(content string, maxBytes int) error {
	if strings.TrimSpace(content) == "" {
		return BadRequest("content", "content must be non-empty")
	}
	if !utf8.ValidString(content) {
		return BadRequest("content", "content must be valid UTF-8")
	}
	if len(content) > maxBytes {
		return BadRequest("content", "content exceeds the maximum allowed size")
	}
	return nil
}
