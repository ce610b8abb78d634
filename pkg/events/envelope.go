// Package events defines the CloudEvents-shaped envelope used on the
// broker strategy of the Communication Substrate (spec.md §4.5/§6).
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of event types the core produces and consumes.
type Type string

const (
	TypeRequestCreated        Type = "com.relaymesh.request.created"
	TypeRequestProcessing     Type = "com.relaymesh.request.processing"
	TypeResponseReady         Type = "com.relaymesh.response.ready"
	TypeRequestDatabaseUpdate Type = "com.relaymesh.request.database-update"
)

// Envelope is the structured message format used on the broker transport.
// Field names and shape mirror the CloudEvents spec (id/source/type/subject/
// time/datacontenttype/data) named explicitly in spec.md §4.5.
type Envelope struct {
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	Type            Type            `json:"type"`
	Subject         string          `json:"subject"` // session id
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	Data            json.RawMessage `json:"data"`
}

// New builds an envelope wrapping data, marshaled as JSON.
func New(source string, typ Type, subject string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:              uuid.New().String(),
		Source:          source,
		Type:            typ,
		Subject:         subject,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            raw,
	}, nil
}

// Unmarshal decodes the envelope's data payload into v.
func (e Envelope) Unmarshal(v any) error {
	return json.Unmarshal(e.Data, v)
}

// ── Typed data payloads ──────────────────────────────────────

// RequestProcessingData is the data payload of a request.processing event.
type RequestProcessingData struct {
	RequestID string `json:"request_id"`
	AgentID   string `json:"agent_id"`
}

// ResponseReadyData is the data payload of a response.ready event.
type ResponseReadyData struct {
	RequestID          string         `json:"request_id"`
	SessionID          string         `json:"session_id"`
	AgentID            string         `json:"agent_id"`
	Content            string         `json:"content"`
	Kind               string         `json:"kind,omitempty"`
	CompletionMetadata map[string]any `json:"completion_metadata,omitempty"`
}

// DatabaseUpdateData is the data payload of a request.database-update event.
type DatabaseUpdateData struct {
	SessionID     string         `json:"session_id"`
	ContextDelta  map[string]any `json:"context_delta"`
}
