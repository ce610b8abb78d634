package dispatch

import (
	"context"
	"os"

	"github.com/relaymesh/control-plane/pkg/contracts"
	"github.com/relaymesh/control-plane/pkg/models"
	"github.com/rs/zerolog"
)

// stdoutLog writes test deliveries to stdout, independent of the global
// logger's output.
var stdoutLog = zerolog.New(os.Stdout).With().Timestamp().Logger()

// TestHandler logs every delivery as a structured line on stdout and
// always succeeds (spec.md §4.6 "Test" contract) — the default enabled
// integration kind, useful for local development without any real
// downstream channel configured.
type TestHandler struct{}

var _ contracts.IntegrationHandler = (*TestHandler)(nil)

// NewTestHandler builds the console test sink.
func NewTestHandler() *TestHandler { return &TestHandler{} }

func (h *TestHandler) Kind() models.IntegrationKind { return models.IntegrationTest }

func (h *TestHandler) Deliver(ctx context.Context, cfg models.EffectiveConfig, payload contracts.DeliveryPayload) contracts.Outcome {
	stdoutLog.Info().
		Str("request_id", payload.RequestID).
		Str("session_id", payload.SessionID).
		Str("user_id", payload.UserID).
		Str("agent_id", payload.AgentID).
		Int("attempt", payload.Attempt).
		Str("body", payload.Body).
		Msg("test integration delivery")
	return contracts.Outcome{Success: true}
}
