// Package dispatch implements the Integration Dispatcher (spec.md §4.6):
// it consumes response.ready, resolves each user's enabled integration
// kinds, and delivers the response through every one of them in parallel,
// retrying transient failures.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relaymesh/control-plane/pkg/contracts"
	"github.com/relaymesh/control-plane/pkg/events"
	"github.com/relaymesh/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// Dispatcher holds the handler table and store dependency every delivery
// needs. Handlers are registered at construction the same way the
// teacher's notify.Service registers ChannelDrivers.
type Dispatcher struct {
	store    contracts.Store
	handlers map[models.IntegrationKind]contracts.IntegrationHandler
	mu       sync.RWMutex
}

// New builds a Dispatcher with the four built-in OSS handlers registered.
func New(store contracts.Store, chatWebhookURL, chatSigningSecret string, smtp SMTPConfig) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		handlers: make(map[models.IntegrationKind]contracts.IntegrationHandler),
	}
	d.RegisterHandler(NewChatHandler(chatWebhookURL, chatSigningSecret))
	d.RegisterHandler(NewEmailHandler(smtp))
	d.RegisterHandler(NewWebhookHandler())
	d.RegisterHandler(NewTestHandler())
	return d
}

// RegisterHandler adds or replaces the handler for its kind.
func (d *Dispatcher) RegisterHandler(h contracts.IntegrationHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[h.Kind()] = h
	log.Info().Str("kind", string(h.Kind())).Msg("registered integration handler")
}

func (d *Dispatcher) handlerFor(kind models.IntegrationKind) contracts.IntegrationHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[kind]
}

// ProcessResponse implements spec.md §4.6 steps 1-4 for one response.ready
// event: claim, resolve fan-out, dispatch in parallel, log outcomes.
func (d *Dispatcher) ProcessResponse(ctx context.Context, resp *events.ResponseReadyData) error {
	session, err := d.store.GetSession(ctx, resp.SessionID)
	if err != nil {
		return err
	}

	configs, err := d.resolveFanOut(ctx, session.UserID)
	if err != nil {
		return err
	}

	payload := contracts.DeliveryPayload{
		RequestID: resp.RequestID,
		SessionID: resp.SessionID,
		UserID:    session.UserID,
		AgentID:   resp.AgentID,
		Subject:   "Response ready",
		Body:      resp.Content,
		Metadata:  resp.CompletionMetadata,
	}

	var wg sync.WaitGroup
	for _, cfg := range configs {
		cfg := cfg
		// Claim this (request_id, kind) pair before dispatch — an attempt-1
		// row already present means another instance (or an earlier retry
		// pass) already claimed it (spec.md §4.6 "atomic event claim").
		if _, err := d.store.GetDeliveryLog(ctx, resp.RequestID, cfg.Kind, 1); err == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.deliverAndLog(ctx, cfg, payload, 1)
		}()
	}
	wg.Wait()
	return nil
}

// resolveFanOut implements spec.md §4.6 step 2 and invariant P4: every
// enabled kind's EffectiveConfig is the user's override if one exists,
// otherwise the system default — never a blend of both. Sorted by
// priority, descending.
func (d *Dispatcher) resolveFanOut(ctx context.Context, userID string) ([]models.EffectiveConfig, error) {
	defaults, err := d.store.ListIntegrationDefaults(ctx)
	if err != nil {
		return nil, err
	}
	overrides, err := d.store.GetUserIntegrationConfigs(ctx, userID)
	if err != nil {
		return nil, err
	}
	overrideByKind := make(map[models.IntegrationKind]models.UserIntegrationConfig, len(overrides))
	for _, o := range overrides {
		overrideByKind[o.Kind] = o
	}

	var out []models.EffectiveConfig
	hasDefault := make(map[models.IntegrationKind]bool, len(defaults))
	for _, def := range defaults {
		hasDefault[def.Kind] = true
		if o, ok := overrideByKind[def.Kind]; ok {
			out = append(out, models.EffectiveConfig{
				Kind: o.Kind, Enabled: o.Enabled, Config: o.Config, Priority: o.Priority,
				RetryCount: o.RetryCount, RetryDelaySecs: o.RetryDelaySecs, BackoffShape: o.BackoffShape,
				Source: "user",
			})
			continue
		}
		out = append(out, models.EffectiveConfig{
			Kind: def.Kind, Enabled: def.Enabled, Config: def.Config, Priority: def.Priority,
			RetryCount: def.RetryCount, RetryDelaySecs: def.RetryDelaySecs, BackoffShape: def.BackoffShape,
			Source: "default",
		})
	}
	for _, o := range overrides {
		if hasDefault[o.Kind] {
			continue
		}
		out = append(out, models.EffectiveConfig{
			Kind: o.Kind, Enabled: o.Enabled, Config: o.Config, Priority: o.Priority,
			RetryCount: o.RetryCount, RetryDelaySecs: o.RetryDelaySecs, BackoffShape: o.BackoffShape,
			Source: "user",
		})
	}

	enabled := out[:0]
	for _, cfg := range out {
		if cfg.Enabled {
			enabled = append(enabled, cfg)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool { return enabled[i].Priority > enabled[j].Priority })
	return enabled, nil
}

// deliverAndLog dispatches a single attempt, persists the DeliveryLog row
// (spec.md §4.6 step 4), and schedules a retry if the outcome is retryable
// and attempts remain (step 5).
func (d *Dispatcher) deliverAndLog(ctx context.Context, cfg models.EffectiveConfig, payload contracts.DeliveryPayload, attempt int) {
	handler := d.handlerFor(cfg.Kind)
	dl := &models.DeliveryLog{
		RequestID: payload.RequestID,
		UserID:    payload.UserID,
		Kind:      cfg.Kind,
		Attempt:   attempt,
		StartedAt: time.Now().UTC(),
	}

	if handler == nil {
		log.Warn().Str("kind", string(cfg.Kind)).Msg("no handler registered for integration kind, dropping")
		dl.Outcome = models.DeliveryFailed
		dl.Error = "unknown integration kind"
		now := time.Now().UTC()
		dl.CompletedAt = &now
		if err := d.store.CreateDeliveryLog(ctx, dl); err != nil {
			log.Error().Err(err).Msg("persist delivery log for unknown kind")
		}
		return
	}

	payload.Attempt = attempt
	outcome := handler.Deliver(ctx, cfg, payload)
	now := time.Now().UTC()
	dl.CompletedAt = &now

	switch {
	case outcome.Success:
		dl.Outcome = models.DeliverySuccess
	case outcome.Retryable && attempt < cfg.RetryCount:
		// The attempt itself failed; NextAttemptAt carries the retry
		// schedule separately from the outcome (spec.md §4.6 scenario 6
		// expects each spent attempt logged as failed).
		dl.Outcome = models.DeliveryFailed
		dl.Error = outcome.Error
		next := nextAttemptAt(cfg, attempt)
		dl.NextAttemptAt = &next
	default:
		dl.Outcome = models.DeliveryFailed
		dl.Error = outcome.Error
	}

	if err := d.store.CreateDeliveryLog(ctx, dl); err != nil {
		log.Error().Err(err).Str("request_id", payload.RequestID).Str("kind", string(cfg.Kind)).Msg("persist delivery log")
	}
}

// RunRetries scans for due retries and re-attempts each, implementing
// spec.md §4.6 step 5's "scheduling is persistent" requirement: a process
// restart loses nothing because NextAttemptAt rows survive in the store.
func (d *Dispatcher) RunRetries(ctx context.Context, limit int) error {
	due, err := d.store.ListPendingRetries(ctx, time.Now().UTC(), limit)
	if err != nil {
		return err
	}
	for _, dl := range due {
		// The next attempt already exists: an earlier pass retried this one.
		if _, err := d.store.GetDeliveryLog(ctx, dl.RequestID, dl.Kind, dl.Attempt+1); err == nil {
			continue
		}
		configs, cfgErr := d.resolveFanOut(ctx, dl.UserID)
		if cfgErr != nil {
			log.Error().Err(cfgErr).Str("request_id", dl.RequestID).Msg("resolve fan-out for retry")
			continue
		}
		var cfg models.EffectiveConfig
		found := false
		for _, c := range configs {
			if c.Kind == dl.Kind {
				cfg, found = c, true
				break
			}
		}
		if !found {
			continue
		}
		reqLog, err := d.store.GetRequestLog(ctx, dl.RequestID)
		if err != nil || reqLog.Response == nil {
			continue
		}
		payload := contracts.DeliveryPayload{
			RequestID: dl.RequestID,
			SessionID: reqLog.SessionID,
			UserID:    dl.UserID,
			AgentID:   reqLog.AgentID,
			Subject:   "Response ready",
			Body:      reqLog.Response.Content,
		}
		d.deliverAndLog(ctx, cfg, payload, dl.Attempt+1)
	}
	return nil
}

// Start runs RunRetries on a fixed interval until ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.RunRetries(ctx, 100); err != nil {
				log.Error().Err(err).Msg("retry scan")
			}
		}
	}
}
