package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relaymesh/control-plane/pkg/contracts"
	"github.com/relaymesh/control-plane/pkg/events"
	"github.com/relaymesh/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// BrokerSubstrate implements contracts.Substrate over Redis Pub/Sub. Each
// events.Type maps to a fixed channel name; publishers and subscribers
// never need to agree on anything beyond that mapping.
type BrokerSubstrate struct {
	client *redis.Client
	source string
}

// NewBrokerSubstrate connects to addr lazily — go-redis dials on first use,
// so construction never blocks or fails synchronously.
func NewBrokerSubstrate(addr string) *BrokerSubstrate {
	client := redis.NewClient(&redis.Options{Addr: addr})
	return &BrokerSubstrate{client: client, source: "relaymesh-control-plane"}
}

func channelName(kind events.Type) string {
	return "relaymesh:events:" + string(kind)
}

func (b *BrokerSubstrate) publish(ctx context.Context, kind events.Type, subject string, data any) error {
	env, err := events.New(b.source, kind, subject, data)
	if err != nil {
		return fmt.Errorf("broker: build envelope: %w", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broker: marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, channelName(kind), raw).Err(); err != nil {
		return fmt.Errorf("broker: publish %s: %w", kind, err)
	}
	return nil
}

func (b *BrokerSubstrate) SendRequest(ctx context.Context, req *models.NormalizedRequest) (contracts.Ack, error) {
	if err := b.publish(ctx, events.TypeRequestCreated, req.RequestID, req); err != nil {
		return contracts.Ack{}, err
	}
	return contracts.Ack{Accepted: true}, nil
}

func (b *BrokerSubstrate) PublishResponse(ctx context.Context, resp *events.ResponseReadyData, sessionID string) (contracts.Ack, error) {
	if err := b.publish(ctx, events.TypeResponseReady, sessionID, resp); err != nil {
		return contracts.Ack{}, err
	}
	return contracts.Ack{Accepted: true}, nil
}

// AwaitResponse subscribes to the response.ready channel and waits for a
// message whose data.request_id matches requestID, up to timeout.
func (b *BrokerSubstrate) AwaitResponse(ctx context.Context, requestID string, timeout time.Duration) (*events.ResponseReadyData, error) {
	sub := b.client.Subscribe(ctx, channelName(events.TypeResponseReady))
	defer sub.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("broker: await response: %w", ctx.Err())
		case msg, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("broker: subscription closed waiting for response")
			}
			var env events.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Warn().Err(err).Msg("broker: malformed envelope on response.ready")
				continue
			}
			var data events.ResponseReadyData
			if err := env.Unmarshal(&data); err != nil {
				log.Warn().Err(err).Msg("broker: malformed response.ready payload")
				continue
			}
			if data.RequestID == requestID {
				return &data, nil
			}
		}
	}
}

// Subscribe registers handler to be invoked for every envelope published on
// kind's channel. Runs until ctx is canceled.
func (b *BrokerSubstrate) Subscribe(ctx context.Context, kind events.Type, handler func(events.Envelope)) error {
	sub := b.client.Subscribe(ctx, channelName(kind))

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env events.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Warn().Err(err).Str("channel", msg.Channel).Msg("broker: malformed envelope")
					continue
				}
				handler(env)
			}
		}
	}()

	return nil
}

// Close releases the underlying Redis client.
func (b *BrokerSubstrate) Close() error {
	return b.client.Close()
}
