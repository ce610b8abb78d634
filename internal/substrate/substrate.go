// Package substrate implements the Communication Substrate (spec.md §4.5):
// two interchangeable strategies behind the single contracts.Substrate
// interface. Callers never know which one is wired in.
//
//   - BrokerSubstrate — Redis Pub/Sub, CloudEvents-shaped envelopes
//     (pkg/events), used when multiple processes run on separate hosts.
//   - DirectSubstrate — synchronous HTTP calls between processes, used for
//     single-binary or low-scale deployments where a broker is overkill.
package substrate

import (
	"fmt"

	"github.com/relaymesh/control-plane/internal/config"
	"github.com/relaymesh/control-plane/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// New builds the configured Substrate strategy.
func New(cfg config.TransportConfig) (contracts.Substrate, error) {
	switch cfg.Kind {
	case config.TransportBroker:
		log.Info().Str("redis_addr", cfg.RedisAddr).Msg("wiring broker substrate")
		return NewBrokerSubstrate(cfg.RedisAddr), nil
	case config.TransportDirectHTTP, "":
		log.Info().Str("worker_url", cfg.WorkerURL).Str("dispatcher_url", cfg.DispatchURL).Msg("wiring direct-http substrate")
		return NewDirectSubstrate(cfg.WorkerURL, cfg.DispatchURL), nil
	default:
		return nil, fmt.Errorf("substrate: unknown transport kind %q", cfg.Kind)
	}
}
