package store

import (
	"context"
	"fmt"

	"github.com/relaymesh/control-plane/internal/config"
	"github.com/rs/zerolog/log"
)

// Open selects and initializes the configured Store driver: in-memory for
// single-process/local-dev deployments (the teacher's OSS default), or
// PostgreSQL when AGENTOVEN_STORE_DRIVER=postgres. All three relaymesh
// binaries call this so router, worker, and dispatcher end up pointed at
// the same backing store.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := NewPostgresStore(ctx, cfg.URL, cfg.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate postgres store: %w", err)
		}
		log.Info().Msg("postgres store ready")
		return s, nil
	case "memory", "":
		log.Info().Msg("in-memory store ready")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
