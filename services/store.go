package services

import (
	"context"
	"fmt"

	"awn/config"

	"go.uber.org/zap"
)

// Store is a backend holding both alerts and patient safe zones
type Store interface {
	AlertStore
	Directory
}

// OpenStore connects the backend selected by ALERT_STORE. The returned func
// releases it.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, func() error, error) {
	switch cfg.AlertStore {
	case config.StoreFirebase:
		fs, err := NewFirebaseStore(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return fs, fs.Close, nil

	case config.StorePostgres:
		ps, err := NewPostgresStore(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := ps.EnsureSchema(ctx); err != nil {
			ps.Close()
			return nil, nil, err
		}
		return ps, ps.Close, nil

	case config.StoreMemory:
		logger.Warn("Using in-memory alert store, alerts are lost on restart")
		return NewMemoryStore(), func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown alert store %q", cfg.AlertStore)
	}
}
