// Package checkpoint persists the resume point of a ticker run. Every backend
// replaces the whole record on Save, so a reader sees either the previous or
// the new state and never a mix.
package checkpoint

import (
	"context"
	"fmt"

	appconfig "tickerflow/config"
	"tickerflow/models"
)

// Store is the durable home of a CheckpointState.
type Store interface {
	// Load returns the saved state, or nil when no run has been recorded.
	Load(ctx context.Context) (*models.CheckpointState, error)
	// Save atomically replaces the saved state.
	Save(ctx context.Context, state models.CheckpointState) error
	// Clear removes the saved state. Clearing an absent checkpoint is not an error.
	Clear(ctx context.Context) error
	// Describe names the backend and location for logs.
	Describe() string
	Close() error
}

// Open builds the backend selected by cfg.
func Open(ctx context.Context, cfg appconfig.CheckpointConfig) (Store, error) {
	switch cfg.Backend {
	case appconfig.CheckpointFile, "":
		return NewFileStore(cfg.Path), nil
	case appconfig.CheckpointSQLite:
		return NewSQLiteStore(ctx, cfg.Path, "tickers")
	case appconfig.CheckpointRedis:
		return NewRedisStore(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported checkpoint backend %q", cfg.Backend)
	}
}

func validate(state models.CheckpointState) error {
	if state.RecordCount < 0 {
		return fmt.Errorf("checkpoint record count %d is negative", state.RecordCount)
	}
	if state.Pages < 0 {
		return fmt.Errorf("checkpoint page count %d is negative", state.Pages)
	}
	return nil
}
