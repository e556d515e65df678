package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"tilesync/pkg/store"
)

// openStore opens the configured backend, creating the parent directory of file backed
// stores. An empty driver or "none" disables persistence and returns a nil store.
func openStore(ctx context.Context, cfg Config, log zerolog.Logger) (*store.Store, error) {
	switch cfg.StoreDriver {
	case "none", "":
		return nil, nil
	case store.DriverSQLite, store.DriverSQLite3, store.DriverBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.StoreDSN), 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.Open(ctx, store.Config{
		Driver: cfg.StoreDriver,
		DSN:    cfg.StoreDSN,
		Logger: log.With().Str("component", "store").Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}
