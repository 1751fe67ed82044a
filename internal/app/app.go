// Package app wires the configured store and engine for the binaries.
package app

import (
	"context"
	"fmt"

	"shiftbot/internal/clock"
	"shiftbot/internal/config"
	"shiftbot/internal/db"
	"shiftbot/internal/db/sqlite"
	"shiftbot/internal/shift"

	"go.uber.org/zap"
)

// OpenStore opens the configured store and brings its schema up to date.
// The returned func closes it.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (shift.Store, func(), error) {
	switch cfg.Driver {
	case "sqlite":
		store, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "postgres", "":
		database, err := db.New(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		if err := database.Migrate(ctx); err != nil {
			database.Close()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return database, database.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// NewEngine builds the shift engine over store with the duty settings.
func NewEngine(store shift.Store, cfg config.DutyConfig, logger *zap.Logger) *shift.Engine {
	return shift.NewEngine(store, shift.Options{
		Logger:        logger,
		WipeBatchSize: cfg.WipeBatchSize,
		Cache:         shift.NewMemoryCache(cfg.CacheTTL, clock.Real()),
	})
}
