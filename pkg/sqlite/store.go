// Package sqlite provides the public API for the SQL backing store. It
// exposes the factory function while keeping the implementation internal.
package sqlite

import (
	"context"

	"github.com/mesh-intelligence/larder/internal/sqlite"
	"github.com/mesh-intelligence/larder/pkg/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// NewStore connects to the database named by cfg and creates a table for
// every kind in reg that does not exist yet. cfg.Backend must be
// types.BackendSQLite or types.BackendPostgres.
//
// Example:
//
//	store, err := sqlite.NewStore(ctx, types.Config{
//	    Backend: types.BackendSQLite,
//	    DataDir: ".larder",
//	}, reg)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	factory, err := session.NewFactory(reg, store)
func NewStore(ctx context.Context, cfg types.Config, reg *schema.Registry) (types.Store, error) {
	s, err := sqlite.Open(ctx, cfg, reg)
	if err != nil {
		return nil, err
	}
	return s, nil
}
