// Package store persists the device catalog (historical specification cache)
// and the panel inventory consumed by reconciliation.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/electrohub/panelscan/internal/model"
)

// ErrNotFound marks a mutation against a row that does not exist.
var ErrNotFound = eris.New("not found")

// Store defines persistence for the scan pipeline. Lookup misses return
// (nil, nil), not an error.
type Store interface {
	// Device catalog — the persistent specification cache keyed by
	// (site, normalized reference).
	GetCatalogEntry(ctx context.Context, site, refNormalized string) (*model.CatalogEntry, error)
	UpsertCatalogEntry(ctx context.Context, entry model.CatalogEntry) error
	SearchCatalog(ctx context.Context, site, query string, limit int) ([]model.CatalogEntry, error)
	ValidateCatalogEntry(ctx context.Context, id string) error

	// Panel inventory.
	ListDevices(ctx context.Context, panelID string) ([]model.Device, error)
	CreateDevice(ctx context.Context, d model.Device) error
	UpdateDevice(ctx context.Context, d model.Device) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
