package catalog

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/electrohub/panelscan/internal/model"
	"github.com/electrohub/panelscan/internal/store"
)

// Cache fronts the shared device catalog: every completed scan feeds it, and
// later scans of the same site read back specs the vision pass could not see
// (breaking capacity printed on the side of the breaker, poles, voltage).
type Cache struct {
	store store.Store
	log   *zap.Logger
}

func NewCache(st store.Store) *Cache {
	return &Cache{store: st, log: zap.L().Named("catalog")}
}

// needsLookup reports whether a detected device is worth a cache read: it
// carries a usable reference and is still missing at least one spec field.
func needsLookup(d model.DetectedDevice) bool {
	if NormalizeReference(d.Reference) == "" {
		return false
	}
	return d.Manufacturer == "" || d.RatedCurrentA == nil || d.BreakingKA == nil ||
		d.Poles == nil || d.VoltageV == nil
}

// Lookup fills missing spec fields on the detected devices from the site's
// catalog. Fields the vision pass already populated are never overwritten;
// only nil (or empty) fields are taken from the cache. Devices completed this
// way are marked with cache provenance. Read-only: misses are not recorded.
func (c *Cache) Lookup(ctx context.Context, site string, devices []model.DetectedDevice) ([]model.DetectedDevice, error) {
	out := make([]model.DetectedDevice, len(devices))
	copy(out, devices)

	hits := 0
	for i := range out {
		if !needsLookup(out[i]) {
			continue
		}
		entry, err := c.store.GetCatalogEntry(ctx, site, NormalizeReference(out[i].Reference))
		if err != nil {
			return nil, eris.Wrap(err, "catalog: cache lookup")
		}
		if entry == nil {
			continue
		}
		if merge(&out[i], entry) {
			out[i].Provenance = model.ProvenanceCache
			hits++
		}
	}
	if hits > 0 {
		c.log.Debug("cache lookup filled devices", zap.String("site", site), zap.Int("hits", hits))
	}
	return out, nil
}

// merge copies catalog values into the device's nil or empty fields and
// reports whether anything changed.
func merge(d *model.DetectedDevice, e *model.CatalogEntry) bool {
	changed := false
	if d.Manufacturer == "" && e.Manufacturer != "" {
		d.Manufacturer = e.Manufacturer
		changed = true
	}
	if d.RatedCurrentA == nil && e.RatedCurrentA != nil {
		v := *e.RatedCurrentA
		d.RatedCurrentA = &v
		changed = true
	}
	if d.BreakingKA == nil && e.BreakingKA != nil {
		v := *e.BreakingKA
		d.BreakingKA = &v
		changed = true
	}
	if d.Poles == nil && e.Poles != nil {
		v := *e.Poles
		d.Poles = &v
		changed = true
	}
	if d.VoltageV == nil && e.VoltageV != nil {
		v := *e.VoltageV
		d.VoltageV = &v
		changed = true
	}
	return changed
}

// Offer records a device's specs in the site catalog. Only devices with a
// complete spec (reference, manufacturer, rated current, breaking capacity)
// are accepted; the store's upsert handles the rest: atomic scan counting,
// and refusing to downgrade validated or previously known values.
func (c *Cache) Offer(ctx context.Context, site string, d model.DetectedDevice) error {
	if !d.HasCompleteSpec() {
		return nil
	}
	key := NormalizeReference(d.Reference)
	if key == "" {
		return nil
	}
	now := time.Now().UTC()
	return c.store.UpsertCatalogEntry(ctx, model.CatalogEntry{
		Site:          site,
		RefNormalized: key,
		Reference:     d.Reference,
		Manufacturer:  d.Manufacturer,
		RatedCurrentA: d.RatedCurrentA,
		BreakingKA:    d.BreakingKA,
		Poles:         d.Poles,
		VoltageV:      d.VoltageV,
		FirstSeen:     now,
		LastSeen:      now,
	})
}

// OfferAll offers every complete device from a scan, logging and skipping
// individual failures so one bad row never loses the rest of the batch.
func (c *Cache) OfferAll(ctx context.Context, site string, devices []model.DetectedDevice) {
	for _, d := range devices {
		if err := c.Offer(ctx, site, d); err != nil {
			c.log.Warn("catalog offer failed",
				zap.String("site", site),
				zap.String("reference", d.Reference),
				zap.Error(err))
		}
	}
}

// Search finds catalog entries for a site by substring on the display
// reference or manufacturer.
func (c *Cache) Search(ctx context.Context, site, query string, limit int) ([]model.CatalogEntry, error) {
	entries, err := c.store.SearchCatalog(ctx, site, query, limit)
	return entries, eris.Wrap(err, "catalog: search")
}

// Validate marks an entry as human-verified. Validated entries keep their
// values against future pipeline writes.
func (c *Cache) Validate(ctx context.Context, id string) error {
	return eris.Wrap(c.store.ValidateCatalogEntry(ctx, id), "catalog: validate")
}
