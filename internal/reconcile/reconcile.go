// Package reconcile merges a scan's detections into the panel's stored
// device inventory: update what is already known, create what is new, and
// collect per-device failures without aborting the batch.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/electrohub/panelscan/internal/catalog"
	"github.com/electrohub/panelscan/internal/model"
	"github.com/electrohub/panelscan/internal/store"
)

// Reconciler applies detections to the inventory through the store and feeds
// completed specs back into the site catalog.
type Reconciler struct {
	store store.Store
	cache *catalog.Cache
	log   *zap.Logger
}

func New(st store.Store, cache *catalog.Cache) *Reconciler {
	return &Reconciler{store: st, cache: cache, log: zap.L().Named("reconcile")}
}

// ReconcilePanel loads the panel's current inventory and reconciles the
// detections against it.
func (r *Reconciler) ReconcilePanel(ctx context.Context, panelID, site string, detected []model.DetectedDevice) (*model.Outcome, error) {
	existing, err := r.store.ListDevices(ctx, panelID)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: list devices for panel %s", panelID)
	}
	return r.Reconcile(ctx, panelID, site, existing, detected), nil
}

// Reconcile matches each detection against the existing inventory, in order:
//
//  1. Case-insensitive position label match within the panel.
//  2. Case-insensitive reference match with equal rated current.
//  3. No match: create, defaulting a missing position label to the
//     detection's ordinal within the batch ("P1", "P2", ...).
//
// A matched inventory device is consumed: two detections never merge into
// the same physical device, and devices created during the run are not
// candidates for matching later detections. Per-device store failures are
// collected in the outcome; the batch always runs to the end.
func (r *Reconciler) Reconcile(ctx context.Context, panelID, site string, existing []model.Device, detected []model.DetectedDevice) *model.Outcome {
	outcome := &model.Outcome{}

	byPosition := make(map[string]int, len(existing))
	for i, d := range existing {
		if d.Position != "" {
			byPosition[strings.ToLower(d.Position)] = i
		}
	}
	consumed := make([]bool, len(existing))

	for i, d := range detected {
		j, ok := r.match(d, existing, byPosition, consumed)
		if ok {
			consumed[j] = true
			merged := applyDetection(existing[j], d)
			if err := r.store.UpdateDevice(ctx, merged); err != nil {
				outcome.Errors = append(outcome.Errors, model.DeviceError{
					Position: merged.Position,
					Reason:   err.Error(),
				})
				continue
			}
			outcome.Updated = append(outcome.Updated, merged)
		} else {
			created := newDevice(panelID, d, i)
			if err := r.store.CreateDevice(ctx, created); err != nil {
				outcome.Errors = append(outcome.Errors, model.DeviceError{
					Position: created.Position,
					Reason:   err.Error(),
				})
				continue
			}
			outcome.Created = append(outcome.Created, created)
		}

		// Completed specs improve the site catalog regardless of how the
		// detection resolved.
		if err := r.cache.Offer(ctx, site, d); err != nil {
			r.log.Warn("catalog offer failed",
				zap.String("site", site),
				zap.String("reference", d.Reference),
				zap.Error(err))
		}
	}

	r.log.Info("reconciliation complete",
		zap.String("panel_id", panelID),
		zap.Int("created", len(outcome.Created)),
		zap.Int("updated", len(outcome.Updated)),
		zap.Int("errors", len(outcome.Errors)))
	return outcome
}

func (r *Reconciler) match(d model.DetectedDevice, existing []model.Device, byPosition map[string]int, consumed []bool) (int, bool) {
	if d.Position != "" {
		if j, ok := byPosition[strings.ToLower(d.Position)]; ok && !consumed[j] {
			return j, true
		}
	}
	if d.Reference == "" || d.RatedCurrentA == nil {
		return 0, false
	}
	for j, e := range existing {
		if consumed[j] || e.RatedCurrentA == nil {
			continue
		}
		if strings.EqualFold(e.Reference, d.Reference) && *e.RatedCurrentA == *d.RatedCurrentA {
			return j, true
		}
	}
	return 0, false
}

// applyDetection merges non-null detection fields over the stored record.
// The position label is the one exception to coalesce semantics: operators
// relabel panels on rescan, so an incoming label replaces the stored one.
func applyDetection(e model.Device, d model.DetectedDevice) model.Device {
	if d.Position != "" {
		e.Position = d.Position
	}
	if d.CircuitName != "" {
		e.CircuitName = d.CircuitName
	}
	if d.Manufacturer != "" {
		e.Manufacturer = d.Manufacturer
	}
	if d.Reference != "" {
		e.Reference = d.Reference
	}
	if d.RatedCurrentA != nil {
		e.RatedCurrentA = d.RatedCurrentA
	}
	if d.BreakingKA != nil {
		e.BreakingKA = d.BreakingKA
	}
	if d.Poles != nil {
		e.Poles = d.Poles
	}
	if d.VoltageV != nil {
		e.VoltageV = d.VoltageV
	}
	if d.Differential {
		e.Differential = true
	}
	if d.SensitivityMA != nil {
		e.SensitivityMA = d.SensitivityMA
	}
	if d.DifferentialType != "" {
		e.DifferentialType = d.DifferentialType
	}
	e.UpdatedAt = time.Now().UTC()
	return e
}

func newDevice(panelID string, d model.DetectedDevice, ordinal int) model.Device {
	position := d.Position
	if position == "" {
		position = fmt.Sprintf("P%d", ordinal+1)
	}
	now := time.Now().UTC()
	return model.Device{
		ID:               uuid.New().String(),
		PanelID:          panelID,
		Position:         position,
		CircuitName:      d.CircuitName,
		Manufacturer:     d.Manufacturer,
		Reference:        d.Reference,
		RatedCurrentA:    d.RatedCurrentA,
		BreakingKA:       d.BreakingKA,
		Poles:            d.Poles,
		VoltageV:         d.VoltageV,
		Differential:     d.Differential,
		SensitivityMA:    d.SensitivityMA,
		DifferentialType: d.DifferentialType,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
