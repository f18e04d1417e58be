package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electrohub/panelscan/internal/catalog"
	"github.com/electrohub/panelscan/internal/model"
	"github.com/electrohub/panelscan/internal/store"
)

func newTestReconciler(t *testing.T) (*Reconciler, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return New(st, catalog.NewCache(st)), st
}

func ptr[T any](v T) *T { return &v }

func seedDevice(t *testing.T, st store.Store, d model.Device) model.Device {
	t.Helper()
	require.NoError(t, st.CreateDevice(context.Background(), d))
	return d
}

func TestReconcile_PositionMatchWinsOverReference(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	existing := seedDevice(t, st, model.Device{
		ID: "d1", PanelID: "tgbt", Position: "Q3", Reference: "C60N", RatedCurrentA: ptr(10.0),
	})

	// Same position, different reference: still the same physical slot.
	outcome := r.Reconcile(ctx, "tgbt", "lyon",
		[]model.Device{existing},
		[]model.DetectedDevice{{Position: "q3", Reference: "iC60N", RatedCurrentA: ptr(16.0)}},
	)

	assert.Empty(t, outcome.Created)
	assert.Empty(t, outcome.Errors)
	require.Len(t, outcome.Updated, 1)
	assert.Equal(t, "d1", outcome.Updated[0].ID)
	assert.Equal(t, "iC60N", outcome.Updated[0].Reference)
	assert.Equal(t, 16.0, *outcome.Updated[0].RatedCurrentA)
}

func TestReconcile_ReferenceAndCurrentMatch(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	existing := seedDevice(t, st, model.Device{
		ID: "d1", PanelID: "tgbt", Position: "Q7", Reference: "ic60n", RatedCurrentA: ptr(16.0),
	})

	outcome := r.Reconcile(ctx, "tgbt", "lyon",
		[]model.Device{existing},
		[]model.DetectedDevice{{Position: "Q12", Reference: "iC60N", RatedCurrentA: ptr(16.0), BreakingKA: ptr(6.0)}},
	)

	require.Len(t, outcome.Updated, 1)
	assert.Equal(t, "d1", outcome.Updated[0].ID)
	assert.Equal(t, "Q12", outcome.Updated[0].Position, "incoming label replaces the stored one")
	assert.Equal(t, 6.0, *outcome.Updated[0].BreakingKA)
}

func TestReconcile_MergeKeepsStoredValuesForNullFields(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	existing := seedDevice(t, st, model.Device{
		ID: "d1", PanelID: "tgbt", Position: "Q1", CircuitName: "Chauffage",
		Reference: "iC60N", RatedCurrentA: ptr(16.0), BreakingKA: ptr(6.0), Poles: ptr(2),
	})

	outcome := r.Reconcile(ctx, "tgbt", "lyon",
		[]model.Device{existing},
		[]model.DetectedDevice{{Position: "Q1", RatedCurrentA: ptr(20.0)}},
	)

	require.Len(t, outcome.Updated, 1)
	u := outcome.Updated[0]
	assert.Equal(t, 20.0, *u.RatedCurrentA)
	assert.Equal(t, "Chauffage", u.CircuitName)
	assert.Equal(t, "iC60N", u.Reference)
	assert.Equal(t, 6.0, *u.BreakingKA)
	assert.Equal(t, 2, *u.Poles)
}

func TestReconcile_DuplicateDetectionsBothCreate(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()

	// Two physically distinct breakers with identical reference and rating,
	// neither matching an existing position: two creates, no merge.
	outcome := r.Reconcile(ctx, "tgbt", "lyon", nil, []model.DetectedDevice{
		{Reference: "iC60N", RatedCurrentA: ptr(16.0)},
		{Reference: "iC60N", RatedCurrentA: ptr(16.0)},
	})

	assert.Empty(t, outcome.Updated)
	assert.Empty(t, outcome.Errors)
	require.Len(t, outcome.Created, 2)
	assert.Equal(t, "P1", outcome.Created[0].Position)
	assert.Equal(t, "P2", outcome.Created[1].Position)
	assert.NotEqual(t, outcome.Created[0].ID, outcome.Created[1].ID)
}

func TestReconcile_MatchedDeviceConsumedOnce(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	existing := seedDevice(t, st, model.Device{
		ID: "d1", PanelID: "tgbt", Position: "Q1", Reference: "iC60N", RatedCurrentA: ptr(16.0),
	})

	outcome := r.Reconcile(ctx, "tgbt", "lyon",
		[]model.Device{existing},
		[]model.DetectedDevice{
			{Reference: "iC60N", RatedCurrentA: ptr(16.0)},
			{Reference: "iC60N", RatedCurrentA: ptr(16.0)},
		},
	)

	assert.Len(t, outcome.Updated, 1)
	assert.Len(t, outcome.Created, 1, "second duplicate must not merge into the same device")
}

func TestReconcile_FiveBreakersThreeMatchedTwoNew(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	var existing []model.Device
	for _, pos := range []string{"Q1", "Q2", "Q3"} {
		existing = append(existing, seedDevice(t, st, model.Device{
			ID: "d-" + pos, PanelID: "tgbt", Position: pos, Reference: "iC60N", RatedCurrentA: ptr(16.0),
		}))
	}

	outcome := r.Reconcile(ctx, "tgbt", "lyon", existing, []model.DetectedDevice{
		{Position: "Q1", Reference: "iC60N", RatedCurrentA: ptr(16.0)},
		{Position: "Q2", Reference: "iC60N", RatedCurrentA: ptr(16.0)},
		{Position: "Q3", Reference: "iC60N", RatedCurrentA: ptr(16.0)},
		{Position: "Q4", Reference: "DX3", RatedCurrentA: ptr(32.0)},
		{Reference: "NSX100F", RatedCurrentA: ptr(100.0)},
	})

	assert.Len(t, outcome.Updated, 3)
	assert.Len(t, outcome.Created, 2)
	assert.Empty(t, outcome.Errors)
}

func TestReconcile_Deterministic(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	detected := []model.DetectedDevice{
		{Position: "Q1", Reference: "iC60N", RatedCurrentA: ptr(16.0)},
		{Reference: "DX3", RatedCurrentA: ptr(32.0)},
	}

	first := r.Reconcile(ctx, "tgbt", "lyon", nil, detected)
	require.Len(t, first.Created, 2)

	// Replay against the inventory the first run produced: every detection
	// resolves as an update, nothing is created twice.
	inventory, err := st.ListDevices(ctx, "tgbt")
	require.NoError(t, err)
	second := r.Reconcile(ctx, "tgbt", "lyon", inventory, detected)
	assert.Empty(t, second.Created)
	assert.Len(t, second.Updated, 2)
}

func TestReconcile_CompleteSpecsOfferedToCache(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	r.Reconcile(ctx, "tgbt", "lyon", nil, []model.DetectedDevice{
		{Position: "Q1", Reference: "iC60N", Manufacturer: "Schneider", RatedCurrentA: ptr(16.0), BreakingKA: ptr(6.0)},
		{Position: "Q2", Reference: "DX3"}, // incomplete, not cached
	})

	entry, err := st.GetCatalogEntry(ctx, "lyon", "ic60n")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "Schneider", entry.Manufacturer)

	entry, err = st.GetCatalogEntry(ctx, "lyon", "dx3")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestReconcile_PerDeviceErrorsDoNotAbortBatch(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	// An update against a device that was deleted out from under the run
	// fails for that detection only.
	ghost := model.Device{ID: "ghost", PanelID: "tgbt", Position: "Q9", Reference: "C120N", RatedCurrentA: ptr(63.0)}

	outcome := r.Reconcile(ctx, "tgbt", "lyon",
		[]model.Device{ghost},
		[]model.DetectedDevice{
			{Position: "Q9", RatedCurrentA: ptr(63.0)},
			{Position: "Q10", Reference: "DX3", RatedCurrentA: ptr(32.0)},
		},
	)

	require.Len(t, outcome.Errors, 1)
	assert.Equal(t, "Q9", outcome.Errors[0].Position)
	assert.NotEmpty(t, outcome.Errors[0].Reason)
	assert.Len(t, outcome.Created, 1, "failure on one device never aborts the rest")

	devices, err := st.ListDevices(ctx, "tgbt")
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestReconcilePanel_LoadsInventory(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	seedDevice(t, st, model.Device{ID: "d1", PanelID: "tgbt", Position: "Q1", Reference: "iC60N", RatedCurrentA: ptr(16.0)})

	outcome, err := r.ReconcilePanel(ctx, "tgbt", "lyon", []model.DetectedDevice{
		{Position: "Q1", BreakingKA: ptr(6.0)},
	})
	require.NoError(t, err)
	require.Len(t, outcome.Updated, 1)
	assert.Equal(t, "d1", outcome.Updated[0].ID)
}
