package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electrohub/panelscan/internal/catalog"
	"github.com/electrohub/panelscan/internal/enrich"
	"github.com/electrohub/panelscan/internal/model"
	"github.com/electrohub/panelscan/internal/reconcile"
	"github.com/electrohub/panelscan/internal/scan"
	"github.com/electrohub/panelscan/internal/store"
	"github.com/electrohub/panelscan/internal/vision"
	"github.com/electrohub/panelscan/pkg/anthropic"
)

type stubExtractor struct {
	obs *vision.Observation
}

func (s *stubExtractor) Name() string { return "stub" }

func (s *stubExtractor) Extract(context.Context, []model.Photo) (*vision.Observation, error) {
	return s.obs, nil
}

type emptyEnrichClient struct{}

func (emptyEnrichClient) CreateMessage(context.Context, anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: `{"specs": []}`}},
	}, nil
}

func ptr[T any](v T) *T { return &v }

func newTestServer(t *testing.T, obs *vision.Observation) (*httptest.Server, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	cache := catalog.NewCache(st)
	reconciler := reconcile.New(st, cache)
	enricher := enrich.New(emptyEnrichClient{}, cache, enrich.Config{Model: "claude-haiku-4-5-20251001"})
	orchestrator := scan.New(scan.Config{}, &stubExtractor{obs: obs}, cache, enricher, reconciler, nil)

	srv := httptest.NewServer(NewServer(orchestrator, cache, reconciler, st).Router())
	t.Cleanup(srv.Close)
	return srv, st
}

func multipartScan(t *testing.T, names ...string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, name := range names {
		part, err := w.CreateFormFile("photos", name)
		require.NoError(t, err)
		_, err = part.Write([]byte{0xff, 0xd8, 0xff, 0xe0})
		require.NoError(t, err)
	}
	require.NoError(t, w.WriteField("site", "lyon"))
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestSubmitAndPollScan(t *testing.T) {
	srv, _ := newTestServer(t, &vision.Observation{
		PanelDescription: "single-row panel",
		Devices: []model.DetectedDevice{
			{Position: "Q1", Reference: "iC60N", RatedCurrentA: ptr(16.0), Confidence: model.ConfidenceHigh, Provenance: model.ProvenanceVision},
		},
	})

	body, contentType := multipartScan(t, "front.jpg")
	resp, err := http.Post(srv.URL+"/api/panels/tgbt-01/scan", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var submitted struct {
		JobID   string `json:"jobId"`
		Status  string `json:"status"`
		PollURL string `json:"pollUrl"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	assert.Equal(t, "pending", submitted.Status)
	assert.Equal(t, "/api/scan-jobs/"+submitted.JobID, submitted.PollURL)

	var job model.ScanJob
	require.Eventually(t, func() bool {
		pollResp, err := http.Get(srv.URL + submitted.PollURL)
		require.NoError(t, err)
		defer pollResp.Body.Close()
		require.Equal(t, http.StatusOK, pollResp.StatusCode)
		require.NoError(t, json.NewDecoder(pollResp.Body).Decode(&job))
		return job.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.Result)
	assert.Len(t, job.Result.Reconciliation.Created, 1)
}

func TestSubmitScan_NoPhotos(t *testing.T) {
	srv, _ := newTestServer(t, &vision.Observation{})

	body, contentType := multipartScan(t) // no files
	resp, err := http.Post(srv.URL+"/api/panels/tgbt-01/scan", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPollJob_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, &vision.Observation{})

	resp, err := http.Get(srv.URL + "/api/scan-jobs/unknown-id")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBulkApply(t *testing.T) {
	srv, st := newTestServer(t, &vision.Observation{})

	require.NoError(t, st.CreateDevice(context.Background(), model.Device{
		ID: "d1", PanelID: "tgbt-01", Position: "Q1", Reference: "iC60N", RatedCurrentA: ptr(16.0),
	}))

	payload := `{"site": "lyon", "devices": [
		{"position": "Q1", "breaking_ka": 6},
		{"position": "Q2", "reference": "DX3", "rated_current_a": 32}
	]}`
	resp, err := http.Post(srv.URL+"/api/panels/tgbt-01/devices/bulk", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var outcome model.Outcome
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&outcome))
	assert.Len(t, outcome.Updated, 1)
	assert.Len(t, outcome.Created, 1)
	assert.Empty(t, outcome.Errors)
}

func TestBulkApply_EmptyList(t *testing.T) {
	srv, _ := newTestServer(t, &vision.Observation{})

	resp, err := http.Post(srv.URL+"/api/panels/tgbt-01/devices/bulk", "application/json",
		strings.NewReader(`{"site": "lyon", "devices": []}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCatalogSearchAndValidate(t *testing.T) {
	srv, st := newTestServer(t, &vision.Observation{})
	ctx := context.Background()

	require.NoError(t, st.UpsertCatalogEntry(ctx, model.CatalogEntry{
		Site: "lyon", RefNormalized: "ic60n", Reference: "iC60N", Manufacturer: "Schneider",
		RatedCurrentA: ptr(16.0), BreakingKA: ptr(6.0),
	}))

	resp, err := http.Get(srv.URL + "/api/catalog?site=lyon&q=ic60")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Entries []model.CatalogEntry `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Len(t, result.Entries, 1)
	assert.False(t, result.Entries[0].Validated)

	vresp, err := http.Post(srv.URL+"/api/catalog/"+result.Entries[0].ID+"/validate", "application/json", nil)
	require.NoError(t, err)
	defer vresp.Body.Close()
	require.Equal(t, http.StatusOK, vresp.StatusCode)

	entry, err := st.GetCatalogEntry(ctx, "lyon", "ic60n")
	require.NoError(t, err)
	assert.True(t, entry.Validated)
}

func TestValidate_UnknownEntry(t *testing.T) {
	srv, _ := newTestServer(t, &vision.Observation{})

	resp, err := http.Post(srv.URL+"/api/catalog/not-an-id/validate", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &vision.Observation{})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
