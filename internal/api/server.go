// Package api exposes the scan pipeline over HTTP: submit a photo batch,
// poll the job, apply reviewed detections, and inspect the device catalog.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/electrohub/panelscan/internal/catalog"
	"github.com/electrohub/panelscan/internal/model"
	"github.com/electrohub/panelscan/internal/reconcile"
	"github.com/electrohub/panelscan/internal/scan"
	"github.com/electrohub/panelscan/internal/store"
)

// maxSubmitBytes caps a whole multipart submission; individual photo limits
// are enforced by the orchestrator.
const maxSubmitBytes = 256 << 20

// Server wires the pipeline components into an HTTP handler.
type Server struct {
	orchestrator *scan.Orchestrator
	cache        *catalog.Cache
	reconciler   *reconcile.Reconciler
	store        store.Store
	log          *zap.Logger
}

func NewServer(orchestrator *scan.Orchestrator, cache *catalog.Cache, reconciler *reconcile.Reconciler, st store.Store) *Server {
	return &Server{
		orchestrator: orchestrator,
		cache:        cache,
		reconciler:   reconciler,
		store:        st,
		log:          zap.L().Named("api"),
	}
}

// Router builds the chi handler with logging, recovery and CORS.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/panels/{panelID}/scan", s.handleSubmitScan)
		r.Get("/scan-jobs/{jobID}", s.handlePollJob)
		r.Post("/panels/{panelID}/devices/bulk", s.handleBulkApply)
		r.Get("/catalog", s.handleSearchCatalog)
		r.Post("/catalog/{entryID}/validate", s.handleValidateEntry)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmitScan(w http.ResponseWriter, r *http.Request) {
	panelID := chi.URLParam(r, "panelID")

	if err := r.ParseMultipartForm(maxSubmitBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	var photos []model.Photo
	for _, header := range r.MultipartForm.File["photos"] {
		f, err := header.Open()
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "unreadable photo "+header.Filename)
			return
		}
		data, err := io.ReadAll(f)
		f.Close() //nolint:errcheck
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "unreadable photo "+header.Filename)
			return
		}
		mediaType := header.Header.Get("Content-Type")
		if mediaType == "" || mediaType == "application/octet-stream" {
			mediaType = http.DetectContentType(data)
		}
		photos = append(photos, model.Photo{
			Name:      header.Filename,
			MediaType: mediaType,
			Data:      data,
		})
	}

	jobID, err := s.orchestrator.Submit(r.Context(), scan.Request{
		PanelID: panelID,
		Site:    r.FormValue("site"),
		Owner:   r.FormValue("owner"),
		Photos:  photos,
	})
	if err != nil {
		var ve *scan.ValidationError
		if errors.As(err, &ve) {
			s.writeError(w, http.StatusBadRequest, ve.Reason)
			return
		}
		s.log.Error("scan submission failed", zap.String("panel_id", panelID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "submission failed")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"jobId":   jobID,
		"status":  string(model.JobPending),
		"pollUrl": "/api/scan-jobs/" + jobID,
	})
}

func (s *Server) handlePollJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orchestrator.Poll(chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, scan.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "scan job not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "poll failed")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// bulkApplyRequest carries human-reviewed detections to reconcile as-is.
type bulkApplyRequest struct {
	Site    string                 `json:"site"`
	Devices []model.DetectedDevice `json:"devices"`
}

func (s *Server) handleBulkApply(w http.ResponseWriter, r *http.Request) {
	panelID := chi.URLParam(r, "panelID")

	var req bulkApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Devices) == 0 {
		s.writeError(w, http.StatusBadRequest, "devices list is empty")
		return
	}

	outcome, err := s.reconciler.ReconcilePanel(r.Context(), panelID, req.Site, req.Devices)
	if err != nil {
		s.log.Error("bulk apply failed", zap.String("panel_id", panelID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleSearchCatalog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.cache.Search(r.Context(), r.URL.Query().Get("site"), r.URL.Query().Get("q"), limit)
	if err != nil {
		s.log.Error("catalog search failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "catalog search failed")
		return
	}
	if entries == nil {
		entries = []model.CatalogEntry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleValidateEntry(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryID")
	if err := s.cache.Validate(r.Context(), entryID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "catalog entry not found")
			return
		}
		s.log.Error("catalog validate failed", zap.String("entry_id", entryID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "validate failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "validated"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
