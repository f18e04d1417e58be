// Package scan owns the asynchronous job lifecycle: accept a photo batch,
// run the recognition pipeline in the background, serve progress snapshots,
// and garbage-collect finished jobs.
package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/electrohub/panelscan/internal/catalog"
	"github.com/electrohub/panelscan/internal/enrich"
	"github.com/electrohub/panelscan/internal/model"
	"github.com/electrohub/panelscan/internal/notify"
	"github.com/electrohub/panelscan/internal/reconcile"
	"github.com/electrohub/panelscan/internal/vision"
)

// ErrJobNotFound is returned by Poll for an unknown or collected job id.
var ErrJobNotFound = eris.New("scan job not found")

// ValidationError rejects a malformed submission before any work starts.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

const (
	defaultMaxPhotos     = 15
	defaultMaxPhotoBytes = 8 << 20 // 8 MiB
	defaultRetention     = time.Hour
	defaultGCInterval    = 10 * time.Minute
)

// Config bounds submissions and job retention.
type Config struct {
	MaxPhotos     int
	MaxPhotoBytes int64
	Retention     time.Duration
	GCInterval    time.Duration
	TargetURLBase string // prefix for panel links in notifications
}

func (c *Config) applyDefaults() {
	if c.MaxPhotos <= 0 {
		c.MaxPhotos = defaultMaxPhotos
	}
	if c.MaxPhotoBytes <= 0 {
		c.MaxPhotoBytes = defaultMaxPhotoBytes
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.GCInterval <= 0 {
		c.GCInterval = defaultGCInterval
	}
}

// Request is one scan submission.
type Request struct {
	PanelID string
	Site    string
	Owner   string
	Photos  []model.Photo
}

// Orchestrator drives one worker goroutine per job over the recognition
// pipeline and keeps job state in a process-local map. A nil enricher
// disables the enrichment stage; candidates keep their cache-merged fields.
type Orchestrator struct {
	cfg        Config
	extractor  vision.Extractor
	cache      *catalog.Cache
	enricher   *enrich.Enricher
	reconciler *reconcile.Reconciler
	notifier   notify.Notifier
	log        *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*model.ScanJob

	wg   sync.WaitGroup
	stop chan struct{}
	done chan struct{}
}

func New(cfg Config, extractor vision.Extractor, cache *catalog.Cache, enricher *enrich.Enricher, reconciler *reconcile.Reconciler, notifier notify.Notifier) *Orchestrator {
	cfg.applyDefaults()
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Orchestrator{
		cfg:        cfg,
		extractor:  extractor,
		cache:      cache,
		enricher:   enricher,
		reconciler: reconciler,
		notifier:   notifier,
		log:        zap.L().Named("scan"),
		jobs:       map[string]*model.ScanJob{},
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the garbage-collection sweep.
func (o *Orchestrator) Start() {
	go func() {
		defer close(o.done)
		ticker := time.NewTicker(o.cfg.GCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := o.sweep(time.Now()); n > 0 {
					o.log.Info("collected expired jobs", zap.Int("count", n))
				}
			case <-o.stop:
				return
			}
		}
	}()
}

// Stop halts the GC sweep and waits for in-flight workers to finish.
func (o *Orchestrator) Stop() {
	close(o.stop)
	<-o.done
	o.wg.Wait()
}

// Submit validates the request, registers a pending job, and returns its id
// immediately; the pipeline runs in the background.
func (o *Orchestrator) Submit(_ context.Context, req Request) (string, error) {
	if req.PanelID == "" {
		return "", &ValidationError{Reason: "panel id is required"}
	}
	if len(req.Photos) == 0 {
		return "", &ValidationError{Reason: "at least one photo is required"}
	}
	if len(req.Photos) > o.cfg.MaxPhotos {
		return "", &ValidationError{Reason: fmt.Sprintf("too many photos: %d (max %d)", len(req.Photos), o.cfg.MaxPhotos)}
	}
	for _, p := range req.Photos {
		if int64(len(p.Data)) > o.cfg.MaxPhotoBytes {
			return "", &ValidationError{Reason: fmt.Sprintf("photo %q exceeds size limit of %d bytes", p.Name, o.cfg.MaxPhotoBytes)}
		}
		if len(p.Data) == 0 {
			return "", &ValidationError{Reason: fmt.Sprintf("photo %q is empty", p.Name)}
		}
	}

	job := &model.ScanJob{
		ID:         uuid.New().String(),
		PanelID:    req.PanelID,
		Site:       req.Site,
		Owner:      req.Owner,
		PhotoCount: len(req.Photos),
		Status:     model.JobPending,
		Message:    "queued",
		CreatedAt:  time.Now().UTC(),
	}

	o.mu.Lock()
	o.jobs[job.ID] = job
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(job.ID, req)

	o.log.Info("scan submitted",
		zap.String("job_id", job.ID),
		zap.String("panel_id", req.PanelID),
		zap.Int("photos", len(req.Photos)))
	return job.ID, nil
}

// Poll returns an immutable snapshot of the job. Unknown ids, including
// collected ones, yield ErrJobNotFound.
func (o *Orchestrator) Poll(jobID string) (*model.ScanJob, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	job, ok := o.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	snapshot := *job
	return &snapshot, nil
}

// run drives a single job through the pipeline. Jobs deliberately run on a
// background context: an abandoned poller does not cancel the work.
func (o *Orchestrator) run(jobID string, req Request) {
	defer o.wg.Done()
	ctx := context.Background()

	o.advance(jobID, model.JobAnalyzing, 10, "analyzing photos")
	obs, err := o.extractor.Extract(ctx, req.Photos)
	if err != nil {
		o.fail(jobID, "photo analysis failed: "+err.Error())
		return
	}
	o.advance(jobID, model.JobAnalyzing, 35, fmt.Sprintf("%d devices detected", len(obs.Devices)))

	devices, err := o.cache.Lookup(ctx, req.Site, obs.Devices)
	if err != nil {
		o.fail(jobID, "catalog lookup failed: "+err.Error())
		return
	}
	o.advance(jobID, model.JobAnalyzing, 55, "catalog consulted")

	if o.enricher != nil {
		devices = o.enricher.Enrich(ctx, req.Site, devices)
	}
	o.advance(jobID, model.JobAnalyzing, 70, "specifications enriched")

	outcome, err := o.reconciler.ReconcilePanel(ctx, req.PanelID, req.Site, devices)
	if err != nil {
		o.fail(jobID, "inventory reconciliation failed: "+err.Error())
		return
	}
	o.advance(jobID, model.JobAnalyzing, 90, "inventory reconciled")

	result := &model.ScanResult{
		PanelDescription: obs.PanelDescription,
		Devices:          devices,
		Reconciliation:   outcome,
	}
	for _, e := range outcome.Errors {
		result.Warnings = append(result.Warnings, fmt.Sprintf("device %s: %s", e.Position, e.Reason))
	}
	o.complete(jobID, result)
}

// advance moves a job forward; progress never decreases and terminal jobs
// are never touched.
func (o *Orchestrator) advance(jobID string, status model.JobStatus, progress int, message string) {
	o.mutate(jobID, func(job *model.ScanJob) {
		if job.Status.Terminal() {
			return
		}
		job.Status = status
		if progress > job.Progress {
			job.Progress = progress
		}
		job.Message = message
	})
}

func (o *Orchestrator) complete(jobID string, result *model.ScanResult) {
	now := time.Now().UTC()
	if !o.transition(jobID, func(job *model.ScanJob) {
		job.Status = model.JobCompleted
		job.Progress = 100
		job.Message = "scan complete"
		job.Result = result
		job.CompletedAt = &now
	}) {
		return
	}
	o.notifyDone(jobID, "Scan complete",
		fmt.Sprintf("%d devices recognized, %d created, %d updated",
			len(result.Devices), len(result.Reconciliation.Created), len(result.Reconciliation.Updated)),
		len(result.Devices))
}

func (o *Orchestrator) fail(jobID, message string) {
	now := time.Now().UTC()
	if !o.transition(jobID, func(job *model.ScanJob) {
		job.Status = model.JobFailed
		job.Message = message
		job.Error = message
		job.CompletedAt = &now
	}) {
		return
	}
	o.log.Warn("scan failed", zap.String("job_id", jobID), zap.String("reason", message))
	o.notifyDone(jobID, "Scan failed", message, 0)
}

// transition applies fn to a non-terminal job and reports whether it ran.
func (o *Orchestrator) transition(jobID string, fn func(*model.ScanJob)) bool {
	changed := false
	o.mutate(jobID, func(job *model.ScanJob) {
		if job.Status.Terminal() {
			return
		}
		fn(job)
		changed = true
	})
	return changed
}

func (o *Orchestrator) notifyDone(jobID, title, body string, deviceCount int) {
	job, err := o.Poll(jobID)
	if err != nil {
		return
	}
	event := notify.Event{
		Title:       title,
		Body:        body,
		JobID:       jobID,
		DeviceCount: deviceCount,
		TargetURL:   o.cfg.TargetURLBase + "/panels/" + job.PanelID,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := o.notifier.Notify(ctx, event); err != nil {
		o.log.Warn("notification failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (o *Orchestrator) mutate(jobID string, fn func(*model.ScanJob)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if job, ok := o.jobs[jobID]; ok {
		fn(job)
	}
}

// sweep drops jobs created before the retention window, whatever their state.
func (o *Orchestrator) sweep(now time.Time) int {
	cutoff := now.Add(-o.cfg.Retention)
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for id, job := range o.jobs {
		if job.CreatedAt.Before(cutoff) {
			delete(o.jobs, id)
			n++
		}
	}
	return n
}
