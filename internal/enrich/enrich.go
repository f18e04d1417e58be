// Package enrich fills missing breaker specifications from catalog knowledge
// the vision pass could not see in the photos, using a secondary text-only
// inference call per batch of references.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/electrohub/panelscan/internal/catalog"
	"github.com/electrohub/panelscan/internal/model"
	"github.com/electrohub/panelscan/pkg/anthropic"
)

const enrichSystemPrompt = `You are an electrical equipment catalog expert. Given manufacturer references of low-voltage protection devices (circuit breakers, RCDs), return their catalog specifications. Only include values you are certain of; use null otherwise. Respond with a valid JSON object only:
{"specs": [{"reference": "<the reference as given>", "manufacturer": "<brand, or null>", "rated_current_a": <amps, or null>, "breaking_ka": <breaking capacity in kA, or null>, "poles": <pole count, or null>, "voltage_v": <rated voltage, or null>}]}`

const defaultBatchSize = 10

// Enricher looks up device specifications by reference and merges them into
// detections that are still incomplete after the cache pass.
type Enricher struct {
	client      anthropic.Client
	model       string
	cache       *catalog.Cache
	batchSize   int
	concurrency int
	log         *zap.Logger
}

// Config bounds the enrichment stage.
type Config struct {
	Model       string
	BatchSize   int // references per inference call, default 10
	Concurrency int // concurrent batches, default 2
}

func New(client anthropic.Client, cache *catalog.Cache, cfg Config) *Enricher {
	if cfg.BatchSize <= 0 || cfg.BatchSize > defaultBatchSize {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	return &Enricher{
		client:      client,
		model:       cfg.Model,
		cache:       cache,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		log:         zap.L().Named("enrich"),
	}
}

// spec is one enriched specification keyed by normalized reference.
type spec struct {
	Reference     string   `json:"reference"`
	Manufacturer  *string  `json:"manufacturer"`
	RatedCurrentA *float64 `json:"rated_current_a"`
	BreakingKA    *float64 `json:"breaking_ka"`
	Poles         *int     `json:"poles"`
	VoltageV      *float64 `json:"voltage_v"`
}

// needsEnrichment selects detections still missing breaking capacity that
// carry a usable reference.
func needsEnrichment(d model.DetectedDevice) bool {
	return d.BreakingKA == nil && catalog.NormalizeReference(d.Reference) != ""
}

// Enrich runs the enrichment stage over a scan's detections and returns the
// merged list. The stage never fails the job: when a batch errors, its
// devices keep their null fields with confidence downgraded one tier.
func (e *Enricher) Enrich(ctx context.Context, site string, devices []model.DetectedDevice) []model.DetectedDevice {
	out := make([]model.DetectedDevice, len(devices))
	copy(out, devices)

	// Dedupe references across devices; one lookup serves all duplicates.
	seen := map[string]string{} // normalized -> display form
	var refs []string
	for _, d := range out {
		if !needsEnrichment(d) {
			continue
		}
		key := catalog.NormalizeReference(d.Reference)
		if _, ok := seen[key]; !ok {
			seen[key] = d.Reference
			refs = append(refs, d.Reference)
		}
	}
	if len(refs) == 0 {
		return out
	}

	var (
		mu     sync.Mutex
		specs  = map[string]spec{}
		failed = map[string]bool{} // normalized refs in failed batches
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for start := 0; start < len(refs); start += e.batchSize {
		batch := refs[start:min(start+e.batchSize, len(refs))]
		g.Go(func() error {
			got, err := e.lookupBatch(gctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.log.Warn("enrichment batch failed",
					zap.Int("refs", len(batch)),
					zap.Error(err))
				for _, r := range batch {
					failed[catalog.NormalizeReference(r)] = true
				}
				return nil // non-fatal
			}
			for _, s := range got {
				specs[catalog.NormalizeReference(s.Reference)] = s
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // batch errors are swallowed above

	enriched := 0
	for i := range out {
		if !needsEnrichment(out[i]) {
			continue
		}
		key := catalog.NormalizeReference(out[i].Reference)
		if failed[key] {
			out[i].Confidence = out[i].Confidence.Downgrade()
			continue
		}
		s, ok := specs[key]
		if !ok {
			continue
		}
		if mergeSpec(&out[i], s) {
			out[i].Provenance = model.ProvenanceEnriched
			enriched++
			if err := e.cache.Offer(ctx, site, out[i]); err != nil {
				e.log.Warn("cache offer after enrichment failed",
					zap.String("reference", out[i].Reference),
					zap.Error(err))
			}
		}
	}
	e.log.Info("enrichment complete",
		zap.String("site", site),
		zap.Int("candidates", len(refs)),
		zap.Int("enriched", enriched),
		zap.Int("failed_batches", len(failed)))
	return out
}

// mergeSpec fills only nil fields and reports whether anything changed.
func mergeSpec(d *model.DetectedDevice, s spec) bool {
	changed := false
	if d.Manufacturer == "" && s.Manufacturer != nil && *s.Manufacturer != "" {
		d.Manufacturer = *s.Manufacturer
		changed = true
	}
	if d.RatedCurrentA == nil && s.RatedCurrentA != nil {
		v := *s.RatedCurrentA
		d.RatedCurrentA = &v
		changed = true
	}
	if d.BreakingKA == nil && s.BreakingKA != nil {
		v := *s.BreakingKA
		d.BreakingKA = &v
		changed = true
	}
	if d.Poles == nil && s.Poles != nil {
		v := *s.Poles
		d.Poles = &v
		changed = true
	}
	if d.VoltageV == nil && s.VoltageV != nil {
		v := *s.VoltageV
		d.VoltageV = &v
		changed = true
	}
	return changed
}

type specsPayload struct {
	Specs []spec `json:"specs"`
}

func (e *Enricher) lookupBatch(ctx context.Context, refs []string) ([]spec, error) {
	var sb strings.Builder
	sb.WriteString("References:\n")
	for _, r := range refs {
		fmt.Fprintf(&sb, "- %s\n", r)
	}

	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.model,
		MaxTokens: 4096,
		System:    []anthropic.SystemBlock{{Text: enrichSystemPrompt}},
		Messages:  []anthropic.Message{{Role: "user", Text: sb.String()}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "enrich: create message")
	}
	resp.Usage.LogCost(e.model, "enrich")

	var text string
	for _, b := range resp.Content {
		if b.Type == "" || b.Type == "text" {
			text += b.Text
		}
	}

	var payload specsPayload
	if err := json.Unmarshal([]byte(cleanJSON(text)), &payload); err != nil {
		return nil, eris.Wrap(err, "enrich: unparseable response")
	}
	return payload.Specs, nil
}

// cleanJSON strips markdown fences and extracts the JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
