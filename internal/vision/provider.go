// Package vision turns panel photos into structured device detections using
// multimodal AI providers, with a ranked fallback chain across providers.
package vision

import (
	"context"
	"fmt"

	"github.com/electrohub/panelscan/internal/model"
)

// Observation is the result of one successful extraction pass over a photo
// batch: a free-text description of the panel plus every module the provider
// could distinguish, legible or not.
type Observation struct {
	PanelDescription string
	Devices          []model.DetectedDevice
}

// Extractor extracts an Observation from an ordered photo batch.
type Extractor interface {
	// Name identifies the provider in logs and errors.
	Name() string
	Extract(ctx context.Context, photos []model.Photo) (*Observation, error)
}

// ProviderError marks a vision or enrichment call that failed or returned an
// unparseable response. During extraction it is fatal to the job.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
