package vision

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/electrohub/panelscan/internal/model"
	"github.com/electrohub/panelscan/internal/resilience"
)

// Fallback runs a ranked chain of extractors. The next provider is tried
// only when the current one fails with a quota-class error (429, rate limit,
// exhausted credit, overloaded); any other failure is returned as-is, since a
// provider that answered wrongly is not evidence the next one will answer
// better.
type Fallback struct {
	providers []Extractor
	log       *zap.Logger
}

func NewFallback(providers ...Extractor) *Fallback {
	return &Fallback{providers: providers, log: zap.L().Named("vision")}
}

func (f *Fallback) Name() string {
	names := make([]string, len(f.providers))
	for i, p := range f.providers {
		names[i] = p.Name()
	}
	return strings.Join(names, "+")
}

func (f *Fallback) Extract(ctx context.Context, photos []model.Photo) (*Observation, error) {
	if len(f.providers) == 0 {
		return nil, eris.New("vision: no providers configured")
	}

	var lastErr error
	for i, p := range f.providers {
		obs, err := p.Extract(ctx, photos)
		if err == nil {
			return obs, nil
		}
		if !resilience.IsQuotaError(err) || i == len(f.providers)-1 {
			return nil, err
		}
		f.log.Warn("provider over quota, falling back",
			zap.String("provider", p.Name()),
			zap.String("next", f.providers[i+1].Name()),
			zap.Error(err))
		lastErr = err
	}
	return nil, lastErr
}
