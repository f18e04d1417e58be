package vision

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/electrohub/panelscan/internal/model"
	"github.com/electrohub/panelscan/pkg/mistral"
)

// MistralExtractor extracts device detections over the pixtral multimodal
// chat API. Same contract as the Anthropic extractor; it sits behind it in
// the fallback chain.
type MistralExtractor struct {
	client  mistral.Client
	model   string
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewMistralExtractor builds an extractor. rps bounds outgoing calls; a
// non-positive value disables rate limiting.
func NewMistralExtractor(client mistral.Client, modelID string, rps float64) *MistralExtractor {
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &MistralExtractor{
		client:  client,
		model:   modelID,
		limiter: limiter,
		log:     zap.L().Named("vision.mistral"),
	}
}

func (e *MistralExtractor) Name() string { return "mistral" }

func (e *MistralExtractor) Extract(ctx context.Context, photos []model.Photo) (*Observation, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "vision: rate limiter wait")
		}
	}

	parts := make([]mistral.ContentPart, 0, len(photos)+1)
	for _, p := range photos {
		parts = append(parts, mistral.ImagePart(p.MediaType, p.Data))
	}
	parts = append(parts, mistral.TextPart(extractSystemPrompt+"\n\n"+extractUserPrompt))

	maxTokens := 8192
	resp, err := e.client.ChatCompletion(ctx, mistral.ChatCompletionRequest{
		Model:     e.model,
		MaxTokens: &maxTokens,
		Messages:  []mistral.Message{{Role: "user", Content: parts}},
	})
	if err != nil {
		return nil, &ProviderError{Provider: e.Name(), Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: e.Name(), Err: eris.New("empty completion")}
	}

	obs, err := parseObservation(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, &ProviderError{Provider: e.Name(), Err: err}
	}
	e.log.Info("extraction complete",
		zap.Int("photos", len(photos)),
		zap.Int("devices", len(obs.Devices)))
	return obs, nil
}
