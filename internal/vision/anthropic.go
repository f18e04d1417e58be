package vision

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/electrohub/panelscan/internal/model"
	"github.com/electrohub/panelscan/pkg/anthropic"
)

const extractSystemPrompt = `You are an electrical survey assistant analyzing photos of electrical distribution panels (switchboards). Identify every visually distinct module: circuit breakers, RCDs, surge protectors, contactors. Report each module exactly once even when its markings are unreadable — never omit a module because its fields are unknown. Respond with a valid JSON object only, no prose:
{"panel_description": "<one-sentence description of the panel>", "devices": [{"position": "<verbatim position label, e.g. Q3, or null>", "circuit_name": "<circuit label from the schedule, or null>", "manufacturer": "<brand, or null>", "reference": "<catalog reference printed on the device, or null>", "rated_current_a": <amps as number, or null>, "breaking_ka": <breaking capacity in kA, or null>, "poles": <pole count, or null>, "voltage_v": <rated voltage, or null>, "differential": <true if RCD/RCBO>, "sensitivity_ma": <residual sensitivity in mA, or null>, "differential_type": "<AC, A, F or B, or null>", "confidence": "<high|medium|low>"}]}`

const extractUserPrompt = `These photos show one physical panel from different angles and distances. List every module across all photos, deduplicated.`

// AnthropicExtractor extracts device detections with a single multimodal
// Anthropic message carrying the whole photo batch.
type AnthropicExtractor struct {
	client  anthropic.Client
	model   string
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewAnthropicExtractor builds an extractor. rps bounds outgoing calls; a
// non-positive value disables rate limiting.
func NewAnthropicExtractor(client anthropic.Client, modelID string, rps float64) *AnthropicExtractor {
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &AnthropicExtractor{
		client:  client,
		model:   modelID,
		limiter: limiter,
		log:     zap.L().Named("vision.anthropic"),
	}
}

func (e *AnthropicExtractor) Name() string { return "anthropic" }

func (e *AnthropicExtractor) Extract(ctx context.Context, photos []model.Photo) (*Observation, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "vision: rate limiter wait")
		}
	}

	images := make([]anthropic.Image, len(photos))
	for i, p := range photos {
		images[i] = anthropic.Image{MediaType: p.MediaType, Data: p.Data}
	}

	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.model,
		MaxTokens: 8192,
		System:    []anthropic.SystemBlock{{Text: extractSystemPrompt}},
		Messages: []anthropic.Message{{
			Role:   "user",
			Text:   extractUserPrompt,
			Images: images,
		}},
	})
	if err != nil {
		return nil, &ProviderError{Provider: e.Name(), Err: err}
	}
	resp.Usage.LogCost(e.model, "vision")

	obs, err := parseObservation(joinText(resp.Content))
	if err != nil {
		return nil, &ProviderError{Provider: e.Name(), Err: err}
	}
	e.log.Info("extraction complete",
		zap.Int("photos", len(photos)),
		zap.Int("devices", len(obs.Devices)))
	return obs, nil
}

func joinText(blocks []anthropic.ContentBlock) string {
	var out string
	for _, b := range blocks {
		if b.Type == "" || b.Type == "text" {
			out += b.Text
		}
	}
	return out
}
