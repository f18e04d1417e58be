package vision

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/electrohub/panelscan/internal/model"
)

// observationPayload is the JSON shape the extraction prompts ask for.
type observationPayload struct {
	PanelDescription string          `json:"panel_description"`
	Devices          []devicePayload `json:"devices"`
}

type devicePayload struct {
	Position         *string  `json:"position"`
	CircuitName      *string  `json:"circuit_name"`
	Manufacturer     *string  `json:"manufacturer"`
	Reference        *string  `json:"reference"`
	RatedCurrentA    *float64 `json:"rated_current_a"`
	BreakingKA       *float64 `json:"breaking_ka"`
	Poles            *int     `json:"poles"`
	VoltageV         *float64 `json:"voltage_v"`
	Differential     bool     `json:"differential"`
	SensitivityMA    *float64 `json:"sensitivity_ma"`
	DifferentialType *string  `json:"differential_type"`
	Confidence       string   `json:"confidence"`
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

// parseObservation decodes a provider's text response into an Observation.
// Devices with every field null are kept: an illegible module still counts
// as a detected module.
func parseObservation(text string) (*Observation, error) {
	var payload observationPayload
	if err := json.Unmarshal([]byte(cleanJSON(text)), &payload); err != nil {
		return nil, eris.Wrap(err, "vision: unparseable response")
	}

	obs := &Observation{
		PanelDescription: payload.PanelDescription,
		Devices:          make([]model.DetectedDevice, 0, len(payload.Devices)),
	}
	for _, p := range payload.Devices {
		d := model.DetectedDevice{
			Position:         deref(p.Position),
			CircuitName:      deref(p.CircuitName),
			Manufacturer:     deref(p.Manufacturer),
			Reference:        deref(p.Reference),
			RatedCurrentA:    p.RatedCurrentA,
			BreakingKA:       p.BreakingKA,
			Poles:            p.Poles,
			VoltageV:         p.VoltageV,
			Differential:     p.Differential,
			SensitivityMA:    p.SensitivityMA,
			DifferentialType: deref(p.DifferentialType),
			Confidence:       parseConfidence(p.Confidence),
			Provenance:       model.ProvenanceVision,
		}
		obs.Devices = append(obs.Devices, d)
	}
	return obs, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func parseConfidence(s string) model.ConfidenceTier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return model.ConfidenceHigh
	case "low":
		return model.ConfidenceLow
	default:
		return model.ConfidenceMedium
	}
}
