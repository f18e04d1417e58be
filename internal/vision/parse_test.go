package vision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electrohub/panelscan/internal/model"
)

const samplePayload = `{
  "panel_description": "Three-row residential panel, Schneider, approx 36 modules.",
  "devices": [
    {"position": "Q1", "circuit_name": "Four", "manufacturer": "Schneider", "reference": "iC60N",
     "rated_current_a": 20, "breaking_ka": 6, "poles": 2, "voltage_v": 230,
     "differential": false, "sensitivity_ma": null, "differential_type": null, "confidence": "high"},
    {"position": null, "circuit_name": null, "manufacturer": null, "reference": null,
     "rated_current_a": null, "breaking_ka": null, "poles": null, "voltage_v": null,
     "differential": false, "sensitivity_ma": null, "differential_type": null, "confidence": "low"}
  ]
}`

func TestParseObservation_BareJSON(t *testing.T) {
	obs, err := parseObservation(samplePayload)
	require.NoError(t, err)
	assert.Equal(t, "Three-row residential panel, Schneider, approx 36 modules.", obs.PanelDescription)
	require.Len(t, obs.Devices, 2)

	d := obs.Devices[0]
	assert.Equal(t, "Q1", d.Position)
	assert.Equal(t, "iC60N", d.Reference)
	require.NotNil(t, d.RatedCurrentA)
	assert.Equal(t, 20.0, *d.RatedCurrentA)
	assert.Equal(t, model.ConfidenceHigh, d.Confidence)
	assert.Equal(t, model.ProvenanceVision, d.Provenance)
}

func TestParseObservation_FencedJSON(t *testing.T) {
	obs, err := parseObservation("```json\n" + samplePayload + "\n```")
	require.NoError(t, err)
	assert.Len(t, obs.Devices, 2)

	obs, err = parseObservation("```\n" + samplePayload + "\n```")
	require.NoError(t, err)
	assert.Len(t, obs.Devices, 2)
}

func TestParseObservation_ProseAroundJSON(t *testing.T) {
	obs, err := parseObservation("Here is the inventory:\n" + samplePayload + "\nLet me know if you need more.")
	require.NoError(t, err)
	assert.Len(t, obs.Devices, 2)
}

func TestParseObservation_KeepsZeroFieldDevices(t *testing.T) {
	obs, err := parseObservation(samplePayload)
	require.NoError(t, err)

	// An illegible module still counts as a detected module.
	d := obs.Devices[1]
	assert.Empty(t, d.Position)
	assert.Empty(t, d.Reference)
	assert.Nil(t, d.RatedCurrentA)
	assert.Equal(t, model.ConfidenceLow, d.Confidence)
}

func TestParseObservation_Unparseable(t *testing.T) {
	_, err := parseObservation("I could not analyze these images.")
	assert.Error(t, err)
}

func TestParseConfidence_DefaultsToMedium(t *testing.T) {
	assert.Equal(t, model.ConfidenceMedium, parseConfidence(""))
	assert.Equal(t, model.ConfidenceMedium, parseConfidence("certain"))
	assert.Equal(t, model.ConfidenceHigh, parseConfidence("HIGH"))
	assert.Equal(t, model.ConfidenceLow, parseConfidence(" low "))
}
