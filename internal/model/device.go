package model

import "time"

// ConfidenceTier grades how much trust a detection deserves.
type ConfidenceTier string

const (
	ConfidenceHigh   ConfidenceTier = "high"
	ConfidenceMedium ConfidenceTier = "medium"
	ConfidenceLow    ConfidenceTier = "low"
)

// Downgrade returns the next tier down. Low stays low.
func (c ConfidenceTier) Downgrade() ConfidenceTier {
	switch c {
	case ConfidenceHigh:
		return ConfidenceMedium
	case ConfidenceMedium:
		return ConfidenceLow
	default:
		return ConfidenceLow
	}
}

// Provenance records which stage produced a detection's specification fields.
type Provenance string

const (
	ProvenanceVision   Provenance = "vision"
	ProvenanceCache    Provenance = "cache"
	ProvenanceEnriched Provenance = "enriched"
)

// DetectedDevice is a candidate protective device extracted from panel photos.
// Rating fields are pointers: nil means the field was not legible or not
// reported, which downstream stages may fill but never overwrite.
type DetectedDevice struct {
	Position         string         `json:"position"` // verbatim label, "" if illegible
	CircuitName      string         `json:"circuit_name,omitempty"`
	Manufacturer     string         `json:"manufacturer,omitempty"`
	Reference        string         `json:"reference,omitempty"`
	RatedCurrentA    *float64       `json:"rated_current_a,omitempty"`
	BreakingKA       *float64       `json:"breaking_ka,omitempty"`
	Poles            *int           `json:"poles,omitempty"`
	VoltageV         *float64       `json:"voltage_v,omitempty"`
	Differential     bool           `json:"differential,omitempty"`
	SensitivityMA    *float64       `json:"sensitivity_ma,omitempty"`
	DifferentialType string         `json:"differential_type,omitempty"` // AC, A, B...
	Confidence       ConfidenceTier `json:"confidence"`
	Provenance       Provenance     `json:"provenance"`
}

// HasCompleteSpec reports whether the detection carries the full
// (reference, manufacturer, rating) triple worth remembering in the catalog.
func (d DetectedDevice) HasCompleteSpec() bool {
	return d.Reference != "" && d.Manufacturer != "" && d.RatedCurrentA != nil && d.BreakingKA != nil
}

// Device is an inventory record for a protective device inside a panel.
type Device struct {
	ID               string    `json:"id"`
	PanelID          string    `json:"panel_id"`
	Position         string    `json:"position"`
	CircuitName      string    `json:"circuit_name,omitempty"`
	Manufacturer     string    `json:"manufacturer,omitempty"`
	Reference        string    `json:"reference,omitempty"`
	RatedCurrentA    *float64  `json:"rated_current_a,omitempty"`
	BreakingKA       *float64  `json:"breaking_ka,omitempty"`
	Poles            *int      `json:"poles,omitempty"`
	VoltageV         *float64  `json:"voltage_v,omitempty"`
	Differential     bool      `json:"differential,omitempty"`
	SensitivityMA    *float64  `json:"sensitivity_ma,omitempty"`
	DifferentialType string    `json:"differential_type,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CatalogEntry is a persistently cached device specification, keyed by
// (site, normalized reference). ScanCount only increases; validated entries
// are authoritative and never silently downgraded by pipeline writes.
type CatalogEntry struct {
	ID            string    `json:"id"`
	Site          string    `json:"site"`
	RefNormalized string    `json:"ref_normalized"`
	Reference     string    `json:"reference"`
	Manufacturer  string    `json:"manufacturer,omitempty"`
	RatedCurrentA *float64  `json:"rated_current_a,omitempty"`
	BreakingKA    *float64  `json:"breaking_ka,omitempty"`
	Poles         *int      `json:"poles,omitempty"`
	VoltageV      *float64  `json:"voltage_v,omitempty"`
	ScanCount     int       `json:"scan_count"`
	Validated     bool      `json:"validated"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}
