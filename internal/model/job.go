// Package model defines the core domain types shared across the scan pipeline.
package model

import "time"

// JobStatus represents the current state of a scan job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobAnalyzing JobStatus = "analyzing"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Photo is a submitted panel photograph.
type Photo struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"` // image/jpeg, image/png, image/webp
	Data      []byte `json:"-"`
}

// ScanJob tracks one asynchronous photo-analysis run for a panel.
// It is owned by the scan orchestrator; pollers only ever see copies.
type ScanJob struct {
	ID          string      `json:"id"`
	PanelID     string      `json:"panel_id"`
	Owner       string      `json:"owner"`
	Site        string      `json:"site"`
	PhotoCount  int         `json:"photo_count"`
	Status      JobStatus   `json:"status"`
	Progress    int         `json:"progress"` // 0-100, monotonically non-decreasing
	Message     string      `json:"message"`
	Result      *ScanResult `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// ScanResult holds the outcome of a completed scan job.
type ScanResult struct {
	PanelDescription string           `json:"panel_description"`
	Devices          []DetectedDevice `json:"devices"`
	Reconciliation   *Outcome         `json:"reconciliation,omitempty"`
	Warnings         []string         `json:"warnings,omitempty"`
}

// Outcome is the result of reconciling detections against existing inventory.
type Outcome struct {
	Created []Device      `json:"created"`
	Updated []Device      `json:"updated"`
	Errors  []DeviceError `json:"errors"`
}

// DeviceError records a per-device reconciliation failure. Failures are
// collected, never abort the batch.
type DeviceError struct {
	Position string `json:"position"`
	Reason   string `json:"reason"`
}
