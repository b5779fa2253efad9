package model

import "time"

// Status is the aggregated outcome of an endpoint run.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// StatusFor aggregates unit outcomes: success when nothing failed, failed when
// every unit failed, partial otherwise.
func StatusFor(units, failed int) Status {
	switch {
	case failed == 0:
		return StatusSuccess
	case failed >= units:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// EndpointMetadata is one row per (source, endpoint, year).
type EndpointMetadata struct {
	Source        string    `json:"source" yaml:"source"`
	Endpoint      string    `json:"endpoint" yaml:"endpoint"`
	Year          int       `json:"year" yaml:"year"`
	RunID         string    `json:"run_id" yaml:"run_id"`
	LastFetchedAt time.Time `json:"last_fetched_at" yaml:"last_fetched_at"`
	RecordCount   int64     `json:"record_count" yaml:"record_count"`
	ErrorCount    int       `json:"error_count" yaml:"error_count"`
	Status        Status    `json:"status" yaml:"status"`
}

// EndpointReport summarizes one endpoint within an ingestion run.
type EndpointReport struct {
	Status      Status         `json:"status" yaml:"status"`
	RecordCount int64          `json:"record_count" yaml:"record_count"`
	ErrorCount  int            `json:"error_count" yaml:"error_count"`
	Units       int            `json:"units" yaml:"units"`
	Skipped     int            `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Errors      map[string]int `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// IngestionReport maps endpoint name to its report.
type IngestionReport struct {
	RunID     string                     `json:"run_id" yaml:"run_id"`
	Source    string                     `json:"source" yaml:"source"`
	StartedAt time.Time                  `json:"started_at" yaml:"started_at"`
	Elapsed   time.Duration              `json:"elapsed" yaml:"elapsed"`
	Endpoints map[string]*EndpointReport `json:"endpoints" yaml:"endpoints"`
}
