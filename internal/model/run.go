package model

import (
	"encoding/json"
	"time"
)

// RunStatus represents the current state of a harvest run.
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusError   RunStatus = "error"
)

// Run is one ledger entry covering a full pipeline execution across one or
// more territories. Summary holds the serialized run summary once the run
// completes.
type Run struct {
	ID          string          `json:"id"`
	RunDate     string          `json:"run_date"`
	Territories []string        `json:"territories"`
	Status      RunStatus       `json:"status"`
	Summary     json.RawMessage `json:"summary,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StageStatus represents the current state of a pipeline stage.
type StageStatus string

const (
	StageStatusRunning  StageStatus = "running"
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
	StageStatusSkipped  StageStatus = "skipped"
)

// RunStage records one pipeline stage execution for one territory within a
// run. Detail carries stage-specific counters (record counts, warnings)
// serialized by the stage runner.
type RunStage struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	Territory   string          `json:"territory"`
	Name        string          `json:"name"`
	Status      StageStatus     `json:"status"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
