// Package store persists the run ledger: one row per pipeline run and one
// row per stage execution, queryable from the runs subcommand.
package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/crown-postcodes/harvest-cli/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status    model.RunStatus `json:"status,omitempty"`
	Territory string          `json:"territory,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	Offset    int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the run ledger.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, runDate string, territories []string) (*model.Run, error)
	CompleteRun(ctx context.Context, runID string, status model.RunStatus, summary json.RawMessage) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Stages
	StartStage(ctx context.Context, runID, territory, name string) (*model.RunStage, error)
	CompleteStage(ctx context.Context, stageID string, status model.StageStatus, detail json.RawMessage) error
	ListStages(ctx context.Context, runID string) ([]model.RunStage, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open constructs a Store for the configured driver. The sqlite driver takes
// a file path DSN; postgres takes a connection string.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, dsn, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}

// newRunID builds a date-prefixed, lexically sortable run identifier.
func newRunID(runDate string) string {
	return "run-" + runDate + "-" + uuid.New().String()
}
