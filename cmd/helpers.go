package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/crown-postcodes/harvest-cli/internal/config"
	"github.com/crown-postcodes/harvest-cli/internal/fetcher"
	"github.com/crown-postcodes/harvest-cli/internal/pipeline"
	"github.com/crown-postcodes/harvest-cli/internal/store"
)

// initStore opens and migrates the run-ledger backend.
func initStore(ctx context.Context) (store.Store, error) {
	driver := cfg.Store.Driver
	dsn := cfg.Store.DatabaseURL

	if driver == "" || driver == "sqlite" {
		if dsn == "" {
			dsn = filepath.Join(dataDir, "state", "runs.db")
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, eris.Wrap(err, "create ledger dir")
		}
	}

	st, err := store.Open(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// newRunner loads the YAML bundle and wires a pipeline runner. The store may
// be nil for standalone stage commands that skip ledger tracking.
func newRunner(st store.Store, strict bool) (*pipeline.Runner, error) {
	bundle, err := config.LoadBundle(configDir)
	if err != nil {
		return nil, err
	}
	client := fetcher.NewClient(cfg.HTTP.ClientOptions())
	return pipeline.NewRunner(bundle, st, client, dataDir, strict), nil
}

// resolveRunDate defaults an empty run date to today (UTC) and validates the
// ISO form otherwise.
func resolveRunDate(runDate string) (string, error) {
	if runDate == "" {
		return time.Now().UTC().Format("2006-01-02"), nil
	}
	if _, err := time.Parse("2006-01-02", runDate); err != nil {
		return "", eris.Errorf("invalid --run-date %q, want YYYY-MM-DD", runDate)
	}
	return runDate, nil
}

// resolveRunID generates a run ID when none was given.
func resolveRunID(runID string) string {
	if runID == "" {
		return uuid.NewString()
	}
	return runID
}
