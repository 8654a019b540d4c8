// Package pipeline sequences the per-territory stages: discover, harvest,
// merge, map-onspd, validate. Each stage persists its output so later stages
// can run standalone, and every execution is recorded in the run ledger.
package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crown-postcodes/harvest-cli/internal/arcgis"
	"github.com/crown-postcodes/harvest-cli/internal/config"
	"github.com/crown-postcodes/harvest-cli/internal/coords"
	"github.com/crown-postcodes/harvest-cli/internal/export"
	"github.com/crown-postcodes/harvest-cli/internal/fetcher"
	"github.com/crown-postcodes/harvest-cli/internal/harvest"
	"github.com/crown-postcodes/harvest-cli/internal/merge"
	"github.com/crown-postcodes/harvest-cli/internal/model"
	"github.com/crown-postcodes/harvest-cli/internal/report"
	"github.com/crown-postcodes/harvest-cli/internal/store"
	"github.com/crown-postcodes/harvest-cli/internal/temporal"
)

// Stage names as recorded in the run ledger.
const (
	StageDiscover = "discover"
	StageHarvest  = "harvest"
	StageMerge    = "merge"
	StageMapONSPD = "map_onspd"
	StageValidate = "validate"
)

// Runner executes pipeline stages for territories under one data directory.
type Runner struct {
	bundle   *config.Bundle
	store    store.Store
	client   *fetcher.Client
	resolver *arcgis.HostResolver
	orch     *harvest.Orchestrator
	dataDir  string
	strict   bool
}

// NewRunner wires a runner over one data directory.
func NewRunner(bundle *config.Bundle, st store.Store, client *fetcher.Client, dataDir string, strict bool) *Runner {
	resolver := arcgis.NewHostResolver(client)
	return &Runner{
		bundle:   bundle,
		store:    st,
		client:   client,
		resolver: resolver,
		orch:     harvest.NewOrchestrator(client, resolver),
		dataDir:  dataDir,
		strict:   strict,
	}
}

// territoryPaths are the on-disk locations of one territory's artifacts.
type territoryPaths struct {
	raw          string
	canonical    string
	onspd        string
	state        string
	intermediate string
	report       string
	discovery    string
}

func (r *Runner) paths(code string) territoryPaths {
	slug := config.TerritorySlug(code)
	cfg := r.bundle.Territories[code]
	return territoryPaths{
		raw:          filepath.Join(r.dataDir, "raw", slug+"_records.json"),
		canonical:    filepath.Join(r.dataDir, "out", cfg.Output.CanonicalFilename),
		onspd:        filepath.Join(r.dataDir, "out", cfg.Output.ONSPDFilename),
		state:        filepath.Join(r.dataDir, "state", slug+"_state.json"),
		intermediate: filepath.Join(r.dataDir, "reports", slug+"_intermediate.json"),
		report:       filepath.Join(r.dataDir, "reports", slug+"_report.json"),
		discovery:    filepath.Join(r.dataDir, "reports", slug+"_discovery.json"),
	}
}

// SummaryPath is where RunAll writes the aggregated run summary.
func (r *Runner) SummaryPath() string {
	return filepath.Join(r.dataDir, "reports", "run_summary.json")
}

// rawSnapshot persists one territory's harvest output between stages.
type rawSnapshot struct {
	Territory     string            `json:"territory"`
	RunID         string            `json:"run_id"`
	ExtractDate   string            `json:"extract_date"`
	Records       []model.RawRecord `json:"records"`
	BySource      map[string]int    `json:"by_source"`
	FailedSources []string          `json:"failed_sources"`
	Warnings      []string          `json:"warnings"`
}

// Discover enumerates the territory's configured map-service layers and
// writes the manifest. A territory without map services yields no manifest.
func (r *Runner) Discover(ctx context.Context, code string) ([]arcgis.ServiceManifest, error) {
	cfg, ok := r.bundle.Territories[code]
	if !ok {
		return nil, eris.Errorf("pipeline: unknown territory %s", code)
	}
	if !cfg.ArcGIS.Enabled {
		zap.L().Info("discover: no map services configured", zap.String("territory", code))
		return nil, nil
	}

	manifests := arcgis.Discover(ctx, r.client, r.resolver, cfg.ArcGIS.Services)
	if err := report.WriteJSON(r.paths(code).discovery, manifests); err != nil {
		return nil, err
	}
	return manifests, nil
}

// Harvest runs all enabled source adapters for one territory and snapshots
// the raw records for the merge stage.
func (r *Runner) Harvest(ctx context.Context, code, runID, runDate string) (*harvest.Outcome, error) {
	cfg, ok := r.bundle.Territories[code]
	if !ok {
		return nil, eris.Errorf("pipeline: unknown territory %s", code)
	}

	outcome, err := r.orch.Run(ctx, harvest.Options{
		Territory:   code,
		RunID:       runID,
		ExtractDate: runDate,
		Config:      cfg,
		CacheDir:    filepath.Join(r.dataDir, "cache"),
	})
	if err != nil {
		return outcome, err
	}

	snapshot := rawSnapshot{
		Territory:     code,
		RunID:         runID,
		ExtractDate:   runDate,
		Records:       outcome.Records,
		BySource:      outcome.BySource,
		FailedSources: outcome.FailedSources,
		Warnings:      outcome.Warnings,
	}
	if err := report.WriteJSON(r.paths(code).raw, snapshot); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// MergeOutput is what the merge stage hands to later stages and the archive.
type MergeOutput struct {
	Rows         []model.CanonicalRow
	Intermediate *report.Intermediate
	Disappeared  int
}

// Merge reconciles the harvested snapshot into canonical rows, applies
// first/last-seen tracking, and writes the canonical CSV.
func (r *Runner) Merge(code, runID, runDate string) (*MergeOutput, error) {
	cfg, ok := r.bundle.Territories[code]
	if !ok {
		return nil, eris.Errorf("pipeline: unknown territory %s", code)
	}
	p := r.paths(code)

	var snapshot rawSnapshot
	if err := report.ReadJSON(p.raw, &snapshot); err != nil {
		return nil, eris.Wrap(err, "pipeline: merge needs a harvest snapshot")
	}

	res := merge.Run(snapshot.Records, merge.Options{
		Territory:      code,
		SourcePriority: cfg.SourcePriority,
		Resolver: coords.ResolverConfig{
			BBox:             cfg.Validation.BBoxWGS84,
			DefaultEPSG:      cfg.CRS.DefaultEPSG,
			EPSGHintBySource: cfg.CRS.HintBySource,
			SourcePriority:   cfg.SourcePriority,
		},
		Profile:       r.bundle.Profiles[cfg.ScoringProfile],
		AdvisoryNotes: cfg.AdvisoryNotes,
	})

	// The tracker reads the previous canonical file before it is replaced.
	tracker := &temporal.Tracker{CanonicalPath: p.canonical, StatePath: p.state}
	stats, err := tracker.Apply(res.Rows, code, runDate)
	if err != nil {
		return nil, err
	}

	if err := export.WriteCanonicalCSV(p.canonical, res.Rows); err != nil {
		return nil, err
	}

	intermediate := &report.Intermediate{
		Territory:         code,
		RunID:             runID,
		RawRowCount:       res.RawRowCount,
		ValidPostcodes:    res.ValidPostcodes,
		InvalidPostcodes:  res.InvalidBySource,
		SourceClassCounts: classCounts(snapshot.Records),
	}
	if err := report.WriteJSON(p.intermediate, intermediate); err != nil {
		return nil, err
	}

	return &MergeOutput{Rows: res.Rows, Intermediate: intermediate, Disappeared: stats.DisappearedCount}, nil
}

// MapONSPD projects the canonical CSV through the external column contract.
func (r *Runner) MapONSPD(code string) (*export.ONSPDResult, error) {
	p := r.paths(code)
	return export.MapONSPD(p.canonical, p.onspd, code, r.bundle.Contract)
}

// Validate reads the written outputs back and builds the territory report.
// The report is persisted even when validation finds a contract violation.
func (r *Runner) Validate(code, runID, runDate string) (*report.TerritoryReport, error) {
	p := r.paths(code)

	var intermediate *report.Intermediate
	var loaded report.Intermediate
	if err := report.ReadJSON(p.intermediate, &loaded); err == nil {
		intermediate = &loaded
	}

	var warnings []string
	var snapshot rawSnapshot
	if err := report.ReadJSON(p.raw, &snapshot); err == nil {
		warnings = append(warnings, snapshot.Warnings...)
		for _, source := range snapshot.FailedSources {
			warnings = append(warnings, "source failed: "+source)
		}
	}

	rpt, validateErr := report.Validate(report.ValidateOptions{
		Territory:     code,
		RunID:         runID,
		RunDate:       runDate,
		CanonicalPath: p.canonical,
		ONSPDPath:     p.onspd,
		Contract:      r.bundle.Contract,
		Intermediate:  intermediate,
		Warnings:      warnings,
	})
	if rpt != nil {
		if err := report.WriteJSON(p.report, rpt); err != nil {
			return rpt, err
		}
	}
	return rpt, validateErr
}

// RunAll executes the full stage sequence for every territory, recording
// each stage in the run ledger. Territory failures do not stop the run;
// they surface as missing reports in the summary.
func (r *Runner) RunAll(ctx context.Context, territories []string, runDate string) (*report.Summary, error) {
	run, err := r.store.CreateRun(ctx, runDate, territories)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("run_date", runDate))
	log.Info("pipeline: starting run", zap.Strings("territories", territories))

	reports := make(map[string]*report.TerritoryReport, len(territories))
	rowsByTerritory := make(map[string][]model.CanonicalRow, len(territories))

	for _, code := range territories {
		rpt, rows, terrErr := r.runTerritory(ctx, run.ID, code, runDate)
		if rpt != nil {
			reports[code] = rpt
		}
		if rows != nil {
			rowsByTerritory[code] = rows
		}
		if terrErr != nil {
			log.Error("pipeline: territory failed", zap.String("territory", code), zap.Error(terrErr))
		}
	}

	summary := report.Summarize(run.ID, runDate, territories, reports)
	if r.strict && summary.Status == report.StatusPartial {
		log.Warn("pipeline: strict mode treats this partial run as a failure",
			zap.Int("warnings", summary.WarningCount))
	}
	if err := report.WriteJSON(r.SummaryPath(), summary); err != nil {
		return summary, err
	}

	r.archiveCanonical(ctx, run.ID, rowsByTerritory)

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return summary, eris.Wrap(err, "pipeline: marshal summary")
	}
	if err := r.store.CompleteRun(ctx, run.ID, runStatus(summary.Status), summaryJSON); err != nil {
		log.Warn("pipeline: failed to record run completion", zap.Error(err))
	}

	log.Info("pipeline: run finished",
		zap.String("status", summary.Status),
		zap.Int("warnings", summary.WarningCount),
		zap.Int("errors", summary.ErrorCount),
	)
	return summary, nil
}

// runTerritory executes the stage sequence for one territory. The first
// failing stage stops the territory; later territories still run.
func (r *Runner) runTerritory(ctx context.Context, runID, code, runDate string) (*report.TerritoryReport, []model.CanonicalRow, error) {
	err := r.trackStage(ctx, runID, code, StageDiscover, func() (map[string]any, error) {
		manifests, err := r.Discover(ctx, code)
		return map[string]any{"services": len(manifests)}, err
	})
	if err != nil {
		// Discovery is advisory; harvesting proceeds on the configured URLs.
		zap.L().Warn("pipeline: discovery failed", zap.String("territory", code), zap.Error(err))
	}

	err = r.trackStage(ctx, runID, code, StageHarvest, func() (map[string]any, error) {
		outcome, err := r.Harvest(ctx, code, runID, runDate)
		detail := map[string]any{}
		if outcome != nil {
			detail["raw_records"] = len(outcome.Records)
			detail["failed_sources"] = outcome.FailedSources
			detail["warnings"] = len(outcome.Warnings)
		}
		return detail, err
	})
	if err != nil {
		return nil, nil, err
	}

	var merged *MergeOutput
	err = r.trackStage(ctx, runID, code, StageMerge, func() (map[string]any, error) {
		out, err := r.Merge(code, runID, runDate)
		if err != nil {
			return nil, err
		}
		merged = out
		return map[string]any{
			"unique_postcodes": len(out.Rows),
			"disappeared":      out.Disappeared,
		}, nil
	})
	if err != nil {
		return nil, nil, err
	}

	err = r.trackStage(ctx, runID, code, StageMapONSPD, func() (map[string]any, error) {
		result, err := r.MapONSPD(code)
		if err != nil {
			return nil, err
		}
		return map[string]any{"rows": result.Rows}, nil
	})
	if err != nil {
		return nil, merged.Rows, err
	}

	var rpt *report.TerritoryReport
	err = r.trackStage(ctx, runID, code, StageValidate, func() (map[string]any, error) {
		out, err := r.Validate(code, runID, runDate)
		rpt = out
		detail := map[string]any{}
		if out != nil {
			detail["warnings"] = len(out.Warnings)
			detail["errors"] = len(out.Errors)
		}
		return detail, err
	})
	return rpt, merged.Rows, err
}

// trackStage records one stage execution in the ledger around fn. Ledger
// write failures are logged, never fatal.
func (r *Runner) trackStage(ctx context.Context, runID, territory, name string, fn func() (map[string]any, error)) error {
	log := zap.L().With(zap.String("territory", territory), zap.String("stage", name))

	stage, stageErr := r.store.StartStage(ctx, runID, territory, name)
	if stageErr != nil {
		log.Warn("pipeline: failed to start stage record", zap.Error(stageErr))
	}

	start := time.Now()
	detail, fnErr := fn()
	duration := time.Since(start).Milliseconds()

	if detail == nil {
		detail = map[string]any{}
	}
	detail["duration_ms"] = duration

	status := model.StageStatusComplete
	if fnErr != nil {
		status = model.StageStatusFailed
		detail["error"] = fnErr.Error()
		log.Error("pipeline: stage failed", zap.Int64("duration_ms", duration), zap.Error(fnErr))
	} else {
		log.Info("pipeline: stage complete", zap.Int64("duration_ms", duration))
	}

	if stage != nil {
		detailJSON, err := json.Marshal(detail)
		if err != nil {
			detailJSON = nil
		}
		if err := r.store.CompleteStage(ctx, stage.ID, status, detailJSON); err != nil {
			log.Warn("pipeline: failed to complete stage record", zap.Error(err))
		}
	}
	return fnErr
}

// archiveCanonical mirrors each territory's canonical rows into postgres
// when that backend is active. The CSV on disk stays the source of truth.
func (r *Runner) archiveCanonical(ctx context.Context, runID string, rows map[string][]model.CanonicalRow) {
	pg, ok := r.store.(*store.PostgresStore)
	if !ok {
		return
	}
	for code, territoryRows := range rows {
		n, err := pg.ArchiveCanonical(ctx, runID, code, territoryRows)
		if err != nil {
			zap.L().Warn("pipeline: canonical archive failed",
				zap.String("territory", code), zap.Error(err))
			continue
		}
		zap.L().Debug("pipeline: canonical archived",
			zap.String("territory", code), zap.Int64("rows", n))
	}
}

func classCounts(records []model.RawRecord) map[string]int {
	counts := make(map[string]int)
	for _, rec := range records {
		counts[string(rec.SourceClass)]++
	}
	return counts
}

func runStatus(status string) model.RunStatus {
	switch status {
	case report.StatusSuccess:
		return model.RunStatusSuccess
	case report.StatusPartial:
		return model.RunStatusPartial
	default:
		return model.RunStatusError
	}
}

// ExitCode maps a run summary status to the process exit code. Strict mode
// promotes partial runs to hard failures.
func ExitCode(status string, strict bool) int {
	switch status {
	case report.StatusSuccess:
		return 0
	case report.StatusPartial:
		if strict {
			return 20
		}
		return 10
	}
	return 20
}
