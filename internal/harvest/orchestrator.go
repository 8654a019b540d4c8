// Package harvest coordinates the per-territory source adapters. Adapters
// run concurrently and fail soft: one provider outage never blocks the
// others, and the stage only fails when every enabled source failed.
package harvest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crown-postcodes/harvest-cli/internal/arcgis"
	"github.com/crown-postcodes/harvest-cli/internal/config"
	"github.com/crown-postcodes/harvest-cli/internal/fetcher"
	"github.com/crown-postcodes/harvest-cli/internal/geofabrik"
	"github.com/crown-postcodes/harvest-cli/internal/model"
	"github.com/crown-postcodes/harvest-cli/internal/overpass"
)

// Adapter family names as they appear in failed_sources.
const (
	SourceArcGIS    = "arcgis"
	SourceOverpass  = "overpass"
	SourceGeofabrik = "geofabrik"
)

// AllFailedError is the fatal outcome when every enabled source failed:
// there is nothing to merge.
type AllFailedError struct {
	Territory string
	Sources   []string
}

func (e *AllFailedError) Error() string {
	return fmt.Sprintf("harvest: all enabled sources failed for %s: %v", e.Territory, e.Sources)
}

// Outcome is one territory's harvest result. FailedSources lists adapters
// that errored; their absence from Records is expected, not fatal.
type Outcome struct {
	Records       []model.RawRecord
	BySource      map[string]int
	FailedSources []string
	Warnings      []string
}

// Orchestrator runs the enabled adapters for one territory.
type Orchestrator struct {
	arcgis    *arcgis.Harvester
	overpass  *overpass.Harvester
	geofabrik *geofabrik.Harvester
}

// NewOrchestrator wires the three adapters around one shared client so the
// per-host rate buckets apply across concurrent sources.
func NewOrchestrator(client *fetcher.Client, resolver *arcgis.HostResolver) *Orchestrator {
	return &Orchestrator{
		arcgis:    arcgis.NewHarvester(client, resolver),
		overpass:  overpass.NewHarvester(client),
		geofabrik: geofabrik.NewHarvester(),
	}
}

// Options identify the run.
type Options struct {
	Territory   string
	RunID       string
	ExtractDate string
	Config      config.TerritoryConfig
	// CacheDir receives downloaded offline extracts.
	CacheDir string
}

type adapterResult struct {
	records  []model.RawRecord
	warnings []string
}

// Run executes every enabled adapter concurrently. Disabled sources are
// never attempted and never counted as failures.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Outcome, error) {
	type adapter struct {
		name string
		run  func(context.Context) (adapterResult, error)
	}

	var adapters []adapter
	if opts.Config.ArcGIS.Enabled {
		adapters = append(adapters, adapter{SourceArcGIS, func(ctx context.Context) (adapterResult, error) {
			res, err := o.arcgis.Harvest(ctx, arcgis.HarvestOptions{
				Territory:   opts.Territory,
				RunID:       opts.RunID,
				ExtractDate: opts.ExtractDate,
				Services:    opts.Config.ArcGIS.Services,
				Fields:      opts.Config.Fields,
			})
			if err != nil {
				return adapterResult{}, err
			}
			var warnings []string
			for _, svc := range res.FailedServices {
				warnings = append(warnings, "arcgis service failed: "+svc)
			}
			return adapterResult{records: res.Records, warnings: warnings}, nil
		}})
	}
	if opts.Config.Overpass.Enabled {
		adapters = append(adapters, adapter{SourceOverpass, func(ctx context.Context) (adapterResult, error) {
			records, err := o.overpass.Harvest(ctx, overpass.HarvestOptions{
				Territory:   opts.Territory,
				RunID:       opts.RunID,
				ExtractDate: opts.ExtractDate,
				Config:      opts.Config.Overpass,
				BBox:        opts.Config.Validation.BBoxWGS84,
				Fields:      opts.Config.Fields,
			})
			return adapterResult{records: records}, err
		}})
	}
	if opts.Config.Geofabrik.Enabled {
		adapters = append(adapters, adapter{SourceGeofabrik, func(ctx context.Context) (adapterResult, error) {
			res, err := o.geofabrik.Harvest(ctx, geofabrik.HarvestOptions{
				Territory:   opts.Territory,
				RunID:       opts.RunID,
				ExtractDate: opts.ExtractDate,
				Config:      opts.Config.Geofabrik,
				Fields:      opts.Config.Fields,
				CacheDir:    opts.CacheDir,
			})
			if err != nil {
				return adapterResult{}, err
			}
			return adapterResult{records: res.Records, warnings: res.Warnings}, nil
		}})
	}

	outcome := &Outcome{BySource: make(map[string]int)}
	if len(adapters) == 0 {
		zap.L().Warn("harvest: no sources enabled", zap.String("territory", opts.Territory))
		return outcome, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range adapters {
		a := a
		g.Go(func() error {
			res, err := o.runAdapter(gctx, a.name, opts.Territory, a.run)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				outcome.FailedSources = append(outcome.FailedSources, a.name)
				return nil
			}
			outcome.Records = append(outcome.Records, res.records...)
			outcome.Warnings = append(outcome.Warnings, res.warnings...)
			for _, rec := range res.records {
				outcome.BySource[rec.SourceName]++
			}
			return nil
		})
	}
	// Adapter errors are absorbed above; Wait only propagates ctx failure.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(outcome.FailedSources)
	if len(outcome.FailedSources) == len(adapters) {
		return outcome, &AllFailedError{Territory: opts.Territory, Sources: outcome.FailedSources}
	}

	zap.L().Info("harvest: territory complete",
		zap.String("territory", opts.Territory),
		zap.Int("records", len(outcome.Records)),
		zap.Strings("failed_sources", outcome.FailedSources),
	)
	return outcome, nil
}

// runAdapter isolates one adapter call, converting panics into failures so
// a provider surprise cannot take down sibling sources.
func (o *Orchestrator) runAdapter(ctx context.Context, name, territory string, run func(context.Context) (adapterResult, error)) (res adapterResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("harvest: %s adapter panicked: %v", name, r)
			zap.L().Error("harvest: adapter panic",
				zap.String("territory", territory),
				zap.String("source", name),
				zap.Any("panic", r),
			)
		}
	}()

	res, err = run(ctx)
	if err != nil {
		zap.L().Warn("harvest: source failed",
			zap.String("territory", territory),
			zap.String("source", name),
			zap.Error(err),
		)
	}
	return res, err
}
