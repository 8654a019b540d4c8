// Package overpass harvests postcode-tagged OSM elements from an Overpass
// API endpoint.
package overpass

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crown-postcodes/harvest-cli/internal/config"
	"github.com/crown-postcodes/harvest-cli/internal/coords"
	"github.com/crown-postcodes/harvest-cli/internal/fetcher"
	"github.com/crown-postcodes/harvest-cli/internal/model"
)

const (
	defaultTimeoutSeconds = 180
	defaultSourceName     = "osm_overpass"
	postcodeTag           = "addr:postcode"
)

// Overpass penalizes rapid-fire polling; pause after each heavy query.
var postQuerySleep = fetcher.SleepWindow{Min: 2 * time.Second, Max: 5 * time.Second}

// Harvester pulls addr:postcode elements for one territory.
type Harvester struct {
	client *fetcher.Client
}

func NewHarvester(client *fetcher.Client) *Harvester {
	return &Harvester{client: client}
}

// HarvestOptions identify the run and carry the territory's query settings.
type HarvestOptions struct {
	Territory   string
	RunID       string
	ExtractDate string
	Config      config.OverpassConfig
	BBox        coords.BBox
	Fields      config.FieldCandidates
}

type overpassResponse struct {
	Elements []element `json:"elements"`
}

type element struct {
	Type   string            `json:"type"`
	ID     int64             `json:"id"`
	Lat    *float64          `json:"lat"`
	Lon    *float64          `json:"lon"`
	Center *latLon           `json:"center"`
	Tags   map[string]string `json:"tags"`
}

type latLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Harvest runs one query and converts every returned element into a raw
// record. Elements without a postcode tag are skipped here; invalid
// postcodes are the merge stage's problem.
func (h *Harvester) Harvest(ctx context.Context, opts HarvestOptions) ([]model.RawRecord, error) {
	query, err := BuildQuery(opts.Config, opts.BBox)
	if err != nil {
		return nil, err
	}

	resp, err := fetcher.PostFormJSON[overpassResponse](ctx, h.client, fetcher.FamilyOverpass, opts.Config.Endpoint, fetcher.RequestOptions{
		Form:           map[string][]string{"data": {query}},
		PostHeavySleep: &postQuerySleep,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "overpass: query %s", opts.Territory)
	}

	sourceName := opts.Config.SourceName
	if sourceName == "" {
		sourceName = defaultSourceName
	}

	wkid := coords.EPSGWGS84
	records := make([]model.RawRecord, 0, len(resp.Elements))
	for _, el := range resp.Elements {
		postcode := pickTag(el.Tags, opts.Fields.PostcodeCandidates)
		if postcode == "" {
			continue
		}

		rec := model.RawRecord{
			Territory:      opts.Territory,
			SourceName:     sourceName,
			SourceClass:    model.ClassOSM,
			SourceRecordID: fmt.Sprintf("%s/%d", el.Type, el.ID),
			RawPostcode:    postcode,
			SourceWKID:     &wkid,
			ExtractDate:    opts.ExtractDate,
			RunID:          opts.RunID,
		}
		switch {
		case el.Lat != nil && el.Lon != nil:
			rec.RawLat, rec.RawLon = el.Lat, el.Lon
		case el.Center != nil:
			lat, lon := el.Center.Lat, el.Center.Lon
			rec.RawLat, rec.RawLon = &lat, &lon
		}
		records = append(records, rec)
	}

	zap.L().Info("overpass: harvested",
		zap.String("territory", opts.Territory),
		zap.Int("elements", len(resp.Elements)),
		zap.Int("records", len(records)),
	)
	return records, nil
}

// BuildQuery renders the Overpass QL statement for a territory. The area
// strategy scopes by ISO country code; the bbox strategy scopes by the
// territory's WGS84 bounding box.
func BuildQuery(cfg config.OverpassConfig, bbox coords.BBox) (string, error) {
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds
	}

	var scope string
	var prelude string
	switch cfg.AreaStrategy {
	case "area":
		if cfg.AreaISOCode == "" {
			return "", eris.New("overpass: area strategy requires area_iso_code")
		}
		prelude = fmt.Sprintf("area[\"ISO3166-1\"=%q][admin_level=2]->.t;", cfg.AreaISOCode)
		scope = "(area.t)"
	case "bbox":
		scope = fmt.Sprintf("(%g,%g,%g,%g)", bbox.MinLat, bbox.MinLon, bbox.MaxLat, bbox.MaxLon)
	default:
		return "", eris.Errorf("overpass: unknown area strategy %q", cfg.AreaStrategy)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[out:json][timeout:%d];", timeout)
	b.WriteString(prelude)
	b.WriteString("(")
	for _, kind := range []string{"node", "way", "relation"} {
		fmt.Fprintf(&b, "%s[%q]%s;", kind, postcodeTag, scope)
	}
	b.WriteString(");out center;")
	return b.String(), nil
}

// pickTag probes tag names in candidate order and always falls back to the
// standard addr:postcode tag.
func pickTag(tags map[string]string, candidates []string) string {
	for _, name := range candidates {
		if v := strings.TrimSpace(tags[name]); v != "" {
			return v
		}
	}
	return strings.TrimSpace(tags[postcodeTag])
}
