package arcgis

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crown-postcodes/harvest-cli/internal/config"
	"github.com/crown-postcodes/harvest-cli/internal/fetcher"
	"github.com/crown-postcodes/harvest-cli/internal/model"
	"github.com/crown-postcodes/harvest-cli/internal/resilience"
)

const defaultBatchSize = 100

// Harvester pulls postcode features from configured feature-service layers.
type Harvester struct {
	client   *fetcher.Client
	resolver *HostResolver
}

// NewHarvester builds a harvester sharing the run's client and host cache.
func NewHarvester(client *fetcher.Client, resolver *HostResolver) *Harvester {
	return &Harvester{client: client, resolver: resolver}
}

// HarvestOptions identify the run a harvest belongs to.
type HarvestOptions struct {
	Territory   string
	RunID       string
	ExtractDate string
	Services    []config.ArcGISService
	Fields      config.FieldCandidates
}

// Result is the outcome of harvesting one territory's service list. A
// failed service is recorded, not fatal, unless every service failed.
type Result struct {
	Records        []model.RawRecord
	FailedServices []string
}

// Harvest queries every configured service. Individual service failures are
// tolerated; the harvest errors only when all services failed.
func (h *Harvester) Harvest(ctx context.Context, opts HarvestOptions) (*Result, error) {
	res := &Result{}
	for _, svc := range opts.Services {
		records, err := h.harvestService(ctx, svc, opts)
		if err != nil {
			zap.L().Warn("arcgis: service harvest failed",
				zap.String("territory", opts.Territory),
				zap.String("service", svc.Name),
				zap.Error(err),
			)
			res.FailedServices = append(res.FailedServices, svc.Name)
			continue
		}
		res.Records = append(res.Records, records...)
	}

	if len(opts.Services) > 0 && len(res.FailedServices) == len(opts.Services) {
		return res, eris.Errorf("arcgis: all %d services failed for %s", len(opts.Services), opts.Territory)
	}
	return res, nil
}

// idsResponse is the returnIdsOnly listing for a layer.
type idsResponse struct {
	Error             *apiError `json:"error"`
	ObjectIDFieldName string    `json:"objectIdFieldName"`
	ObjectIDs         []int64   `json:"objectIds"`
}

type featuresResponse struct {
	Error    *apiError `json:"error"`
	Features []feature `json:"features"`
}

type feature struct {
	Attributes map[string]any   `json:"attributes"`
	Geometry   *featureGeometry `json:"geometry"`
}

type featureGeometry struct {
	X                *float64          `json:"x"`
	Y                *float64          `json:"y"`
	SpatialReference *spatialReference `json:"spatialReference"`
}

type spatialReference struct {
	WKID       int `json:"wkid"`
	LatestWKID int `json:"latestWkid"`
}

func (g *featureGeometry) wkid() *int {
	if g == nil || g.SpatialReference == nil {
		return nil
	}
	code := g.SpatialReference.WKID
	if code == 0 {
		code = g.SpatialReference.LatestWKID
	}
	if code == 0 {
		return nil
	}
	return &code
}

func (h *Harvester) harvestService(ctx context.Context, svc config.ArcGISService, opts HarvestOptions) ([]model.RawRecord, error) {
	resolved := h.resolver.Resolve(ctx, svc.URL)
	queryURL := strings.TrimRight(resolved.ResolvedURL, "/") + "/query"

	where := svc.Where
	if where == "" {
		where = "1=1"
	}

	ids, err := fetcher.GetJSON[idsResponse](ctx, h.client, fetcher.FamilyArcGIS, queryURL, fetcher.RequestOptions{
		Params: url.Values{
			"where":         {where},
			"returnIdsOnly": {"true"},
			"f":             {"json"},
		},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "arcgis: %s: list object ids", svc.Name)
	}
	if ids.Error != nil {
		return nil, resilience.NewProviderError(
			eris.Errorf("arcgis: %s: id listing rejected: %s", svc.Name, ids.Error.Message), ids.Error.Code)
	}
	if len(ids.ObjectIDs) == 0 {
		zap.L().Info("arcgis: service returned no object ids",
			zap.String("territory", opts.Territory),
			zap.String("service", svc.Name),
		)
		return nil, nil
	}

	batchSize := svc.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	outSR := svc.OutSR
	var records []model.RawRecord
	for start := 0; start < len(ids.ObjectIDs); start += batchSize {
		end := start + batchSize
		if end > len(ids.ObjectIDs) {
			end = len(ids.ObjectIDs)
		}
		batch := ids.ObjectIDs[start:end]

		resp, usedOutSR, err := h.queryBatch(ctx, queryURL, batch, outSR)
		if err != nil {
			return nil, eris.Wrapf(err, "arcgis: %s: batch %d-%d", svc.Name, start, end)
		}
		// A rejected outSR downgrades the whole remainder of the service,
		// not just the batch that tripped it.
		if usedOutSR == 0 {
			outSR = 0
		}

		for _, feat := range resp.Features {
			rec := h.extract(feat, svc, ids.ObjectIDFieldName, opts)
			records = append(records, rec)
		}
	}

	zap.L().Info("arcgis: service harvested",
		zap.String("territory", opts.Territory),
		zap.String("service", svc.Name),
		zap.Int("object_ids", len(ids.ObjectIDs)),
		zap.Int("records", len(records)),
	)
	return records, nil
}

// queryBatch fetches one object-id batch. When the provider rejects the
// requested outSR with an error payload, the batch is retried once without
// it; the caller then drops outSR for the rest of the service.
func (h *Harvester) queryBatch(ctx context.Context, queryURL string, batch []int64, outSR int) (*featuresResponse, int, error) {
	resp, err := h.postQuery(ctx, queryURL, batch, outSR)
	if err != nil {
		return nil, outSR, err
	}
	if resp.Error != nil && outSR != 0 {
		zap.L().Debug("arcgis: outSR rejected, retrying without",
			zap.String("url", queryURL),
			zap.Int("out_sr", outSR),
			zap.String("message", resp.Error.Message),
		)
		resp, err = h.postQuery(ctx, queryURL, batch, 0)
		if err != nil {
			return nil, 0, err
		}
		outSR = 0
	}
	if resp.Error != nil {
		return nil, outSR, resilience.NewProviderError(
			eris.Errorf("arcgis: query rejected: %s", resp.Error.Message), resp.Error.Code)
	}
	return resp, outSR, nil
}

func (h *Harvester) postQuery(ctx context.Context, queryURL string, batch []int64, outSR int) (*featuresResponse, error) {
	form := url.Values{
		"objectIds":      {joinIDs(batch)},
		"outFields":      {"*"},
		"returnGeometry": {"true"},
		"f":              {"json"},
	}
	if outSR != 0 {
		form.Set("outSR", strconv.Itoa(outSR))
	}
	return fetcher.PostFormJSON[featuresResponse](ctx, h.client, fetcher.FamilyArcGIS, queryURL, fetcher.RequestOptions{
		Form: form,
	})
}

func (h *Harvester) extract(feat feature, svc config.ArcGISService, idField string, opts HarvestOptions) model.RawRecord {
	rec := model.RawRecord{
		Territory:   opts.Territory,
		SourceName:  svc.Name,
		SourceClass: svc.Class(),
		ExtractDate: opts.ExtractDate,
		RunID:       opts.RunID,
	}

	if idField != "" {
		if v, ok := feat.Attributes[idField]; ok {
			rec.SourceRecordID = attrString(v)
		}
	}
	rec.RawPostcode = pickAttrString(feat.Attributes, opts.Fields.PostcodeCandidates)

	if feat.Geometry != nil && feat.Geometry.X != nil && feat.Geometry.Y != nil {
		rec.RawLon = feat.Geometry.X
		rec.RawLat = feat.Geometry.Y
		rec.SourceWKID = feat.Geometry.wkid()
	} else {
		// Some layers carry coordinates as plain attributes instead of
		// geometry.
		rec.RawLat = pickAttrFloat(feat.Attributes, opts.Fields.LatCandidates)
		rec.RawLon = pickAttrFloat(feat.Attributes, opts.Fields.LonCandidates)
	}
	return rec
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// pickAttrString probes attribute names in candidate order, exact match
// first then case-insensitive, returning the first non-blank value.
func pickAttrString(attrs map[string]any, candidates []string) string {
	for _, name := range candidates {
		if v, ok := attrs[name]; ok {
			if s := attrString(v); s != "" {
				return s
			}
		}
	}
	for _, name := range candidates {
		for key, v := range attrs {
			if strings.EqualFold(key, name) {
				if s := attrString(v); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func pickAttrFloat(attrs map[string]any, candidates []string) *float64 {
	for _, name := range candidates {
		for key, v := range attrs {
			if key == name || strings.EqualFold(key, name) {
				if f, ok := attrFloat(v); ok {
					return &f
				}
			}
		}
	}
	return nil
}

func attrString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", t))
	}
}

var numericRe = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

func attrFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		if !numericRe.MatchString(s) {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
