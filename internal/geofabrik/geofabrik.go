// Package geofabrik harvests postcode-tagged features from offline OSM
// extracts: JSON element lists, GeoJSON feature collections, and point
// shapefiles, with download support for both HTTP and FTP mirrors. Binary
// .pbf extracts are handed to an external converter command that emits
// either a JSON element list or a GeoJSON feature collection.
package geofabrik

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	shp "github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/crown-postcodes/harvest-cli/internal/config"
	"github.com/crown-postcodes/harvest-cli/internal/coords"
	"github.com/crown-postcodes/harvest-cli/internal/fetcher"
	"github.com/crown-postcodes/harvest-cli/internal/model"
)

const (
	defaultSourceName = "osm_geofabrik"
	postcodeTag       = "addr:postcode"
	downloadTimeout   = 10 * time.Minute
)

// Harvester parses offline extracts for one territory.
type Harvester struct {
	http *http.Client
	ftp  *fetcher.FTPFetcher
	// convert runs the external .pbf converter; swapped in tests.
	convert func(ctx context.Context, command, inputPath string) ([]byte, error)
}

func NewHarvester() *Harvester {
	return &Harvester{
		http:    &http.Client{Timeout: downloadTimeout},
		ftp:     fetcher.NewFTPFetcher(downloadTimeout),
		convert: runConverter,
	}
}

// HarvestOptions identify the run and carry the extract settings.
type HarvestOptions struct {
	Territory   string
	RunID       string
	ExtractDate string
	Config      config.GeofabrikConfig
	Fields      config.FieldCandidates
	// CacheDir receives downloaded extracts.
	CacheDir string
}

// Result carries harvested records plus non-fatal warnings. A missing input
// extract is a warning, never an error.
type Result struct {
	Records  []model.RawRecord
	Warnings []string
}

// Harvest locates the extract (local path or download), dispatches on its
// format, and converts features into raw records.
func (h *Harvester) Harvest(ctx context.Context, opts HarvestOptions) (*Result, error) {
	res := &Result{}

	path, err := h.locateInput(ctx, opts, res)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return res, nil
	}

	var records []model.RawRecord
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		records, err = h.parseJSONFile(path, opts)
	case ".geojson":
		records, err = h.parseGeoJSONFile(path, opts)
	case ".shp":
		records, err = h.parseShapefile(path, opts)
	case ".pbf":
		records, err = h.parsePBF(ctx, path, opts, res)
	default:
		return nil, eris.Errorf("geofabrik: unsupported extract format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	res.Records = records
	zap.L().Info("geofabrik: harvested",
		zap.String("territory", opts.Territory),
		zap.String("input", path),
		zap.Int("records", len(records)),
	)
	return res, nil
}

// locateInput returns the extract path, downloading it when configured. An
// empty return with no error means there is nothing to parse this run.
func (h *Harvester) locateInput(ctx context.Context, opts HarvestOptions, res *Result) (string, error) {
	path := opts.Config.InputPath
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if opts.Config.DownloadURL == "" {
		warning := fmt.Sprintf("input extract missing: %s", path)
		res.Warnings = append(res.Warnings, warning)
		zap.L().Warn("geofabrik: "+warning, zap.String("territory", opts.Territory))
		return "", nil
	}

	dest := path
	if dest == "" {
		dest = filepath.Join(opts.CacheDir, filepath.Base(opts.Config.DownloadURL))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", eris.Wrap(err, "geofabrik: create cache dir")
	}

	if err := h.download(ctx, opts.Config.DownloadURL, dest); err != nil {
		warning := fmt.Sprintf("extract download failed: %v", err)
		res.Warnings = append(res.Warnings, warning)
		zap.L().Warn("geofabrik: extract download failed",
			zap.String("territory", opts.Territory),
			zap.String("url", opts.Config.DownloadURL),
			zap.Error(err),
		)
		return "", nil
	}
	return dest, nil
}

func (h *Harvester) download(ctx context.Context, rawURL, dest string) error {
	if strings.HasPrefix(rawURL, "ftp://") {
		_, err := h.ftp.DownloadToFile(ctx, rawURL, dest)
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return eris.Wrap(err, "geofabrik: build request")
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "geofabrik: download")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("geofabrik: download returned status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return eris.Wrap(err, "geofabrik: create file")
	}
	defer f.Close() //nolint:errcheck

	if _, err := io.Copy(f, resp.Body); err != nil {
		return eris.Wrap(err, "geofabrik: write file")
	}
	return nil
}

// jsonPayload tolerates both a bare element array and an object wrapping
// one under "elements".
type jsonPayload struct {
	Elements []map[string]any `json:"elements"`
}

func (h *Harvester) parseJSONFile(path string, opts HarvestOptions) ([]model.RawRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geofabrik: read %s", path)
	}
	return h.parseJSON(data, opts)
}

func (h *Harvester) parseJSON(data []byte, opts HarvestOptions) ([]model.RawRecord, error) {
	var elements []map[string]any
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &elements); err != nil {
			return nil, eris.Wrap(err, "geofabrik: parse element array")
		}
	} else {
		var payload jsonPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, eris.Wrap(err, "geofabrik: parse element payload")
		}
		elements = payload.Elements
	}

	var records []model.RawRecord
	for _, el := range elements {
		rec, ok := h.elementRecord(el, opts)
		if ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

// elementRecord extracts one record from an element. Tags may live under a
// "tags" map or flat on the element itself.
func (h *Harvester) elementRecord(el map[string]any, opts HarvestOptions) (model.RawRecord, bool) {
	tags := el
	if nested, ok := el["tags"].(map[string]any); ok {
		tags = nested
	}

	postcode := pickMapString(tags, append(opts.Fields.PostcodeCandidates, postcodeTag))
	if postcode == "" {
		return model.RawRecord{}, false
	}

	rec := h.newRecord(opts)
	rec.RawPostcode = postcode
	rec.SourceRecordID = elementID(el)

	if lat, ok := mapFloat(el, "lat"); ok {
		if lon, ok := mapFloat(el, "lon"); ok {
			rec.RawLat, rec.RawLon = &lat, &lon
		}
	}
	if rec.RawLat == nil {
		if center, ok := el["center"].(map[string]any); ok {
			if lat, ok := mapFloat(center, "lat"); ok {
				if lon, ok := mapFloat(center, "lon"); ok {
					rec.RawLat, rec.RawLon = &lat, &lon
				}
			}
		}
	}
	return rec, true
}

func (h *Harvester) parseGeoJSONFile(path string, opts HarvestOptions) ([]model.RawRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geofabrik: read %s", path)
	}
	return h.parseGeoJSON(data, opts)
}

func (h *Harvester) parseGeoJSON(data []byte, opts HarvestOptions) ([]model.RawRecord, error) {
	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, eris.Wrap(err, "geofabrik: parse feature collection")
	}

	var records []model.RawRecord
	for _, feat := range fc.Features {
		postcode := pickMapString(feat.Properties, append(opts.Fields.PostcodeCandidates, postcodeTag))
		if postcode == "" {
			continue
		}

		rec := h.newRecord(opts)
		rec.RawPostcode = postcode
		rec.SourceRecordID = feat.ID
		if lat, lon, ok := geometryPoint(feat.Geometry); ok {
			rec.RawLat, rec.RawLon = &lat, &lon
		}
		records = append(records, rec)
	}
	return records, nil
}

// geometryPoint reduces a geometry to one representative WGS84 point: the
// point itself, or the bounds center for anything bigger.
func geometryPoint(g geom.T) (lat, lon float64, ok bool) {
	if g == nil || g.Empty() {
		return 0, 0, false
	}
	if pt, isPoint := g.(*geom.Point); isPoint {
		c := pt.Coords()
		return c.Y(), c.X(), true
	}
	b := g.Bounds()
	return (b.Min(1) + b.Max(1)) / 2, (b.Min(0) + b.Max(0)) / 2, true
}

func (h *Harvester) parseShapefile(path string, opts HarvestOptions) ([]model.RawRecord, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geofabrik: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	fieldIdx := make(map[string]int, len(fields))
	for i, f := range fields {
		name := strings.TrimRight(f.String(), "\x00")
		fieldIdx[strings.ToLower(name)] = i
	}

	candidates := append(opts.Fields.PostcodeCandidates, "postcode")

	var records []model.RawRecord
	for reader.Next() {
		n, shape := reader.Shape()

		var postcode string
		for _, cand := range candidates {
			idx, ok := fieldIdx[strings.ToLower(cand)]
			if !ok {
				continue
			}
			val := strings.TrimSpace(strings.TrimRight(reader.Attribute(idx), "\x00"))
			if val != "" {
				postcode = val
				break
			}
		}
		if postcode == "" {
			continue
		}

		rec := h.newRecord(opts)
		rec.RawPostcode = postcode
		rec.SourceRecordID = strconv.Itoa(n)
		if pt, ok := shape.(*shp.Point); ok {
			lat, lon := pt.Y, pt.X
			rec.RawLat, rec.RawLon = &lat, &lon
		}
		records = append(records, rec)
	}
	return records, nil
}

// parsePBF delegates binary extracts to the configured converter command.
// A missing command is a warning: the extract is simply not usable yet.
// Converters emit either a JSON element list (osmium export -f json) or a
// GeoJSON feature collection (osmium export -f geojson); both are accepted.
func (h *Harvester) parsePBF(ctx context.Context, path string, opts HarvestOptions, res *Result) ([]model.RawRecord, error) {
	if opts.Config.ConvertCommand == "" {
		warning := "binary extract present but no convert_command configured"
		res.Warnings = append(res.Warnings, warning)
		zap.L().Warn("geofabrik: "+warning, zap.String("input", path))
		return nil, nil
	}

	out, err := h.convert(ctx, opts.Config.ConvertCommand, path)
	if err != nil {
		return nil, eris.Wrapf(err, "geofabrik: convert %s", path)
	}

	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(out, &head)

	var records []model.RawRecord
	if head.Type == "FeatureCollection" {
		records, err = h.parseGeoJSON(out, opts)
	} else {
		records, err = h.parseJSON(out, opts)
	}
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		warning := "converter output contained no postcode records"
		res.Warnings = append(res.Warnings, warning)
		zap.L().Warn("geofabrik: "+warning,
			zap.String("input", path),
			zap.String("command", opts.Config.ConvertCommand),
		)
	}
	return records, nil
}

func (h *Harvester) newRecord(opts HarvestOptions) model.RawRecord {
	sourceName := opts.Config.SourceName
	if sourceName == "" {
		sourceName = defaultSourceName
	}
	wkid := coords.EPSGWGS84
	return model.RawRecord{
		Territory:   opts.Territory,
		SourceName:  sourceName,
		SourceClass: model.ClassOSM,
		SourceWKID:  &wkid,
		ExtractDate: opts.ExtractDate,
		RunID:       opts.RunID,
	}
}

func elementID(el map[string]any) string {
	typ, _ := el["type"].(string)
	id, ok := mapFloat(el, "id")
	if !ok {
		return ""
	}
	idStr := strconv.FormatInt(int64(id), 10)
	if typ == "" {
		return idStr
	}
	return typ + "/" + idStr
}

func pickMapString(m map[string]any, candidates []string) string {
	for _, name := range candidates {
		if v, ok := m[name]; ok {
			if s, ok := v.(string); ok {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					return trimmed
				}
			}
		}
	}
	return ""
}

func mapFloat(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// runConverter executes the configured converter with the extract path
// appended as its final argument and returns its stdout.
func runConverter(ctx context.Context, command, inputPath string) ([]byte, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, eris.New("geofabrik: empty convert command")
	}
	args := append(parts[1:], inputPath)
	cmd := exec.CommandContext(ctx, parts[0], args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, eris.Wrapf(err, "geofabrik: converter failed for %s: %s", inputPath, stderr.String())
	}
	return stdout.Bytes(), nil
}
