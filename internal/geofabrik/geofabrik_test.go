package geofabrik

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	shp "github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crown-postcodes/harvest-cli/internal/config"
	"github.com/crown-postcodes/harvest-cli/internal/model"
)

func baseOptions(cfg config.GeofabrikConfig) HarvestOptions {
	return HarvestOptions{
		Territory:   "JE",
		RunID:       "run-4",
		ExtractDate: "2026-08-30",
		Config:      cfg,
		Fields: config.FieldCandidates{
			PostcodeCandidates: []string{"postal_code"},
		},
	}
}

const elementsJSON = `{
  "elements": [
    {"type": "node", "id": 11, "lat": 49.19, "lon": -2.11,
     "tags": {"addr:postcode": "JE1 1AA"}},
    {"type": "way", "id": 22, "center": {"lat": 49.21, "lon": -2.09},
     "tags": {"addr:postcode": "JE2 2BB"}},
    {"type": "node", "id": 33, "lat": 49.20, "lon": -2.10, "tags": {}}
  ]
}`

func TestHarvestJSONElements(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jersey.json")
	require.NoError(t, os.WriteFile(path, []byte(elementsJSON), 0o644))

	res, err := NewHarvester().Harvest(context.Background(), baseOptions(config.GeofabrikConfig{
		Enabled:   true,
		InputPath: path,
	}))
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Empty(t, res.Warnings)

	first := res.Records[0]
	assert.Equal(t, "osm_geofabrik", first.SourceName)
	assert.Equal(t, model.ClassOSM, first.SourceClass)
	assert.Equal(t, "node/11", first.SourceRecordID)
	assert.Equal(t, "JE1 1AA", first.RawPostcode)
	require.NotNil(t, first.RawLat)
	assert.InDelta(t, 49.19, *first.RawLat, 1e-9)

	// Way coordinates come from its center.
	second := res.Records[1]
	require.NotNil(t, second.RawLat)
	assert.InDelta(t, 49.21, *second.RawLat, 1e-9)
}

func TestHarvestBareElementArrayWithFlatTags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flat.json")
	flat := `[{"type": "node", "id": 5, "lat": 49.18, "lon": -2.12, "postal_code": "JE3 3CC"}]`
	require.NoError(t, os.WriteFile(path, []byte(flat), 0o644))

	res, err := NewHarvester().Harvest(context.Background(), baseOptions(config.GeofabrikConfig{
		Enabled:   true,
		InputPath: path,
	}))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "JE3 3CC", res.Records[0].RawPostcode)
}

func TestHarvestGeoJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jersey.geojson")
	fc := `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "id": "f1",
     "geometry": {"type": "Point", "coordinates": [-2.10, 49.20]},
     "properties": {"addr:postcode": "JE2 3AB"}},
    {"type": "Feature", "id": "f2",
     "geometry": {"type": "Point", "coordinates": [-2.20, 49.25]},
     "properties": {"name": "no postcode here"}}
  ]
}`
	require.NoError(t, os.WriteFile(path, []byte(fc), 0o644))

	res, err := NewHarvester().Harvest(context.Background(), baseOptions(config.GeofabrikConfig{
		Enabled:   true,
		InputPath: path,
	}))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)

	rec := res.Records[0]
	assert.Equal(t, "f1", rec.SourceRecordID)
	assert.Equal(t, "JE2 3AB", rec.RawPostcode)
	require.NotNil(t, rec.RawLat)
	assert.InDelta(t, 49.20, *rec.RawLat, 1e-9)
	require.NotNil(t, rec.RawLon)
	assert.InDelta(t, -2.10, *rec.RawLon, 1e-9)
}

func TestHarvestShapefile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jersey.shp")

	writer, err := shp.Create(path, shp.POINT)
	require.NoError(t, err)
	require.NoError(t, writer.SetFields([]shp.Field{shp.StringField("POSTCODE", 10)}))
	writer.Write(&shp.Point{X: -2.11, Y: 49.19})
	require.NoError(t, writer.WriteAttribute(0, 0, "JE1 1AA"))
	writer.Write(&shp.Point{X: -2.12, Y: 49.18})
	require.NoError(t, writer.WriteAttribute(1, 0, ""))
	writer.Close()

	// go-shp's writer names the attribute file without the dot separator;
	// its reader expects one.
	require.NoError(t, os.Rename(filepath.Join(dir, "jerseydbf"), filepath.Join(dir, "jersey.dbf")))

	res, err := NewHarvester().Harvest(context.Background(), baseOptions(config.GeofabrikConfig{
		Enabled:   true,
		InputPath: path,
	}))
	require.NoError(t, err)
	require.Len(t, res.Records, 1, "blank postcode rows are skipped")

	rec := res.Records[0]
	assert.Equal(t, "JE1 1AA", rec.RawPostcode)
	require.NotNil(t, rec.RawLat)
	assert.InDelta(t, 49.19, *rec.RawLat, 1e-9)
	require.NotNil(t, rec.RawLon)
	assert.InDelta(t, -2.11, *rec.RawLon, 1e-9)
}

func TestHarvestMissingInputIsWarning(t *testing.T) {
	res, err := NewHarvester().Harvest(context.Background(), baseOptions(config.GeofabrikConfig{
		Enabled:   true,
		InputPath: "/nonexistent/jersey.json",
	}))
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "input extract missing")
}

func TestHarvestDownloadsWhenInputAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(elementsJSON))
	}))
	defer srv.Close()

	opts := baseOptions(config.GeofabrikConfig{
		Enabled:     true,
		DownloadURL: srv.URL + "/jersey-latest.json",
	})
	opts.CacheDir = t.TempDir()

	res, err := NewHarvester().Harvest(context.Background(), opts)
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)

	// The extract is cached for the next run.
	_, statErr := os.Stat(filepath.Join(opts.CacheDir, "jersey-latest.json"))
	assert.NoError(t, statErr)
}

func TestHarvestDownloadFailureIsWarning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	opts := baseOptions(config.GeofabrikConfig{
		Enabled:     true,
		DownloadURL: srv.URL + "/jersey-latest.json",
	})
	opts.CacheDir = t.TempDir()

	res, err := NewHarvester().Harvest(context.Background(), opts)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "download failed")
}

func TestHarvestPBFWithoutConverterIsWarning(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jersey.pbf")
	require.NoError(t, os.WriteFile(path, []byte{0x0a, 0x09}, 0o644))

	res, err := NewHarvester().Harvest(context.Background(), baseOptions(config.GeofabrikConfig{
		Enabled:   true,
		InputPath: path,
	}))
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "convert_command")
}

func TestHarvestPBFUsesConverter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jersey.pbf")
	require.NoError(t, os.WriteFile(path, []byte{0x0a, 0x09}, 0o644))

	h := NewHarvester()
	var gotCommand, gotInput string
	h.convert = func(ctx context.Context, command, inputPath string) ([]byte, error) {
		gotCommand, gotInput = command, inputPath
		return []byte(elementsJSON), nil
	}

	res, err := h.Harvest(context.Background(), baseOptions(config.GeofabrikConfig{
		Enabled:        true,
		InputPath:      path,
		ConvertCommand: "osmium export -f json",
	}))
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, "osmium export -f json", gotCommand)
	assert.Equal(t, path, gotInput)
}

func TestHarvestPBFConverterEmitsFeatureCollection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jersey.pbf")
	require.NoError(t, os.WriteFile(path, []byte{0x0a, 0x09}, 0o644))

	h := NewHarvester()
	h.convert = func(ctx context.Context, command, inputPath string) ([]byte, error) {
		return []byte(`{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "id": "f1",
     "geometry": {"type": "Point", "coordinates": [-2.10, 49.20]},
     "properties": {"addr:postcode": "JE2 3AB"}}
  ]
}`), nil
	}

	res, err := h.Harvest(context.Background(), baseOptions(config.GeofabrikConfig{
		Enabled:        true,
		InputPath:      path,
		ConvertCommand: "osmium export -f geojson",
	}))
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	require.Len(t, res.Records, 1)

	rec := res.Records[0]
	assert.Equal(t, "JE2 3AB", rec.RawPostcode)
	require.NotNil(t, rec.RawLat)
	assert.InDelta(t, 49.20, *rec.RawLat, 1e-9)
}

func TestHarvestPBFEmptyConverterOutputIsWarning(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jersey.pbf")
	require.NoError(t, os.WriteFile(path, []byte{0x0a, 0x09}, 0o644))

	h := NewHarvester()
	h.convert = func(ctx context.Context, command, inputPath string) ([]byte, error) {
		return []byte(`{"elements": []}`), nil
	}

	res, err := h.Harvest(context.Background(), baseOptions(config.GeofabrikConfig{
		Enabled:        true,
		InputPath:      path,
		ConvertCommand: "osmium export -f json",
	}))
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "no postcode records")
}

func TestHarvestRejectsUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jersey.xml")
	require.NoError(t, os.WriteFile(path, []byte("<osm/>"), 0o644))

	_, err := NewHarvester().Harvest(context.Background(), baseOptions(config.GeofabrikConfig{
		Enabled:   true,
		InputPath: path,
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported extract format")
}
