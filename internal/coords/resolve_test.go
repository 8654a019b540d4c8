package coords

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crown-postcodes/harvest-cli/internal/model"
)

func f(v float64) *float64 { return &v }
func i(v int) *int         { return &v }

var jerseyBBox = BBox{MinLat: 48.9, MaxLat: 49.5, MinLon: -2.6, MaxLon: -1.8}

func jerseyCfg() ResolverConfig {
	return ResolverConfig{
		BBox:        jerseyBBox,
		DefaultEPSG: EPSGWGS84,
		SourcePriority: []string{
			"gov_je_addresses", "osm_overpass", "osm_geofabrik",
		},
	}
}

func rec(name string, class model.SourceClass, id string, lat, lon float64) model.RawRecord {
	return model.RawRecord{
		Territory:      "JE",
		SourceName:     name,
		SourceClass:    class,
		SourceRecordID: id,
		RawLat:         f(lat),
		RawLon:         f(lon),
		SourceWKID:     i(EPSGWGS84),
	}
}

func TestResolve_AuthoritativeBeatsOSMRegardlessOfOrder(t *testing.T) {
	auth := rec("gov_je_addresses", model.ClassAuthoritative, "1", 49.20, -2.10)
	osm := rec("osm_overpass", model.ClassOSM, "2", 49.21, -2.11)

	for _, records := range [][]model.RawRecord{
		{auth, osm},
		{osm, auth},
	} {
		res := Resolve(records, jerseyCfg())
		require.True(t, res.HasCoordinates)
		assert.Equal(t, model.ClassAuthoritative, res.CoordinateSource)
		assert.Equal(t, 49.20, *res.Lat)
		assert.Equal(t, -2.10, *res.Lon)
	}
}

func TestResolve_TieBrokenByPriorityThenNameThenID(t *testing.T) {
	a := rec("osm_overpass", model.ClassOSM, "9", 49.20, -2.10)
	b := rec("osm_geofabrik", model.ClassOSM, "1", 49.30, -2.20)

	res := Resolve([]model.RawRecord{b, a}, jerseyCfg())
	require.True(t, res.HasCoordinates)
	// Same class; overpass has the lower configured priority rank.
	assert.Equal(t, 49.20, *res.Lat)

	// Identical class and name: record id decides.
	c := rec("osm_overpass", model.ClassOSM, "2", 49.25, -2.15)
	res = Resolve([]model.RawRecord{a, c}, jerseyCfg())
	assert.Equal(t, 49.25, *res.Lat, "lower record id wins")
}

func TestResolve_OutlierRejectedWithNote(t *testing.T) {
	outside := rec("osm_overpass", model.ClassOSM, "1", 51.5, -0.1) // London
	res := Resolve([]model.RawRecord{outside}, jerseyCfg())

	assert.False(t, res.HasCoordinates)
	assert.Nil(t, res.Lat)
	assert.Nil(t, res.Lon)
	assert.Contains(t, res.Notes, model.NoteCoordinateOutlier)
}

func TestResolve_UnknownCRSNote(t *testing.T) {
	r := rec("mystery_source", model.ClassOther, "1", 49.2, -2.1)
	r.SourceWKID = nil

	cfg := jerseyCfg()
	cfg.DefaultEPSG = 0
	res := Resolve([]model.RawRecord{r}, cfg)

	assert.False(t, res.HasCoordinates)
	assert.Contains(t, res.Notes, model.NoteCoordinateCRSUnknown)
}

func TestResolve_OutlierAndUnknownCRSNotesCombine(t *testing.T) {
	outlier := rec("osm_overpass", model.ClassOSM, "1", 51.5, -0.1)
	noCRS := rec("mystery_source", model.ClassOther, "2", 49.2, -2.1)
	noCRS.SourceWKID = nil

	cfg := jerseyCfg()
	cfg.DefaultEPSG = 0
	res := Resolve([]model.RawRecord{outlier, noCRS}, cfg)

	assert.False(t, res.HasCoordinates)
	assert.Equal(t, []string{model.NoteCoordinateOutlier, model.NoteCoordinateCRSUnknown}, res.Notes)
}

func TestResolve_HintEPSGUsedWhenRecordHasNone(t *testing.T) {
	grid := tmGrids[EPSGJerseyTM]
	e, n := tmForward(rad(49.1868), rad(-2.1067), grid)

	r := model.RawRecord{
		SourceName:  "gov_je_addresses",
		SourceClass: model.ClassAuthoritative,
		RawLat:      f(n),
		RawLon:      f(e),
	}
	cfg := jerseyCfg()
	cfg.EPSGHintBySource = map[string]int{"gov_je_addresses": EPSGJerseyTM}

	res := Resolve([]model.RawRecord{r}, cfg)
	require.True(t, res.HasCoordinates)
	assert.InDelta(t, 49.1868, *res.Lat, 1e-5)
	assert.InDelta(t, -2.1067, *res.Lon, 1e-5)
}

func TestResolve_MissingCoordinatesSkippedSilently(t *testing.T) {
	r := model.RawRecord{SourceName: "osm_overpass", SourceClass: model.ClassOSM}
	res := Resolve([]model.RawRecord{r}, jerseyCfg())
	assert.False(t, res.HasCoordinates)
	assert.Empty(t, res.Notes, "absent coordinates are not an outlier or CRS problem")
}
