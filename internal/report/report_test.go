package report

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crown-postcodes/harvest-cli/internal/config"
	"github.com/crown-postcodes/harvest-cli/internal/export"
	"github.com/crown-postcodes/harvest-cli/internal/model"
)

func floatPtr(v float64) *float64 { return &v }

func testContract() config.ContractColumns {
	return config.ContractColumns{
		Columns: []config.ContractColumn{
			{Name: "pcd", SourceMapping: "normalised_postcode"},
			{Name: "lat", SourceMapping: "lat"},
			{Name: "long", SourceMapping: "lon"},
			{Name: "ctry", SourceMapping: "country_code_or_blank"},
		},
	}
}

// writeOutputs produces a canonical and contract CSV pair for a small
// territory snapshot.
func writeOutputs(t *testing.T, dir string) (canonicalPath, onspdPath string) {
	t.Helper()
	rows := []model.CanonicalRow{
		{
			Territory:          "JE",
			Postcode:           "JE2 3AB",
			NormalisedPostcode: "JE2 3AB",
			SourceList:         []string{"jersey_addresses", "osm_overpass"},
			SourceCount:        2,
			HasCoordinates:     true,
			Lat:                floatPtr(49.2),
			Lon:                floatPtr(-2.1),
			CoordinateSource:   "authoritative",
			ConfidenceScore:    85,
			FirstSeen:          "2026-02-17",
			LastSeen:           "2026-08-30",
		},
		{
			Territory:          "JE",
			Postcode:           "JE3 4CD",
			NormalisedPostcode: "JE3 4CD",
			SourceList:         []string{"osm_overpass"},
			SourceCount:        1,
			ConfidenceScore:    40,
			FirstSeen:          "2026-08-30",
			LastSeen:           "2026-08-30",
			Notes:              []string{model.NoteOSMBaselineOnly, model.NoteCoordinateOutlier},
		},
	}

	canonicalPath = filepath.Join(dir, "jersey.csv")
	require.NoError(t, export.WriteCanonicalCSV(canonicalPath, rows))

	onspdPath = filepath.Join(dir, "jersey_onspd.csv")
	_, err := export.MapONSPD(canonicalPath, onspdPath, "JE", testContract())
	require.NoError(t, err)
	return canonicalPath, onspdPath
}

func TestValidateBuildsReport(t *testing.T) {
	dir := t.TempDir()
	canonicalPath, onspdPath := writeOutputs(t, dir)

	report, err := Validate(ValidateOptions{
		Territory:     "JE",
		RunID:         "run-6",
		RunDate:       "2026-08-30",
		CanonicalPath: canonicalPath,
		ONSPDPath:     onspdPath,
		Contract:      testContract(),
		Intermediate: &Intermediate{
			RawRowCount:       5,
			ValidPostcodes:    4,
			InvalidPostcodes:  map[string]int{"osm_overpass": 1},
			SourceClassCounts: map[string]int{"authoritative": 2, "osm": 3},
		},
		Warnings: []string{"arcgis service failed: old_service"},
	})
	require.NoError(t, err)

	assert.Equal(t, 5, report.Counts.RawRows)
	assert.Equal(t, 4, report.Counts.ValidPostcodes)
	assert.Equal(t, 2, report.Counts.UniquePostcodes)
	assert.Equal(t, 1, report.Counts.WithCoordinates)
	assert.Equal(t, 1, report.Counts.WithoutCoordinates)
	assert.Equal(t, 1, report.Counts.InvalidPostcodes)

	assert.Equal(t, 2, report.Sources["authoritative"])
	assert.Equal(t, 1, report.Quality.BBoxOutliers)
	assert.Equal(t, 0, report.Quality.DuplicateKeys)
	assert.InDelta(t, 50.0, report.Quality.CoordinateCoveragePercent, 1e-9)

	assert.Equal(t, 1, report.ConfidenceBuckets["25_49"])
	assert.Equal(t, 1, report.ConfidenceBuckets["75_100"])

	assert.Equal(t, []string{"arcgis service failed: old_service"}, report.Warnings)
	assert.Empty(t, report.Errors)
}

func TestValidateHeaderMismatchIsContractError(t *testing.T) {
	dir := t.TempDir()
	canonicalPath, onspdPath := writeOutputs(t, dir)

	wrong := config.ContractColumns{
		Columns: []config.ContractColumn{
			{Name: "pcd", SourceMapping: "normalised_postcode"},
			{Name: "extra", SourceMapping: "blank"},
		},
	}
	report, err := Validate(ValidateOptions{
		Territory:     "JE",
		RunID:         "run-6",
		RunDate:       "2026-08-30",
		CanonicalPath: canonicalPath,
		ONSPDPath:     onspdPath,
		Contract:      wrong,
	})
	require.Error(t, err)
	assert.True(t, export.IsContractError(err))
	require.NotNil(t, report)
	assert.Equal(t, []string{"ONSPD_HEADER_ORDER_MISMATCH"}, report.Errors)
}

func TestValidateMissingCSVFails(t *testing.T) {
	dir := t.TempDir()
	_, err := Validate(ValidateOptions{
		Territory:     "JE",
		CanonicalPath: filepath.Join(dir, "absent.csv"),
		ONSPDPath:     filepath.Join(dir, "absent_onspd.csv"),
		Contract:      testContract(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing csv input")
}

func TestSummarizeStatuses(t *testing.T) {
	clean := &TerritoryReport{Counts: Counts{UniquePostcodes: 10, RawRows: 12}}
	warned := &TerritoryReport{
		Counts:   Counts{UniquePostcodes: 5, RawRows: 6},
		Warnings: []string{"DUPLICATE_NORMALISED_POSTCODES_PRESENT"},
	}
	failed := &TerritoryReport{Errors: []string{"ONSPD_HEADER_ORDER_MISMATCH"}}

	success := Summarize("run-7", "2026-08-30", []string{"JE"}, map[string]*TerritoryReport{"JE": clean})
	assert.Equal(t, StatusSuccess, success.Status)
	assert.Equal(t, 10, success.Totals.UniquePostcodes)

	partial := Summarize("run-7", "2026-08-30", []string{"JE", "GY"}, map[string]*TerritoryReport{"JE": clean, "GY": warned})
	assert.Equal(t, StatusPartial, partial.Status)
	assert.Equal(t, 1, partial.WarningCount)
	assert.Equal(t, 15, partial.Totals.UniquePostcodes)

	hard := Summarize("run-7", "2026-08-30", []string{"JE", "IM"}, map[string]*TerritoryReport{"JE": clean, "IM": failed})
	assert.Equal(t, StatusError, hard.Status)

	missing := Summarize("run-7", "2026-08-30", []string{"JE", "GY"}, map[string]*TerritoryReport{"JE": clean})
	assert.Equal(t, StatusError, missing.Status)
	assert.Equal(t, 1, missing.ErrorCount)
}

func TestWriteAndReadJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "jersey_report.json")
	original := &TerritoryReport{Territory: "JE", RunID: "run-8"}
	require.NoError(t, WriteJSON(path, original))

	var loaded TerritoryReport
	require.NoError(t, ReadJSON(path, &loaded))
	assert.Equal(t, "JE", loaded.Territory)
	assert.Equal(t, "run-8", loaded.RunID)
}
