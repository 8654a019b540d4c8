// Package report builds the per-territory quality report and the run-level
// summary, and validates the written outputs against the column contract.
package report

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crown-postcodes/harvest-cli/internal/config"
	"github.com/crown-postcodes/harvest-cli/internal/export"
	"github.com/crown-postcodes/harvest-cli/internal/model"
)

// Intermediate carries merge-stage statistics into validation. The pipeline
// persists it between stages so validate can run standalone.
type Intermediate struct {
	Territory         string         `json:"territory"`
	RunID             string         `json:"run_id"`
	RawRowCount       int            `json:"raw_row_count"`
	ValidPostcodes    int            `json:"valid_postcodes"`
	InvalidPostcodes  map[string]int `json:"invalid_postcodes"`
	SourceClassCounts map[string]int `json:"source_class_counts"`
}

// Counts are the headline totals of one territory's run.
type Counts struct {
	RawRows            int `json:"raw_rows"`
	ValidPostcodes     int `json:"valid_postcodes"`
	UniquePostcodes    int `json:"unique_postcodes"`
	WithCoordinates    int `json:"with_coordinates"`
	WithoutCoordinates int `json:"without_coordinates"`
	InvalidPostcodes   int `json:"invalid_postcodes"`
}

// Quality captures the geometric and dedup health of the output.
type Quality struct {
	BBoxOutliers              int     `json:"bbox_outliers"`
	DuplicateKeys             int     `json:"duplicate_keys"`
	CoordinateCoveragePercent float64 `json:"coordinate_coverage_percent"`
}

// Diagnostics are the raw details behind the counts.
type Diagnostics struct {
	InvalidPostcodesBySource map[string]int `json:"invalid_postcodes_by_source"`
	CanonicalHeader          []string       `json:"canonical_header"`
	ONSPDHeader              []string       `json:"onspd_header"`
}

// TerritoryReport is one territory's quality report.
type TerritoryReport struct {
	Territory         string            `json:"territory"`
	RunID             string            `json:"run_id"`
	RunDate           string            `json:"run_date"`
	Counts            Counts            `json:"counts"`
	Sources           map[string]int    `json:"sources"`
	Quality           Quality           `json:"quality"`
	ConfidenceBuckets map[string]int    `json:"confidence_buckets"`
	ONSPDFill         []export.FillRate `json:"onspd_fill"`
	Warnings          []string          `json:"warnings"`
	Errors            []string          `json:"errors"`
	Diagnostics       Diagnostics       `json:"diagnostics"`
}

// ValidateOptions locate the written outputs for one territory.
type ValidateOptions struct {
	Territory     string
	RunID         string
	RunDate       string
	CanonicalPath string
	ONSPDPath     string
	Contract      config.ContractColumns
	// Intermediate is optional; without it raw-row and invalid counts fall
	// back to what the CSVs alone can show.
	Intermediate *Intermediate
	// Warnings recorded by earlier stages, folded into the report.
	Warnings []string
}

// Validate reads the territory's outputs back off disk and builds its
// report. A contract header mismatch is fatal; everything else degrades to
// warnings and counts.
func Validate(opts ValidateOptions) (*TerritoryReport, error) {
	canonicalHeader, canonicalRows, err := readCSVRows(opts.CanonicalPath)
	if err != nil {
		return nil, err
	}
	onspdHeader, onspdRows, err := readCSVRows(opts.ONSPDPath)
	if err != nil {
		return nil, err
	}

	report := &TerritoryReport{
		Territory:         opts.Territory,
		RunID:             opts.RunID,
		RunDate:           opts.RunDate,
		Sources:           map[string]int{},
		ConfidenceBuckets: confidenceBuckets(canonicalRows),
		Warnings:          append([]string(nil), opts.Warnings...),
		Errors:            []string{},
		Diagnostics: Diagnostics{
			InvalidPostcodesBySource: map[string]int{},
			CanonicalHeader:          canonicalHeader,
			ONSPDHeader:              onspdHeader,
		},
	}

	duplicates := duplicateKeys(canonicalRows)
	withCoords := 0
	outliers := 0
	for _, row := range canonicalRows {
		if strings.EqualFold(row["has_coordinates"], "true") {
			withCoords++
		}
		if strings.Contains(row["notes"], model.NoteCoordinateOutlier) {
			outliers++
		}
	}

	report.Counts = Counts{
		UniquePostcodes:    len(canonicalRows),
		WithCoordinates:    withCoords,
		WithoutCoordinates: len(canonicalRows) - withCoords,
	}
	if opts.Intermediate != nil {
		report.Counts.RawRows = opts.Intermediate.RawRowCount
		report.Counts.ValidPostcodes = opts.Intermediate.ValidPostcodes
		for source, n := range opts.Intermediate.InvalidPostcodes {
			report.Counts.InvalidPostcodes += n
			report.Diagnostics.InvalidPostcodesBySource[source] = n
		}
		for class, n := range opts.Intermediate.SourceClassCounts {
			report.Sources[class] = n
		}
	}

	report.Quality = Quality{
		BBoxOutliers:  outliers,
		DuplicateKeys: duplicates,
	}
	if len(canonicalRows) > 0 {
		report.Quality.CoordinateCoveragePercent = roundPercent(withCoords, len(canonicalRows))
	}
	report.ONSPDFill = fillRates(onspdHeader, onspdRows)

	if duplicates > 0 {
		report.Warnings = append(report.Warnings, "DUPLICATE_NORMALISED_POSTCODES_PRESENT")
	}

	expected := opts.Contract.Header()
	if !equalHeaders(onspdHeader, expected) {
		report.Errors = append(report.Errors, "ONSPD_HEADER_ORDER_MISMATCH")
		return report, export.NewContractError("report: ONSPD header/order mismatch")
	}

	return report, nil
}

// Summary aggregates all territory reports for one run.
type Summary struct {
	RunID            string                      `json:"run_id"`
	RunDate          string                      `json:"run_date"`
	Status           string                      `json:"status"`
	Territories      []string                    `json:"territories"`
	Totals           Counts                      `json:"totals"`
	WarningCount     int                         `json:"warning_count"`
	ErrorCount       int                         `json:"error_count"`
	TerritoryReports map[string]*TerritoryReport `json:"territory_reports"`
}

// Run statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Summarize folds territory reports into one run summary. A nil report
// means the territory never produced one and counts as an error.
func Summarize(runID, runDate string, territories []string, reports map[string]*TerritoryReport) *Summary {
	summary := &Summary{
		RunID:            runID,
		RunDate:          runDate,
		Territories:      territories,
		TerritoryReports: reports,
	}

	for _, code := range territories {
		report := reports[code]
		if report == nil {
			summary.ErrorCount++
			continue
		}
		summary.Totals.RawRows += report.Counts.RawRows
		summary.Totals.UniquePostcodes += report.Counts.UniquePostcodes
		summary.Totals.WithCoordinates += report.Counts.WithCoordinates
		summary.Totals.WithoutCoordinates += report.Counts.WithoutCoordinates
		summary.Totals.InvalidPostcodes += report.Counts.InvalidPostcodes
		summary.WarningCount += len(report.Warnings)
		summary.ErrorCount += len(report.Errors)
	}

	switch {
	case summary.ErrorCount > 0:
		summary.Status = StatusError
	case summary.WarningCount > 0:
		summary.Status = StatusPartial
	default:
		summary.Status = StatusSuccess
	}
	return summary
}

// WriteJSON persists a report document, creating parent directories.
func WriteJSON(path string, doc any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "report: create dir")
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return eris.Wrap(err, "report: marshal")
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return eris.Wrapf(err, "report: write %s", path)
	}
	zap.L().Debug("report: written", zap.String("path", path))
	return nil
}

// ReadJSON loads a previously written report document.
func ReadJSON(path string, doc any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "report: read %s", path)
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return eris.Wrapf(err, "report: parse %s", path)
	}
	return nil
}

func readCSVRows(path string) ([]string, []map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "report: missing csv input %s", path)
	}
	defer f.Close() //nolint:errcheck

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, nil, eris.Wrapf(err, "report: parse %s", path)
	}
	if len(records) == 0 {
		return nil, nil, nil
	}

	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(record) {
				row[name] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

func confidenceBuckets(rows []map[string]string) map[string]int {
	buckets := map[string]int{"0_24": 0, "25_49": 0, "50_74": 0, "75_100": 0}
	for _, row := range rows {
		score, err := strconv.Atoi(row["confidence_score"])
		if err != nil {
			score = 0
		}
		switch {
		case score <= 24:
			buckets["0_24"]++
		case score <= 49:
			buckets["25_49"]++
		case score <= 74:
			buckets["50_74"]++
		default:
			buckets["75_100"]++
		}
	}
	return buckets
}

func duplicateKeys(rows []map[string]string) int {
	seen := make(map[string]int)
	for _, row := range rows {
		if key := row["normalised_postcode"]; key != "" {
			seen[key]++
		}
	}
	duplicates := 0
	for _, n := range seen {
		if n > 1 {
			duplicates += n - 1
		}
	}
	return duplicates
}

func fillRates(header []string, rows []map[string]string) []export.FillRate {
	stats := make([]export.FillRate, len(header))
	for i, column := range header {
		filled := 0
		for _, row := range rows {
			if row[column] != "" {
				filled++
			}
		}
		stats[i] = export.FillRate{
			Column: column,
			Filled: filled,
			Null:   len(rows) - filled,
		}
		if len(rows) > 0 {
			stats[i].FillPercent = roundPercent(filled, len(rows))
		}
	}
	return stats
}

func roundPercent(part, total int) float64 {
	return float64(int(float64(part)/float64(total)*10000+0.5)) / 100
}

func equalHeaders(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
