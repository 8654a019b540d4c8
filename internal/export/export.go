// Package export writes the canonical per-territory CSV and maps it onto
// the strict ONSPD-compatible column contract.
package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crown-postcodes/harvest-cli/internal/config"
	"github.com/crown-postcodes/harvest-cli/internal/model"
)

// CanonicalHeaders is the canonical CSV column order. It doubles as the
// lookup namespace for contract source mappings.
var CanonicalHeaders = []string{
	"territory",
	"postcode",
	"normalised_postcode",
	"source_list",
	"source_count",
	"has_coordinates",
	"lat",
	"lon",
	"coordinate_source",
	"confidence_score",
	"first_seen",
	"last_seen",
	"notes",
}

// ContractError marks a violation of the downstream column contract. It is
// always fatal: emitting a malformed contract file is worse than emitting
// nothing.
type ContractError struct {
	msg string
}

func (e *ContractError) Error() string { return e.msg }

func contractErrorf(format string, args ...any) *ContractError {
	return &ContractError{msg: fmt.Sprintf(format, args...)}
}

// NewContractError builds a contract violation with the given message.
func NewContractError(msg string) *ContractError {
	return &ContractError{msg: msg}
}

// IsContractError reports whether err is a contract violation.
func IsContractError(err error) bool {
	var ce *ContractError
	return eris.As(err, &ce)
}

// WriteCanonicalCSV writes rows sorted by normalised postcode. Booleans
// serialize as true/false, nulls as empty strings.
func WriteCanonicalCSV(path string, rows []model.CanonicalRow) error {
	sorted := append([]model.CanonicalRow(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].NormalisedPostcode < sorted[j].NormalisedPostcode
	})

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "export: create output dir")
	}
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	defer f.Close() //nolint:errcheck

	w := csv.NewWriter(f)
	if err := w.Write(CanonicalHeaders); err != nil {
		return eris.Wrap(err, "export: write header")
	}
	for _, row := range sorted {
		if err := w.Write(serializeRow(row)); err != nil {
			return eris.Wrap(err, "export: write row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return eris.Wrap(err, "export: flush")
	}

	zap.L().Info("export: canonical csv written",
		zap.String("path", path),
		zap.Int("rows", len(sorted)),
	)
	return nil
}

func serializeRow(row model.CanonicalRow) []string {
	return []string{
		row.Territory,
		row.Postcode,
		row.NormalisedPostcode,
		strings.Join(row.SourceList, ";"),
		strconv.Itoa(row.SourceCount),
		strconv.FormatBool(row.HasCoordinates),
		formatFloat(row.Lat),
		formatFloat(row.Lon),
		row.CoordinateSource,
		strconv.Itoa(row.ConfidenceScore),
		row.FirstSeen,
		row.LastSeen,
		strings.Join(row.Notes, ";"),
	}
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// FillRate is the per-column population statistic of the contract output.
type FillRate struct {
	Column      string  `json:"column"`
	Filled      int     `json:"filled"`
	Null        int     `json:"null"`
	FillPercent float64 `json:"fill_percent"`
}

// ONSPDResult summarizes one contract mapping run.
type ONSPDResult struct {
	Path      string     `json:"path"`
	Rows      int        `json:"rows"`
	Header    []string   `json:"header"`
	FillRates []FillRate `json:"fill_rates"`
}

// MapONSPD reads the canonical CSV back and emits the contract file. The
// written header is re-read and verified against the contract; any mismatch
// is a ContractError.
func MapONSPD(canonicalPath, outPath, territory string, contract config.ContractColumns) (*ONSPDResult, error) {
	header := contract.Header()

	canonicalRows, err := readCanonicalRows(canonicalPath)
	if err != nil {
		return nil, err
	}

	outRows := make([][]string, 0, len(canonicalRows))
	for _, canonical := range canonicalRows {
		out := make([]string, len(contract.Columns))
		for i, col := range contract.Columns {
			value, err := valueForMapping(col.SourceMapping, canonical, territory)
			if err != nil {
				return nil, err
			}
			out[i] = value
		}
		outRows = append(outRows, out)
	}

	if err := writeCSV(outPath, header, outRows); err != nil {
		return nil, err
	}
	if err := verifyHeader(outPath, header); err != nil {
		return nil, err
	}

	res := &ONSPDResult{
		Path:      outPath,
		Rows:      len(outRows),
		Header:    header,
		FillRates: computeFillRates(outRows, header),
	}
	zap.L().Info("export: contract csv written",
		zap.String("path", outPath),
		zap.Int("rows", res.Rows),
	)
	return res, nil
}

// valueForMapping resolves one contract mapping against a canonical row.
// Unknown mappings violate the contract.
func valueForMapping(mapping string, canonical map[string]string, territory string) (string, error) {
	switch mapping {
	case "normalised_postcode":
		return canonical["normalised_postcode"], nil
	case "normalised_postcode_no_space":
		return strings.ReplaceAll(canonical["normalised_postcode"], " ", ""), nil
	case "country_code_or_blank":
		return territory, nil
	}
	if value, ok := canonical[mapping]; ok {
		return value, nil
	}
	if mapping == "blank" {
		return "", nil
	}
	return "", contractErrorf("export: no mapped column for source_mapping=%s", mapping)
}

// readCanonicalRows maps each canonical CSV row by its header. A missing
// file yields no rows; the contract file will simply be header-only.
func readCanonicalRows(path string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "export: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, eris.Wrapf(err, "export: parse %s", path)
	}
	if len(records) == 0 {
		return nil, nil
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
	return rows, nil
}

func writeCSV(path string, header []string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "export: create output dir")
	}
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	defer f.Close() //nolint:errcheck

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return eris.Wrap(err, "export: write header")
	}
	if err := w.WriteAll(rows); err != nil {
		return eris.Wrap(err, "export: write rows")
	}
	return w.Error()
}

// verifyHeader re-reads the written file and checks the first line against
// the contract, exactly and in order.
func verifyHeader(path string, expected []string) error {
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrapf(err, "export: reopen %s", path)
	}
	defer f.Close() //nolint:errcheck

	actual, err := csv.NewReader(f).Read()
	if err != nil {
		return eris.Wrapf(err, "export: read header %s", path)
	}
	if len(actual) != len(expected) {
		return contractErrorf("export: header mismatch: %v != %v", actual, expected)
	}
	for i := range expected {
		if actual[i] != expected[i] {
			return contractErrorf("export: header mismatch: %v != %v", actual, expected)
		}
	}
	return nil
}

func computeFillRates(rows [][]string, header []string) []FillRate {
	stats := make([]FillRate, len(header))
	total := len(rows)
	for i, column := range header {
		filled := 0
		for _, row := range rows {
			if i < len(row) && row[i] != "" {
				filled++
			}
		}
		pct := 0.0
		if total > 0 {
			pct = float64(int(float64(filled)/float64(total)*10000+0.5)) / 100
		}
		stats[i] = FillRate{Column: column, Filled: filled, Null: total - filled, FillPercent: pct}
	}
	return stats
}
