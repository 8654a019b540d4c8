// Package merge reconciles raw multi-source records into one canonical row
// per normalised postcode.
package merge

import (
	"sort"

	"go.uber.org/zap"

	"github.com/crown-postcodes/harvest-cli/internal/coords"
	"github.com/crown-postcodes/harvest-cli/internal/model"
	"github.com/crown-postcodes/harvest-cli/internal/postcode"
	"github.com/crown-postcodes/harvest-cli/internal/scoring"
)

// invalidSampleCap bounds how many rejected raw postcodes are kept per
// source for diagnostics.
const invalidSampleCap = 50

// Options carries the territory settings the merge engine needs.
type Options struct {
	Territory      string
	SourcePriority []string
	Resolver       coords.ResolverConfig
	Profile        scoring.Profile
	// AdvisoryNotes are territory-specific notes attached to every row.
	AdvisoryNotes []string
}

// Result is the outcome of one merge run.
type Result struct {
	Rows []model.CanonicalRow

	RawRowCount      int
	ValidPostcodes   int
	InvalidPostcodes int
	UniquePostcodes  int

	// InvalidBySource tallies rejected raw postcodes per source name;
	// InvalidSamples keeps up to 50 raw values each for reporting.
	InvalidBySource map[string]int
	InvalidSamples  map[string][]string
	ValidBySource   map[string]int

	// Audit maps each normalised postcode to its scoring explanation.
	Audit map[string]scoring.Explanation
}

// Run merges all raw records for a territory into canonical rows. Output is
// deterministic and independent of input order: groups are processed in
// ascending normalised-key order and every within-group choice has a total
// sort key. FirstSeen/LastSeen are left blank for the temporal tracker.
func Run(records []model.RawRecord, opts Options) Result {
	res := Result{
		RawRowCount:     len(records),
		InvalidBySource: make(map[string]int),
		InvalidSamples:  make(map[string][]string),
		ValidBySource:   make(map[string]int),
		Audit:           make(map[string]scoring.Explanation),
	}

	rank := make(map[string]int, len(opts.SourcePriority))
	for i, name := range opts.SourcePriority {
		rank[name] = i
	}

	groups := make(map[string][]model.RawRecord)
	for _, rec := range records {
		key, ok := postcode.Normalise(rec.RawPostcode)
		if !ok {
			res.InvalidPostcodes++
			res.InvalidBySource[rec.SourceName]++
			if len(res.InvalidSamples[rec.SourceName]) < invalidSampleCap {
				res.InvalidSamples[rec.SourceName] = append(res.InvalidSamples[rec.SourceName], rec.RawPostcode)
			}
			continue
		}
		res.ValidPostcodes++
		res.ValidBySource[rec.SourceName]++
		groups[key] = append(groups[key], rec)
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		row, expl := mergeGroup(key, groups[key], rank, opts)
		res.Rows = append(res.Rows, row)
		res.Audit[key] = expl
	}
	res.UniquePostcodes = len(res.Rows)

	zap.L().Info("merge complete",
		zap.String("territory", opts.Territory),
		zap.Int("raw_rows", res.RawRowCount),
		zap.Int("valid", res.ValidPostcodes),
		zap.Int("invalid", res.InvalidPostcodes),
		zap.Int("unique", res.UniquePostcodes),
	)
	return res
}

func mergeGroup(key string, group []model.RawRecord, rank map[string]int, opts Options) (model.CanonicalRow, scoring.Explanation) {
	rep := representative(group, rank)

	sources := sourceList(group, rank)
	classes := make(map[model.SourceClass]bool, len(group))
	for _, rec := range group {
		classes[rec.SourceClass] = true
	}

	resolution := coords.Resolve(group, opts.Resolver)
	score, expl := scoring.Apply(opts.Profile, classes, resolution.CoordinateSource)

	notes := append([]string(nil), resolution.Notes...)
	if !classes[model.ClassAuthoritative] {
		notes = append(notes, model.NoteOSMBaselineOnly)
	}
	if !resolution.HasCoordinates {
		notes = append(notes, model.NoteCoordinatesMissing)
	}
	notes = append(notes, opts.AdvisoryNotes...)

	row := model.CanonicalRow{
		Territory:          opts.Territory,
		Postcode:           rep.RawPostcode,
		NormalisedPostcode: key,
		SourceList:         sources,
		SourceCount:        len(sources),
		HasCoordinates:     resolution.HasCoordinates,
		Lat:                resolution.Lat,
		Lon:                resolution.Lon,
		CoordinateSource:   string(resolution.CoordinateSource),
		ConfidenceScore:    score,
		Notes:              notes,
	}
	return row, expl
}

// representative picks the record whose raw text becomes the display
// postcode: lowest source-priority rank first, raw text as tie-break.
func representative(group []model.RawRecord, rank map[string]int) model.RawRecord {
	best := group[0]
	for _, rec := range group[1:] {
		br, rr := priorityRank(rank, best.SourceName), priorityRank(rank, rec.SourceName)
		if rr < br || (rr == br && rec.RawPostcode < best.RawPostcode) {
			best = rec
		}
	}
	return best
}

// sourceList returns the deduplicated contributing source names in
// configured priority order, unknown names last alphabetically.
func sourceList(group []model.RawRecord, rank map[string]int) []string {
	seen := make(map[string]bool, len(group))
	var names []string
	for _, rec := range group {
		if !seen[rec.SourceName] {
			seen[rec.SourceName] = true
			names = append(names, rec.SourceName)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := priorityRank(rank, names[i]), priorityRank(rank, names[j])
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})
	return names
}

func priorityRank(rank map[string]int, name string) int {
	if r, ok := rank[name]; ok {
		return r
	}
	return 1 << 20
}
