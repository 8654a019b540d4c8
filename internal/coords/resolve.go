package coords

import (
	"sort"

	"github.com/crown-postcodes/harvest-cli/internal/model"
)

// BBox is a territory bounding box in WGS84 degrees.
type BBox struct {
	MinLat float64 `yaml:"min_lat"`
	MaxLat float64 `yaml:"max_lat"`
	MinLon float64 `yaml:"min_lon"`
	MaxLon float64 `yaml:"max_lon"`
}

// Contains reports whether the point lies inside the box.
func (b BBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// ResolverConfig carries the territory settings the resolver needs.
type ResolverConfig struct {
	BBox BBox
	// DefaultEPSG applies when a record has no explicit CRS and no hint.
	// Zero means no default.
	DefaultEPSG int
	// EPSGHintBySource maps a source name to the CRS its coordinates are
	// known to be expressed in.
	EPSGHintBySource map[string]int
	// SourcePriority is the configured source-name order; earlier wins ties.
	SourcePriority []string
}

// Resolution is the outcome of coordinate resolution for one postcode group.
type Resolution struct {
	HasCoordinates   bool
	Lat              *float64
	Lon              *float64
	CoordinateSource model.SourceClass
	Notes            []string
}

type candidate struct {
	lat, lon       float64
	sourceClass    model.SourceClass
	sourceName     string
	sourceRecordID string
}

// Resolve picks the best WGS84 coordinate for a group of raw records sharing
// a normalised postcode. Selection is deterministic regardless of input
// order: source-class precedence descending, then configured priority rank,
// then source name, then record id.
func Resolve(records []model.RawRecord, cfg ResolverConfig) Resolution {
	rank := make(map[string]int, len(cfg.SourcePriority))
	for i, name := range cfg.SourcePriority {
		rank[name] = i
	}

	var candidates []candidate
	unknownCRS := false
	hadOutlier := false

	for _, rec := range records {
		if rec.RawLat == nil || rec.RawLon == nil {
			continue
		}

		epsg := 0
		switch {
		case rec.SourceWKID != nil:
			epsg = *rec.SourceWKID
		case cfg.EPSGHintBySource[rec.SourceName] != 0:
			epsg = cfg.EPSGHintBySource[rec.SourceName]
		default:
			epsg = cfg.DefaultEPSG
		}
		if epsg == 0 {
			unknownCRS = true
			continue
		}

		lat, lon, err := ToWGS84(*rec.RawLat, *rec.RawLon, epsg)
		if err != nil {
			unknownCRS = true
			continue
		}

		if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			continue
		}
		if !cfg.BBox.Contains(lat, lon) {
			hadOutlier = true
			continue
		}

		candidates = append(candidates, candidate{
			lat:            lat,
			lon:            lon,
			sourceClass:    rec.SourceClass,
			sourceName:     rec.SourceName,
			sourceRecordID: rec.SourceRecordID,
		})
	}

	if len(candidates) == 0 {
		var notes []string
		if hadOutlier {
			notes = append(notes, model.NoteCoordinateOutlier)
		}
		if unknownCRS {
			notes = append(notes, model.NoteCoordinateCRSUnknown)
		}
		return Resolution{Notes: notes}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if pa, pb := a.sourceClass.Precedence(), b.sourceClass.Precedence(); pa != pb {
			return pa > pb
		}
		if ra, rb := priorityRank(rank, a.sourceName), priorityRank(rank, b.sourceName); ra != rb {
			return ra < rb
		}
		if a.sourceName != b.sourceName {
			return a.sourceName < b.sourceName
		}
		return a.sourceRecordID < b.sourceRecordID
	})

	chosen := candidates[0]
	return Resolution{
		HasCoordinates:   true,
		Lat:              &chosen.lat,
		Lon:              &chosen.lon,
		CoordinateSource: chosen.sourceClass,
	}
}

func priorityRank(rank map[string]int, name string) int {
	if r, ok := rank[name]; ok {
		return r
	}
	return 1 << 20
}
