// Package model defines the data shapes flowing through the harvest and
// reconciliation pipeline.
package model

// SourceClass is the trust tier of a data source. It drives coordinate and
// representative-value precedence during merge.
type SourceClass string

const (
	// ClassAuthoritative marks government map services.
	ClassAuthoritative SourceClass = "authoritative"
	// ClassDigimap marks secondary licensed datasets.
	ClassDigimap SourceClass = "digimap"
	// ClassOSM marks crowd-sourced OpenStreetMap data.
	ClassOSM SourceClass = "osm"
	// ClassOther is the fallback tier for anything unrecognized.
	ClassOther SourceClass = "other"
)

// Precedence returns the trust rank of a source class. Higher wins.
func (c SourceClass) Precedence() int {
	switch c {
	case ClassAuthoritative:
		return 3
	case ClassDigimap:
		return 2
	case ClassOSM:
		return 1
	default:
		return 0
	}
}

// RawRecord is one observation of a postcode from one source during one run.
// Records are created exactly once per extracted feature by a source adapter
// and never mutated afterward.
type RawRecord struct {
	Territory      string         `json:"territory"`
	SourceName     string         `json:"source_name"`
	SourceClass    SourceClass    `json:"source_class"`
	SourceRecordID string         `json:"source_record_id,omitempty"`
	RawPostcode    string         `json:"raw_postcode,omitempty"`
	RawLat         *float64       `json:"raw_lat,omitempty"`
	RawLon         *float64       `json:"raw_lon,omitempty"`
	RawGeometry    map[string]any `json:"raw_geometry,omitempty"`
	SourceWKID     *int           `json:"source_wkid,omitempty"`
	ExtractDate    string         `json:"extract_date"`
	RunID          string         `json:"run_id"`
	RawPayloadRef  string         `json:"raw_payload_ref,omitempty"`
}

// CanonicalRow is one row of final output per distinct normalised postcode
// per territory. FirstSeen/LastSeen are filled by the temporal tracker.
type CanonicalRow struct {
	Territory          string   `json:"territory"`
	Postcode           string   `json:"postcode"`
	NormalisedPostcode string   `json:"normalised_postcode"`
	SourceList         []string `json:"source_list"`
	SourceCount        int      `json:"source_count"`
	HasCoordinates     bool     `json:"has_coordinates"`
	Lat                *float64 `json:"lat,omitempty"`
	Lon                *float64 `json:"lon,omitempty"`
	CoordinateSource   string   `json:"coordinate_source,omitempty"`
	ConfidenceScore    int      `json:"confidence_score"`
	FirstSeen          string   `json:"first_seen"`
	LastSeen           string   `json:"last_seen"`
	Notes              []string `json:"notes,omitempty"`
}

// Diagnostic note labels attached to canonical rows.
const (
	NoteCoordinateOutlier    = "COORDINATE_OUTLIER"
	NoteCoordinateCRSUnknown = "COORDINATE_CRS_UNKNOWN"
	NoteCoordinatesMissing   = "COORDINATES_MISSING"
	NoteOSMBaselineOnly      = "OSM_BASELINE_ONLY"
)
