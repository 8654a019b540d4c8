package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/crown-postcodes/harvest-cli/internal/coords"
	"github.com/crown-postcodes/harvest-cli/internal/model"
	"github.com/crown-postcodes/harvest-cli/internal/scoring"
)

// SupportedTerritories are the territory codes the pipeline knows about.
var SupportedTerritories = []string{"JE", "GY", "IM"}

var territoryFiles = map[string]string{
	"JE": "jersey.yml",
	"GY": "guernsey.yml",
	"IM": "isle_of_man.yml",
}

// TerritorySlug maps a territory code to its report filename slug.
func TerritorySlug(code string) string {
	switch code {
	case "JE":
		return "jersey"
	case "GY":
		return "guernsey"
	case "IM":
		return "isle_of_man"
	default:
		return strings.ToLower(code)
	}
}

// TerritoryConfig is one territory's full harvest/merge configuration,
// schema-validated at load time.
type TerritoryConfig struct {
	Territory struct {
		Code string `yaml:"code"`
		Name string `yaml:"name"`
	} `yaml:"territory"`
	SourcePriority []string `yaml:"source_priority"`
	Validation     struct {
		BBoxWGS84 coords.BBox `yaml:"bbox_wgs84"`
	} `yaml:"validation"`
	ArcGIS         ArcGISConfig    `yaml:"arcgis"`
	Overpass       OverpassConfig  `yaml:"overpass"`
	Geofabrik      GeofabrikConfig `yaml:"geofabrik"`
	Fields         FieldCandidates `yaml:"fields"`
	CRS            CRSConfig       `yaml:"crs"`
	ScoringProfile string          `yaml:"scoring_profile"`
	AdvisoryNotes  []string        `yaml:"advisory_notes"`
	Output         struct {
		CanonicalFilename string `yaml:"canonical_filename"`
		ONSPDFilename     string `yaml:"onspd_filename"`
	} `yaml:"output"`
}

// ArcGISConfig configures the authoritative map-service source family.
type ArcGISConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Services []ArcGISService `yaml:"services"`
}

// ArcGISService is one feature-service layer to harvest.
type ArcGISService struct {
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	Where string `yaml:"where"`
	// SourceClass defaults to authoritative when empty.
	SourceClass model.SourceClass `yaml:"source_class"`
	BatchSize   int               `yaml:"batch_size"`
	// OutSR requests reprojected geometry from the provider; some services
	// reject it and are silently retried without.
	OutSR int `yaml:"out_sr"`
}

// Class returns the service's source class, defaulting to authoritative.
func (s ArcGISService) Class() model.SourceClass {
	if s.SourceClass == "" {
		return model.ClassAuthoritative
	}
	return s.SourceClass
}

// OverpassConfig configures the crowd-sourced query source.
type OverpassConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// AreaStrategy is "area" (query by ISO code area) or "bbox".
	AreaStrategy string `yaml:"area_strategy"`
	AreaISOCode  string `yaml:"area_iso_code"`
	SourceName   string `yaml:"source_name"`
}

// GeofabrikConfig configures the offline-extract source.
type GeofabrikConfig struct {
	Enabled     bool   `yaml:"enabled"`
	InputPath   string `yaml:"input_path"`
	DownloadURL string `yaml:"download_url"`
	SourceName  string `yaml:"source_name"`
	// ConvertCommand turns a binary .pbf extract into a JSON element list
	// (external tool, e.g. osmium). Empty disables conversion.
	ConvertCommand string `yaml:"convert_command"`
}

// FieldCandidates lists the attribute/tag names probed, in order, for each
// extracted value.
type FieldCandidates struct {
	PostcodeCandidates []string `yaml:"postcode_candidates"`
	LatCandidates      []string `yaml:"lat_candidates"`
	LonCandidates      []string `yaml:"lon_candidates"`
}

// CRSConfig carries coordinate-reference-system defaults and hints.
type CRSConfig struct {
	DefaultEPSG  int            `yaml:"default_epsg"`
	HintBySource map[string]int `yaml:"authoritative_epsg_hint_by_source"`
}

// Bundle is the fully loaded and validated configuration set.
type Bundle struct {
	Territories map[string]TerritoryConfig
	Profiles    map[string]scoring.Profile
	Contract    ContractColumns
}

// LoadBundle reads and validates the whole YAML config directory. Any
// failure here is fatal before network activity starts.
func LoadBundle(configDir string) (*Bundle, error) {
	territories := make(map[string]TerritoryConfig, len(territoryFiles))
	for code, filename := range territoryFiles {
		var cfg TerritoryConfig
		if err := readYAML(filepath.Join(configDir, filename), &cfg); err != nil {
			return nil, err
		}
		if err := validateTerritory(code, cfg); err != nil {
			return nil, err
		}
		territories[code] = cfg
	}

	profiles, err := LoadScoringProfiles(filepath.Join(configDir, "scoring_rules.yml"))
	if err != nil {
		return nil, err
	}

	contract, err := LoadContractColumns(filepath.Join(configDir, "onspd_columns.yml"))
	if err != nil {
		return nil, err
	}

	for code, cfg := range territories {
		if _, ok := profiles[cfg.ScoringProfile]; !ok {
			return nil, eris.Errorf("config: territory %s references unknown scoring profile %q", code, cfg.ScoringProfile)
		}
	}

	return &Bundle{Territories: territories, Profiles: profiles, Contract: contract}, nil
}

// ResolveTerritories expands the --territory flag value.
func ResolveTerritories(target string) ([]string, error) {
	if target == "all" || target == "" {
		return append([]string(nil), SupportedTerritories...), nil
	}
	for _, code := range SupportedTerritories {
		if code == target {
			return []string{target}, nil
		}
	}
	return nil, eris.Errorf("config: unknown territory %q", target)
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "config: read %s", path)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return eris.Wrapf(err, "config: parse %s", path)
	}
	return nil
}

func validateTerritory(code string, cfg TerritoryConfig) error {
	var problems []string

	if cfg.Territory.Code != code {
		problems = append(problems, "territory.code does not match its file")
	}
	if cfg.Territory.Name == "" {
		problems = append(problems, "territory.name is required")
	}
	if len(cfg.SourcePriority) == 0 {
		problems = append(problems, "source_priority must be non-empty")
	}
	bbox := cfg.Validation.BBoxWGS84
	if bbox.MinLat >= bbox.MaxLat || bbox.MinLon >= bbox.MaxLon {
		problems = append(problems, "validation.bbox_wgs84 is degenerate")
	}
	if cfg.ArcGIS.Enabled && len(cfg.ArcGIS.Services) == 0 {
		problems = append(problems, "arcgis.enabled requires at least one service")
	}
	for _, svc := range cfg.ArcGIS.Services {
		if svc.Name == "" || svc.URL == "" {
			problems = append(problems, "arcgis.services entries need name and url")
		}
	}
	if cfg.Overpass.Enabled {
		if cfg.Overpass.Endpoint == "" {
			problems = append(problems, "overpass.endpoint is required when enabled")
		}
		switch cfg.Overpass.AreaStrategy {
		case "area", "bbox":
		default:
			problems = append(problems, "overpass.area_strategy must be area or bbox")
		}
	}
	if cfg.Geofabrik.Enabled && cfg.Geofabrik.InputPath == "" && cfg.Geofabrik.DownloadURL == "" {
		problems = append(problems, "geofabrik needs input_path or download_url when enabled")
	}
	if len(cfg.Fields.PostcodeCandidates) == 0 {
		problems = append(problems, "fields.postcode_candidates must be non-empty")
	}
	if cfg.ScoringProfile == "" {
		problems = append(problems, "scoring_profile is required")
	}
	if cfg.Output.CanonicalFilename == "" || cfg.Output.ONSPDFilename == "" {
		problems = append(problems, "output filenames are required")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: territory %s invalid: %s", code, strings.Join(problems, "; "))
	}
	return nil
}
