package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crown-postcodes/harvest-cli/internal/model"
)

const jerseyYAML = `
territory:
  code: JE
  name: Jersey
source_priority:
  - jersey_addresses
  - osm_overpass
  - osm_geofabrik
validation:
  bbox_wgs84:
    min_lat: 49.15
    max_lat: 49.28
    min_lon: -2.30
    max_lon: -2.00
arcgis:
  enabled: true
  services:
    - name: jersey_addresses
      url: https://services.arcgis.com/abc/arcgis/rest/services/Addresses/FeatureServer/0
      where: POSTCODE IS NOT NULL
      batch_size: 100
overpass:
  enabled: true
  endpoint: https://overpass-api.de/api/interpreter
  timeout_seconds: 180
  area_strategy: area
  area_iso_code: JE
  source_name: osm_overpass
geofabrik:
  enabled: false
fields:
  postcode_candidates: [POSTCODE, PostCode, addr_postcode]
  lat_candidates: [LAT, Latitude]
  lon_candidates: [LON, Longitude]
crs:
  default_epsg: 3109
  authoritative_epsg_hint_by_source:
    jersey_addresses: 3109
scoring_profile: crown_dependency_default
advisory_notes: []
output:
  canonical_filename: jersey_postcodes.csv
  onspd_filename: jersey_onspd.csv
`

const scoringYAML = `
profiles:
  crown_dependency_default:
    rules:
      - id: base
        when: has_source(osm)
        add: 40
      - id: authoritative_bonus
        when: has_source(authoritative)
        add: 50
      - id: coord_bonus
        when: coord_source(authoritative)
        add: 10
    clamp:
      min: 0
      max: 100
`

const contractYAML = `
version: "1"
null_policy: empty_string
columns:
  - name: pcd
    type: string
    nullable: false
    source_mapping: normalised_postcode
  - name: pcd2
    type: string
    nullable: false
    source_mapping: normalised_postcode_no_space
  - name: lat
    type: float
    nullable: true
    source_mapping: lat
`

func writeBundleFixture(t *testing.T, jersey string) string {
	t.Helper()
	dir := t.TempDir()

	guernsey := jerseyYAML
	guernsey = strings.ReplaceAll(guernsey, "code: JE", "code: GY")
	guernsey = strings.ReplaceAll(guernsey, "name: Jersey", "name: Guernsey")
	iom := jerseyYAML
	iom = strings.ReplaceAll(iom, "code: JE", "code: IM")
	iom = strings.ReplaceAll(iom, "name: Jersey", "name: Isle of Man")

	files := map[string]string{
		"jersey.yml":        jersey,
		"guernsey.yml":      guernsey,
		"isle_of_man.yml":   iom,
		"scoring_rules.yml": scoringYAML,
		"onspd_columns.yml": contractYAML,
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestLoadBundle(t *testing.T) {
	dir := writeBundleFixture(t, jerseyYAML)

	bundle, err := LoadBundle(dir)
	require.NoError(t, err)

	require.Len(t, bundle.Territories, 3)
	je := bundle.Territories["JE"]
	assert.Equal(t, "Jersey", je.Territory.Name)
	assert.Equal(t, []string{"jersey_addresses", "osm_overpass", "osm_geofabrik"}, je.SourcePriority)
	assert.Equal(t, 3109, je.CRS.DefaultEPSG)
	assert.Equal(t, 3109, je.CRS.HintBySource["jersey_addresses"])

	require.Len(t, je.ArcGIS.Services, 1)
	assert.Equal(t, model.ClassAuthoritative, je.ArcGIS.Services[0].Class())

	profile, ok := bundle.Profiles["crown_dependency_default"]
	require.True(t, ok)
	assert.Len(t, profile.Rules, 3)
	assert.Equal(t, 100, profile.Clamp.Max)

	assert.Equal(t, []string{"pcd", "pcd2", "lat"}, bundle.Contract.Header())
}

func TestLoadBundleRejectsUnknownField(t *testing.T) {
	bad := jerseyYAML + "\nunexpected_key: true\n"
	dir := writeBundleFixture(t, bad)

	_, err := LoadBundle(dir)
	require.Error(t, err)
}

func TestLoadBundleRejectsCodeMismatch(t *testing.T) {
	bad := strings.ReplaceAll(jerseyYAML, "code: JE", "code: GG")
	dir := writeBundleFixture(t, bad)

	_, err := LoadBundle(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "territory.code")
}

func TestLoadBundleRejectsDegenerateBBox(t *testing.T) {
	bad := strings.ReplaceAll(jerseyYAML, "max_lat: 49.28", "max_lat: 49.00")
	dir := writeBundleFixture(t, bad)

	_, err := LoadBundle(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bbox_wgs84")
}

func TestLoadBundleRejectsUnknownProfileReference(t *testing.T) {
	bad := strings.ReplaceAll(jerseyYAML, "scoring_profile: crown_dependency_default", "scoring_profile: missing")
	dir := writeBundleFixture(t, bad)

	_, err := LoadBundle(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown scoring profile")
}

func TestLoadScoringProfilesRejectsDuplicateRuleID(t *testing.T) {
	dir := t.TempDir()
	bad := strings.ReplaceAll(scoringYAML, "id: authoritative_bonus", "id: base")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scoring_rules.yml"), []byte(bad), 0o644))

	_, err := LoadScoringProfiles(filepath.Join(dir, "scoring_rules.yml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicates rule id")
}

func TestLoadScoringProfilesRejectsBadCondition(t *testing.T) {
	dir := t.TempDir()
	bad := strings.ReplaceAll(scoringYAML, "when: has_source(osm)", "when: wibble(osm)")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scoring_rules.yml"), []byte(bad), 0o644))

	_, err := LoadScoringProfiles(filepath.Join(dir, "scoring_rules.yml"))
	require.Error(t, err)
}

func TestLoadContractColumnsRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	bad := strings.ReplaceAll(contractYAML, "name: pcd2", "name: pcd")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "onspd_columns.yml"), []byte(bad), 0o644))

	_, err := LoadContractColumns(filepath.Join(dir, "onspd_columns.yml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate contract columns")
}

func TestResolveTerritories(t *testing.T) {
	all, err := ResolveTerritories("all")
	require.NoError(t, err)
	assert.Equal(t, []string{"JE", "GY", "IM"}, all)

	one, err := ResolveTerritories("GY")
	require.NoError(t, err)
	assert.Equal(t, []string{"GY"}, one)

	_, err = ResolveTerritories("XX")
	assert.Error(t, err)
}

func TestLoadBundle_ShippedConfig(t *testing.T) {
	bundle, err := LoadBundle(filepath.Join("..", "..", "config"))
	require.NoError(t, err)

	require.Len(t, bundle.Territories, 3)
	for code, cfg := range bundle.Territories {
		assert.Equal(t, code, cfg.Territory.Code)
		assert.True(t, cfg.Overpass.Enabled, code)
		assert.True(t, cfg.Geofabrik.Enabled, code)
		_, ok := bundle.Profiles[cfg.ScoringProfile]
		assert.True(t, ok, code)
	}

	assert.Equal(t, 3109, bundle.Territories["JE"].CRS.HintBySource["je_planning_addresses"])
	assert.Equal(t, 3108, bundle.Territories["GY"].CRS.HintBySource["gy_cadastre_addresses"])
	assert.Equal(t, 27700, bundle.Territories["IM"].CRS.HintBySource["im_government_addresses"])
	assert.Equal(t, "pcd", bundle.Contract.Header()[0])
}
