package overpass

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crown-postcodes/harvest-cli/internal/config"
	"github.com/crown-postcodes/harvest-cli/internal/coords"
	"github.com/crown-postcodes/harvest-cli/internal/fetcher"
	"github.com/crown-postcodes/harvest-cli/internal/model"
	"github.com/crown-postcodes/harvest-cli/internal/resilience"
)

func testClient() *fetcher.Client {
	return fetcher.NewClient(fetcher.ClientOptions{
		Retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2.0,
		},
		ArcGISRPS:   1000,
		OverpassRPS: 1000,
	})
}

func jerseyBBox() coords.BBox {
	return coords.BBox{MinLat: 49.15, MaxLat: 49.28, MinLon: -2.30, MaxLon: -2.00}
}

const payload = `{
  "elements": [
    {"type": "node", "id": 101, "lat": 49.20, "lon": -2.10,
     "tags": {"addr:postcode": "JE2 3AB", "addr:street": "King Street"}},
    {"type": "way", "id": 202, "center": {"lat": 49.25, "lon": -2.15},
     "tags": {"addr:postcode": "JE3 4CD"}},
    {"type": "node", "id": 303, "lat": 49.22, "lon": -2.12,
     "tags": {"amenity": "pub"}}
  ]
}`

func TestHarvestIngestsElements(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotQuery = r.PostForm.Get("data")
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	// Keep the post-query pause out of test time.
	origSleep := postQuerySleep
	postQuerySleep = fetcher.SleepWindow{Min: 0, Max: time.Millisecond}
	t.Cleanup(func() { postQuerySleep = origSleep })

	records, err := NewHarvester(testClient()).Harvest(context.Background(), HarvestOptions{
		Territory:   "JE",
		RunID:       "run-3",
		ExtractDate: "2026-08-30",
		Config: config.OverpassConfig{
			Enabled:        true,
			Endpoint:       srv.URL,
			TimeoutSeconds: 180,
			AreaStrategy:   "bbox",
		},
		BBox: jerseyBBox(),
	})
	require.NoError(t, err)
	require.Len(t, records, 2, "untagged element must be skipped")

	assert.Contains(t, gotQuery, "[out:json][timeout:180];")
	assert.Contains(t, gotQuery, `node["addr:postcode"](49.15,-2.3,49.28,-2);`)

	node := records[0]
	assert.Equal(t, "osm_overpass", node.SourceName)
	assert.Equal(t, model.ClassOSM, node.SourceClass)
	assert.Equal(t, "node/101", node.SourceRecordID)
	assert.Equal(t, "JE2 3AB", node.RawPostcode)
	require.NotNil(t, node.RawLat)
	assert.InDelta(t, 49.20, *node.RawLat, 1e-9)
	require.NotNil(t, node.SourceWKID)
	assert.Equal(t, 4326, *node.SourceWKID)

	// Way geometry comes from its center.
	way := records[1]
	assert.Equal(t, "way/202", way.SourceRecordID)
	require.NotNil(t, way.RawLat)
	assert.InDelta(t, 49.25, *way.RawLat, 1e-9)
}

func TestBuildQueryAreaStrategy(t *testing.T) {
	query, err := BuildQuery(config.OverpassConfig{
		AreaStrategy:   "area",
		AreaISOCode:    "IM",
		TimeoutSeconds: 90,
	}, coords.BBox{})
	require.NoError(t, err)

	assert.Contains(t, query, "[out:json][timeout:90];")
	assert.Contains(t, query, `area["ISO3166-1"="IM"][admin_level=2]->.t;`)
	assert.Contains(t, query, `node["addr:postcode"](area.t);`)
	assert.Contains(t, query, `relation["addr:postcode"](area.t);`)
	assert.Contains(t, query, "out center;")
}

func TestBuildQueryDefaultsTimeout(t *testing.T) {
	query, err := BuildQuery(config.OverpassConfig{
		AreaStrategy: "bbox",
	}, jerseyBBox())
	require.NoError(t, err)
	assert.Contains(t, query, "[timeout:180]")
}

func TestBuildQueryRejectsBadStrategy(t *testing.T) {
	_, err := BuildQuery(config.OverpassConfig{AreaStrategy: "polygon"}, coords.BBox{})
	require.Error(t, err)

	_, err = BuildQuery(config.OverpassConfig{AreaStrategy: "area"}, coords.BBox{})
	require.Error(t, err, "area strategy requires an ISO code")
}

func TestPickTagPrefersCandidates(t *testing.T) {
	tags := map[string]string{
		"postal_code":   "IM1 2AU",
		"addr:postcode": "IM9 9ZZ",
	}
	assert.Equal(t, "IM1 2AU", pickTag(tags, []string{"postal_code"}))
	assert.Equal(t, "IM9 9ZZ", pickTag(tags, nil))
	assert.Equal(t, "", pickTag(map[string]string{"amenity": "pub"}, []string{"postal_code"}))
}
