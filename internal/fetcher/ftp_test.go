package fetcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFTPURL(t *testing.T) {
	host, path, err := parseFTPURL("ftp://mirror.example.org/extracts/jersey-latest.osm.pbf")
	require.NoError(t, err)
	assert.Equal(t, "mirror.example.org:21", host)
	assert.Equal(t, "/extracts/jersey-latest.osm.pbf", path)
}

func TestParseFTPURL_KeepsExplicitPort(t *testing.T) {
	host, _, err := parseFTPURL("ftp://mirror.example.org:2121/x.json")
	require.NoError(t, err)
	assert.Equal(t, "mirror.example.org:2121", host)
}

func TestParseFTPURL_Rejections(t *testing.T) {
	_, _, err := parseFTPURL("https://mirror.example.org/x.json")
	assert.Error(t, err, "non-ftp scheme")

	_, _, err = parseFTPURL("ftp://mirror.example.org")
	assert.Error(t, err, "empty path")
}
