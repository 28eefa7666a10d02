package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCenterOf(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantLat float64
		wantLon float64
	}{
		{"bare line", `[[0,0],[2,2]]`, 1, 1},
		{"bare multi line", `[[[0,0],[2,0]],[[4,0]]]`, 0, 2},
		{"geojson line string", `{"type":"LineString","coordinates":[[-79.40,43.64],[-79.38,43.66]]}`, 43.65, -79.39},
		{"geojson multi line string", `{"type":"MultiLineString","coordinates":[[[-79.4,43.6]],[[-79.2,43.8]]]}`, 43.7, -79.3},
		{"string wrapped", `"{\"type\":\"LineString\",\"coordinates\":[[10,20],[20,40]]}"`, 30, 15},
		{"vertices with altitude", `[[1,1,100],[3,3,120]]`, 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := CenterOf([]byte(tt.input))
			require.NoError(t, err)
			assert.InDelta(t, tt.wantLat, p.Lat, 1e-9)
			assert.InDelta(t, tt.wantLon, p.Lon, 1e-9)
		})
	}
}

func TestCenterOfEmpty(t *testing.T) {
	for _, input := range []string{``, `null`, `[]`, `[[]]`, `{"type":"LineString","coordinates":[]}`} {
		_, err := CenterOf([]byte(input))
		assert.ErrorIs(t, err, ErrNoVertices, "input %q", input)
	}
}

func TestCenterOfMalformed(t *testing.T) {
	for _, input := range []string{`{not json`, `[[0,0],[1`, `{"type":"Polygon","coordinates":[[[0,0],[1,1],[0,1],[0,0]]]}`, `"unterminated`} {
		_, err := CenterOf([]byte(input))
		assert.Error(t, err, "input %q", input)
	}
}

func TestCenterNoVertices(t *testing.T) {
	_, ok := Center(nil)
	assert.False(t, ok)

	_, ok = Center(Line{{}, {}})
	assert.False(t, ok)
}
