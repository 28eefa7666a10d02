package address

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/segmatch/internal/store"
)

func intp(v int) *int { return &v }

func strp(s string) *string { return &s }

func TestCompose(t *testing.T) {
	tests := []struct {
		name      string
		street    string
		segments  []store.StreetSegment
		wantFull  string
		wantRange string
	}{
		{
			name:   "both sides",
			street: "Queen St W",
			segments: []store.StreetSegment{{
				LeftFrom: intp(100), LeftTo: intp(200), RightFrom: intp(101), RightTo: intp(199),
			}},
			wantFull:  "100-200 Queen St W",
			wantRange: "100-200",
		},
		{
			name:   "across segments",
			street: "Queen St W",
			segments: []store.StreetSegment{
				{LeftFrom: intp(300), LeftTo: intp(398)},
				{RightFrom: intp(101), RightTo: intp(199)},
			},
			wantFull:  "101-398 Queen St W",
			wantRange: "101-398",
		},
		{
			name:      "single value",
			street:    "Bay St",
			segments:  []store.StreetSegment{{LeftFrom: intp(12), LeftTo: intp(12), RightFrom: intp(0)}},
			wantFull:  "12 Bay St",
			wantRange: "12",
		},
		{
			name:      "non positive ignored",
			street:    "Bay St",
			segments:  []store.StreetSegment{{LeftFrom: intp(0), LeftTo: intp(-5)}},
			wantFull:  "Bay St",
			wantRange: "",
		},
		{
			name:      "no bounds",
			street:    "Lost Ln",
			segments:  []store.StreetSegment{{}, {}},
			wantFull:  "Lost Ln",
			wantRange: "",
		},
		{
			name:      "no segments",
			street:    "Lost Ln",
			wantFull:  "Lost Ln",
			wantRange: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			full, rng := Compose(tt.street, tt.segments)
			assert.Equal(t, tt.wantFull, full)
			assert.Equal(t, tt.wantRange, rng)
		})
	}
}

func TestDisplayName(t *testing.T) {
	segs := []store.StreetSegment{{StreetName: " "}, {StreetName: "Queen St W"}}
	assert.Equal(t, "Queen St W", DisplayName("queen st w", segs))
	assert.Equal(t, "Queen St W", DisplayName("queen st w", nil))
}

func TestOutput(t *testing.T) {
	out := Output([]store.MatchResult{
		{AddressFull: strp("100-200 Queen St W"), AddressRange: strp("100-200")},
		{AddressFull: strp("Spadina Ave"), AddressRange: strp("")},
	})
	assert.True(t, out.HasMatch)
	assert.Equal(t, "100-200 Queen St W; Spadina Ave", *out.AddressFull)
	assert.Equal(t, "100-200", *out.AddressRange)

	empty := Output(nil)
	assert.False(t, empty.HasMatch)
	assert.Nil(t, empty.AddressFull)
	assert.Nil(t, empty.AddressRange)
}
