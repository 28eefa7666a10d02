// Package address turns matched segments into human-readable address ranges.
package address

import (
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/segmatch/internal/store"
)

// Bounds returns the smallest and largest positive civic number across all
// four bounds of every segment. ok is false when there is none.
func Bounds(segments []store.StreetSegment) (lo, hi int, ok bool) {
	for i := range segments {
		for _, b := range segments[i].Bounds() {
			if b == nil || *b <= 0 {
				continue
			}
			if !ok {
				lo, hi, ok = *b, *b, true
				continue
			}
			if *b < lo {
				lo = *b
			}
			if *b > hi {
				hi = *b
			}
		}
	}
	return lo, hi, ok
}

// Compose returns the full label ("100-200 Queen St W", "12 Queen St W" or
// just the street name) and the compact range ("100-200", "12" or "").
func Compose(streetName string, segments []store.StreetSegment) (full, rng string) {
	lo, hi, ok := Bounds(segments)
	if !ok {
		return streetName, ""
	}
	if lo == hi {
		rng = strconv.Itoa(lo)
	} else {
		rng = strconv.Itoa(lo) + "-" + strconv.Itoa(hi)
	}
	if streetName == "" {
		return rng, rng
	}
	return rng + " " + streetName, rng
}

// DisplayName picks the label for a matched street: the raw name of the first
// segment that has one, else the normalized name in title case.
func DisplayName(normalized string, segments []store.StreetSegment) string {
	for i := range segments {
		if name := strings.TrimSpace(segments[i].StreetName); name != "" {
			return name
		}
	}
	// a Caser is stateful, so one per call
	return cases.Title(language.English).String(normalized)
}

// Output combines per-street results into the fields written on a
// disruption record. Multiple streets are joined with "; " in result order.
func Output(results []store.MatchResult) store.AddressOutput {
	var fulls, ranges []string
	for _, r := range results {
		if r.AddressFull != nil && *r.AddressFull != "" {
			fulls = append(fulls, *r.AddressFull)
		}
		if r.AddressRange != nil && *r.AddressRange != "" {
			ranges = append(ranges, *r.AddressRange)
		}
	}

	out := store.AddressOutput{HasMatch: len(results) > 0}
	if len(fulls) > 0 {
		s := strings.Join(fulls, "; ")
		out.AddressFull = &s
	}
	if len(ranges) > 0 {
		s := strings.Join(ranges, "; ")
		out.AddressRange = &s
	}
	return out
}
