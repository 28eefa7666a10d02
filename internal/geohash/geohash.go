// Package geohash encodes coordinates into base-32 geohash strings used as
// spatial bucket keys for street segments.
//
// Cell sizes for the two precisions stored on every segment:
//
//	6 → ~1.2 km x 0.6 km (±610 m)   coarse bucket
//	7 → ~153 m x 153 m   (±76 m)    fine bucket
package geohash

import (
	"errors"
	"fmt"
	"math"

	gh "github.com/mmcloughlin/geohash"
)

const (
	FinePrecision   = 7
	CoarsePrecision = 6
	MaxPrecision    = 12
)

// edge keeps the north and east bounds inside the last cell; it is far
// below the cell size at MaxPrecision.
const edge = 1e-9

var (
	ErrInvalidCoordinate = errors.New("geohash: coordinate out of range")
	ErrInvalidPrecision  = errors.New("geohash: precision out of range")
)

// Encode returns the geohash of (lat, lon) with exactly precision characters.
func Encode(lat, lon float64, precision int) (string, error) {
	if precision < 1 || precision > MaxPrecision {
		return "", fmt.Errorf("%w: %d", ErrInvalidPrecision, precision)
	}
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return "", fmt.Errorf("%w: (%f, %f)", ErrInvalidCoordinate, lat, lon)
	}
	lat = math.Min(lat, 90-edge)
	lon = math.Min(lon, 180-edge)
	return gh.EncodeWithPrecision(lat, lon, uint(precision)), nil
}

// Pair encodes the fine and coarse bucket keys for a point.
func Pair(lat, lon float64) (fine, coarse string, err error) {
	fine, err = Encode(lat, lon, FinePrecision)
	if err != nil {
		return "", "", err
	}
	// the coarse hash is a prefix of the fine one
	return fine, fine[:CoarsePrecision], nil
}
