// Package geometry parses line-shaped segment geometry and derives the
// representative point used for spatial bucketing.
package geometry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/stat"
)

var ErrNoVertices = errors.New("geometry: no vertices")

// Position is a single [lon, lat] vertex.
type Position [2]float64

// Line is one or more polyline parts. A LineString has exactly one part.
type Line [][]Position

// Point is a representative coordinate.
type Point struct {
	Lat float64
	Lon float64
}

type geoJSON struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// ParseLine decodes a GeoJSON LineString or MultiLineString, a bare
// coordinate array of either shape, or a JSON string wrapping any of those.
func ParseLine(raw []byte) (Line, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, ErrNoVertices
	}

	// some feeds ship the geometry as an escaped JSON string
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			return nil, fmt.Errorf("failed to decode geometry string: %w", err)
		}
		return ParseLine([]byte(inner))
	}

	if trimmed[0] == '{' {
		var g geoJSON
		if err := json.Unmarshal([]byte(trimmed), &g); err != nil {
			return nil, fmt.Errorf("failed to decode geometry object: %w", err)
		}
		switch g.Type {
		case "LineString", "MultiLineString", "":
			return parseCoordinates(g.Coordinates)
		default:
			return nil, fmt.Errorf("unsupported geometry type %q", g.Type)
		}
	}

	return parseCoordinates([]byte(trimmed))
}

func parseCoordinates(raw json.RawMessage) (Line, error) {
	if len(raw) == 0 {
		return nil, ErrNoVertices
	}

	var multi [][][]float64
	if err := json.Unmarshal(raw, &multi); err == nil {
		line := make(Line, 0, len(multi))
		for _, part := range multi {
			positions, err := toPositions(part)
			if err != nil {
				return nil, err
			}
			line = append(line, positions)
		}
		return line, nil
	}

	var single [][]float64
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("failed to decode coordinates: %w", err)
	}
	positions, err := toPositions(single)
	if err != nil {
		return nil, err
	}
	return Line{positions}, nil
}

func toPositions(vertices [][]float64) ([]Position, error) {
	out := make([]Position, 0, len(vertices))
	for _, v := range vertices {
		if len(v) < 2 {
			return nil, fmt.Errorf("vertex has %d ordinates, want at least 2", len(v))
		}
		out = append(out, Position{v[0], v[1]})
	}
	return out, nil
}

// VertexCount returns the number of vertices across all parts.
func (l Line) VertexCount() int {
	n := 0
	for _, part := range l {
		n += len(part)
	}
	return n
}

// Center returns the arithmetic mean of every vertex across all parts.
// The second value is false when the line has no vertices.
func Center(l Line) (Point, bool) {
	n := l.VertexCount()
	if n == 0 {
		return Point{}, false
	}

	lons := make([]float64, 0, n)
	lats := make([]float64, 0, n)
	for _, part := range l {
		for _, p := range part {
			lons = append(lons, p[0])
			lats = append(lats, p[1])
		}
	}

	return Point{
		Lat: stat.Mean(lats, nil),
		Lon: stat.Mean(lons, nil),
	}, true
}

// CenterOf parses raw and returns its center in one step.
func CenterOf(raw []byte) (Point, error) {
	line, err := ParseLine(raw)
	if err != nil {
		return Point{}, err
	}
	p, ok := Center(line)
	if !ok {
		return Point{}, ErrNoVertices
	}
	return p, nil
}
