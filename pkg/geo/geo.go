// Package geo provides geographic utility functions for the dispatch core.
//
// All distance calculations use the Haversine formula on WGS-84 coordinates.
// Polyline decoding follows the standard Google 1e5-scaled delta encoding.
package geo

import (
	"math"

	"github.com/ridecore/dispatch/internal/model"
)

// ─── Constants ──────────────────────────────────────────────

const (
	// EarthRadiusKm is the mean radius of Earth in kilometers.
	EarthRadiusKm = 6371.0

	// polylinePrecision is the 1e5 scale factor of the standard encoding.
	polylinePrecision = 1e5
)

// ─── Distance ───────────────────────────────────────────────

// HaversineKm returns the great-circle distance between two points in
// kilometers. Complexity: O(1).
func HaversineKm(a, b model.Point) float64 {
	dLat := degToRad(b.Lat - a.Lat)
	dLng := degToRad(b.Lng - a.Lng)

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)

	h := sinLat*sinLat +
		math.Cos(degToRad(a.Lat))*math.Cos(degToRad(b.Lat))*sinLng*sinLng

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// ToPoint builds a model.Point from raw lat/lng, mirroring the original
// `to_point(lat,lng)` helper (kept as a named constructor since call sites
// read more clearly than a bare struct literal).
func ToPoint(lat, lng float64) model.Point {
	return model.Point{Lat: lat, Lng: lng}
}

// ─── Polyline ───────────────────────────────────────────────

// DecodePolyline decodes a standard 1e5-scaled delta-encoded polyline
// string into an ordered list of points.
func DecodePolyline(encoded string) []model.Point {
	var points []model.Point
	index, lat, lng := 0, 0, 0

	for index < len(encoded) {
		dLat, nextIndex := decodeSignedValue(encoded, index)
		index = nextIndex
		lat += dLat

		dLng, nextIndex2 := decodeSignedValue(encoded, index)
		index = nextIndex2
		lng += dLng

		points = append(points, model.Point{
			Lat: float64(lat) / polylinePrecision,
			Lng: float64(lng) / polylinePrecision,
		})
	}

	return points
}

func decodeSignedValue(encoded string, index int) (int, int) {
	result, shift := 0, 0
	for {
		b := int(encoded[index]) - 63
		index++
		result |= (b & 0x1f) << shift
		shift += 5
		if b < 0x20 {
			break
		}
	}
	if result&1 != 0 {
		return ^(result >> 1), index
	}
	return result >> 1, index
}

// ─── Helpers ────────────────────────────────────────────────

func degToRad(deg float64) float64 {
	return deg * (math.Pi / 180.0)
}
