// Package proximity derives distance, ring and ETA facts from a position and
// a fixed point. Everything here except Estimator is pure.
package proximity

import (
	"math"

	"order-tracking/internal/domain"
)

const EarthRadiusMeters = 6371000.0

// Distance returns the great-circle distance between a and b in meters (Haversine).
func Distance(a, b domain.Coordinates) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	dPhi := (b.Lat - a.Lat) * math.Pi / 180
	dLambda := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	// rounding can push h just outside [0, 1] for antipodal points
	h = math.Min(1, math.Max(0, h))
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// NewFact classifies sample against the restaurant location. eta may be nil.
func NewFact(sample domain.PositionSample, restaurant domain.Coordinates, rings Rings, eta *float64) domain.ProximityFact {
	d := Distance(sample.Coordinates, restaurant)
	return domain.ProximityFact{
		DistanceMeters: d,
		RingTag:        Classify(d, rings),
		EtaSeconds:     eta,
	}
}
