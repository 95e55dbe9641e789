// Package geodesy computes bearings and distances between GPS fixes.
package geodesy

import (
	geo "github.com/kellydunn/golang-geo"

	"heading-ng/internal/angle"
)

const (
	// EarthRadiusM matches golang-geo's EARTH_RADIUS (km) in meters.
	EarthRadiusM = 6371000.0

	mpsToMph  = 2.23694
	knotToMps = 0.514444
)

// Bearing returns the great-circle initial bearing from fix 1 to fix 2, in [0,360).
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	return angle.Normalize(geo.NewPoint(lat1, lon1).BearingTo(geo.NewPoint(lat2, lon2)))
}

// DistanceMeters is the haversine distance between two fixes.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	return geo.NewPoint(lat1, lon1).GreatCircleDistance(geo.NewPoint(lat2, lon2)) * 1000.0
}

func MpsToMph(v float64) float64 { return v * mpsToMph }

func KnotsToMps(v float64) float64 { return v * knotToMps }

// Offset returns the point reached by travelling distanceM meters from
// (lat, lon) on the given bearing.
func Offset(lat, lon, bearingDeg, distanceM float64) (float64, float64) {
	p := geo.NewPoint(lat, lon).PointAtDistanceAndBearing(distanceM/1000.0, bearingDeg)
	return p.Lat(), p.Lng()
}
