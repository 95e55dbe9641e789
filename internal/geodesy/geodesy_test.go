package geodesy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBearing_Cardinals(t *testing.T) {
	assert.InDelta(t, 0, Bearing(45, -122, 45.01, -122), 1e-6)
	assert.InDelta(t, 180, Bearing(45.01, -122, 45, -122), 1e-6)
	assert.InDelta(t, 90, Bearing(0, 10, 0, 10.01), 1e-6)
	assert.InDelta(t, 270, Bearing(0, 10.01, 0, 10), 1e-6)
}

func TestBearing_InRange(t *testing.T) {
	for _, d := range []float64{-0.01, 0.01} {
		got := Bearing(10, 10, 10+d, 10-d)
		if got < 0 || got >= 360 {
			t.Fatalf("bearing=%v out of range", got)
		}
	}
}

func TestDistanceMeters(t *testing.T) {
	// One degree of latitude on a 6,371 km sphere.
	want := 2 * math.Pi * EarthRadiusM / 360
	assert.InDelta(t, want, DistanceMeters(45, 7, 46, 7), 1e-3)
	assert.Equal(t, 0.0, DistanceMeters(45, 7, 45, 7))
}

func TestOffset_RoundTrip(t *testing.T) {
	lat, lon := Offset(45.5, -122.6, 30, 50)
	assert.InDelta(t, 50, DistanceMeters(45.5, -122.6, lat, lon), 0.01)
	assert.InDelta(t, 30, Bearing(45.5, -122.6, lat, lon), 0.01)
}

func TestUnitConversions(t *testing.T) {
	assert.InDelta(t, 22.3694, MpsToMph(10), 1e-9)
	assert.InDelta(t, 5.14444, KnotsToMps(10), 1e-9)
}
