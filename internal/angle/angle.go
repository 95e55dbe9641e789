// Package angle holds the circular math used by the heading estimator.
//
// All headings are compass degrees: 0 = north, increasing clockwise.
package angle

import "math"

// Weighted is a heading with a fusion weight.
type Weighted struct {
	Deg    float64
	Weight float64
}

func DegToRad(deg float64) float64 { return deg * math.Pi / 180.0 }

func RadToDeg(rad float64) float64 { return rad * 180.0 / math.Pi }

// Normalize reduces any finite angle to [0,360).
func Normalize(deg float64) float64 {
	v := math.Mod(deg, 360.0)
	if v < 0 {
		v += 360.0
	}
	// -1e-15 + 360 rounds to 360.
	if v >= 360.0 {
		v = 0
	}
	return v
}

// Difference returns the shortest signed rotation from b to a, in (-180,180].
//
//	Difference(5, 355) == 10
//	Difference(350, 10) == -20
func Difference(a, b float64) float64 {
	d := Normalize(a - b)
	if d > 180.0 {
		d -= 360.0
	}
	return d
}

// Blend moves from toward to by weight (0..1) along the shortest path.
func Blend(from, to, weight float64) float64 {
	return Normalize(from + Difference(to, from)*weight)
}

// CircularMean is the weighted vector mean of the given headings.
//
// When the total weight is zero the last heading is returned unchanged.
// An empty input yields 0.
func CircularMean(samples []Weighted) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSin, sumCos, sumW float64
	for _, s := range samples {
		r := DegToRad(s.Deg)
		sumSin += math.Sin(r) * s.Weight
		sumCos += math.Cos(r) * s.Weight
		sumW += s.Weight
	}
	if sumW == 0 {
		return Normalize(samples[len(samples)-1].Deg)
	}
	return Normalize(RadToDeg(math.Atan2(sumSin, sumCos)))
}

// Valid reports whether deg is a canonical heading.
func Valid(deg float64) bool {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return false
	}
	return deg >= 0 && deg < 360
}
