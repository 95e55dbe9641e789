package sim

import (
	"math"
	"time"

	"heading-ng/internal/angle"
)

const metersPerDegLat = 111320.0

// Motion is the simulated device state at one instant. The device always
// points along its course.
type Motion struct {
	LatDeg    float64
	LonDeg    float64
	CourseDeg float64
	SpeedMps  float64
	// CompassAccuracyDeg overrides the configured compass accuracy when
	// non-zero. Negative means uncalibrated.
	CompassAccuracyDeg float64
}

// Path yields the device motion at an elapsed time since the simulation
// started.
type Path interface {
	MotionAt(elapsed time.Duration) Motion
}

// FigureEight is a deterministic Lissajous track around a center point.
type FigureEight struct {
	CenterLatDeg float64
	CenterLonDeg float64
	RadiusM      float64
	Period       time.Duration
}

func (s FigureEight) MotionAt(elapsed time.Duration) Motion {
	period := s.Period
	if period <= 0 {
		period = 240 * time.Second
	}
	radius := s.RadiusM
	if radius <= 0 {
		radius = 400
	}

	phase := float64(elapsed%period) / float64(period)
	if phase < 0 {
		phase += 1
	}

	// x (east) = cos(2πt), y (north) = 0.5*sin(4πt), both scaled by radius.
	// y stays within [-0.5, 0.5] so the track crosses itself at the center.
	w := 2 * math.Pi * phase
	x := math.Cos(w)
	y := 0.5 * math.Sin(2*w)

	radiusDeg := radius / metersPerDegLat
	lat := s.CenterLatDeg + radiusDeg*y
	lon := s.CenterLonDeg + (radiusDeg*x)/math.Cos(angle.DegToRad(s.CenterLatDeg))

	// Velocity per unit phase, then scaled to m/s.
	vx := -2 * math.Pi * math.Sin(w)
	vy := 2 * math.Pi * math.Cos(2*w)
	speed := math.Hypot(vx, vy) * radius / period.Seconds()
	course := angle.Normalize(angle.RadToDeg(math.Atan2(vx, vy)))

	return Motion{LatDeg: lat, LonDeg: lon, CourseDeg: course, SpeedMps: speed}
}
