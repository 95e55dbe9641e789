package adapter

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"heading-ng/internal/angle"
	"heading-ng/internal/heading"
	"heading-ng/internal/observability"
)

const sensorQuality = 0.9

// YawFromQuaternion returns the rotation about the vertical axis in radians,
// counter-clockwise positive.
func YawFromQuaternion(q Quaternion) float64 {
	return math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.Y*q.Y+q.Z*q.Z))
}

// HeadingFromQuaternion converts a device orientation quaternion to a compass
// heading in [0,360). The axis convention is the device frame used by the
// absolute-orientation sensor API: x east, y north, z up.
func HeadingFromQuaternion(q Quaternion) float64 {
	return angle.Normalize(-angle.RadToDeg(YawFromQuaternion(q)))
}

// Sensor reads a generic absolute-orientation sensor.
type Sensor struct {
	sensor OrientationSensor
	freqHz int
	log    logrus.FieldLogger
	g      gate
}

func NewSensor(sensor OrientationSensor, freqHz int, log logrus.FieldLogger) *Sensor {
	if freqHz <= 0 {
		freqHz = 20
	}
	return &Sensor{
		sensor: sensor,
		freqHz: freqHz,
		log:    observability.OrDiscard(log).WithField("adapter", "sensor"),
	}
}

func (s *Sensor) Name() string { return "sensor" }

func (s *Sensor) Start(sink Sink) error {
	if s.sensor == nil {
		return ErrUnavailable
	}
	err := s.g.open(sink, func() (func(), error) {
		return s.sensor.StartSensor(s.freqHz, s.handle, s.fail)
	})
	if err != nil {
		return fmt.Errorf("adapter: sensor: %w", err)
	}
	return nil
}

func (s *Sensor) handle(q Quaternion) {
	n := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return
	}
	h := HeadingFromQuaternion(q)
	s.g.deliver(func(sink Sink) {
		sink.AddSample(h, sensorQuality, heading.OrientationSensor)
	})
}

// fail handles a sensor error event: the adapter stops contributing.
func (s *Sensor) fail(err error) {
	s.log.WithError(err).Warn("orientation sensor error; adapter disabled")
	s.g.disable()
}

func (s *Sensor) Stop() { s.g.close() }

func (s *Sensor) Running() bool { return s.g.running() }
