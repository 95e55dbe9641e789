package adapter

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"heading-ng/internal/angle"
	"heading-ng/internal/heading"
	"heading-ng/internal/observability"
)

// QualityFromAccuracy maps a platform compass accuracy (degrees) to a fusion
// weight. Negative or unknown accuracy means the compass is uncalibrated.
func QualityFromAccuracy(accDeg float64) float64 {
	switch {
	case math.IsNaN(accDeg) || accDeg < 0:
		return 0.3
	case accDeg <= 15:
		return 0.95
	case accDeg <= 30:
		return 0.75
	case accDeg <= 50:
		return 0.5
	default:
		return 0.3
	}
}

// Compass forwards platform compass headings carried on orientation events.
type Compass struct {
	events OrientationEvents
	log    logrus.FieldLogger
	g      gate
}

func NewCompass(events OrientationEvents, log logrus.FieldLogger) *Compass {
	return &Compass{events: events, log: observability.OrDiscard(log).WithField("adapter", "compass")}
}

func (c *Compass) Name() string { return "compass" }

func (c *Compass) Start(sink Sink) error {
	if c.events == nil {
		return ErrUnavailable
	}
	err := c.g.open(sink, func() (func(), error) {
		return c.events.SubscribeOrientation(c.handle)
	})
	if err != nil {
		return fmt.Errorf("adapter: compass: %w", err)
	}
	return nil
}

func (c *Compass) handle(ev OrientationEvent) {
	if ev.CompassHeading == nil {
		return
	}
	h := *ev.CompassHeading
	if math.IsNaN(h) || math.IsInf(h, 0) {
		return
	}
	acc := -1.0
	if ev.CompassAccuracy != nil {
		acc = *ev.CompassAccuracy
	}
	q := QualityFromAccuracy(acc)
	c.g.deliver(func(s Sink) {
		s.AddSample(angle.Normalize(h), q, heading.PlatformCompass)
	})
}

func (c *Compass) Stop() { c.g.close() }

func (c *Compass) Running() bool { return c.g.running() }
