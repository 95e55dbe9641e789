package adapter

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"heading-ng/internal/angle"
	"heading-ng/internal/heading"
	"heading-ng/internal/observability"
)

const (
	absoluteEventQuality = 0.85
	relativeEventQuality = 0.5
)

// HeadingFromAlpha converts a counter-clockwise alpha angle to a compass heading.
func HeadingFromAlpha(alpha float64) float64 {
	return angle.Normalize(360 - alpha)
}

// Events forwards raw orientation events that carry no compass heading.
// Events with a compass heading are left to the Compass adapter.
type Events struct {
	events OrientationEvents
	log    logrus.FieldLogger
	g      gate
}

func NewEvents(events OrientationEvents, log logrus.FieldLogger) *Events {
	return &Events{events: events, log: observability.OrDiscard(log).WithField("adapter", "orientation_event")}
}

func (e *Events) Name() string { return "orientation_event" }

func (e *Events) Start(sink Sink) error {
	if e.events == nil {
		return ErrUnavailable
	}
	err := e.g.open(sink, func() (func(), error) {
		return e.events.SubscribeOrientation(e.handle)
	})
	if err != nil {
		return fmt.Errorf("adapter: orientation events: %w", err)
	}
	return nil
}

func (e *Events) handle(ev OrientationEvent) {
	if ev.CompassHeading != nil || ev.Alpha == nil {
		return
	}
	a := *ev.Alpha
	if math.IsNaN(a) || math.IsInf(a, 0) {
		return
	}
	src, q := heading.RelativeOrientationEvent, relativeEventQuality
	if ev.Absolute {
		src, q = heading.AbsoluteOrientationEvent, absoluteEventQuality
	}
	h := HeadingFromAlpha(a)
	e.g.deliver(func(s Sink) {
		s.AddSample(h, q, src)
	})
}

func (e *Events) Stop() { e.g.close() }

func (e *Events) Running() bool { return e.g.running() }
