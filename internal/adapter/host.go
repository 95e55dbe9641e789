// Package adapter turns host orientation capabilities into heading samples.
//
// The host side is described by small interfaces so the same adapters run
// against the simulator, the MQTT bridge, a replayed session or a test fake.
package adapter

import (
	"errors"
	"time"

	"heading-ng/internal/heading"
)

// ErrUnavailable is returned by Start when the host lacks the capability an
// adapter needs.
var ErrUnavailable = errors.New("adapter: capability unavailable")

// ErrFixTimeout is passed to a geolocation error callback when one fix
// attempt exceeded WatchOptions.Timeout. The watch keeps running.
var ErrFixTimeout = errors.New("adapter: geolocation fix timed out")

// OrientationEvent is one device orientation reading. Alpha is the raw yaw
// angle in degrees, counter-clockwise from the device reference. When the
// platform exposes a true compass heading it is carried in CompassHeading
// together with its accuracy in degrees (negative = uncalibrated).
type OrientationEvent struct {
	Alpha           *float64  `json:"alpha,omitempty"`
	Absolute        bool      `json:"absolute"`
	CompassHeading  *float64  `json:"compass_heading,omitempty"`
	CompassAccuracy *float64  `json:"compass_accuracy,omitempty"`
	Time            time.Time `json:"time,omitempty"`
}

type OrientationEvents interface {
	// SubscribeOrientation delivers events to fn until cancel is called.
	SubscribeOrientation(fn func(OrientationEvent)) (cancel func(), err error)
}

type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

type OrientationSensor interface {
	// StartSensor starts a quaternion stream at roughly freqHz. onError is
	// called for sensor error events; the stream may keep running afterwards.
	StartSensor(freqHz int, onReading func(Quaternion), onError func(error)) (stop func(), err error)
}

type WatchOptions struct {
	HighAccuracy bool
	// MaximumAge is the oldest cached fix the host may deliver. Zero means
	// only fresh fixes.
	MaximumAge time.Duration
	// Timeout bounds each fix attempt. Zero means no timeout.
	Timeout time.Duration
}

type Geolocation interface {
	WatchPosition(opts WatchOptions, onFix func(heading.Fix), onError func(error)) (stop func(), err error)
}

// Host bundles the capabilities a platform offers. Nil fields are missing
// capabilities.
type Host struct {
	Events OrientationEvents
	Sensor OrientationSensor
	Geo    Geolocation
}

// Sink receives samples. *fusion.Fuser implements it.
type Sink interface {
	AddSample(headingDeg, quality float64, src heading.Source) bool
}

// Adapter is one heading source.
type Adapter interface {
	Name() string
	// Start begins delivering samples into sink. It returns ErrUnavailable
	// (possibly wrapped) when the host cannot provide the source.
	Start(sink Sink) error
	// Stop is idempotent. No sample reaches the sink after Stop returns.
	Stop()
}
