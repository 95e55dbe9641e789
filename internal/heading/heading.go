// Package heading defines the values exchanged between sources, the fusion
// core and consumers.
package heading

import (
	"fmt"
	"strings"
	"time"
)

// Source tags where a heading observation came from.
type Source int

const (
	SourceNone Source = iota
	PlatformCompass
	OrientationSensor
	AbsoluteOrientationEvent
	RelativeOrientationEvent
	GPSCourseOverGround
)

var sourceNames = map[Source]string{
	SourceNone:               "none",
	PlatformCompass:          "platform_compass",
	OrientationSensor:        "orientation_sensor",
	AbsoluteOrientationEvent: "absolute_orientation_event",
	RelativeOrientationEvent: "relative_orientation_event",
	GPSCourseOverGround:      "gps_course_over_ground",
}

func (s Source) String() string {
	if n, ok := sourceNames[s]; ok {
		return n
	}
	return fmt.Sprintf("source(%d)", int(s))
}

// Valid reports whether s is a concrete observation source.
func (s Source) Valid() bool {
	return s >= PlatformCompass && s <= GPSCourseOverGround
}

// IsGPS reports whether s is derived from GPS motion rather than a device sensor.
func (s Source) IsGPS() bool { return s == GPSCourseOverGround }

func (s Source) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Source) UnmarshalText(b []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(b)))
	for k, n := range sourceNames {
		if n == v {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("heading: unknown source %q", v)
}

// Sample is a single quality-scored heading observation.
type Sample struct {
	HeadingDeg float64
	Quality    float64
	Source     Source
	Timestamp  time.Time
}

// Fix is one geolocation reading.
type Fix struct {
	LatDeg    float64   `json:"lat_deg"`
	LonDeg    float64   `json:"lon_deg"`
	SpeedMps  *float64  `json:"speed_mps,omitempty"`
	AccuracyM float64   `json:"accuracy_m"`
	Time      time.Time `json:"time,omitempty"`
}

// State is the fused estimate. HeadingDeg is nil until the first sample is accepted.
type State struct {
	HeadingDeg *float64  `json:"heading_deg"`
	Source     Source    `json:"source"`
	Quality    float64   `json:"quality"`
	SpeedMph   float64   `json:"speed_mph"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}
