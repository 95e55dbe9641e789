// Package platform selects the tuning profile for a host platform class.
//
// Every threshold here was tuned empirically on real devices; none of them is
// a physical constant. Config may override any of them.
package platform

import (
	"fmt"
	"strings"
	"time"
)

type Class string

const (
	// ClassIOS: clean compass heading with an accuracy figure, explicit
	// sensor permission, no generic orientation sensor.
	ClassIOS Class = "ios"
	// ClassAndroid: generic orientation sensor and noisy high-rate
	// orientation events.
	ClassAndroid Class = "android"
)

// GPSMode controls when the GPS watch runs.
type GPSMode int

const (
	GPSAlwaysOn GPSMode = iota
	GPSOnDemand
)

func (m GPSMode) String() string {
	if m == GPSOnDemand {
		return "on_demand"
	}
	return "always_on"
}

// Variance holds the local-variance quality adjustment tunables.
type Variance struct {
	Enable     bool
	Window     int
	MinSamples int

	HighDeg    float64
	HighFactor float64
	MidDeg     float64
	MidFactor  float64
	LowDeg     float64
	LowFactor  float64
}

// GPS holds the speed/policy controller tunables.
type GPS struct {
	Mode       GPSMode
	FixTimeout time.Duration
	MaxAge     time.Duration

	MaxAccuracyM     float64
	MinDisplacementM float64
	MinInterval      time.Duration

	BlendMinMph        float64
	BlendMaxMph        float64
	BlendMinQuality    float64
	BlendMaxQuality    float64
	OverrideQuality    float64
	DominantQuality    float64
	WeakCompassQuality float64

	// On-demand engagement: compass readings at or below OnDemandQuality
	// for OnDemandReadings consecutive samples.
	OnDemandQuality  float64
	OnDemandReadings int
}

// Profile is selected once at start and injected into the fusion core, the
// adapters and the policy controller.
type Profile struct {
	Class Class

	BufferCapacity     int
	MinSampleInterval  time.Duration
	SensorFrequencyHz  int
	RequiresPermission bool

	Variance Variance
	GPS      GPS
}

func defaultGPS() GPS {
	return GPS{
		MaxAccuracyM:       50,
		MinDisplacementM:   10,
		MinInterval:        1 * time.Second,
		BlendMinMph:        2,
		BlendMaxMph:        12,
		BlendMinQuality:    0.6,
		BlendMaxQuality:    0.9,
		OverrideQuality:    0.9,
		DominantQuality:    0.85,
		WeakCompassQuality: 0.5,
		OnDemandQuality:    0.3,
		OnDemandReadings:   5,
	}
}

func defaultVariance() Variance {
	return Variance{
		Window:     10,
		MinSamples: 5,
		HighDeg:    15,
		HighFactor: 0.5,
		MidDeg:     10,
		MidFactor:  0.7,
		LowDeg:     3,
		LowFactor:  1.1,
	}
}

func IOS() Profile {
	g := defaultGPS()
	g.Mode = GPSOnDemand
	g.FixTimeout = 10 * time.Second
	g.MaxAge = 0
	return Profile{
		Class:              ClassIOS,
		BufferCapacity:     15,
		SensorFrequencyHz:  60,
		RequiresPermission: true,
		Variance:           defaultVariance(),
		GPS:                g,
	}
}

func Android() Profile {
	v := defaultVariance()
	v.Enable = true
	g := defaultGPS()
	g.Mode = GPSAlwaysOn
	g.FixTimeout = 5 * time.Second
	g.MaxAge = 1 * time.Second
	return Profile{
		Class:             ClassAndroid,
		BufferCapacity:    25,
		MinSampleInterval: 50 * time.Millisecond,
		SensorFrequencyHz: 20,
		Variance:          v,
		GPS:               g,
	}
}

// ForClass returns the default profile for a platform class name.
func ForClass(name string) (Profile, error) {
	switch Class(strings.ToLower(strings.TrimSpace(name))) {
	case ClassIOS:
		return IOS(), nil
	case ClassAndroid, "":
		return Android(), nil
	default:
		return Profile{}, fmt.Errorf("platform: unknown class %q", name)
	}
}

// Validate rejects profiles that would break buffer or policy invariants.
func (p Profile) Validate() error {
	if p.BufferCapacity < 1 {
		return fmt.Errorf("platform: buffer capacity must be >= 1")
	}
	if p.MinSampleInterval < 0 {
		return fmt.Errorf("platform: min sample interval must be >= 0")
	}
	if p.Variance.Enable {
		if p.Variance.Window < 1 || p.Variance.MinSamples < 1 || p.Variance.MinSamples > p.Variance.Window {
			return fmt.Errorf("platform: variance min samples must be in [1,window]")
		}
	}
	if p.GPS.BlendMaxMph <= p.GPS.BlendMinMph {
		return fmt.Errorf("platform: gps blend max speed must exceed min speed")
	}
	if p.GPS.OnDemandReadings < 1 {
		return fmt.Errorf("platform: gps on-demand readings must be >= 1")
	}
	return nil
}
