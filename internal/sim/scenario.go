package sim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"heading-ng/internal/angle"
)

// ScenarioScript is a deterministic, script-driven device trajectory.
//
// Time is expressed as Go duration strings (e.g. "0s", "250ms", "10s").
// If Duration is zero, it is derived from the latest keyframe time.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 60s
//	loop: true
//	keyframes:
//	  - t: 0s
//	    lat_deg: 45.0
//	    lon_deg: -122.0
//	    speed_mps: 0
//	    course_deg: 90
//	    compass_accuracy_deg: -1
//
// Keyframes must use non-decreasing t values.
type ScenarioScript struct {
	Version   int           `yaml:"version"`
	Duration  time.Duration `yaml:"duration"`
	Loop      bool          `yaml:"loop"`
	Keyframes []Keyframe    `yaml:"keyframes"`
}

// Keyframe is a time-stamped device state.
type Keyframe struct {
	T                  time.Duration `yaml:"t"`
	LatDeg             float64       `yaml:"lat_deg"`
	LonDeg             float64       `yaml:"lon_deg"`
	SpeedMps           float64       `yaml:"speed_mps"`
	CourseDeg          float64       `yaml:"course_deg"`
	CompassAccuracyDeg float64       `yaml:"compass_accuracy_deg"`
}

// Scenario is the validated, runtime representation. It implements Path.
type Scenario struct {
	script   ScenarioScript
	duration time.Duration
}

// LoadScenarioScript reads and unmarshals a YAML scenario script from path.
func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioScriptYAML(b)
}

func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ScenarioScript{}, err
	}
	return s, nil
}

// NewScenario validates script and returns a runtime Scenario.
func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	if len(script.Keyframes) == 0 {
		return nil, fmt.Errorf("keyframes is required")
	}
	for i, kf := range script.Keyframes {
		if kf.T < 0 {
			return nil, fmt.Errorf("keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && kf.T < script.Keyframes[i-1].T {
			return nil, fmt.Errorf("keyframes must be sorted by t (index %d)", i)
		}
		if !angle.Valid(kf.CourseDeg) || kf.SpeedMps < 0 {
			return nil, fmt.Errorf("keyframes[%d]: course_deg must be in [0,360) and speed_mps >= 0", i)
		}
	}

	dur := script.Duration
	if dur <= 0 {
		dur = script.Keyframes[len(script.Keyframes)-1].T
	}
	if dur <= 0 && script.Loop {
		return nil, fmt.Errorf("duration is required (or derivable from keyframes) when loop is set")
	}
	return &Scenario{script: script, duration: dur}, nil
}

func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// MotionAt wraps elapsed around Duration when the script loops; otherwise
// it clamps to [0, Duration].
func (s *Scenario) MotionAt(elapsed time.Duration) Motion {
	if s == nil {
		return Motion{}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if s.duration > 0 {
		if s.script.Loop {
			elapsed %= s.duration
		} else if elapsed > s.duration {
			elapsed = s.duration
		}
	}

	k0, k1, a := selectSegment(s.script.Keyframes, elapsed)
	return Motion{
		LatDeg:             lerp(k0.LatDeg, k1.LatDeg, a),
		LonDeg:             lerp(k0.LonDeg, k1.LonDeg, a),
		SpeedMps:           lerp(k0.SpeedMps, k1.SpeedMps, a),
		CourseDeg:          angle.Blend(k0.CourseDeg, k1.CourseDeg, a),
		CompassAccuracyDeg: k0.CompassAccuracyDeg,
	}
}

func selectSegment(kfs []Keyframe, t time.Duration) (Keyframe, Keyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	return k0, k1, min(max(alpha, 0), 1)
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
