package sim

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestScenario_ParseAndInterpolateAngleWrap(t *testing.T) {
	yaml := []byte(`
version: 1
# duration derived from last keyframe
keyframes:
  - t: 0s
    lat_deg: 0
    lon_deg: 0
    speed_mps: 10
    course_deg: 350
    compass_accuracy_deg: -1
  - t: 10s
    lat_deg: 10
    lon_deg: 20
    speed_mps: 20
    course_deg: 10
    compass_accuracy_deg: 10
`)

	script, err := ParseScenarioScriptYAML(yaml)
	if err != nil {
		t.Fatalf("ParseScenarioScriptYAML: %v", err)
	}
	scn, err := NewScenario(script)
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	if scn.Duration() != 10*time.Second {
		t.Fatalf("duration: got %s want %s", scn.Duration(), 10*time.Second)
	}

	m := scn.MotionAt(5 * time.Second)
	// Course 350->10 should interpolate via +20deg shortest path:
	// halfway is 0 degrees.
	if m.CourseDeg != 0 {
		t.Fatalf("course wrap interpolation: got %v want 0", m.CourseDeg)
	}
	if m.LatDeg != 5 || m.LonDeg != 10 {
		t.Fatalf("position interpolation: got %v,%v want 5,10", m.LatDeg, m.LonDeg)
	}
	if m.SpeedMps != 15 {
		t.Fatalf("speed interpolation: got %v want 15", m.SpeedMps)
	}
	// Compass accuracy steps at keyframes rather than interpolating.
	if m.CompassAccuracyDeg != -1 {
		t.Fatalf("compass accuracy: got %v want -1", m.CompassAccuracyDeg)
	}
}

func TestScenario_LoopAndClamp(t *testing.T) {
	base := `
duration: 10s
keyframes:
  - t: 0s
    lat_deg: 0
    lon_deg: 0
    course_deg: 0
  - t: 10s
    lat_deg: 10
    lon_deg: 0
    course_deg: 0
`
	for _, tc := range []struct {
		name string
		loop string
		want float64
	}{
		{"Clamp", "", 10},
		{"Loop", "loop: true\n", 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			script, err := ParseScenarioScriptYAML([]byte(tc.loop + base))
			if err != nil {
				t.Fatalf("ParseScenarioScriptYAML: %v", err)
			}
			scn, err := NewScenario(script)
			if err != nil {
				t.Fatalf("NewScenario: %v", err)
			}
			if got := scn.MotionAt(11 * time.Second).LatDeg; got != tc.want {
				t.Fatalf("lat at 11s: got %v want %v", got, tc.want)
			}
		})
	}
}

func TestScenario_Validation(t *testing.T) {
	cases := []struct {
		name   string
		script ScenarioScript
		want   string
	}{
		{"Version", ScenarioScript{Version: 2, Keyframes: []Keyframe{{}}}, "unsupported scenario version 2"},
		{"Empty", ScenarioScript{}, "keyframes is required"},
		{"Negative", ScenarioScript{Keyframes: []Keyframe{{T: -time.Second}}}, "keyframes[0].t must be >= 0"},
		{"Unsorted", ScenarioScript{Keyframes: []Keyframe{{T: 2 * time.Second}, {T: time.Second}}}, "keyframes must be sorted by t (index 1)"},
		{"Course", ScenarioScript{Keyframes: []Keyframe{{CourseDeg: 360}}}, "keyframes[0]: course_deg must be in [0,360) and speed_mps >= 0"},
		{"LoopWithoutDuration", ScenarioScript{Loop: true, Keyframes: []Keyframe{{}}}, "duration is required (or derivable from keyframes) when loop is set"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewScenario(tc.script)
			if err == nil || err.Error() != tc.want {
				t.Fatalf("err=%v want %q", err, tc.want)
			}
		})
	}
}

func TestLoadScenarioScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drive.yaml")
	if err := os.WriteFile(path, []byte("keyframes:\n  - t: 0s\n    lat_deg: 1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	script, err := LoadScenarioScript(path)
	if err != nil {
		t.Fatalf("LoadScenarioScript: %v", err)
	}
	scn, err := NewScenario(script)
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	// A single keyframe holds still forever.
	if m := scn.MotionAt(time.Hour); m.LatDeg != 1 || m.SpeedMps != 0 {
		t.Fatalf("motion=%+v", m)
	}
	if _, err := LoadScenarioScript(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestFigureEight_StaysWithinRadius(t *testing.T) {
	s := FigureEight{CenterLatDeg: 45, CenterLonDeg: -122, RadiusM: 400, Period: 120 * time.Second}
	maxLatDeg := 0.5 * 400 / metersPerDegLat
	for i := 0; i < 120; i++ {
		m := s.MotionAt(time.Duration(i) * time.Second)
		if math.Abs(m.LatDeg-45) > maxLatDeg+1e-9 {
			t.Fatalf("lat out of bounds at %ds: %v", i, m.LatDeg)
		}
		if m.CourseDeg < 0 || m.CourseDeg >= 360 {
			t.Fatalf("course out of range at %ds: %v", i, m.CourseDeg)
		}
		if m.SpeedMps <= 0 {
			t.Fatalf("speed must be positive at %ds: %v", i, m.SpeedMps)
		}
	}
	// Start of the track: heading due north from the east lobe.
	m := s.MotionAt(0)
	if math.Abs(m.CourseDeg) > 1e-9 {
		t.Fatalf("course at t=0: got %v want 0", m.CourseDeg)
	}
	// Speed at t=0 is R*2π/T.
	want := 400 * 2 * math.Pi / 120
	if math.Abs(m.SpeedMps-want) > 1e-9 {
		t.Fatalf("speed at t=0: got %v want %v", m.SpeedMps, want)
	}
}
