package sim

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heading-ng/internal/adapter"
	"heading-ng/internal/calibration"
	"heading-ng/internal/estimator"
	"heading-ng/internal/heading"
	"heading-ng/internal/platform"
)

var t0 = time.Date(2025, 12, 22, 12, 0, 0, 0, time.UTC)

func newDevice(t *testing.T, cfg Config) (*Device, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(t0)
	if cfg.Path == nil {
		cfg.Path = FigureEight{CenterLatDeg: 45, CenterLonDeg: -122, RadiusM: 400, Period: 120 * time.Second}
	}
	d := New(cfg, WithClock(clk))
	t.Cleanup(d.Close)
	return d, clk
}

func tick(t *testing.T, clk *clockwork.FakeClock, waiters int, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(ctx, waiters))
	clk.Advance(d)
}

func TestDevice_HostCapabilities(t *testing.T) {
	d, _ := newDevice(t, Config{Sensor: true})
	h := d.Host()
	assert.Nil(t, h.Events)
	assert.NotNil(t, h.Sensor)
	assert.NotNil(t, h.Geo)

	_, err := d.SubscribeOrientation(func(adapter.OrientationEvent) {})
	require.ErrorIs(t, err, adapter.ErrUnavailable)

	d2, _ := newDevice(t, Config{Compass: true})
	assert.NotNil(t, d2.Host().Events)
	assert.Nil(t, d2.Host().Sensor)
	_, err = d2.StartSensor(20, func(adapter.Quaternion) {}, nil)
	require.ErrorIs(t, err, adapter.ErrUnavailable)
}

func TestDevice_OrientationEvents(t *testing.T) {
	d, clk := newDevice(t, Config{Compass: true, Absolute: true, CompassAccuracyDeg: 12, Tick: 100 * time.Millisecond})
	got := make(chan adapter.OrientationEvent, 8)
	stop, err := d.SubscribeOrientation(func(ev adapter.OrientationEvent) { got <- ev })
	require.NoError(t, err)
	defer stop()

	tick(t, clk, 1, 100*time.Millisecond)
	truth := d.MotionNow().CourseDeg

	compass := <-got
	require.NotNil(t, compass.CompassHeading)
	require.NotNil(t, compass.CompassAccuracy)
	assert.InDelta(t, truth, *compass.CompassHeading, 1e-9)
	assert.Equal(t, 12.0, *compass.CompassAccuracy)

	abs := <-got
	assert.Nil(t, abs.CompassHeading)
	assert.True(t, abs.Absolute)
	require.NotNil(t, abs.Alpha)
	assert.InDelta(t, truth, adapter.HeadingFromAlpha(*abs.Alpha), 1e-9)
}

func TestDevice_SensorQuaternionMatchesCourse(t *testing.T) {
	scn, err := NewScenario(ScenarioScript{Keyframes: []Keyframe{{LatDeg: 45, LonDeg: -122, CourseDeg: 200}}})
	require.NoError(t, err)
	d, clk := newDevice(t, Config{Path: scn, Sensor: true})
	got := make(chan adapter.Quaternion, 4)
	stop, err := d.StartSensor(20, func(q adapter.Quaternion) { got <- q }, nil)
	require.NoError(t, err)
	defer stop()

	tick(t, clk, 1, 50*time.Millisecond)
	q := <-got
	assert.InDelta(t, 200, adapter.HeadingFromQuaternion(q), 1e-6)
}

func TestDevice_WatchPosition(t *testing.T) {
	d, clk := newDevice(t, Config{FixInterval: time.Second, FixAccuracyM: 6})
	got := make(chan heading.Fix, 4)
	stop, err := d.WatchPosition(adapter.WatchOptions{Timeout: 10 * time.Second}, func(f heading.Fix) { got <- f }, nil)
	require.NoError(t, err)

	tick(t, clk, 1, time.Second)
	fix := <-got
	m := d.MotionNow()
	assert.InDelta(t, m.LatDeg, fix.LatDeg, 1e-12)
	assert.InDelta(t, m.LonDeg, fix.LonDeg, 1e-12)
	assert.Equal(t, 6.0, fix.AccuracyM)
	require.NotNil(t, fix.SpeedMps)
	assert.InDelta(t, m.SpeedMps, *fix.SpeedMps, 1e-12)
	assert.Equal(t, t0.Add(time.Second), fix.Time)

	stop()
	clk.Advance(5 * time.Second)
	select {
	case f := <-got:
		t.Fatalf("fix after stop: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDevice_WatchPositionTimesOut(t *testing.T) {
	d, clk := newDevice(t, Config{FixInterval: time.Minute})
	errs := make(chan error, 4)
	stop, err := d.WatchPosition(adapter.WatchOptions{Timeout: 5 * time.Second},
		func(heading.Fix) { t.Errorf("unexpected fix") },
		func(err error) { errs <- err })
	require.NoError(t, err)
	defer stop()

	tick(t, clk, 1, 5*time.Second)
	require.ErrorIs(t, <-errs, adapter.ErrFixTimeout)
}

func TestDevice_Permission(t *testing.T) {
	d, _ := newDevice(t, Config{})
	ok, err := d.RequestPermission(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	denied, _ := newDevice(t, Config{DenyPermission: true})
	ok, err = denied.RequestPermission(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, denied.Prompts())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.RequestPermission(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDevice_CloseStopsStreams(t *testing.T) {
	d, clk := newDevice(t, Config{Sensor: true})
	got := make(chan adapter.Quaternion, 4)
	_, err := d.StartSensor(10, func(q adapter.Quaternion) { got <- q }, nil)
	require.NoError(t, err)

	d.Close()
	clk.Advance(time.Second)
	select {
	case <-got:
		t.Fatalf("reading after Close")
	case <-time.After(50 * time.Millisecond):
	}
}

// The estimator converges on the simulated course when driven by the device.
func TestDevice_DrivesEstimator(t *testing.T) {
	scn, err := NewScenario(ScenarioScript{Keyframes: []Keyframe{
		{LatDeg: 45, LonDeg: -122, SpeedMps: 0, CourseDeg: 135},
	}})
	require.NoError(t, err)
	d, clk := newDevice(t, Config{Path: scn, Sensor: true, Compass: true, Absolute: true, CompassAccuracyDeg: 10})

	m := estimator.New(estimator.Config{
		Profile:     platform.Android(),
		Host:        d.Host(),
		Permissions: d,
		Store:       calibration.NewMemoryStore(0),
		Clock:       clk,
	})
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	// compass, sensor, orientation events and the always-on GPS watch.
	tick(t, clk, 4, time.Second)
	require.Eventually(t, func() bool {
		st := m.State()
		return st.HeadingDeg != nil && *st.HeadingDeg > 134.9 && *st.HeadingDeg < 135.1
	}, 2*time.Second, 10*time.Millisecond)
}
