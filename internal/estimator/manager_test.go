package estimator

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heading-ng/internal/adapter"
	"heading-ng/internal/adapter/adaptertest"
	"heading-ng/internal/angle"
	"heading-ng/internal/calibration"
	"heading-ng/internal/geodesy"
	"heading-ng/internal/heading"
	"heading-ng/internal/observability"
	"heading-ng/internal/platform"
)

type fakePermissions struct {
	granted bool
	err     error
	calls   int
}

func (p *fakePermissions) RequestPermission(context.Context) (bool, error) {
	p.calls++
	return p.granted, p.err
}

type harness struct {
	events  *adaptertest.Events
	sensor  *adaptertest.Sensor
	geo     *adaptertest.Geo
	store   *calibration.MemoryStore
	clock   *clockwork.FakeClock
	metrics *observability.Metrics
}

func newHarness() *harness {
	return &harness{
		events:  &adaptertest.Events{},
		sensor:  &adaptertest.Sensor{},
		geo:     &adaptertest.Geo{},
		store:   calibration.NewMemoryStore(0),
		clock:   clockwork.NewFakeClock(),
		metrics: observability.NewMetricsForTesting(),
	}
}

func (h *harness) manager(p platform.Profile, perms Permissions) *Manager {
	return New(Config{
		Profile:     p,
		Host:        adapter.Host{Events: h.events, Sensor: h.sensor, Geo: h.geo},
		Permissions: perms,
		Store:       h.store,
		DeviceID:    "test-device",
		Clock:       h.clock,
		Metrics:     h.metrics,
	})
}

func requireHeadingNear(t *testing.T, snap Snapshot, want, tol float64) {
	t.Helper()
	require.NotNil(t, snap.HeadingDeg)
	d := angle.Difference(*snap.HeadingDeg, want)
	require.InDeltaf(t, 0, d, tol, "heading=%v want=%v", *snap.HeadingDeg, want)
}

func TestManager_StartStopAndroid(t *testing.T) {
	h := newHarness()
	m := h.manager(platform.Android(), nil)
	require.Nil(t, m.Snapshot().HeadingDeg)
	require.NoError(t, m.Start(context.Background()))

	snap := m.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, PermissionGranted, snap.Permission)
	assert.Equal(t, []string{"compass", "sensor", "orientation_event"}, snap.Adapters)
	assert.True(t, snap.GPSActive, "android keeps gps on")
	assert.Equal(t, adapter.WatchOptions{HighAccuracy: true, MaximumAge: time.Second, Timeout: 5 * time.Second}, h.geo.Opts)
	assert.Equal(t, 20, h.sensor.FreqHz)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.AdaptersRunning))

	h.events.Emit(adapter.OrientationEvent{CompassHeading: adaptertest.Float(90), CompassAccuracy: adaptertest.Float(5)})
	h.clock.Advance(100 * time.Millisecond)
	h.events.Emit(adapter.OrientationEvent{CompassHeading: adaptertest.Float(92), CompassAccuracy: adaptertest.Float(5)})
	snap = m.Snapshot()
	requireHeadingNear(t, snap, 91, 1e-6)
	assert.Equal(t, heading.PlatformCompass, snap.Source)

	m.Stop()
	m.Stop()

	snap = m.Snapshot()
	assert.False(t, snap.Running)
	assert.False(t, snap.GPSActive)
	assert.Empty(t, snap.Adapters)
	assert.Equal(t, 0, h.events.Subscribers())
	assert.False(t, h.sensor.Active())
	assert.False(t, h.geo.Watching())

	before := m.State()
	h.clock.Advance(time.Second)
	h.events.Emit(adapter.OrientationEvent{CompassHeading: adaptertest.Float(10)})
	h.sensor.Read(adapter.Quaternion{W: 1})
	h.geo.Fix(heading.Fix{LatDeg: 1, LonDeg: 1, AccuracyM: 5})
	assert.Equal(t, before, m.State(), "no sample after stop")
}

func TestManager_SubscribeReceivesStates(t *testing.T) {
	h := newHarness()
	m := h.manager(platform.IOS(), nil)
	var got []heading.State
	cancel := m.Subscribe(func(st heading.State) { got = append(got, st) })
	require.NoError(t, m.Start(context.Background()))

	h.events.Emit(adapter.OrientationEvent{CompassHeading: adaptertest.Float(45), CompassAccuracy: adaptertest.Float(10)})
	require.NotEmpty(t, got)
	require.NotNil(t, got[len(got)-1].HeadingDeg)

	cancel()
	n := len(got)
	h.events.Emit(adapter.OrientationEvent{CompassHeading: adaptertest.Float(46), CompassAccuracy: adaptertest.Float(10)})
	assert.Len(t, got, n)
	m.Stop()
}

func TestManager_AdapterFallback(t *testing.T) {
	h := newHarness()
	h.sensor.Err = errors.New("SecurityError")
	m := New(Config{
		Profile: platform.Android(),
		Host:    adapter.Host{Sensor: h.sensor, Geo: h.geo},
		Clock:   h.clock,
	})
	require.NoError(t, m.Start(context.Background()))
	snap := m.Snapshot()
	assert.Empty(t, snap.Adapters)
	assert.True(t, snap.Running)
	assert.True(t, snap.GPSActive)

	// GPS-only heading.
	lat, lon := 40.0, -75.0
	h.geo.Fix(heading.Fix{LatDeg: lat, LonDeg: lon, AccuracyM: 5, Time: h.clock.Now()})
	lat2, lon2 := geodesy.Offset(lat, lon, 30, 50)
	h.geo.Fix(heading.Fix{LatDeg: lat2, LonDeg: lon2, AccuracyM: 5, Time: h.clock.Now().Add(2 * time.Second)})

	snap = m.Snapshot()
	requireHeadingNear(t, snap, 30, 0.5)
	assert.Equal(t, heading.GPSCourseOverGround, snap.Source)
	assert.InDelta(t, 55.9, snap.SpeedMph, 0.2)
	m.Stop()
}

func TestManager_NoHostCapabilities(t *testing.T) {
	m := New(Config{Profile: platform.IOS()})
	require.NoError(t, m.Start(context.Background()))
	snap := m.Snapshot()
	assert.Empty(t, snap.Adapters)
	assert.True(t, snap.GPSEngaged)
	assert.False(t, snap.GPSActive)
	assert.Nil(t, snap.HeadingDeg)
	m.Stop()
}

// feedTrack sends two fixes 50 m apart on bearing 30, two seconds apart.
func feedTrack(h *harness) {
	lat, lon := 40.0, -75.0
	h.geo.Fix(heading.Fix{LatDeg: lat, LonDeg: lon, AccuracyM: 5, Time: h.clock.Now()})
	lat2, lon2 := geodesy.Offset(lat, lon, 30, 50)
	h.geo.Fix(heading.Fix{LatDeg: lat2, LonDeg: lon2, AccuracyM: 5, Time: h.clock.Now().Add(2 * time.Second)})
}

func TestManager_OnDemandGPSOnlyFallback(t *testing.T) {
	h := newHarness()
	m := New(Config{
		Profile: platform.IOS(),
		Host:    adapter.Host{Geo: h.geo},
		Clock:   h.clock,
	})
	require.NoError(t, m.Start(context.Background()))
	snap := m.Snapshot()
	assert.Empty(t, snap.Adapters)
	assert.True(t, snap.GPSEngaged)
	require.True(t, snap.GPSActive)

	feedTrack(h)
	snap = m.Snapshot()
	requireHeadingNear(t, snap, 30, 0.5)
	assert.Equal(t, heading.GPSCourseOverGround, snap.Source)

	m.Stop()
	assert.False(t, h.geo.Watching())
	assert.False(t, m.Snapshot().GPSEngaged)
}

func TestManager_LoadsOffset(t *testing.T) {
	h := newHarness()
	h.store = calibration.NewMemoryStore(10)
	m := h.manager(platform.IOS(), nil)
	require.NoError(t, m.Start(context.Background()))

	h.events.Emit(adapter.OrientationEvent{CompassHeading: adaptertest.Float(350), CompassAccuracy: adaptertest.Float(5)})
	snap := m.Snapshot()
	requireHeadingNear(t, snap, 0, 1e-6)
	assert.Equal(t, 10.0, snap.OffsetDeg)
	m.Stop()
}

func TestManager_LoadFailureFallsBackToZero(t *testing.T) {
	h := newHarness()
	h.store.LoadErr = calibration.ErrInvalid
	m := h.manager(platform.IOS(), nil)
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, 0.0, m.CalibrationOffset())
	m.Stop()
}

func TestManager_Calibration(t *testing.T) {
	h := newHarness()
	m := h.manager(platform.IOS(), nil)
	require.NoError(t, m.Start(context.Background()))
	h.events.Emit(adapter.OrientationEvent{CompassHeading: adaptertest.Float(100), CompassAccuracy: adaptertest.Float(5)})

	off, err := m.SetCalibrationOffset(170)
	require.NoError(t, err)
	assert.Equal(t, 170.0, off)
	requireHeadingNear(t, m.Snapshot(), 270, 1e-6)

	off, err = m.AdjustCalibration(20)
	require.NoError(t, err)
	assert.Equal(t, -170.0, off)
	requireHeadingNear(t, m.Snapshot(), 290, 1e-6)

	saved, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, -170.0, saved)

	_, err = m.AdjustCalibration(math.NaN())
	assert.ErrorIs(t, err, ErrInvalidOffset)
	assert.Equal(t, -170.0, m.CalibrationOffset())
	m.Stop()
}

func TestManager_PersistenceFailureKeepsOffset(t *testing.T) {
	h := newHarness()
	h.store.SaveErr = errors.New("quota exceeded")
	m := h.manager(platform.IOS(), nil)
	require.NoError(t, m.Start(context.Background()))
	h.events.Emit(adapter.OrientationEvent{CompassHeading: adaptertest.Float(350), CompassAccuracy: adaptertest.Float(5)})

	off, err := m.SetCalibrationOffset(10)
	require.NoError(t, err)
	assert.Equal(t, 10.0, off)
	requireHeadingNear(t, m.Snapshot(), 0, 1e-6)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CalibrationSaves.WithLabelValues("error")))
	m.Stop()
}

func TestManager_Permission(t *testing.T) {
	t.Run("NotRequired", func(t *testing.T) {
		h := newHarness()
		perms := &fakePermissions{}
		m := h.manager(platform.Android(), perms)
		assert.Equal(t, PermissionGranted, m.RequestPermission(context.Background()))
		assert.Equal(t, 0, perms.calls)
	})
	t.Run("Denied", func(t *testing.T) {
		h := newHarness()
		perms := &fakePermissions{granted: false}
		m := h.manager(platform.IOS(), perms)
		assert.Equal(t, PermissionPrompt, m.Permission())
		require.NoError(t, m.Start(context.Background()))
		snap := m.Snapshot()
		assert.Equal(t, PermissionDenied, snap.Permission)
		assert.Empty(t, snap.Adapters)
		assert.Equal(t, 0, h.events.Subscribers())
		assert.True(t, snap.GPSActive, "denied sensors fall back to gps")

		feedTrack(h)
		requireHeadingNear(t, m.Snapshot(), 30, 0.5)
		m.Stop()
	})
	t.Run("Error", func(t *testing.T) {
		h := newHarness()
		m := h.manager(platform.IOS(), &fakePermissions{err: errors.New("NotAllowedError")})
		assert.Equal(t, PermissionDenied, m.RequestPermission(context.Background()))
	})
	t.Run("Granted", func(t *testing.T) {
		h := newHarness()
		perms := &fakePermissions{granted: true}
		m := h.manager(platform.IOS(), perms)
		assert.Equal(t, PermissionGranted, m.RequestPermission(context.Background()))
		require.NoError(t, m.Start(context.Background()))
		assert.Equal(t, 1, perms.calls, "start does not prompt again")
		assert.NotEmpty(t, m.Snapshot().Adapters)
		m.Stop()
	})
}

func TestManager_OnDemandGPS(t *testing.T) {
	h := newHarness()
	m := h.manager(platform.IOS(), nil)
	require.NoError(t, m.Start(context.Background()))
	assert.False(t, m.Snapshot().GPSActive)

	poor := adapter.OrientationEvent{CompassHeading: adaptertest.Float(10), CompassAccuracy: adaptertest.Float(-1)}
	for i := 0; i < 5; i++ {
		h.events.Emit(poor)
	}
	snap := m.Snapshot()
	assert.True(t, snap.GPSEngaged)
	assert.True(t, snap.GPSActive)
	assert.Equal(t, 10*time.Second, h.geo.Opts.Timeout)

	good := adapter.OrientationEvent{CompassHeading: adaptertest.Float(10), CompassAccuracy: adaptertest.Float(5)}
	for i := 0; i < 5; i++ {
		h.events.Emit(good)
	}
	snap = m.Snapshot()
	assert.False(t, snap.GPSEngaged)
	assert.False(t, snap.GPSActive)
	starts, stops := h.geo.Counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
	m.Stop()
}

func TestManager_FixTimeoutIsSilent(t *testing.T) {
	h := newHarness()
	m := h.manager(platform.Android(), nil)
	require.NoError(t, m.Start(context.Background()))
	h.geo.Fail(adapter.ErrFixTimeout)
	h.geo.Fail(errors.New("POSITION_UNAVAILABLE"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.GPSFixes.WithLabelValues("timeout")))
	assert.True(t, m.Snapshot().GPSActive)
	m.Stop()
}

func TestManager_Restart(t *testing.T) {
	h := newHarness()
	m := h.manager(platform.Android(), nil)
	require.NoError(t, m.Start(context.Background()))
	h.events.Emit(adapter.OrientationEvent{CompassHeading: adaptertest.Float(80), CompassAccuracy: adaptertest.Float(5)})
	m.Stop()
	requireHeadingNear(t, m.Snapshot(), 80, 1e-6)

	require.NoError(t, m.Start(context.Background()))
	assert.Nil(t, m.Snapshot().HeadingDeg, "a new session starts without old samples")
	assert.Equal(t, 2, h.events.Subscribers())
	assert.True(t, h.geo.Watching())
	m.Stop()
}

func TestManager_ConcurrentStartStop(t *testing.T) {
	h := newHarness()
	m := h.manager(platform.Android(), nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			m.Stop()
		}()
	}
	wg.Wait()
	m.Stop()

	assert.False(t, m.Snapshot().Running)
	assert.Equal(t, 0, h.events.Subscribers())
	assert.False(t, h.geo.Watching())
}
