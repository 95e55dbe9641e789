// Package sim provides a simulated device host: orientation events, a
// quaternion sensor, geolocation and a permission prompt, all driven by a
// deterministic path on a clockwork clock.
package sim

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"heading-ng/internal/adapter"
	"heading-ng/internal/angle"
	"heading-ng/internal/heading"
	"heading-ng/internal/observability"
)

// Config selects what the simulated device exposes.
type Config struct {
	Path Path
	// Tick paces orientation events.
	Tick        time.Duration
	FixInterval time.Duration
	// CompassAccuracyDeg is reported with compass headings; negative means
	// uncalibrated. A path Motion can override it per instant.
	CompassAccuracyDeg float64
	FixAccuracyM       float64
	// NoiseDeg is the standard deviation of gaussian heading noise.
	NoiseDeg float64
	Seed     int64

	Sensor   bool
	Compass  bool
	Absolute bool

	DenyPermission bool
}

// Device is a simulated host. It implements adapter.OrientationEvents,
// adapter.OrientationSensor, adapter.Geolocation and the permission prompt.
type Device struct {
	cfg   Config
	clock clockwork.Clock
	log   logrus.FieldLogger
	start time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	streams map[*stream]struct{}
	prompts int
}

type Option func(*Device)

func WithClock(c clockwork.Clock) Option {
	return func(d *Device) {
		if c != nil {
			d.clock = c
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Device) { d.log = observability.OrDiscard(l) }
}

func New(cfg Config, opts ...Option) *Device {
	if cfg.Path == nil {
		cfg.Path = FigureEight{}
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}
	if cfg.FixInterval <= 0 {
		cfg.FixInterval = time.Second
	}
	if cfg.FixAccuracyM <= 0 {
		cfg.FixAccuracyM = 8
	}
	d := &Device{
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		log:     observability.Discard(),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		streams: map[*stream]struct{}{},
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.WithField("component", "sim")
	d.start = d.clock.Now()
	return d
}

// Host exposes the enabled capabilities. Geolocation is always present.
func (d *Device) Host() adapter.Host {
	h := adapter.Host{Geo: d}
	if d.cfg.Compass || d.cfg.Absolute {
		h.Events = d
	}
	if d.cfg.Sensor {
		h.Sensor = d
	}
	return h
}

// MotionNow is the current ground truth.
func (d *Device) MotionNow() Motion {
	return d.cfg.Path.MotionAt(d.clock.Since(d.start))
}

func (d *Device) noisy(deg float64) float64 {
	if d.cfg.NoiseDeg <= 0 {
		return deg
	}
	d.rngMu.Lock()
	n := d.rng.NormFloat64() * d.cfg.NoiseDeg
	d.rngMu.Unlock()
	return angle.Normalize(deg + n)
}

func (d *Device) RequestPermission(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.Lock()
	d.prompts++
	d.mu.Unlock()
	d.log.WithField("granted", !d.cfg.DenyPermission).Debug("permission prompt answered")
	return !d.cfg.DenyPermission, nil
}

// Prompts counts permission requests.
func (d *Device) Prompts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prompts
}

// SubscribeOrientation emits a compass event per tick when Compass is set,
// and an absolute alpha event per tick when Absolute is set.
func (d *Device) SubscribeOrientation(fn func(adapter.OrientationEvent)) (func(), error) {
	if fn == nil {
		return nil, errors.New("sim: nil orientation callback")
	}
	if !d.cfg.Compass && !d.cfg.Absolute {
		return nil, adapter.ErrUnavailable
	}
	return d.run(d.cfg.Tick, func(now time.Time) {
		m := d.MotionNow()
		if d.cfg.Compass {
			acc := d.cfg.CompassAccuracyDeg
			if m.CompassAccuracyDeg != 0 {
				acc = m.CompassAccuracyDeg
			}
			h := d.noisy(m.CourseDeg)
			alpha := angle.Normalize(360 - h)
			fn(adapter.OrientationEvent{
				Alpha:           &alpha,
				Absolute:        true,
				CompassHeading:  &h,
				CompassAccuracy: &acc,
				Time:            now,
			})
		}
		if d.cfg.Absolute {
			alpha := angle.Normalize(360 - d.noisy(m.CourseDeg))
			fn(adapter.OrientationEvent{Alpha: &alpha, Absolute: true, Time: now})
		}
	}), nil
}

// StartSensor emits the quaternion for the current course at freqHz.
func (d *Device) StartSensor(freqHz int, onReading func(adapter.Quaternion), onError func(error)) (func(), error) {
	if !d.cfg.Sensor {
		return nil, adapter.ErrUnavailable
	}
	if freqHz <= 0 || onReading == nil {
		return nil, errors.New("sim: sensor needs a positive frequency and a reading callback")
	}
	interval := time.Second / time.Duration(freqHz)
	return d.run(interval, func(time.Time) {
		onReading(quaternionForHeading(d.noisy(d.MotionNow().CourseDeg)))
	}), nil
}

// quaternionForHeading is a pure rotation about the vertical axis. Yaw is
// counter-clockwise, so yaw = -heading.
func quaternionForHeading(deg float64) adapter.Quaternion {
	half := -angle.DegToRad(deg) / 2
	return adapter.Quaternion{Z: math.Sin(half), W: math.Cos(half)}
}

// WatchPosition emits a fix every FixInterval. When FixInterval exceeds
// opts.Timeout the watch only reports ErrFixTimeout, like a receiver that
// never acquires a fix.
func (d *Device) WatchPosition(opts adapter.WatchOptions, onFix func(heading.Fix), onError func(error)) (func(), error) {
	if onFix == nil {
		return nil, errors.New("sim: nil fix callback")
	}
	interval := d.cfg.FixInterval
	if opts.Timeout > 0 && interval > opts.Timeout && onError != nil {
		return d.run(opts.Timeout, func(time.Time) { onError(adapter.ErrFixTimeout) }), nil
	}
	return d.run(interval, func(now time.Time) {
		m := d.MotionNow()
		speed := m.SpeedMps
		onFix(heading.Fix{
			LatDeg:    m.LatDeg,
			LonDeg:    m.LonDeg,
			SpeedMps:  &speed,
			AccuracyM: d.cfg.FixAccuracyM,
			Time:      now,
		})
	}), nil
}

// Close stops every running stream.
func (d *Device) Close() {
	d.mu.Lock()
	ss := make([]*stream, 0, len(d.streams))
	for s := range d.streams {
		ss = append(ss, s)
	}
	d.mu.Unlock()
	for _, s := range ss {
		s.stop()
	}
}

type stream struct {
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *stream) stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

// run calls fn on every tick until the returned stop is called.
func (d *Device) run(interval time.Duration, fn func(now time.Time)) func() {
	s := &stream{done: make(chan struct{})}
	d.mu.Lock()
	d.streams[s] = struct{}{}
	d.mu.Unlock()

	tk := d.clock.NewTicker(interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer tk.Stop()
		for {
			select {
			case <-s.done:
				return
			case now := <-tk.Chan():
				fn(now)
			}
		}
	}()

	return func() {
		s.stop()
		d.mu.Lock()
		delete(d.streams, s)
		d.mu.Unlock()
	}
}
