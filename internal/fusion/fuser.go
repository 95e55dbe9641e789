// Package fusion owns the bounded sample buffer and turns it into a single
// calibrated heading.
//
// Sources are never ranked explicitly: every sample carries a quality that
// acts as its weight in a circular mean over the buffer, and the buffer's
// FIFO eviction makes recent samples dominate.
package fusion

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"heading-ng/internal/angle"
	"heading-ng/internal/heading"
	"heading-ng/internal/observability"
	"heading-ng/internal/platform"
)

type Option func(*Fuser)

func WithClock(c clockwork.Clock) Option {
	return func(f *Fuser) {
		if c != nil {
			f.clock = c
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(f *Fuser) { f.log = observability.OrDiscard(l) }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(f *Fuser) { f.metrics = m }
}

// WithObserver registers fn to receive every new State. fn runs on the
// goroutine that delivered the sample, after the fuser lock is released.
func WithObserver(fn func(heading.State)) Option {
	return func(f *Fuser) {
		if fn != nil {
			f.observers = append(f.observers, fn)
		}
	}
}

type Fuser struct {
	profile   platform.Profile
	clock     clockwork.Clock
	log       logrus.FieldLogger
	metrics   *observability.Metrics
	observers []func(heading.State)

	mu  sync.Mutex
	buf []heading.Sample

	// Rolling window of |delta| between each non-GPS sample and the sample
	// buffered before it.
	deltas []float64

	haveSensor     bool
	lastSensorAt   time.Time
	compassQuality float64

	haveMean bool
	rawMean  float64
	offset   float64

	state heading.State
}

func New(profile platform.Profile, opts ...Option) *Fuser {
	if profile.BufferCapacity < 1 {
		profile.BufferCapacity = 1
	}
	f := &Fuser{
		profile: profile,
		clock:   clockwork.NewRealClock(),
		log:     observability.Discard(),
		buf:     make([]heading.Sample, 0, profile.BufferCapacity+1),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// AddSample offers one observation to the fusion core and reports whether it
// was accepted. Malformed and rate-limited samples are dropped silently.
func (f *Fuser) AddSample(headingDeg, quality float64, src heading.Source) bool {
	if !src.Valid() || !angle.Valid(headingDeg) || !validQuality(quality) {
		f.metrics.ObserveSample(src.String(), "invalid")
		f.log.WithFields(logrus.Fields{"source": src, "heading_deg": headingDeg, "quality": quality}).
			Debug("dropping malformed heading sample")
		return false
	}

	now := f.clock.Now()

	f.mu.Lock()
	if !src.IsGPS() && f.rateLimitedLocked(now) {
		f.mu.Unlock()
		f.metrics.ObserveSample(src.String(), "rate_limited")
		return false
	}

	if !src.IsGPS() {
		quality = f.adjustQualityLocked(headingDeg, quality)
		f.haveSensor = true
		f.lastSensorAt = now
		f.compassQuality = quality
	}

	f.buf = append(f.buf, heading.Sample{
		HeadingDeg: headingDeg,
		Quality:    quality,
		Source:     src,
		Timestamp:  now,
	})
	if over := len(f.buf) - f.profile.BufferCapacity; over > 0 {
		n := copy(f.buf, f.buf[over:])
		f.buf = f.buf[:n]
	}

	f.recomputeLocked()
	f.state.Source = src
	f.state.Quality = quality
	f.state.UpdatedAt = now
	st := f.state
	n := len(f.buf)
	f.mu.Unlock()

	f.metrics.ObserveSample(src.String(), "accepted")
	f.metrics.ObserveFusion(quality, n)
	f.notify(st)
	return true
}

func (f *Fuser) rateLimitedLocked(now time.Time) bool {
	if f.profile.MinSampleInterval <= 0 || f.lastSensorAt.IsZero() {
		return false
	}
	return now.Sub(f.lastSensorAt) < f.profile.MinSampleInterval
}

// adjustQualityLocked scales q by how far recent samples have jumped from
// the sample buffered before them, GPS included. It only acts once the window
// holds MinSamples deltas.
func (f *Fuser) adjustQualityLocked(deg, q float64) float64 {
	v := f.profile.Variance
	if !v.Enable {
		return q
	}
	if n := len(f.buf); n > 0 {
		f.deltas = append(f.deltas, math.Abs(angle.Difference(deg, f.buf[n-1].HeadingDeg)))
		if over := len(f.deltas) - v.Window; over > 0 {
			n := copy(f.deltas, f.deltas[over:])
			f.deltas = f.deltas[:n]
		}
	}
	if len(f.deltas) < v.MinSamples {
		return q
	}

	var sum float64
	for _, d := range f.deltas {
		sum += d
	}
	mean := sum / float64(len(f.deltas))

	switch {
	case mean > v.HighDeg:
		q *= v.HighFactor
	case mean > v.MidDeg:
		q *= v.MidFactor
	case mean < v.LowDeg:
		q = math.Min(1.0, q*v.LowFactor)
	}
	return q
}

// recomputeLocked refreshes the raw circular mean and applies the offset.
// The offset is applied here and nowhere else.
func (f *Fuser) recomputeLocked() {
	w := make([]angle.Weighted, len(f.buf))
	for i, s := range f.buf {
		w[i] = angle.Weighted{Deg: s.HeadingDeg, Weight: s.Quality}
	}
	f.rawMean = angle.CircularMean(w)
	f.haveMean = true
	f.applyOffsetLocked()
}

func (f *Fuser) applyOffsetLocked() {
	if !f.haveMean {
		return
	}
	h := angle.Normalize(f.rawMean + f.offset)
	f.state.HeadingDeg = &h
}

// State returns a snapshot of the fused estimate. It is safe to call before
// any sample arrives; HeadingDeg is nil in that case.
func (f *Fuser) State() heading.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// SetOffset replaces the calibration offset. The calibrated heading is
// re-derived from the stored mean under the same lock.
func (f *Fuser) SetOffset(deg float64) bool {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return false
	}
	f.mu.Lock()
	f.offset = deg
	f.applyOffsetLocked()
	have := f.haveMean
	st := f.state
	f.mu.Unlock()

	if have {
		f.notify(st)
	}
	return true
}

func (f *Fuser) Offset() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}

// SetSpeed records the last known ground speed.
func (f *Fuser) SetSpeed(mph float64) {
	if math.IsNaN(mph) || math.IsInf(mph, 0) || mph < 0 {
		return
	}
	f.mu.Lock()
	f.state.SpeedMph = mph
	st := f.state
	f.mu.Unlock()

	f.metrics.ObserveSpeed(mph)
	f.notify(st)
}

// CompassQuality is the adjusted quality of the latest non-GPS sample.
func (f *Fuser) CompassQuality() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.compassQuality, f.haveSensor
}

func (f *Fuser) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}

func (f *Fuser) Capacity() int { return f.profile.BufferCapacity }

// Reset drops all samples and derived state. The offset is kept.
func (f *Fuser) Reset() {
	f.mu.Lock()
	f.buf = f.buf[:0]
	f.deltas = f.deltas[:0]
	f.haveSensor = false
	f.lastSensorAt = time.Time{}
	f.compassQuality = 0
	f.haveMean = false
	f.rawMean = 0
	f.state = heading.State{}
	f.mu.Unlock()

	f.metrics.ObserveFusion(0, 0)
}

func (f *Fuser) notify(st heading.State) {
	for _, fn := range f.observers {
		fn(st)
	}
}

func validQuality(q float64) bool {
	if math.IsNaN(q) || math.IsInf(q, 0) {
		return false
	}
	return q >= 0 && q <= 1
}
