// Package policy decides when GPS course-over-ground may contribute a heading.
//
// A Controller consumes geolocation fixes, tracks ground speed and bearing
// between accepted fixes, and injects GPS samples into the fusion core with a
// quality that grows with speed. On on-demand profiles GPS is only engaged
// while the compass has been consistently poor.
package policy

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"heading-ng/internal/geodesy"
	"heading-ng/internal/heading"
	"heading-ng/internal/observability"
	"heading-ng/internal/platform"
)

// Fusion is the part of the fusion core the controller drives.
type Fusion interface {
	AddSample(headingDeg, quality float64, src heading.Source) bool
	SetSpeed(mph float64)
	CompassQuality() (float64, bool)
}

type Phase int

const (
	Idle Phase = iota
	Tracking
)

func (p Phase) String() string {
	if p == Tracking {
		return "tracking"
	}
	return "idle"
}

// Result names the outcome of one fix. The values double as metric labels.
type Result string

const (
	ResultInvalid    Result = "invalid"
	ResultInaccurate Result = "inaccurate"
	ResultFirst      Result = "first"
	ResultHeld       Result = "held"
	ResultSlow       Result = "slow"
	ResultDisengaged Result = "disengaged"
	ResultInjected   Result = "injected"
)

// Decision describes what the controller did with a fix.
type Decision struct {
	Result     Result
	BearingDeg float64
	Quality    float64
	SpeedMph   float64
	DistanceM  float64
}

// Track is the controller's view of the last accepted fix.
type Track struct {
	Phase       Phase
	LatDeg      float64
	LonDeg      float64
	Time        time.Time
	BearingDeg  float64
	HaveBearing bool
	SpeedMph    float64
	Engaged     bool
}

type Option func(*Controller)

func WithClock(c clockwork.Clock) Option {
	return func(ctl *Controller) {
		if c != nil {
			ctl.clock = c
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(ctl *Controller) { ctl.log = observability.OrDiscard(l) }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(ctl *Controller) { ctl.metrics = m }
}

// WithEngageFunc registers fn to be told when GPS engagement changes. fn runs
// without the controller lock held.
func WithEngageFunc(fn func(engaged bool)) Option {
	return func(ctl *Controller) { ctl.onEngage = fn }
}

type Controller struct {
	cfg      platform.GPS
	fusion   Fusion
	clock    clockwork.Clock
	log      logrus.FieldLogger
	metrics  *observability.Metrics
	onEngage func(bool)

	mu     sync.Mutex
	track  Track
	low    int
	high   int
	pinned bool
}

func New(cfg platform.GPS, fusion Fusion, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg,
		fusion: fusion,
		clock:  clockwork.NewRealClock(),
		log:    observability.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.track.Engaged = cfg.Mode == platform.GPSAlwaysOn
	c.metrics.SetGPSEngaged(c.track.Engaged)
	return c
}

// HandleFix runs one fix through validation and the Idle/Tracking machine.
// Rejected fixes leave all state untouched.
func (c *Controller) HandleFix(fix heading.Fix) Decision {
	if !validFix(fix) {
		return c.finish(Decision{Result: ResultInvalid}, fix)
	}
	if fix.AccuracyM > c.cfg.MaxAccuracyM {
		return c.finish(Decision{Result: ResultInaccurate}, fix)
	}

	t := fix.Time
	if t.IsZero() {
		t = c.clock.Now()
	}
	reported, haveReported := reportedSpeedMph(fix)

	c.mu.Lock()
	d := c.stepLocked(fix, t, reported, haveReported)
	c.mu.Unlock()

	if haveReported || d.moved() {
		c.fusion.SetSpeed(d.SpeedMph)
	}
	if d.Result == ResultInjected {
		c.fusion.AddSample(d.BearingDeg, d.Quality, heading.GPSCourseOverGround)
	}
	return c.finish(d, fix)
}

// moved reports whether the fix advanced the track.
func (d Decision) moved() bool {
	return d.Result == ResultSlow || d.Result == ResultDisengaged || d.Result == ResultInjected
}

func (c *Controller) stepLocked(fix heading.Fix, t time.Time, reported float64, haveReported bool) Decision {
	if haveReported {
		c.track.SpeedMph = reported
	}

	if c.track.Phase == Idle {
		c.track.Phase = Tracking
		c.track.LatDeg, c.track.LonDeg, c.track.Time = fix.LatDeg, fix.LonDeg, t
		return Decision{Result: ResultFirst, SpeedMph: c.track.SpeedMph}
	}

	elapsed := t.Sub(c.track.Time)
	if elapsed < c.cfg.MinInterval {
		return Decision{Result: ResultHeld, SpeedMph: c.track.SpeedMph}
	}
	dist := geodesy.DistanceMeters(c.track.LatDeg, c.track.LonDeg, fix.LatDeg, fix.LonDeg)
	if dist < c.cfg.MinDisplacementM {
		return Decision{Result: ResultHeld, SpeedMph: c.track.SpeedMph, DistanceM: dist}
	}

	bearing := geodesy.Bearing(c.track.LatDeg, c.track.LonDeg, fix.LatDeg, fix.LonDeg)
	speed := reported
	if !haveReported {
		speed = geodesy.MpsToMph(dist / elapsed.Seconds())
	}
	c.track.LatDeg, c.track.LonDeg, c.track.Time = fix.LatDeg, fix.LonDeg, t
	c.track.BearingDeg, c.track.HaveBearing = bearing, true
	c.track.SpeedMph = speed

	d := Decision{BearingDeg: bearing, SpeedMph: speed, DistanceM: dist}
	switch {
	case !c.track.Engaged:
		d.Result = ResultDisengaged
	case speed < c.cfg.BlendMinMph:
		d.Result = ResultSlow
	default:
		d.Result = ResultInjected
		d.Quality = c.qualityForSpeed(speed)
	}
	return d
}

// qualityForSpeed blends linearly across the low-speed zone. Above it GPS
// takes over when the compass is weak and otherwise nearly matches it.
func (c *Controller) qualityForSpeed(mph float64) float64 {
	g := c.cfg
	if mph <= g.BlendMaxMph {
		frac := (mph - g.BlendMinMph) / (g.BlendMaxMph - g.BlendMinMph)
		return g.BlendMinQuality + frac*(g.BlendMaxQuality-g.BlendMinQuality)
	}
	if q, ok := c.fusion.CompassQuality(); ok && q >= g.WeakCompassQuality {
		return g.DominantQuality
	}
	return g.OverrideQuality
}

func (c *Controller) finish(d Decision, fix heading.Fix) Decision {
	c.metrics.ObserveFix(string(d.Result))
	c.log.WithFields(logrus.Fields{
		"result":     d.Result,
		"lat":        fix.LatDeg,
		"lon":        fix.LonDeg,
		"accuracy_m": fix.AccuracyM,
		"speed_mph":  d.SpeedMph,
	}).Debug("gps fix")
	return d
}

// ObserveCompassQuality feeds one non-GPS reading quality into the on-demand
// engagement hysteresis. Readings at or below OnDemandQuality count as poor;
// the uncalibrated compass reports exactly that value. It is a no-op on
// always-on profiles.
func (c *Controller) ObserveCompassQuality(q float64) {
	if c.cfg.Mode != platform.GPSOnDemand || math.IsNaN(q) {
		return
	}
	n := c.cfg.OnDemandReadings

	c.mu.Lock()
	if q <= c.cfg.OnDemandQuality {
		c.low++
		c.high = 0
	} else {
		c.high++
		c.low = 0
	}
	changed := false
	switch {
	case c.pinned:
	case !c.track.Engaged && c.low >= n:
		c.track.Engaged, changed = true, true
	case c.track.Engaged && c.high >= n:
		// Back to Idle; the next fix seeds a new track.
		c.track = Track{SpeedMph: c.track.SpeedMph}
		changed = true
	}
	engaged := c.track.Engaged
	c.mu.Unlock()

	if changed {
		c.engagementChanged(engaged)
	}
}

// ForceEngage engages GPS regardless of compass quality and keeps it engaged
// until Reset. It is used when no orientation source is running.
func (c *Controller) ForceEngage() {
	c.mu.Lock()
	c.pinned = true
	changed := !c.track.Engaged
	c.track.Engaged = true
	c.low, c.high = 0, 0
	c.mu.Unlock()

	if changed {
		c.engagementChanged(true)
	}
}

func (c *Controller) engagementChanged(engaged bool) {
	c.metrics.SetGPSEngaged(engaged)
	c.log.WithField("engaged", engaged).Info("gps engagement changed")
	if c.onEngage != nil {
		c.onEngage(engaged)
	}
}

func (c *Controller) Engaged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.track.Engaged
}

func (c *Controller) Track() Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.track
}

// Reset returns to Idle and forgets the track. Engagement goes back to the
// profile default and a forced engagement is released.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.track = Track{Engaged: c.cfg.Mode == platform.GPSAlwaysOn}
	c.low, c.high = 0, 0
	c.pinned = false
	engaged := c.track.Engaged
	c.mu.Unlock()
	c.metrics.SetGPSEngaged(engaged)
}

func validFix(f heading.Fix) bool {
	for _, v := range []float64{f.LatDeg, f.LonDeg, f.AccuracyM} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if f.LatDeg < -90 || f.LatDeg > 90 || f.LonDeg < -180 || f.LonDeg > 180 {
		return false
	}
	return f.AccuracyM >= 0
}

func reportedSpeedMph(f heading.Fix) (float64, bool) {
	if f.SpeedMps == nil {
		return 0, false
	}
	v := *f.SpeedMps
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}
	return geodesy.MpsToMph(v), true
}
