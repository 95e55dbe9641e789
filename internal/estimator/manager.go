// Package estimator owns the lifecycle of a heading estimate: permission,
// source adapters, the GPS watch and the calibration offset.
package estimator

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"heading-ng/internal/adapter"
	"heading-ng/internal/angle"
	"heading-ng/internal/calibration"
	"heading-ng/internal/fusion"
	"heading-ng/internal/heading"
	"heading-ng/internal/observability"
	"heading-ng/internal/platform"
	"heading-ng/internal/policy"
)

type PermissionState string

const (
	PermissionGranted  PermissionState = "granted"
	PermissionDenied   PermissionState = "denied"
	PermissionPrompt   PermissionState = "prompt"
	PermissionChecking PermissionState = "checking"
)

// Permissions is the optional host prompt for sensor access.
type Permissions interface {
	RequestPermission(ctx context.Context) (granted bool, err error)
}

// ErrInvalidOffset is returned for non-finite calibration input.
var ErrInvalidOffset = errors.New("estimator: calibration offset must be finite")

type Config struct {
	Profile     platform.Profile
	Host        adapter.Host
	Permissions Permissions
	Store       calibration.Store
	DeviceID    string

	Clock   clockwork.Clock
	Logger  logrus.FieldLogger
	Metrics *observability.Metrics
}

// Snapshot is the consumer-facing view of the estimator.
type Snapshot struct {
	HeadingDeg *float64        `json:"heading_deg"`
	Source     heading.Source  `json:"source"`
	Quality    float64         `json:"quality"`
	SpeedMph   float64         `json:"speed_mph"`
	OffsetDeg  float64         `json:"calibration_offset_deg"`
	Permission PermissionState `json:"permission"`
	Running    bool            `json:"running"`
	Adapters   []string        `json:"adapters"`
	GPSActive  bool            `json:"gps_active"`
	GPSEngaged bool            `json:"gps_engaged"`
	DeviceID   string          `json:"device_id,omitempty"`
	Platform   platform.Class  `json:"platform"`
	UpdatedAt  time.Time       `json:"updated_at,omitempty"`
}

type Manager struct {
	cfg     Config
	log     logrus.FieldLogger
	metrics *observability.Metrics

	fuser  *fusion.Fuser
	policy *policy.Controller

	// lifeMu serializes Start and Stop end to end.
	lifeMu sync.Mutex

	mu         sync.Mutex
	running    bool
	permission PermissionState
	adapters   []adapter.Adapter

	// Serializes read-modify-write of the offset and its persistence.
	calMu sync.Mutex

	// gpsMu guards the watch lifecycle; fixMu gates fix delivery so no fix
	// reaches the controller after stopGPS returns.
	gpsMu      sync.Mutex
	gpsAllowed bool
	gpsStop    func()
	fixMu      sync.RWMutex
	fixOn      bool

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(heading.State)
}

func New(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	m := &Manager{
		cfg:     cfg,
		log:     observability.OrDiscard(cfg.Logger),
		metrics: cfg.Metrics,
		subs:    make(map[int]func(heading.State)),
	}
	if cfg.Store == nil {
		m.cfg.Store = calibration.NewMemoryStore(0)
	}
	m.permission = PermissionGranted
	if m.requiresPermission() {
		m.permission = PermissionPrompt
	}

	m.fuser = fusion.New(cfg.Profile,
		fusion.WithClock(cfg.Clock),
		fusion.WithLogger(m.log.WithField("component", "fusion")),
		fusion.WithMetrics(cfg.Metrics),
		fusion.WithObserver(m.publish),
	)
	m.policy = policy.New(cfg.Profile.GPS, m.fuser,
		policy.WithClock(cfg.Clock),
		policy.WithLogger(m.log.WithField("component", "policy")),
		policy.WithMetrics(cfg.Metrics),
		policy.WithEngageFunc(m.onEngage),
	)
	return m
}

func (m *Manager) requiresPermission() bool {
	return m.cfg.Profile.RequiresPermission && m.cfg.Permissions != nil
}

// RequestPermission triggers the host prompt where one is required. Errors
// from the host count as a denial.
func (m *Manager) RequestPermission(ctx context.Context) PermissionState {
	if !m.requiresPermission() {
		m.setPermission(PermissionGranted)
		return PermissionGranted
	}
	m.setPermission(PermissionChecking)

	granted, err := m.cfg.Permissions.RequestPermission(ctx)
	st := PermissionDenied
	switch {
	case err != nil:
		m.log.WithError(err).Warn("sensor permission request failed")
	case granted:
		st = PermissionGranted
	}
	m.setPermission(st)
	m.log.WithField("permission", st).Info("sensor permission")
	return st
}

func (m *Manager) setPermission(st PermissionState) {
	m.mu.Lock()
	m.permission = st
	m.mu.Unlock()
}

func (m *Manager) Permission() PermissionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permission
}

// Start loads the calibration offset and starts every available source.
// Sources that cannot start are skipped; with none running GPS is engaged
// regardless of the profile. Calling Start while running is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	perm := m.permission
	m.mu.Unlock()

	if perm == PermissionPrompt {
		perm = m.RequestPermission(ctx)
	}

	m.fuser.Reset()
	m.loadOffset()

	var started []adapter.Adapter
	if perm == PermissionDenied {
		m.log.Warn("sensor permission denied; orientation sources not started")
	} else {
		started = m.startAdapters()
	}

	m.mu.Lock()
	m.running = true
	m.adapters = started
	m.mu.Unlock()
	m.metrics.SetAdaptersRunning(len(started))

	m.gpsMu.Lock()
	m.gpsAllowed = true
	m.gpsMu.Unlock()
	if len(started) == 0 {
		m.policy.ForceEngage()
	}
	if m.policy.Engaged() {
		m.startGPS()
	}

	m.log.WithFields(logrus.Fields{
		"platform": m.cfg.Profile.Class,
		"adapters": len(started),
		"gps_mode": m.cfg.Profile.GPS.Mode,
	}).Info("heading estimator started")
	return nil
}

func (m *Manager) loadOffset() {
	off, err := m.cfg.Store.Load()
	if err != nil {
		m.log.WithError(err).Warn("calibration load failed; using 0")
		off = 0
	}
	if math.IsNaN(off) || math.IsInf(off, 0) {
		off = 0
	}
	m.fuser.SetOffset(normalizeOffset(off))
}

func (m *Manager) startAdapters() []adapter.Adapter {
	h := m.cfg.Host
	candidates := []adapter.Adapter{
		adapter.NewCompass(h.Events, m.log),
		adapter.NewSensor(h.Sensor, m.cfg.Profile.SensorFrequencyHz, m.log),
		adapter.NewEvents(h.Events, m.log),
	}
	sink := sensorSink{m: m}

	var started []adapter.Adapter
	for _, a := range candidates {
		err := a.Start(sink)
		switch {
		case err == nil:
			started = append(started, a)
		case errors.Is(err, adapter.ErrUnavailable):
			m.log.WithField("adapter", a.Name()).Info("heading source unavailable")
		default:
			m.log.WithField("adapter", a.Name()).WithError(err).Warn("heading source failed to start")
		}
	}
	if len(started) == 0 {
		m.log.Warn("no orientation source started; heading relies on gps only")
	}
	return started
}

// sensorSink feeds device samples to the fusion core and the adjusted
// quality to the GPS engagement hysteresis.
type sensorSink struct{ m *Manager }

func (s sensorSink) AddSample(headingDeg, quality float64, src heading.Source) bool {
	if !s.m.fuser.AddSample(headingDeg, quality, src) {
		return false
	}
	if q, ok := s.m.fuser.CompassQuality(); ok {
		s.m.policy.ObserveCompassQuality(q)
	}
	return true
}

func (m *Manager) onEngage(engaged bool) {
	if engaged {
		m.startGPS()
		return
	}
	m.stopGPS()
}

func (m *Manager) startGPS() {
	m.gpsMu.Lock()
	defer m.gpsMu.Unlock()
	if !m.gpsAllowed || m.gpsStop != nil {
		return
	}
	geo := m.cfg.Host.Geo
	if geo == nil {
		m.log.Info("geolocation unavailable")
		return
	}

	m.fixMu.Lock()
	m.fixOn = true
	m.fixMu.Unlock()

	opts := adapter.WatchOptions{
		HighAccuracy: true,
		MaximumAge:   m.cfg.Profile.GPS.MaxAge,
		Timeout:      m.cfg.Profile.GPS.FixTimeout,
	}
	stop, err := geo.WatchPosition(opts, m.handleFix, m.handleFixError)
	if err != nil {
		m.fixMu.Lock()
		m.fixOn = false
		m.fixMu.Unlock()
		m.log.WithError(err).Warn("geolocation watch failed to start")
		return
	}
	m.gpsStop = stop
	m.log.Debug("geolocation watch started")
}

func (m *Manager) stopGPS() {
	m.gpsMu.Lock()
	defer m.gpsMu.Unlock()
	m.stopGPSLocked()
}

func (m *Manager) stopGPSLocked() {
	m.fixMu.Lock()
	m.fixOn = false
	m.fixMu.Unlock()
	if m.gpsStop == nil {
		return
	}
	stop := m.gpsStop
	m.gpsStop = nil
	stop()
	m.log.Debug("geolocation watch stopped")
}

func (m *Manager) handleFix(fix heading.Fix) {
	m.fixMu.RLock()
	defer m.fixMu.RUnlock()
	if !m.fixOn {
		return
	}
	m.policy.HandleFix(fix)
}

func (m *Manager) handleFixError(err error) {
	if errors.Is(err, adapter.ErrFixTimeout) {
		m.metrics.ObserveFix("timeout")
		m.log.WithError(err).Debug("gps fix attempt abandoned")
		return
	}
	m.log.WithError(err).Warn("geolocation error")
}

// Stop tears down every listener. No sample reaches the fusion core after
// Stop returns. Stop is idempotent.
func (m *Manager) Stop() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	adapters := m.adapters
	m.adapters = nil
	m.mu.Unlock()

	m.gpsMu.Lock()
	m.gpsAllowed = false
	m.stopGPSLocked()
	m.gpsMu.Unlock()

	for _, a := range adapters {
		a.Stop()
	}
	m.policy.Reset()
	m.metrics.SetAdaptersRunning(0)
	m.log.Info("heading estimator stopped")
}

// SetCalibrationOffset replaces the offset, applies it immediately and
// persists it. Persistence failures are logged; the in-memory value stays.
func (m *Manager) SetCalibrationOffset(deg float64) (float64, error) {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return 0, ErrInvalidOffset
	}
	m.calMu.Lock()
	defer m.calMu.Unlock()
	return m.applyOffsetLocked(normalizeOffset(deg)), nil
}

// AdjustCalibration adds delta to the current offset.
func (m *Manager) AdjustCalibration(delta float64) (float64, error) {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return 0, ErrInvalidOffset
	}
	m.calMu.Lock()
	defer m.calMu.Unlock()
	return m.applyOffsetLocked(normalizeOffset(m.fuser.Offset() + delta)), nil
}

func (m *Manager) applyOffsetLocked(off float64) float64 {
	m.fuser.SetOffset(off)
	err := m.cfg.Store.Save(off)
	m.metrics.ObserveCalibrationSave(err)
	if err != nil {
		m.log.WithError(err).WithField("offset_deg", off).Warn("calibration save failed")
	} else {
		m.log.WithField("offset_deg", off).Info("calibration updated")
	}
	return off
}

func (m *Manager) CalibrationOffset() float64 { return m.fuser.Offset() }

// State is the raw fused estimate.
func (m *Manager) State() heading.State { return m.fuser.State() }

func (m *Manager) Snapshot() Snapshot {
	st := m.fuser.State()
	tr := m.policy.Track()

	m.mu.Lock()
	running := m.running
	perm := m.permission
	names := make([]string, 0, len(m.adapters))
	for _, a := range m.adapters {
		if r, ok := a.(interface{ Running() bool }); ok && !r.Running() {
			continue
		}
		names = append(names, a.Name())
	}
	m.mu.Unlock()

	m.gpsMu.Lock()
	gpsActive := m.gpsStop != nil
	m.gpsMu.Unlock()

	return Snapshot{
		HeadingDeg: st.HeadingDeg,
		Source:     st.Source,
		Quality:    st.Quality,
		SpeedMph:   st.SpeedMph,
		OffsetDeg:  m.fuser.Offset(),
		Permission: perm,
		Running:    running,
		Adapters:   names,
		GPSActive:  gpsActive,
		GPSEngaged: tr.Engaged,
		DeviceID:   m.cfg.DeviceID,
		Platform:   m.cfg.Profile.Class,
		UpdatedAt:  st.UpdatedAt,
	}
}

// Subscribe registers fn for every new fused state. fn runs on the delivering
// goroutine and must not block.
func (m *Manager) Subscribe(fn func(heading.State)) (cancel func()) {
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) publish(st heading.State) {
	m.subMu.Lock()
	fns := make([]func(heading.State), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// normalizeOffset maps any offset to (-180,180].
func normalizeOffset(deg float64) float64 {
	return angle.Difference(deg, 0)
}
