package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the heading estimator.
//
// All methods are safe on a nil *Metrics so components can run without metrics.
type Metrics struct {
	Samples          *prometheus.CounterVec // labels: source, result={accepted,invalid,rate_limited}
	Quality          prometheus.Gauge
	BufferLen        prometheus.Gauge
	SpeedMph         prometheus.Gauge
	GPSFixes         *prometheus.CounterVec // labels: result={accepted,inaccurate,invalid,held,injected,timeout,stale}
	GPSEngaged       prometheus.Gauge
	AdaptersRunning  prometheus.Gauge
	CalibrationSaves *prometheus.CounterVec // labels: result={ok,error}
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heading",
			Name:      "samples_total",
			Help:      "Heading samples offered to the fusion core by source and outcome.",
		}, []string{"source", "result"}),
		Quality: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "heading",
			Name:      "quality",
			Help:      "Quality of the most recently fused sample (0-1).",
		}),
		BufferLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "heading",
			Name:      "buffer_len",
			Help:      "Samples currently held in the fusion buffer.",
		}),
		SpeedMph: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "heading",
			Name:      "speed_mph",
			Help:      "Last known ground speed in mph.",
		}),
		GPSFixes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heading",
			Name:      "gps_fixes_total",
			Help:      "GPS fixes seen by the policy controller by outcome.",
		}, []string{"result"}),
		GPSEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "heading",
			Name:      "gps_engaged",
			Help:      "1 while GPS course-over-ground is allowed to contribute.",
		}),
		AdaptersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "heading",
			Name:      "adapters_running",
			Help:      "Number of heading source adapters currently started.",
		}),
		CalibrationSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heading",
			Name:      "calibration_saves_total",
			Help:      "Calibration offset persistence attempts by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.Samples,
		m.Quality,
		m.BufferLen,
		m.SpeedMph,
		m.GPSFixes,
		m.GPSEngaged,
		m.AdaptersRunning,
		m.CalibrationSaves,
	)
	return m
}

// NewMetricsForTesting registers against a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func (m *Metrics) ObserveSample(source, result string) {
	if m == nil {
		return
	}
	m.Samples.WithLabelValues(source, result).Inc()
}

func (m *Metrics) ObserveFusion(quality float64, bufferLen int) {
	if m == nil {
		return
	}
	m.Quality.Set(quality)
	m.BufferLen.Set(float64(bufferLen))
}

func (m *Metrics) ObserveSpeed(mph float64) {
	if m == nil {
		return
	}
	m.SpeedMph.Set(mph)
}

func (m *Metrics) ObserveFix(result string) {
	if m == nil {
		return
	}
	m.GPSFixes.WithLabelValues(result).Inc()
}

func (m *Metrics) SetGPSEngaged(on bool) {
	if m == nil {
		return
	}
	if on {
		m.GPSEngaged.Set(1)
		return
	}
	m.GPSEngaged.Set(0)
}

func (m *Metrics) SetAdaptersRunning(n int) {
	if m == nil {
		return
	}
	m.AdaptersRunning.Set(float64(n))
}

func (m *Metrics) ObserveCalibrationSave(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.CalibrationSaves.WithLabelValues("error").Inc()
		return
	}
	m.CalibrationSaves.WithLabelValues("ok").Inc()
}
