package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"heading-ng/internal/platform"
)

type Config struct {
	Platform    string            `yaml:"platform"`
	DeviceID    string            `yaml:"device_id"`
	Log         LogConfig         `yaml:"log"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Host        HostConfig        `yaml:"host"`
	GPS         GPSConfig         `yaml:"gps"`
	Web         WebConfig         `yaml:"web"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Replay      ReplayConfig      `yaml:"replay"`
	Record      RecordConfig      `yaml:"record"`
	Sim         SimConfig         `yaml:"sim"`
	Tuning      TuningConfig      `yaml:"tuning"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Buffer is the number of log lines kept for /api/logs.
	Buffer int `yaml:"buffer"`
}

type CalibrationConfig struct {
	Path string `yaml:"path"`
}

// HostConfig selects where orientation readings come from.
type HostConfig struct {
	Kind string `yaml:"kind"` // sim | mqtt | replay
}

// GPSConfig selects where fixes come from. "host" uses the host's own
// geolocation; "nmea" and "gpsd" read an external receiver.
type GPSConfig struct {
	Source   string `yaml:"source"` // host | nmea | gpsd | none
	Device   string `yaml:"device"`
	Baud     int    `yaml:"baud"`
	GPSDAddr string `yaml:"gpsd_addr"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	// Publish sends fused state to <prefix>/state regardless of host kind.
	Publish bool `yaml:"publish"`
}

type ReplayConfig struct {
	Path  string  `yaml:"path"`
	Speed float64 `yaml:"speed"`
	Loop  bool    `yaml:"loop"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type SimConfig struct {
	CenterLatDeg       float64       `yaml:"center_lat_deg"`
	CenterLonDeg       float64       `yaml:"center_lon_deg"`
	RadiusM            float64       `yaml:"radius_m"`
	Period             time.Duration `yaml:"period"`
	Tick               time.Duration `yaml:"tick"`
	FixInterval        time.Duration `yaml:"fix_interval"`
	CompassAccuracyDeg float64       `yaml:"compass_accuracy_deg"`
	FixAccuracyM       float64       `yaml:"fix_accuracy_m"`
	NoiseDeg           float64       `yaml:"noise_deg"`
	Seed               int64         `yaml:"seed"`
	Sensor             bool          `yaml:"sensor"`
	Compass            bool          `yaml:"compass"`
	Absolute           bool          `yaml:"absolute"`
	// Script replaces the figure-eight with a keyframe scenario file.
	Script         string `yaml:"script"`
	DenyPermission bool   `yaml:"deny_permission"`
}

// TuningConfig overrides the platform profile. Nil fields keep the default.
type TuningConfig struct {
	BufferCapacity      *int           `yaml:"buffer_capacity"`
	MinSampleInterval   *time.Duration `yaml:"min_sample_interval"`
	SensorFrequencyHz   *int           `yaml:"sensor_frequency_hz"`
	VarianceAdjust      *bool          `yaml:"variance_adjust"`
	VarianceWindow      *int           `yaml:"variance_window"`
	VarianceMinSamples  *int           `yaml:"variance_min_samples"`
	VarianceHighDeg     *float64       `yaml:"variance_high_deg"`
	VarianceHighFactor  *float64       `yaml:"variance_high_factor"`
	VarianceMidDeg      *float64       `yaml:"variance_mid_deg"`
	VarianceMidFactor   *float64       `yaml:"variance_mid_factor"`
	VarianceLowDeg      *float64       `yaml:"variance_low_deg"`
	VarianceLowFactor   *float64       `yaml:"variance_low_factor"`
	GPSMode             *string        `yaml:"gps_mode"`
	GPSFixTimeout       *time.Duration `yaml:"gps_fix_timeout"`
	GPSMaxAge           *time.Duration `yaml:"gps_max_age"`
	GPSMaxAccuracyM     *float64       `yaml:"gps_max_accuracy_m"`
	GPSMinDisplacementM *float64       `yaml:"gps_min_displacement_m"`
	GPSMinInterval      *time.Duration `yaml:"gps_min_interval"`
	BlendMinMph         *float64       `yaml:"blend_min_mph"`
	BlendMaxMph         *float64       `yaml:"blend_max_mph"`
	BlendMinQuality     *float64       `yaml:"blend_min_quality"`
	BlendMaxQuality     *float64       `yaml:"blend_max_quality"`
	OverrideQuality     *float64       `yaml:"override_quality"`
	DominantQuality     *float64       `yaml:"dominant_quality"`
	WeakCompassQuality  *float64       `yaml:"weak_compass_quality"`
	OnDemandQuality     *float64       `yaml:"on_demand_quality"`
	OnDemandReadings    *int           `yaml:"on_demand_readings"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills defaults in place and rejects inconsistent values.
func DefaultAndValidate(cfg *Config) error {
	cfg.Platform = strings.ToLower(strings.TrimSpace(cfg.Platform))
	if cfg.Platform == "" {
		cfg.Platform = string(platform.ClassAndroid)
	}
	if _, err := platform.ForClass(cfg.Platform); err != nil {
		return fmt.Errorf("platform must be 'ios' or 'android'")
	}
	cfg.DeviceID = strings.TrimSpace(cfg.DeviceID)

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("log.format must be 'text' or 'json'")
	}
	if cfg.Log.Buffer <= 0 {
		cfg.Log.Buffer = 500
	}

	if cfg.Calibration.Path == "" {
		cfg.Calibration.Path = "calibration.yaml"
	}

	cfg.Host.Kind = strings.ToLower(strings.TrimSpace(cfg.Host.Kind))
	if cfg.Host.Kind == "" {
		cfg.Host.Kind = "sim"
	}
	switch cfg.Host.Kind {
	case "sim", "mqtt", "replay":
	default:
		return fmt.Errorf("host.kind must be 'sim', 'mqtt' or 'replay'")
	}

	cfg.GPS.Source = strings.ToLower(strings.TrimSpace(cfg.GPS.Source))
	if cfg.GPS.Source == "" {
		cfg.GPS.Source = "host"
	}
	switch cfg.GPS.Source {
	case "host", "none":
	case "nmea":
		if cfg.GPS.Device == "" {
			return fmt.Errorf("gps.device is required when gps.source is 'nmea'")
		}
		if cfg.GPS.Baud <= 0 {
			cfg.GPS.Baud = 9600
		}
	case "gpsd":
		if cfg.GPS.GPSDAddr == "" {
			cfg.GPS.GPSDAddr = "127.0.0.1:2947"
		}
	default:
		return fmt.Errorf("gps.source must be 'host', 'nmea', 'gpsd' or 'none'")
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}

	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "heading"
	}
	cfg.MQTT.TopicPrefix = strings.TrimRight(cfg.MQTT.TopicPrefix, "/")
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "headingd"
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if (cfg.Host.Kind == "mqtt" || cfg.MQTT.Publish) && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when host.kind is 'mqtt' or mqtt.publish is true")
	}

	if cfg.Host.Kind == "replay" {
		if cfg.Replay.Path == "" {
			return fmt.Errorf("replay.path is required when host.kind is 'replay'")
		}
		if cfg.Replay.Speed == 0 {
			cfg.Replay.Speed = 1
		}
		if cfg.Replay.Speed < 0 {
			return fmt.Errorf("replay.speed must be > 0")
		}
	}
	if cfg.Record.Enable {
		if cfg.Record.Path == "" {
			return fmt.Errorf("record.path is required when record.enable is true")
		}
		if cfg.Host.Kind == "replay" {
			return fmt.Errorf("record and replay cannot both be enabled")
		}
	}

	// Simulator defaults (safe even if another host is selected).
	if cfg.Sim.CenterLatDeg == 0 && cfg.Sim.CenterLonDeg == 0 {
		cfg.Sim.CenterLatDeg, cfg.Sim.CenterLonDeg = 45.5231, -122.6765
	}
	if cfg.Sim.RadiusM <= 0 {
		cfg.Sim.RadiusM = 400
	}
	if cfg.Sim.Period <= 0 {
		cfg.Sim.Period = 240 * time.Second
	}
	if cfg.Sim.Tick <= 0 {
		cfg.Sim.Tick = 100 * time.Millisecond
	}
	if cfg.Sim.FixInterval <= 0 {
		cfg.Sim.FixInterval = 1 * time.Second
	}
	if cfg.Sim.CompassAccuracyDeg == 0 {
		cfg.Sim.CompassAccuracyDeg = 20
	}
	if cfg.Sim.FixAccuracyM <= 0 {
		cfg.Sim.FixAccuracyM = 8
	}
	if !cfg.Sim.Sensor && !cfg.Sim.Compass && !cfg.Sim.Absolute {
		cfg.Sim.Sensor, cfg.Sim.Compass, cfg.Sim.Absolute = true, true, true
	}

	if _, err := cfg.Profile(); err != nil {
		return err
	}
	return nil
}

// Profile returns the platform profile with tuning overrides applied.
func (c Config) Profile() (platform.Profile, error) {
	p, err := platform.ForClass(c.Platform)
	if err != nil {
		return platform.Profile{}, err
	}
	t := c.Tuning
	setInt(&p.BufferCapacity, t.BufferCapacity)
	setDur(&p.MinSampleInterval, t.MinSampleInterval)
	setInt(&p.SensorFrequencyHz, t.SensorFrequencyHz)

	if t.VarianceAdjust != nil {
		p.Variance.Enable = *t.VarianceAdjust
	}
	setInt(&p.Variance.Window, t.VarianceWindow)
	setInt(&p.Variance.MinSamples, t.VarianceMinSamples)
	setFloat(&p.Variance.HighDeg, t.VarianceHighDeg)
	setFloat(&p.Variance.HighFactor, t.VarianceHighFactor)
	setFloat(&p.Variance.MidDeg, t.VarianceMidDeg)
	setFloat(&p.Variance.MidFactor, t.VarianceMidFactor)
	setFloat(&p.Variance.LowDeg, t.VarianceLowDeg)
	setFloat(&p.Variance.LowFactor, t.VarianceLowFactor)

	if t.GPSMode != nil {
		switch strings.ToLower(strings.TrimSpace(*t.GPSMode)) {
		case "always_on":
			p.GPS.Mode = platform.GPSAlwaysOn
		case "on_demand":
			p.GPS.Mode = platform.GPSOnDemand
		default:
			return platform.Profile{}, fmt.Errorf("tuning.gps_mode must be 'always_on' or 'on_demand'")
		}
	}
	setDur(&p.GPS.FixTimeout, t.GPSFixTimeout)
	setDur(&p.GPS.MaxAge, t.GPSMaxAge)
	setFloat(&p.GPS.MaxAccuracyM, t.GPSMaxAccuracyM)
	setFloat(&p.GPS.MinDisplacementM, t.GPSMinDisplacementM)
	setDur(&p.GPS.MinInterval, t.GPSMinInterval)
	setFloat(&p.GPS.BlendMinMph, t.BlendMinMph)
	setFloat(&p.GPS.BlendMaxMph, t.BlendMaxMph)
	setFloat(&p.GPS.BlendMinQuality, t.BlendMinQuality)
	setFloat(&p.GPS.BlendMaxQuality, t.BlendMaxQuality)
	setFloat(&p.GPS.OverrideQuality, t.OverrideQuality)
	setFloat(&p.GPS.DominantQuality, t.DominantQuality)
	setFloat(&p.GPS.WeakCompassQuality, t.WeakCompassQuality)
	setFloat(&p.GPS.OnDemandQuality, t.OnDemandQuality)
	setInt(&p.GPS.OnDemandReadings, t.OnDemandReadings)

	if err := p.Validate(); err != nil {
		return platform.Profile{}, fmt.Errorf("tuning: %w", err)
	}
	return p, nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setDur(dst *time.Duration, v *time.Duration) {
	if v != nil {
		*dst = *v
	}
}
