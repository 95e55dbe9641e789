package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"heading-ng/internal/adapter"
	"heading-ng/internal/calibration"
	"heading-ng/internal/config"
	"heading-ng/internal/estimator"
	"heading-ng/internal/gps"
	"heading-ng/internal/mqttbridge"
	"heading-ng/internal/observability"
	"heading-ng/internal/replay"
	"heading-ng/internal/sim"
	"heading-ng/internal/web"
)

// hostSetup is everything built around the selected host. closers run in
// reverse order on shutdown.
type hostSetup struct {
	host     adapter.Host
	perms    estimator.Permissions
	receiver *gps.Receiver
	bridge   *mqttbridge.Bridge
	runners  []func(ctx context.Context) error
	closers  []func()
}

func (s *hostSetup) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func run(ctx context.Context, cfg config.Config, stderr io.Writer) error {
	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	logs := web.NewLogBuffer(cfg.Log.Buffer, nil)
	logger.SetOutput(io.MultiWriter(stderr, logs))
	log := logger.WithField("service", "headingd")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	prof, err := cfg.Profile()
	if err != nil {
		return err
	}
	clock := clockwork.NewRealClock()

	setup, err := buildHost(ctx, cfg, clock, log)
	if err != nil {
		return err
	}
	defer setup.close()

	store, err := calibration.NewFileStore(cfg.Calibration.Path, cfg.DeviceID, clock)
	if err != nil {
		return fmt.Errorf("calibration store: %w", err)
	}

	mgr := estimator.New(estimator.Config{
		Profile:     prof,
		Host:        setup.host,
		Permissions: setup.perms,
		Store:       store,
		DeviceID:    store.DeviceID(),
		Clock:       clock,
		Logger:      log,
		Metrics:     metrics,
	})

	feed := web.NewBroadcaster()
	defer mgr.Subscribe(feed.Publish)()
	if setup.bridge != nil {
		defer mgr.Subscribe(setup.bridge.PublishState)()
	}

	log.WithFields(logrus.Fields{
		"platform":  prof.Class,
		"host":      cfg.Host.Kind,
		"gps":       cfg.GPS.Source,
		"device_id": store.DeviceID(),
	}).Info("headingd starting")

	var wg sync.WaitGroup
	defer wg.Wait()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	perm := mgr.RequestPermission(ctx)
	if perm != estimator.PermissionGranted {
		log.WithField("permission", perm).Warn("orientation sensors not permitted; continuing with gps only")
	}
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("estimator start: %w", err)
	}
	defer mgr.Stop()

	// Replayed sessions start once the estimator is listening.
	for _, r := range setup.runners {
		wg.Add(1)
		go func(r func(context.Context) error) {
			defer wg.Done()
			if err := r(runCtx); err != nil {
				log.WithError(err).Error("host runner stopped")
			}
		}(r)
	}

	errCh := make(chan error, 1)
	if cfg.Web.Enable {
		var rx web.GPSStatus
		if setup.receiver != nil {
			rx = setup.receiver
		}
		h := web.Handler(web.Deps{
			Estimator: mgr,
			Feed:      feed,
			Logs:      logs,
			GPS:       rx,
			Status:    web.NewStatus(clock, cfg.Host.Kind),
			Gatherer:  reg,
			Logger:    log,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.WithField("listen", cfg.Web.Listen).Info("web listening")
			if err := web.Serve(runCtx, cfg.Web.Listen, h); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("web: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("headingd stopping")
		return nil
	case err := <-errCh:
		return err
	}
}

// buildHost selects the reading source, swaps in an external GPS receiver
// when configured and wraps the result in a session recorder.
func buildHost(ctx context.Context, cfg config.Config, clock clockwork.Clock, log logrus.FieldLogger) (*hostSetup, error) {
	s := &hostSetup{}
	ok := false
	defer func() {
		if !ok {
			s.close()
		}
	}()

	switch cfg.Host.Kind {
	case "sim":
		dev, err := newSimDevice(cfg.Sim, clock, log)
		if err != nil {
			return nil, err
		}
		s.host, s.perms = dev.Host(), dev
		s.closers = append(s.closers, dev.Close)
	case "mqtt":
		b, err := connectBridge(ctx, cfg.MQTT, clock, log)
		if err != nil {
			return nil, err
		}
		s.host, s.bridge = b.Host(), b
		s.closers = append(s.closers, b.Close)
	case "replay":
		recs, err := replay.ReadFile(cfg.Replay.Path)
		if err != nil {
			return nil, err
		}
		p, err := replay.NewPlayer(recs, cfg.Replay.Speed, cfg.Replay.Loop, replay.WithClock(clock), replay.WithLogger(log))
		if err != nil {
			return nil, err
		}
		s.host = p.Host()
		s.runners = append(s.runners, p.Run)
	default:
		return nil, fmt.Errorf("unknown host kind %q", cfg.Host.Kind)
	}

	if cfg.MQTT.Publish && s.bridge == nil {
		b, err := connectBridge(ctx, cfg.MQTT, clock, log)
		if err != nil {
			return nil, err
		}
		s.bridge = b
		s.closers = append(s.closers, b.Close)
	}

	switch cfg.GPS.Source {
	case "none":
		s.host.Geo = nil
	case "nmea", "gpsd":
		rx := gps.New(gps.Config{
			Source:   cfg.GPS.Source,
			Device:   cfg.GPS.Device,
			Baud:     cfg.GPS.Baud,
			GPSDAddr: cfg.GPS.GPSDAddr,
		}, gps.WithClock(clock), gps.WithLogger(log))
		if err := rx.Start(ctx); err != nil {
			return nil, err
		}
		s.host.Geo, s.receiver = rx, rx
		s.closers = append(s.closers, rx.Close)
	}

	if cfg.Record.Enable {
		w, err := replay.CreateWriter(cfg.Record.Path, clock)
		if err != nil {
			return nil, fmt.Errorf("record: %w", err)
		}
		s.host = replay.RecordHost(s.host, w, log)
		s.closers = append(s.closers, func() {
			if err := w.Close(); err != nil {
				log.WithError(err).Warn("session log close failed")
			}
		})
		log.WithField("path", cfg.Record.Path).Info("recording session")
	}

	ok = true
	return s, nil
}

func newSimDevice(sc config.SimConfig, clock clockwork.Clock, log logrus.FieldLogger) (*sim.Device, error) {
	var path sim.Path = sim.FigureEight{
		CenterLatDeg: sc.CenterLatDeg,
		CenterLonDeg: sc.CenterLonDeg,
		RadiusM:      sc.RadiusM,
		Period:       sc.Period,
	}
	if sc.Script != "" {
		script, err := sim.LoadScenarioScript(sc.Script)
		if err != nil {
			return nil, fmt.Errorf("sim script: %w", err)
		}
		scn, err := sim.NewScenario(script)
		if err != nil {
			return nil, fmt.Errorf("sim script %s: %w", sc.Script, err)
		}
		path = scn
	}
	return sim.New(sim.Config{
		Path:               path,
		Tick:               sc.Tick,
		FixInterval:        sc.FixInterval,
		CompassAccuracyDeg: sc.CompassAccuracyDeg,
		FixAccuracyM:       sc.FixAccuracyM,
		NoiseDeg:           sc.NoiseDeg,
		Seed:               sc.Seed,
		Sensor:             sc.Sensor,
		Compass:            sc.Compass,
		Absolute:           sc.Absolute,
		DenyPermission:     sc.DenyPermission,
	}, sim.WithClock(clock), sim.WithLogger(log)), nil
}

func connectBridge(ctx context.Context, mc config.MQTTConfig, clock clockwork.Clock, log logrus.FieldLogger) (*mqttbridge.Bridge, error) {
	b := mqttbridge.New(mqttbridge.Config{
		Broker:      mc.Broker,
		ClientID:    mc.ClientID,
		Username:    mc.Username,
		Password:    mc.Password,
		TopicPrefix: mc.TopicPrefix,
		QoS:         mc.QoS,
	}, mqttbridge.WithClock(clock), mqttbridge.WithLogger(log))
	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := b.Connect(cctx); err != nil {
		return nil, err
	}
	return b, nil
}
