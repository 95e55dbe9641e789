// Package mqttbridge serves a phone (or any MQTT publisher) as a heading
// host and publishes the fused state back to the broker.
//
// Topics, relative to the configured prefix:
//
//	<prefix>/orientation    adapter.OrientationEvent JSON
//	<prefix>/quaternion     adapter.Quaternion JSON
//	<prefix>/sensor/error   {"error": "..."}
//	<prefix>/fix            heading.Fix JSON
//	<prefix>/fix/error      {"error": "timeout" | "unavailable" | "..."}
//	<prefix>/state          fused state, published retained
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"heading-ng/internal/adapter"
	"heading-ng/internal/heading"
	"heading-ng/internal/observability"
)

type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

const (
	topicOrientation = "orientation"
	topicQuaternion  = "quaternion"
	topicSensorError = "sensor/error"
	topicFix         = "fix"
	topicFixError    = "fix/error"
	topicState       = "state"

	connectTimeout = 10 * time.Second
	disconnectMs   = 250
)

type Option func(*Bridge)

func WithClock(c clockwork.Clock) Option {
	return func(b *Bridge) {
		if c != nil {
			b.clock = c
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(b *Bridge) { b.log = observability.OrDiscard(l) }
}

// publisher is the part of mqtt.Client used for outbound state.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Bridge is an adapter.Host fed by MQTT messages.
type Bridge struct {
	cfg   Config
	clock clockwork.Clock
	log   logrus.FieldLogger

	client mqtt.Client
	pub    publisher

	mu      sync.RWMutex
	nextID  int
	events  map[int]func(adapter.OrientationEvent)
	sensors map[int]sensorSub
	geos    map[int]*geoWatch
	lastFix *heading.Fix
	lastAt  time.Time

	stateMu   sync.Mutex
	pending   *heading.State
	stateKick chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type sensorSub struct {
	onReading func(adapter.Quaternion)
	onError   func(error)
}

type errorPayload struct {
	Error string `json:"error"`
}

func New(cfg Config, opts ...Option) *Bridge {
	cfg.TopicPrefix = strings.TrimRight(cfg.TopicPrefix, "/")
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "heading"
	}
	b := &Bridge{
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		log:       observability.Discard(),
		events:    map[int]func(adapter.OrientationEvent){},
		sensors:   map[int]sensorSub{},
		geos:      map[int]*geoWatch{},
		stateKick: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	b.log = b.log.WithField("component", "mqtt")
	return b
}

func (b *Bridge) topic(name string) string { return b.cfg.TopicPrefix + "/" + name }

// Connect dials the broker and subscribes to the inbound topics. The client
// reconnects on its own and resubscribes on every connect.
func (b *Bridge) Connect(ctx context.Context) error {
	if ctx == nil {
		return errors.New("mqtt: ctx is nil")
	}
	if b.cfg.Broker == "" {
		return errors.New("mqtt: broker is required")
	}
	if b.pub != nil {
		return errors.New("mqtt: already connected")
	}
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.log.WithError(err).Warn("mqtt connection lost")
		})
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username).SetPassword(b.cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect %s: %w", b.cfg.Broker, err)
	}
	b.client = client
	b.start(client)
	b.log.WithField("broker", b.cfg.Broker).Info("mqtt connected")
	return nil
}

func (b *Bridge) onConnect(c mqtt.Client) {
	filters := map[string]byte{}
	for _, name := range []string{topicOrientation, topicQuaternion, topicSensorError, topicFix, topicFixError} {
		filters[b.topic(name)] = b.cfg.QoS
	}
	token := c.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		if err := b.route(msg.Topic(), msg.Payload()); err != nil {
			b.log.WithError(err).WithField("topic", msg.Topic()).Warn("mqtt message dropped")
		}
	})
	if token.WaitTimeout(connectTimeout) && token.Error() != nil {
		b.log.WithError(token.Error()).Error("mqtt subscribe failed")
		return
	}
	b.log.WithField("prefix", b.cfg.TopicPrefix).Info("mqtt subscribed")
}

// start runs the state publisher against p.
func (b *Bridge) start(p publisher) {
	b.pub = p
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.publishLoop()
	}()
}

// Close stops the publisher and every watch, then disconnects.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()

		b.mu.Lock()
		watches := make([]*geoWatch, 0, len(b.geos))
		for _, w := range b.geos {
			watches = append(watches, w)
		}
		b.mu.Unlock()
		for _, w := range watches {
			w.stop()
		}

		if b.client != nil {
			b.client.Disconnect(disconnectMs)
		}
	})
}

// Host exposes every capability; which ones deliver depends on what the
// publisher sends.
func (b *Bridge) Host() adapter.Host {
	return adapter.Host{Events: b, Sensor: b, Geo: b}
}

func (b *Bridge) route(topic string, payload []byte) error {
	name, ok := strings.CutPrefix(topic, b.cfg.TopicPrefix+"/")
	if !ok {
		return fmt.Errorf("mqtt: unexpected topic %q", topic)
	}
	switch name {
	case topicOrientation:
		var ev adapter.OrientationEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("mqtt: orientation: %w", err)
		}
		if ev.Time.IsZero() {
			ev.Time = b.clock.Now()
		}
		for _, fn := range b.eventSubs() {
			fn(ev)
		}
	case topicQuaternion:
		var q adapter.Quaternion
		if err := json.Unmarshal(payload, &q); err != nil {
			return fmt.Errorf("mqtt: quaternion: %w", err)
		}
		for _, s := range b.sensorSubs() {
			s.onReading(q)
		}
	case topicSensorError:
		var p errorPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("mqtt: sensor error: %w", err)
		}
		for _, s := range b.sensorSubs() {
			if s.onError != nil {
				s.onError(p.hostError())
			}
		}
	case topicFix:
		var fix heading.Fix
		if err := json.Unmarshal(payload, &fix); err != nil {
			return fmt.Errorf("mqtt: fix: %w", err)
		}
		if fix.LatDeg < -90 || fix.LatDeg > 90 || fix.LonDeg < -180 || fix.LonDeg > 180 {
			return fmt.Errorf("mqtt: fix: coordinates out of range (%v,%v)", fix.LatDeg, fix.LonDeg)
		}
		now := b.clock.Now()
		if fix.Time.IsZero() {
			fix.Time = now
		}
		b.mu.Lock()
		f := fix
		b.lastFix, b.lastAt = &f, now
		b.mu.Unlock()
		for _, w := range b.geoSubs() {
			w.deliver(fix)
		}
	case topicFixError:
		var p errorPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("mqtt: fix error: %w", err)
		}
		for _, w := range b.geoSubs() {
			w.fail(p.hostError())
		}
	default:
		return fmt.Errorf("mqtt: unexpected topic %q", topic)
	}
	return nil
}

// hostError maps the reported message to the sentinels consumers match on.
func (p errorPayload) hostError() error {
	switch strings.ToLower(strings.TrimSpace(p.Error)) {
	case "timeout":
		return adapter.ErrFixTimeout
	case "unavailable":
		return adapter.ErrUnavailable
	case "":
		return errors.New("unspecified host error")
	}
	return errors.New(p.Error)
}

func (b *Bridge) eventSubs() []func(adapter.OrientationEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]func(adapter.OrientationEvent), 0, len(b.events))
	for _, fn := range b.events {
		out = append(out, fn)
	}
	return out
}

func (b *Bridge) sensorSubs() []sensorSub {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]sensorSub, 0, len(b.sensors))
	for _, s := range b.sensors {
		out = append(out, s)
	}
	return out
}

func (b *Bridge) geoSubs() []*geoWatch {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*geoWatch, 0, len(b.geos))
	for _, w := range b.geos {
		out = append(out, w)
	}
	return out
}

func (b *Bridge) add(fn func(id int)) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	fn(b.nextID)
	return b.nextID
}

func (b *Bridge) SubscribeOrientation(fn func(adapter.OrientationEvent)) (func(), error) {
	if fn == nil {
		return nil, errors.New("mqtt: nil orientation callback")
	}
	id := b.add(func(id int) { b.events[id] = fn })
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.events, id)
			b.mu.Unlock()
		})
	}, nil
}

// StartSensor ignores freqHz; readings arrive at the publisher's rate.
func (b *Bridge) StartSensor(_ int, onReading func(adapter.Quaternion), onError func(error)) (func(), error) {
	if onReading == nil {
		return nil, errors.New("mqtt: nil reading callback")
	}
	id := b.add(func(id int) { b.sensors[id] = sensorSub{onReading, onError} })
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.sensors, id)
			b.mu.Unlock()
		})
	}, nil
}

// WatchPosition delivers fixes as they arrive. A cached fix within
// MaximumAge is delivered first. With a Timeout, onError receives
// adapter.ErrFixTimeout whenever no fix arrives within it.
func (b *Bridge) WatchPosition(opts adapter.WatchOptions, onFix func(heading.Fix), onError func(error)) (func(), error) {
	if onFix == nil {
		return nil, errors.New("mqtt: nil fix callback")
	}
	w := &geoWatch{onFix: onFix, onError: onError, timeout: opts.Timeout}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.geos[id] = w
	cached, at := b.lastFix, b.lastAt
	b.mu.Unlock()

	if opts.Timeout > 0 {
		w.mu.Lock()
		w.timer = b.clock.AfterFunc(opts.Timeout, w.expire)
		w.mu.Unlock()
	}
	if cached != nil && opts.MaximumAge > 0 && b.clock.Since(at) <= opts.MaximumAge {
		w.deliver(*cached)
	}

	return func() {
		b.mu.Lock()
		delete(b.geos, id)
		b.mu.Unlock()
		w.stop()
	}, nil
}

// geoWatch serializes callbacks for one watch. No callback runs after stop
// returns, so stop must not be called from inside onFix.
type geoWatch struct {
	onFix   func(heading.Fix)
	onError func(error)
	timeout time.Duration

	mu      sync.Mutex
	timer   clockwork.Timer
	stopped bool
}

func (w *geoWatch) deliver(fix heading.Fix) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Reset(w.timeout)
	}
	w.onFix(fix)
}

func (w *geoWatch) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.onError == nil {
		return
	}
	w.onError(err)
}

func (w *geoWatch) expire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.timer.Reset(w.timeout)
	if w.onError != nil {
		w.onError(adapter.ErrFixTimeout)
	}
}

func (w *geoWatch) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

// PublishState queues st for <prefix>/state. Only the newest pending state
// is kept; it never blocks the caller.
func (b *Bridge) PublishState(st heading.State) {
	b.stateMu.Lock()
	b.pending = &st
	b.stateMu.Unlock()
	select {
	case b.stateKick <- struct{}{}:
	default:
	}
}

func (b *Bridge) publishLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.stateKick:
		}
		b.stateMu.Lock()
		st := b.pending
		b.pending = nil
		b.stateMu.Unlock()
		if st == nil {
			continue
		}
		payload, err := json.Marshal(st)
		if err != nil {
			b.log.WithError(err).Warn("mqtt state marshal failed")
			continue
		}
		token := b.pub.Publish(b.topic(topicState), b.cfg.QoS, true, payload)
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				b.log.WithError(err).Debug("mqtt state publish failed")
			}
		case <-b.done:
			return
		}
	}
}
