package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"heading-ng/internal/adapter"
	"heading-ng/internal/heading"
	"heading-ng/internal/observability"
)

// Player serves a recorded session as a host. Capabilities are present
// when the session contains at least one record for them. Sensor frequency
// requests are ignored; readings arrive at the recorded rate.
type Player struct {
	records []Record
	speed   float64
	loop    bool
	clock   clockwork.Clock
	log     logrus.FieldLogger
	sleeper Sleeper

	mu      sync.RWMutex
	nextID  int
	events  map[int]func(adapter.OrientationEvent)
	sensors map[int]sensorSub
	geos    map[int]geoSub
}

type sensorSub struct {
	onReading func(adapter.Quaternion)
	onError   func(error)
}

type geoSub struct {
	onFix   func(heading.Fix)
	onError func(error)
}

type PlayerOption func(*Player)

func WithClock(c clockwork.Clock) PlayerOption {
	return func(p *Player) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithLogger(l logrus.FieldLogger) PlayerOption {
	return func(p *Player) { p.log = observability.OrDiscard(l) }
}

// WithSleeper replaces the clock-based wait between records.
func WithSleeper(s Sleeper) PlayerOption {
	return func(p *Player) { p.sleeper = s }
}

func NewPlayer(records []Record, speed float64, loop bool, opts ...PlayerOption) (*Player, error) {
	if len(records) == 0 {
		return nil, errors.New("replay: no records")
	}
	if speed <= 0 {
		return nil, fmt.Errorf("replay: speed must be > 0")
	}
	p := &Player{
		records: records,
		speed:   speed,
		loop:    loop,
		clock:   clockwork.NewRealClock(),
		log:     observability.Discard(),
		events:  map[int]func(adapter.OrientationEvent){},
		sensors: map[int]sensorSub{},
		geos:    map[int]geoSub{},
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.WithField("component", "replay")
	return p, nil
}

// Host exposes the capabilities found in the session.
func (p *Player) Host() adapter.Host {
	var h adapter.Host
	for _, r := range p.records {
		switch r.Kind {
		case KindOrientation:
			h.Events = p
		case KindQuaternion, KindSensorError:
			h.Sensor = p
		case KindFix, KindFixError:
			h.Geo = p
		}
	}
	return h
}

// Run plays the session until it ends (or forever with loop) or ctx is
// cancelled. Malformed payloads are logged and skipped.
func (p *Player) Run(ctx context.Context) error {
	sleeper := p.sleeper
	if sleeper == nil {
		sleeper = ctxSleeper{ctx: ctx, clock: p.clock}
	}
	p.log.WithField("records", len(p.records)).Info("replay started")
	err := Play(ctx, p.records, p.speed, p.loop, sleeper, func(r Record) error {
		if err := p.dispatch(r); err != nil {
			p.log.WithError(err).WithField("kind", r.Kind).Warn("replay record skipped")
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// dispatch copies the subscriber set before calling out, so callbacks may
// subscribe or stop without deadlocking.
func (p *Player) dispatch(r Record) error {
	p.mu.RLock()
	events := make([]func(adapter.OrientationEvent), 0, len(p.events))
	for _, fn := range p.events {
		events = append(events, fn)
	}
	sensors := make([]sensorSub, 0, len(p.sensors))
	for _, s := range p.sensors {
		sensors = append(sensors, s)
	}
	geos := make([]geoSub, 0, len(p.geos))
	for _, g := range p.geos {
		geos = append(geos, g)
	}
	p.mu.RUnlock()

	switch r.Kind {
	case KindOrientation:
		var ev adapter.OrientationEvent
		if err := json.Unmarshal(r.Payload, &ev); err != nil {
			return err
		}
		for _, fn := range events {
			fn(ev)
		}
	case KindQuaternion:
		var q adapter.Quaternion
		if err := json.Unmarshal(r.Payload, &q); err != nil {
			return err
		}
		for _, s := range sensors {
			s.onReading(q)
		}
	case KindSensorError:
		var e errorPayload
		if err := json.Unmarshal(r.Payload, &e); err != nil {
			return err
		}
		for _, s := range sensors {
			if s.onError != nil {
				s.onError(restoreError(e.Error))
			}
		}
	case KindFix:
		var f heading.Fix
		if err := json.Unmarshal(r.Payload, &f); err != nil {
			return err
		}
		for _, g := range geos {
			g.onFix(f)
		}
	case KindFixError:
		var e errorPayload
		if err := json.Unmarshal(r.Payload, &e); err != nil {
			return err
		}
		for _, g := range geos {
			if g.onError != nil {
				g.onError(restoreError(e.Error))
			}
		}
	}
	return nil
}

// restoreError maps recorded messages back to sentinels consumers match on.
func restoreError(msg string) error {
	switch msg {
	case adapter.ErrFixTimeout.Error():
		return adapter.ErrFixTimeout
	case adapter.ErrUnavailable.Error():
		return adapter.ErrUnavailable
	}
	return errors.New(msg)
}

func (p *Player) subscribe(add func(id int)) func() {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	add(id)
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.events, id)
			delete(p.sensors, id)
			delete(p.geos, id)
			p.mu.Unlock()
		})
	}
}

func (p *Player) SubscribeOrientation(fn func(adapter.OrientationEvent)) (func(), error) {
	if fn == nil {
		return nil, errors.New("replay: nil orientation callback")
	}
	return p.subscribe(func(id int) { p.events[id] = fn }), nil
}

func (p *Player) StartSensor(_ int, onReading func(adapter.Quaternion), onError func(error)) (func(), error) {
	if onReading == nil {
		return nil, errors.New("replay: nil reading callback")
	}
	return p.subscribe(func(id int) { p.sensors[id] = sensorSub{onReading, onError} }), nil
}

// WatchPosition ignores opts; recorded fix errors, including timeouts, are
// replayed as they happened.
func (p *Player) WatchPosition(_ adapter.WatchOptions, onFix func(heading.Fix), onError func(error)) (func(), error) {
	if onFix == nil {
		return nil, errors.New("replay: nil fix callback")
	}
	return p.subscribe(func(id int) { p.geos[id] = geoSub{onFix, onError} }), nil
}
