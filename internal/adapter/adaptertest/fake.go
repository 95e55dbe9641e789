// Package adaptertest provides in-memory host capabilities for tests.
package adaptertest

import (
	"errors"
	"sync"

	"heading-ng/internal/adapter"
	"heading-ng/internal/heading"
)

// Events is a fake adapter.OrientationEvents. Emit delivers synchronously to
// every live subscriber.
type Events struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(adapter.OrientationEvent)
	Err    error
}

func (e *Events) SubscribeOrientation(fn func(adapter.OrientationEvent)) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	if e.subs == nil {
		e.subs = make(map[int]func(adapter.OrientationEvent))
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}, nil
}

func (e *Events) Emit(ev adapter.OrientationEvent) {
	e.mu.Lock()
	fns := make([]func(adapter.OrientationEvent), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (e *Events) Subscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Sensor is a fake adapter.OrientationSensor with a single stream.
type Sensor struct {
	mu      sync.Mutex
	onRead  func(adapter.Quaternion)
	onError func(error)
	FreqHz  int
	Err     error
}

func (s *Sensor) StartSensor(freqHz int, onReading func(adapter.Quaternion), onError func(error)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	s.FreqHz = freqHz
	s.onRead = onReading
	s.onError = onError
	return func() {
		s.mu.Lock()
		s.onRead = nil
		s.onError = nil
		s.mu.Unlock()
	}, nil
}

func (s *Sensor) Read(q adapter.Quaternion) {
	s.mu.Lock()
	fn := s.onRead
	s.mu.Unlock()
	if fn != nil {
		fn(q)
	}
}

// Fail fires a sensor error event.
func (s *Sensor) Fail(err error) {
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (s *Sensor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onRead != nil
}

// Geo is a fake adapter.Geolocation with a single watch.
type Geo struct {
	mu      sync.Mutex
	onFix   func(heading.Fix)
	onError func(error)
	Opts    adapter.WatchOptions
	Starts  int
	Stops   int
	Err     error
}

func (g *Geo) WatchPosition(opts adapter.WatchOptions, onFix func(heading.Fix), onError func(error)) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	if g.onFix != nil {
		return nil, errors.New("adaptertest: watch already active")
	}
	g.Opts = opts
	g.onFix = onFix
	g.onError = onError
	g.Starts++
	return func() {
		g.mu.Lock()
		if g.onFix != nil {
			g.Stops++
		}
		g.onFix = nil
		g.onError = nil
		g.mu.Unlock()
	}, nil
}

func (g *Geo) Fix(f heading.Fix) {
	g.mu.Lock()
	fn := g.onFix
	g.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

func (g *Geo) Fail(err error) {
	g.mu.Lock()
	fn := g.onError
	g.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (g *Geo) Watching() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.onFix != nil
}

func (g *Geo) Counts() (starts, stops int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Starts, g.Stops
}

// Sink records samples.
type Sink struct {
	mu      sync.Mutex
	Samples []heading.Sample
}

func (s *Sink) AddSample(headingDeg, quality float64, src heading.Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Samples = append(s.Samples, heading.Sample{HeadingDeg: headingDeg, Quality: quality, Source: src})
	return true
}

func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Samples)
}

func (s *Sink) Last() heading.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Samples) == 0 {
		return heading.Sample{}
	}
	return s.Samples[len(s.Samples)-1]
}

func Float(v float64) *float64 { return &v }
