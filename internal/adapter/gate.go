package adapter

import (
	"errors"
	"sync"
)

var errAlreadyStarted = errors.New("adapter: already started")

// gate serializes host callbacks against Stop. Callbacks hold the read lock
// while they deliver, so once close returns no callback can still be inside
// the sink.
type gate struct {
	mu     sync.RWMutex
	active bool
	sink   Sink
	cancel func()
}

// open marks the gate active for sink, then runs subscribe. The gate is
// closed again if subscribe fails.
func (g *gate) open(sink Sink, subscribe func() (func(), error)) error {
	g.mu.Lock()
	if g.active || g.cancel != nil {
		g.mu.Unlock()
		return errAlreadyStarted
	}
	g.active = true
	g.sink = sink
	g.mu.Unlock()

	cancel, err := subscribe()
	if err != nil {
		g.close()
		return err
	}

	g.mu.Lock()
	if !g.active {
		// Stopped while subscribing.
		g.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}
	g.cancel = cancel
	g.mu.Unlock()
	return nil
}

// deliver runs fn with the sink if the gate is still active.
func (g *gate) deliver(fn func(Sink)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.active || g.sink == nil {
		return
	}
	fn(g.sink)
}

// disable stops delivery but keeps the host subscription until close.
func (g *gate) disable() {
	g.mu.Lock()
	g.active = false
	g.mu.Unlock()
}

func (g *gate) close() {
	g.mu.Lock()
	g.active = false
	g.sink = nil
	cancel := g.cancel
	g.cancel = nil
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (g *gate) running() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}
