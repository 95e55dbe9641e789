package web

import (
	"sync"

	"heading-ng/internal/heading"
)

// Broadcaster fans out fused heading states to stream listeners. It keeps
// the most recent value so new subscribers get an immediate sample. Slow
// subscribers miss values rather than stall the estimator.
type Broadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan heading.State
	nextID   int
	last     heading.State
	haveLast bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan heading.State)}
}

func (b *Broadcaster) Subscribe(buffer int) (int, <-chan heading.State) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan heading.State, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	last, have := b.last, b.haveLast
	b.mu.Unlock()
	if have {
		select {
		case ch <- last:
		default:
		}
	}
	return id, ch
}

func (b *Broadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscribers is the number of open streams.
func (b *Broadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish matches the estimator's subscriber signature.
func (b *Broadcaster) Publish(st heading.State) {
	if b == nil {
		return
	}
	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send.
	b.mu.RLock()
	for _, ch := range b.subs {
		select {
		case ch <- st:
		default:
		}
	}
	b.mu.RUnlock()

	b.mu.Lock()
	b.last = st
	b.haveLast = true
	b.mu.Unlock()
}
