package session

import "sync"

// Broadcaster fans outbound messages out to the connections watching a session.
type Broadcaster struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(any)
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]func(any))}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Broadcaster) Subscribe(fn func(any)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish calls every subscriber synchronously. Subscribers must not block.
func (b *Broadcaster) Publish(msg any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	fns := make([]func(any), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
