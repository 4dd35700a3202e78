package subscription

import "sync"

// pendingKey identifies an outstanding hub action.
type pendingKey struct {
	mode  string
	topic string
}

type waiter struct {
	done chan struct{}
}

// Pending tracks hub actions waiting for their handshake. The webhook server
// resolves entries when Twitch calls back; the manager registers them before
// posting to the hub so a fast callback cannot be missed.
type Pending struct {
	mu      sync.Mutex
	waiters map[pendingKey][]*waiter
}

// NewPending returns an empty registry.
func NewPending() *Pending {
	return &Pending{waiters: map[pendingKey][]*waiter{}}
}

// Register adds a waiter for (mode, topic). The returned channel is closed on
// Resolve; cancel must be called once the caller stops waiting.
func (p *Pending) Register(mode, topic string) (<-chan struct{}, func()) {
	w := &waiter{done: make(chan struct{})}
	key := pendingKey{mode, topic}
	p.mu.Lock()
	p.waiters[key] = append(p.waiters[key], w)
	p.mu.Unlock()
	return w.done, func() { p.remove(key, w) }
}

// Resolve wakes every waiter registered for (mode, topic) and reports whether
// there was any.
func (p *Pending) Resolve(mode, topic string) bool {
	key := pendingKey{mode, topic}
	p.mu.Lock()
	ws := p.waiters[key]
	delete(p.waiters, key)
	p.mu.Unlock()
	for _, w := range ws {
		close(w.done)
	}
	return len(ws) > 0
}

// Len returns the number of outstanding waiters.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ws := range p.waiters {
		n += len(ws)
	}
	return n
}

func (p *Pending) remove(key pendingKey, w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ws := p.waiters[key]
	for i, cur := range ws {
		if cur == w {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(p.waiters, key)
	} else {
		p.waiters[key] = ws
	}
}
