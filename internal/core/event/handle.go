package event

import "sync"

// Handle disposes one subscription. Dispose is idempotent and may be called
// from any goroutine, including from inside the observer it removes.
type Handle struct {
	once    sync.Once
	dispose func()
}

func newHandle(dispose func()) *Handle {
	return &Handle{dispose: dispose}
}

func (h *Handle) Dispose() {
	if h == nil {
		return
	}
	h.once.Do(h.dispose)
}

// Group collects handles so a module can release all of its subscriptions at once.
type Group struct {
	mu      sync.Mutex
	handles []*Handle
}

func (g *Group) Add(h *Handle) {
	g.mu.Lock()
	g.handles = append(g.handles, h)
	g.mu.Unlock()
}

func (g *Group) Dispose() {
	g.mu.Lock()
	handles := g.handles
	g.handles = nil
	g.mu.Unlock()
	for _, h := range handles {
		h.Dispose()
	}
}
