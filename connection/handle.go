package connection

import "sync/atomic"

// atomicHandle memoizes the shared handle. Reads are lock-free; only the
// first-connect path and Close mutate it.
type atomicHandle struct {
	p atomic.Pointer[Handle]
}

func (a *atomicHandle) load() *Handle {
	return a.p.Load()
}

func (a *atomicHandle) store(h *Handle) {
	a.p.Store(h)
}

func (a *atomicHandle) swap(h *Handle) *Handle {
	return a.p.Swap(h)
}
