package hub

import (
	"sync"
	"time"

	"j5.nz/pltproxy/internal/logx"
	"j5.nz/pltproxy/trampoline"
)

// Registry owns every live and retired Hub and implements
// trampoline.Dispatcher — it is the thing that gets wired in via
// trampoline.SetDispatcher when refresh.NewEngine builds an engine
// around it.
type Registry struct {
	mu      sync.RWMutex
	byID    map[uint64]*Hub
	retired []*Hub
}

func NewRegistry() *Registry {
	return &Registry{byID: map[uint64]*Hub{}}
}

var _ trampoline.Dispatcher = (*Registry)(nil)

// Create allocates a new Hub around origFunc and registers it.
func (r *Registry) Create(origFunc uint64) *Hub {
	h := New(origFunc)
	r.mu.Lock()
	r.byID[h.ID()] = h
	r.mu.Unlock()
	return h
}

func (r *Registry) Lookup(id uint64) (*Hub, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byID[id]
	return h, ok
}

// Retire removes h from the live set and queues it for destruction
// after the grace period (see Hub.Retire / readyToReap).
func (r *Registry) Retire(h *Hub) {
	h.Retire()
	r.mu.Lock()
	delete(r.byID, h.ID())
	r.retired = append(r.retired, h)
	r.mu.Unlock()
}

// Reap destroys every retired hub that has both cleared its grace
// period and has zero active frames. Called periodically by the
// refresh engine.
func (r *Registry) Reap() int {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.retired[:0]
	reaped := 0
	for _, h := range r.retired {
		if h.readyToReap(now) {
			reaped++
			continue
		}
		kept = append(kept, h)
	}
	r.retired = kept
	if reaped > 0 {
		logx.Default().Debug("reaped retired hubs", "count", reaped)
	}
	return reaped
}

// PushCallback implements trampoline.Dispatcher.
func (r *Registry) PushCallback(hubPtr, returnAddr uint64) uint64 {
	h, ok := r.Lookup(hubPtr)
	if !ok {
		logx.Default().Error("push_callback for unknown hub", nil, "hub", hubPtr)
		return 0
	}
	return h.PushCallback(returnAddr)
}

// PopCallback implements trampoline.Dispatcher.
func (r *Registry) PopCallback(hubPtr uint64) {
	h, ok := r.Lookup(hubPtr)
	if !ok {
		return
	}
	h.PopCallback()
}

// Count returns the number of live (non-retired) hubs, for tests and
// diagnostics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
