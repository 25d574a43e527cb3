package pltproxy

import (
	"j5.nz/pltproxy/internal/logx"
	"j5.nz/pltproxy/tstate"
)

// GetPrev returns the function stub should call next to continue the
// chain (the next enabled proxy after stub on its hub's chain, or the
// original function if stub was the tail), for a caller that wants to
// forward the call without using WithPrev's body-callback form. The
// lookup is keyed by stub's own function address (self_func), so each
// distinct proxy in a multi-hop chain advances from its own position
// rather than always resolving from the chain head.
func GetPrev(stub *Stub) (uintptr, bool) {
	h, ok := currentHub()
	if !ok {
		return 0, false
	}
	prev, ok := h.GetPrev(uint64(stub.NewFunc()))
	return uintptr(prev), ok
}

// WithPrev calls body with the address of the function to continue the
// proxy chain with (the classic "call the original, or the next older
// hook" pattern — invariant I4's round-trip law). It marks stub
// "entered" on this thread's ProxyFrame stack for the duration of body,
// rejecting (returning false without calling body) a reentrant
// with_prev call for the same self_func still in flight on this thread.
func WithPrev(stub *Stub, body func(prev uintptr)) bool {
	self := uint64(stub.NewFunc())
	prev, ok := GetPrev(stub)
	if !ok {
		return false
	}
	if ok, cycle := tstate.PushProxyFrame(self, 0); !ok {
		if cycle {
			logx.Default().Warn("with_prev cycle detected for proxy, skipping", "func", self)
		}
		return false
	}
	defer tstate.PopProxyFrameMatching(self)
	body(prev)
	return true
}

// ProxyEnter marks entry into hubPtr's dispatch on the calling thread,
// for a caller manually invoking a chosen function outside the
// generated trampoline path (e.g. a test harness). Returns the chosen
// function address, mirroring what the trampoline's push_callback
// would have returned.
func ProxyEnter(hubPtr uint64, returnAddr uintptr) (uintptr, bool) {
	h, ok := c.hubsLookup(hubPtr)
	if !ok {
		return 0, false
	}
	return uintptr(h.PushCallback(uint64(returnAddr))), true
}

// ProxyLeave undoes the bookkeeping ProxyEnter performed.
func ProxyLeave(hubPtr uint64) {
	if h, ok := c.hubsLookup(hubPtr); ok {
		h.PopCallback()
	}
}

// GetReturnAddress returns the return address recorded for the
// currently executing proxy's native call frame on this thread.
func GetReturnAddress() (uintptr, bool) {
	frame, ok := tstate.CurrentHubFrame()
	if !ok {
		return 0, false
	}
	return frame.SP, true
}

// PopStack forcibly unwinds this thread's hub/proxy bookkeeping down to
// the frame recorded with returnAddr — for a proxy about to perform a
// non-local exit (longjmp, a C++ exception) past frames that will never
// reach their own pop_callback.
func PopStack(returnAddr uintptr) int {
	return tstate.PopStack(returnAddr)
}

func currentHub() (hubLike, bool) {
	frame, ok := tstate.CurrentHubFrame()
	if !ok {
		return nil, false
	}
	return c.hubsLookup(frame.HubID)
}

// hubLike is the subset of *hub.Hub this package calls into, kept as an
// interface purely so currentHub/ProxyEnter/ProxyLeave don't need to
// import hub's concrete type in their signatures.
type hubLike interface {
	GetPrev(selfFunc uint64) (uint64, bool)
	PushCallback(returnAddr uint64) uint64
	PopCallback()
}

func (cc *core) hubsLookup(id uint64) (hubLike, bool) {
	cc.mu.Lock()
	hubs := cc.hubs
	initialized := cc.initialized
	cc.mu.Unlock()
	if !initialized {
		return nil, false
	}
	return hubs.Lookup(id)
}
