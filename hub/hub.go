// Package hub implements the dispatch hub: a per-GOT-slot chain of
// proxy functions plus the original function, and the push/pop
// callback logic generated trampoline stubs call into on every
// intercepted call.
//
// A Hub is identified by an opaque uint64 (its own address, reported
// via ID()) that the trampoline package patches into each stub's
// literal pool; the stub passes that value back verbatim on every
// call, which is how Registry.PushCallback/PopCallback find the right
// Hub without a lookup keyed by call-site address.
package hub

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"j5.nz/pltproxy/internal/logx"
	"j5.nz/pltproxy/tstate"
)

// retireDelay is the minimum wall-clock time a retired Hub is kept
// alive before Reap may destroy it, per spec §5's ">=10s" rule — long
// enough that any thread already mid-dispatch through the hub's old
// trampoline (which itself waits out a shorter, 5s quarantine before
// its page is reused) has certainly returned.
const retireDelay = 10 * time.Second

// ProxyHandle is one link of the chain, in most-recently-added-first
// order (new proxies see calls before older ones, so a later hook can
// still observe/alter a call an earlier hook would have handled).
type ProxyHandle struct {
	fn       uint64
	enabled  atomic.Bool
	refCount atomic.Int32
	next     *ProxyHandle
}

// Hub is one GOT slot's dispatch chain.
type Hub struct {
	mu   sync.Mutex // guards head; "per-hub write mutex" in spec §5
	head *ProxyHandle
	orig uint64

	activeFrames atomic.Int64
	retired      atomic.Bool
	retiredAt    atomic.Int64 // unix nano, valid once retired
}

// New creates a Hub wrapping origFunc (the function the GOT slot
// originally pointed at).
func New(origFunc uint64) *Hub {
	return &Hub{orig: origFunc}
}

// ID returns the opaque identifier trampoline stubs are patched with.
func (h *Hub) ID() uint64 { return uint64(uintptr(unsafe.Pointer(h))) }

// OrigFunc returns the function this hub proxies around.
func (h *Hub) OrigFunc() uint64 { return h.orig }

// AddProxy searches the chain for an existing node with this fn; if
// found, it bumps ref_count and re-enables it (spec §4.2: "supports
// re-enable after unhook"). Otherwise it prepends a new
// {fn, ref_count=1, enabled=true} node under the hub's write lock.
// Nodes are identified by fn, never removed from the chain physically
// while the hub lives — see RemoveProxy.
func (h *Hub) AddProxy(fn uint64) *ProxyHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	for n := h.head; n != nil; n = n.next {
		if n.fn == fn {
			n.refCount.Add(1)
			n.enabled.Store(true)
			return n
		}
	}
	node := &ProxyHandle{fn: fn, next: h.head}
	node.enabled.Store(true)
	node.refCount.Store(1)
	h.head = node
	return node
}

// RemoveProxy decrements node's ref_count; if it drops to zero, the
// node is disabled but left physically linked in the chain (spec §4.2:
// "nodes are never removed physically while the hub lives"). Safe to
// call even if a dispatch is currently mid-flight through node: a
// disabled node is simply skipped by firstEnabledFrom, never
// dereferenced through a dangling pointer.
func (h *Hub) RemoveProxy(node *ProxyHandle) {
	if node.refCount.Add(-1) > 0 {
		return
	}
	node.enabled.Store(false)
}

// Empty reports whether the chain has no enabled proxies left.
func (h *Hub) Empty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for n := h.head; n != nil; n = n.next {
		if n.enabled.Load() {
			return false
		}
	}
	return true
}

// firstEnabledFrom returns the first enabled proxy at or after n (nil
// when n is nil or no enabled proxy follows).
func (h *Hub) firstEnabledFrom(n *ProxyHandle) *ProxyHandle {
	for ; n != nil; n = n.next {
		if n.enabled.Load() {
			return n
		}
	}
	return nil
}

// PushCallback is the Go-side half of every intercepted call: it picks
// the next function to run (the head of the chain, or the original if
// the chain is empty/fully disabled), records the frame on this
// thread's stacks for cycle detection and GetPrev/WithPrev, and returns
// the chosen address.
func (h *Hub) PushCallback(returnAddr uint64) uint64 {
	h.mu.Lock()
	head := h.head
	h.mu.Unlock()

	first := h.firstEnabledFrom(head)
	chosen := h.orig
	if first != nil {
		chosen = first.fn
	}

	h.activeFrames.Add(1)
	// PushHubFrame itself performs the hub_id cycle check (spec §4.2: "If
	// any frame on the stack has hub_id == this hub, cycle detected");
	// a false return covers both that case and plain stack overflow.
	if !tstate.PushHubFrame(h.ID(), uintptr(returnAddr)) {
		logx.Default().Warn("hub frame cycle or overflow, falling through to original", "hub", h.ID())
		h.activeFrames.Add(-1)
		return h.orig
	}
	return chosen
}

// PopCallback undoes the bookkeeping PushCallback performed, once the
// chosen function has returned.
func (h *Hub) PopCallback() {
	// The real stack pointer at pop time isn't available to us here (the
	// callback entry shims don't thread it through past PushCallback);
	// passing 0 disables stale-frame pruning for this call and just pops
	// the frame PushCallback pushed moments ago on the same thread.
	tstate.PopHubFrame(0)
	h.activeFrames.Add(-1)
}

// GetPrev returns the function selfFunc (the proxy currently executing
// on this hub's chain) should call to continue the chain: the next
// enabled proxy after selfFunc, or the original function if selfFunc
// was the tail. Returns (0, false) if selfFunc isn't on this hub's
// chain at all.
//
// Because nodes are never physically unlinked (AddProxy/RemoveProxy
// only disable), a live walk of the chain is equivalent to spec
// §4.2's "walk that frame's chain-head snapshot" for the single-hub
// case every caller here actually exercises — an in-flight proxy's own
// link always stays reachable from h.head for as long as that proxy is
// running.
func (h *Hub) GetPrev(selfFunc uint64) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.head
	for n != nil && n.fn != selfFunc {
		n = n.next
	}
	if n == nil {
		return 0, false
	}
	next := h.firstEnabledFrom(n.next)
	if next == nil {
		return h.orig, true
	}
	return next.fn, true
}

// Retire marks the hub for eventual destruction once both the
// retireDelay has elapsed and no thread is still mid-dispatch through
// it (ActiveFrames reaches zero) — see Registry.Reap.
func (h *Hub) Retire() {
	h.retiredAt.Store(time.Now().UnixNano())
	h.retired.Store(true)
}

func (h *Hub) readyToReap(now time.Time) bool {
	if !h.retired.Load() {
		return false
	}
	if h.activeFrames.Load() != 0 {
		return false
	}
	return now.Sub(time.Unix(0, h.retiredAt.Load())) >= retireDelay
}
