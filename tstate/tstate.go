// Package tstate tracks, per OS thread, the stack of hub frames and
// proxy frames currently in flight — the bookkeeping push_callback and
// pop_callback need to resolve "what called me" and "which proxy in the
// chain comes next" without relying on a native call stack the Go
// runtime doesn't own.
//
// The original design keys this state off the calling OS thread (a
// native function hooked via the GOT can run on any thread in the
// target process, including ones the Go runtime never scheduled a
// goroutine on), so this package keys its maps by the real OS thread id
// (`unix.Gettid` on Linux) rather than by goroutine — a goroutine can
// migrate between OS threads, but the native call stack it is
//(indirectly) unwinding cannot.
package tstate

import (
	"sync"

	"golang.org/x/sys/unix"

	"j5.nz/pltproxy/internal/logx"
)

// maxFrames is the fixed capacity of both stacks per thread. The
// original design fails a push rather than growing past this, on the
// theory that legitimate call depth through interposed functions is
// shallow and anything deeper indicates a bug (runaway recursion,
// mismatched push/pop) rather than a workload to accommodate.
const maxFrames = 32

// overflowLogEvery throttles overflow logging to at most once per this
// many occurrences, so a genuinely runaway caller doesn't flood logs.
const overflowLogEvery = 256

// HubFrame records one hub dispatch in flight: which hub, and the
// caller's stack pointer at entry (used to prune frames orphaned by a
// non-local exit — longjmp, a thrown exception unwinding through C++,
// etc. — which skip our own pop).
type HubFrame struct {
	HubID uint64
	SP    uintptr
}

// ProxyFrame records one proxy function currently "entered" via
// with_prev/proxy_enter on this thread, keyed by the proxy's own
// function address rather than by hub — this is the self-reentrancy
// guard spec §5 describes, distinct from the hub_id cycle check
// PushHubFrame performs for push_callback.
type ProxyFrame struct {
	Func uint64
	SP   uintptr
}

type threadState struct {
	hubStack       []HubFrame
	proxyStack     []ProxyFrame
	hubOverflows   uint64
	proxyOverflows uint64
}

var (
	mu     sync.Mutex
	states = map[int]*threadState{}
)

func currentThreadState() *threadState {
	tid := unix.Gettid()
	mu.Lock()
	defer mu.Unlock()
	st, ok := states[tid]
	if !ok {
		st = &threadState{}
		states[tid] = st
	}
	return st
}

// pruneStaleHubFrames drops frames whose recorded SP indicates the
// native call they belonged to already returned without going through
// PopHubFrame (the thread's current SP is numerically greater than a
// frame's SP, i.e. shallower — since the stack grows down, a call that
// is still active always has a lower SP than its caller).
func pruneStaleHubFrames(st *threadState, currentSP uintptr) {
	for len(st.hubStack) > 0 && st.hubStack[len(st.hubStack)-1].SP < currentSP {
		st.hubStack = st.hubStack[:len(st.hubStack)-1]
	}
}

// PushHubFrame records entry into hubID's dispatch, after pruning stale
// frames. Returns false (and does not push) if hubID already appears on
// the stack — push_callback's cycle guard (spec §4.2: "If any frame on
// the stack has hub_id == this hub, cycle detected") — or if the
// thread's hub stack is already at maxFrames.
func PushHubFrame(hubID uint64, sp uintptr) bool {
	st := currentThreadState()
	mu.Lock()
	defer mu.Unlock()
	pruneStaleHubFrames(st, sp)
	for _, f := range st.hubStack {
		if f.HubID == hubID {
			return false
		}
	}
	if len(st.hubStack) >= maxFrames {
		st.hubOverflows++
		if st.hubOverflows%overflowLogEvery == 1 {
			logx.Default().Warn("hub frame stack overflow, dropping push", "hub", hubID, "count", st.hubOverflows)
		}
		return false
	}
	st.hubStack = append(st.hubStack, HubFrame{HubID: hubID, SP: sp})
	return true
}

// PopHubFrame removes the top hub frame, pruning any stale frames above
// it first. Returns false if the stack was already empty.
func PopHubFrame(sp uintptr) (HubFrame, bool) {
	st := currentThreadState()
	mu.Lock()
	defer mu.Unlock()
	pruneStaleHubFrames(st, sp)
	if len(st.hubStack) == 0 {
		return HubFrame{}, false
	}
	top := st.hubStack[len(st.hubStack)-1]
	st.hubStack = st.hubStack[:len(st.hubStack)-1]
	return top, true
}

// ActiveHubDepth returns the current thread's hub-frame stack depth.
func ActiveHubDepth() int {
	st := currentThreadState()
	mu.Lock()
	defer mu.Unlock()
	return len(st.hubStack)
}

// PushProxyFrame records entry into fn's own link of a proxy chain, for
// with_prev/proxy_enter's self-reentrancy guard (spec §5: "proxy_enter(func)
// refuses a push if func is already present on the stack"). Returns
// (ok=false, cycle=true) if fn is already on this thread's proxy stack
// and (ok=false, cycle=false) on plain stack overflow.
func PushProxyFrame(fn uint64, sp uintptr) (ok, cycle bool) {
	st := currentThreadState()
	mu.Lock()
	defer mu.Unlock()
	for _, f := range st.proxyStack {
		if f.Func == fn {
			return false, true
		}
	}
	if len(st.proxyStack) >= maxFrames {
		st.proxyOverflows++
		if st.proxyOverflows%overflowLogEvery == 1 {
			logx.Default().Warn("proxy frame stack overflow, dropping push", "func", fn, "count", st.proxyOverflows)
		}
		return false, false
	}
	st.proxyStack = append(st.proxyStack, ProxyFrame{Func: fn, SP: sp})
	return true, false
}

// PopProxyFrame removes the top proxy frame, if any.
func PopProxyFrame() (ProxyFrame, bool) {
	st := currentThreadState()
	mu.Lock()
	defer mu.Unlock()
	if len(st.proxyStack) == 0 {
		return ProxyFrame{}, false
	}
	top := st.proxyStack[len(st.proxyStack)-1]
	st.proxyStack = st.proxyStack[:len(st.proxyStack)-1]
	return top, true
}

// PopProxyFrameMatching removes fn's entry from the proxy stack — the
// top-of-stack fast path if it's already there, otherwise a deep search
// (spec §5: proxy_leave "top-of-stack fast path; deep search if not
// top"), for a proxy that left in something other than strict LIFO
// order relative to others on the same thread. Returns false if fn
// isn't present.
func PopProxyFrameMatching(fn uint64) bool {
	st := currentThreadState()
	mu.Lock()
	defer mu.Unlock()
	n := len(st.proxyStack)
	if n == 0 {
		return false
	}
	if st.proxyStack[n-1].Func == fn {
		st.proxyStack = st.proxyStack[:n-1]
		return true
	}
	for i := n - 2; i >= 0; i-- {
		if st.proxyStack[i].Func == fn {
			st.proxyStack = append(st.proxyStack[:i], st.proxyStack[i+1:]...)
			return true
		}
	}
	return false
}

// CurrentProxyFrame returns the top of the proxy stack without popping
// it.
func CurrentProxyFrame() (ProxyFrame, bool) {
	st := currentThreadState()
	mu.Lock()
	defer mu.Unlock()
	if len(st.proxyStack) == 0 {
		return ProxyFrame{}, false
	}
	return st.proxyStack[len(st.proxyStack)-1], true
}

// CurrentHubFrame returns the top of the hub stack without popping it.
// Its SP field holds the return address PushCallback was invoked with —
// the value GetReturnAddress surfaces to a proxy body.
func CurrentHubFrame() (HubFrame, bool) {
	st := currentThreadState()
	mu.Lock()
	defer mu.Unlock()
	if len(st.hubStack) == 0 {
		return HubFrame{}, false
	}
	return st.hubStack[len(st.hubStack)-1], true
}

// PopStack forcibly unwinds this thread's hub/proxy stacks down to (and
// including) the frame recorded with returnAddr, for a proxy body that
// is about to perform a non-local exit (longjmp, a thrown exception
// unwinding through C++) past frames that will never see their own
// pop_callback. Returns the number of hub frames discarded.
func PopStack(returnAddr uintptr) int {
	st := currentThreadState()
	mu.Lock()
	defer mu.Unlock()
	discarded := 0
	for len(st.hubStack) > 0 {
		top := st.hubStack[len(st.hubStack)-1]
		st.hubStack = st.hubStack[:len(st.hubStack)-1]
		if len(st.proxyStack) > 0 {
			st.proxyStack = st.proxyStack[:len(st.proxyStack)-1]
		}
		discarded++
		if top.SP == returnAddr {
			break
		}
	}
	return discarded
}

// ForgetThread drops all state for the calling thread, used by tests
// and by fork recovery (a forked child has exactly one thread, with a
// fresh tid, so parent bookkeeping is simply orphaned garbage).
func ForgetThread() {
	tid := unix.Gettid()
	mu.Lock()
	defer mu.Unlock()
	delete(states, tid)
}

// Reset clears all thread state process-wide (used by fork recovery in
// the root package, and by tests).
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	states = map[int]*threadState{}
}
