package pltproxy

import (
	"sync"

	"golang.org/x/sys/unix"

	"j5.nz/pltproxy/internal/xerr"
)

// externalCallbackDepth implements spec §7's reentrancy guard: a
// per-thread depth counter set across every invocation of a
// caller-supplied callback (on_hooked, allow_filter, pre/post_dlopen).
// Any public entry point called while that thread's depth is non-zero
// is an attempted reentry into the engine from inside a user callback,
// and is rejected with InitErrSafe rather than risk recursing into a
// lock the outer call already holds.
//
// Grounded on the original's entry_control.rs RAII guard; Go has no
// destructor to rely on, so every call site uses withExternalCallback's
// defer instead.
var (
	depthMu sync.Mutex
	depth   = map[int]int{}
)

func guardReentrant() error {
	tid := unix.Gettid()
	depthMu.Lock()
	d := depth[tid]
	depthMu.Unlock()
	if d > 0 {
		return xerr.New("pltproxy", xerr.InitErrSafe, "reentrant call from inside an external callback", nil)
	}
	return nil
}

func checkForkAndGuard() error {
	checkFork()
	return guardReentrant()
}

// withExternalCallback marks the calling thread as "inside an external
// callback" for the duration of fn, so any nested attempt to call back
// into the public API is rejected rather than deadlocking or
// corrupting state.
func withExternalCallback(fn func()) {
	tid := unix.Gettid()
	depthMu.Lock()
	depth[tid]++
	depthMu.Unlock()
	defer func() {
		depthMu.Lock()
		depth[tid]--
		if depth[tid] <= 0 {
			delete(depth, tid)
		}
		depthMu.Unlock()
	}()
	fn()
}
