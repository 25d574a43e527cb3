// Package sigguard turns a bad memory read during GOT/ELF image parsing
// into a recoverable error instead of a process crash.
//
// The original engine installs a SIGSEGV/SIGBUS handler (via sigchain on
// ART, sigaction elsewhere) and escapes a fault with sigsetjmp/
// siglongjmp. Go gives every goroutine the same "turn a fault into
// something recoverable" primitive natively:
// runtime/debug.SetPanicOnFault, paired with recover(). WithGuard saves
// and restores the previous SetPanicOnFault state the way the original
// saves and restores the previous sigaction, so nested guards compose
// correctly without a separate depth counter — the defer stack already
// is the depth counter.
package sigguard

import (
	"runtime"
	"runtime/debug"
	"strings"
	"sync/atomic"

	"j5.nz/pltproxy/internal/logx"
	"j5.nz/pltproxy/internal/xerr"
)

var (
	enabled     atomic.Bool
	refCount    atomic.Int64
	activeDepth atomic.Int64
	lastFault   atomic.Value // string
)

func init() {
	enabled.Store(true)
}

// Enable turns the guard on or off process-wide. Disabled, WithGuard
// runs f with no recover wrapper at all, so a fault crashes the process
// exactly as if sigguard were never linked in — useful for a caller that
// wants a debug build to crash loud rather than get a SegvErr back.
func Enable(flag bool) { enabled.Store(flag) }

// IsEnabled reports the current global switch state.
func IsEnabled() bool { return enabled.Load() }

// AddHandler/RemoveHandler mirror the reference implementation's
// refcounted sigaction install/uninstall, reduced to bookkeeping: there
// is no OS-level handler to install since WithGuard relies on a
// per-goroutine runtime flag toggled around each guarded call, but
// callers (refresh engine, dlopen observer) that expect to pair install
// and teardown calls can still do so safely.
func AddHandler() error {
	refCount.Add(1)
	return nil
}

// RemoveHandler decrements the reference count installed by AddHandler.
func RemoveHandler() {
	for {
		cur := refCount.Load()
		if cur <= 0 {
			return
		}
		if refCount.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// ActiveDepth reports how many WithGuard calls are currently nested on
// any goroutine — diagnostic only.
func ActiveDepth() int64 { return activeDepth.Load() }

// LastFault returns the message of the most recently recovered fault,
// or "" if none has occurred yet.
func LastFault() string {
	v, _ := lastFault.Load().(string)
	return v
}

// WithGuard runs f and recovers a fault (nil-pointer/invalid-memory
// dereference) that occurs inside it, returning xerr.SegvErr instead of
// crashing. Any other panic — a real programming bug, not a bad address
// — propagates unchanged; guarding reads is not a license to swallow
// logic errors.
func WithGuard[T any](f func() T) (result T, err error) {
	if !IsEnabled() {
		return f(), nil
	}

	prev := debug.SetPanicOnFault(true)
	activeDepth.Add(1)
	defer func() {
		debug.SetPanicOnFault(prev)
		activeDepth.Add(-1)

		r := recover()
		if r == nil {
			return
		}
		if !looksLikeFault(r) {
			panic(r)
		}
		msg := faultMessage(r)
		lastFault.Store(msg)
		logx.Default().Warn("guarded read faulted", "err", msg)
		err = xerr.New("sigguard.WithGuard", xerr.SegvErr, msg, nil)
	}()

	result = f()
	return result, nil
}

// looksLikeFault distinguishes a memory-fault panic (what
// SetPanicOnFault produces) from an ordinary panic.
func looksLikeFault(r any) bool {
	re, ok := r.(runtime.Error)
	if !ok {
		return false
	}
	msg := re.Error()
	return strings.Contains(msg, "invalid memory address") ||
		strings.Contains(msg, "unexpected fault address") ||
		strings.Contains(msg, "nil pointer dereference")
}

func faultMessage(r any) string {
	if e, ok := r.(error); ok {
		return e.Error()
	}
	return "guarded read fault"
}
