package trampoline

import "reflect"

// Dispatcher is implemented by the hub package and registered once via
// SetDispatcher. It is the Go-side half of the push/pop protocol the
// generated stubs call into through pushCallbackEntry/popCallbackEntry.
type Dispatcher interface {
	// PushCallback chooses which function the stub should jump to next
	// (either a proxy in the hub's chain or the original function),
	// given the hub identifier patched into the stub's literal pool and
	// the original caller's return address.
	PushCallback(hubPtr, returnAddr uint64) uint64
	// PopCallback undoes whatever frame bookkeeping PushCallback
	// performed, once the chosen function has returned.
	PopCallback(hubPtr uint64)
}

var dispatcher Dispatcher

// SetDispatcher installs the hub package's dispatcher. refresh.NewEngine
// calls it with the engine's hub.Registry; the wiring lives outside this
// package to avoid an import cycle (hub imports trampoline, not the
// reverse).
func SetDispatcher(d Dispatcher) { dispatcher = d }

// pushCallbackEntry / popCallbackEntry are implemented in
// callback_<arch>.s; declaring them here without a body marks them as
// assembly-backed.
func pushCallbackEntry()
func popCallbackEntry()

// EntryPoints returns the addresses generated stubs should patch into
// their push_callback/pop_callback literal-pool slots.
func EntryPoints() (pushAddr, popAddr uint64) {
	pushVal := reflect.ValueOf(pushCallbackEntry)
	popVal := reflect.ValueOf(popCallbackEntry)
	return uint64(pushVal.Pointer()), uint64(popVal.Pointer())
}

// pushCallbackImpl/popCallbackImpl are called from the assembly entry
// points above via their automatically generated ABI0 wrappers. They
// must not panic: a panic unwinding into hand-generated machine code
// has no defer/recover machinery to catch it.
func pushCallbackImpl(hubPtr, returnAddr uint64) (chosen uint64) {
	defer func() {
		if r := recover(); r != nil {
			chosen = 0
		}
	}()
	if dispatcher == nil {
		return 0
	}
	return dispatcher.PushCallback(hubPtr, returnAddr)
}

func popCallbackImpl(hubPtr uint64) {
	defer func() { recover() }()
	if dispatcher != nil {
		dispatcher.PopCallback(hubPtr)
	}
}
