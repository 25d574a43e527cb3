package pltproxy

import (
	"j5.nz/pltproxy/internal/xerr"
	"j5.nz/pltproxy/modrule"
	"j5.nz/pltproxy/task"
)

// OnHookedFunc fires once per GOT slot this task successfully patches,
// and once more with status xerr.NoSym if a ScopeSingle task's sole
// candidate module doesn't export the target symbol at all. arg is
// whatever the caller passed to the Hook* call that created the task.
// Fired outside any engine lock (see spec §6's callback contract), but
// still counted against this thread's external-callback depth, so a
// callback cannot reenter the public API.
type OnHookedFunc func(stub *Stub, status xerr.Code, moduleBase uint64, origFunc uintptr, arg any)

// AllowFilter decides, for HookPartial tasks, whether modulePath should
// be hooked.
type AllowFilter func(modulePath string, arg any) bool

// Stub is the handle returned by a successful Hook* call.
type Stub struct {
	taskID  uint64
	symbol  string
	newFunc uintptr
}

func (s *Stub) Symbol() string   { return s.symbol }
func (s *Stub) NewFunc() uintptr { return s.newFunc }

func wrapOnHooked(stub *Stub, user OnHookedFunc, arg any) func(status xerr.Code, moduleBase, origFunc uint64) {
	if user == nil {
		return nil
	}
	return func(status xerr.Code, moduleBase, origFunc uint64) {
		withExternalCallback(func() {
			user(stub, status, moduleBase, uintptr(origFunc), arg)
		})
	}
}

// HookSingle installs new_func in place of symbol, restricted to
// modules matching callerRule (and, if non-empty, calleeRule — the
// module the symbol's resolved target must belong to).
func HookSingle(callerRule, calleeRule, symbol string, newFunc uintptr, onHooked OnHookedFunc, arg any) (*Stub, error) {
	if err := checkForkAndGuard(); err != nil {
		return nil, err
	}
	if callerRule == "" || symbol == "" || newFunc == 0 {
		return nil, xerr.New("pltproxy.HookSingle", xerr.InvalidArg, "caller_rule, symbol and new_func are required", nil)
	}
	return installTask(task.Scope{Kind: task.ScopeSingle, CallerRule: modrule.Parse(callerRule)}, calleeRule, symbol, newFunc, onHooked, arg)
}

// HookPartial installs new_func wherever filter(modulePath, arg)
// returns true, restricted to calleeRule if non-empty.
func HookPartial(filter AllowFilter, filterArg any, calleeRule, symbol string, newFunc uintptr, onHooked OnHookedFunc, arg any) (*Stub, error) {
	if err := checkForkAndGuard(); err != nil {
		return nil, err
	}
	if filter == nil || symbol == "" || newFunc == 0 {
		return nil, xerr.New("pltproxy.HookPartial", xerr.InvalidArg, "filter, symbol and new_func are required", nil)
	}
	scope := task.Scope{
		Kind: task.ScopePartial,
		AllowFilter: func(modulePath string, _ uintptr) bool {
			var matched bool
			withExternalCallback(func() { matched = filter(modulePath, filterArg) })
			return matched
		},
	}
	return installTask(scope, calleeRule, symbol, newFunc, onHooked, arg)
}

// HookAll installs new_func unconditionally on every module whose GOT
// imports symbol, restricted to calleeRule if non-empty.
func HookAll(calleeRule, symbol string, newFunc uintptr, onHooked OnHookedFunc, arg any) (*Stub, error) {
	if err := checkForkAndGuard(); err != nil {
		return nil, err
	}
	if symbol == "" || newFunc == 0 {
		return nil, xerr.New("pltproxy.HookAll", xerr.InvalidArg, "symbol and new_func are required", nil)
	}
	return installTask(task.Scope{Kind: task.ScopeAll}, calleeRule, symbol, newFunc, onHooked, arg)
}

func installTask(scope task.Scope, calleeRule, symbol string, newFunc uintptr, onHooked OnHookedFunc, arg any) (*Stub, error) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return nil, xerr.New("pltproxy.installTask", xerr.Uninit, "not initialized", nil)
	}
	store := c.store
	engine := c.engine
	automatic := c.mode == Automatic
	c.mu.Unlock()

	for _, existing := range store.Tasks() {
		if existing.NewFunc == uint64(newFunc) {
			return nil, xerr.New("pltproxy.installTask", xerr.Dup, "new_func already installed by another task", nil)
		}
	}

	id := nextID()
	stub := &Stub{taskID: id, symbol: symbol, newFunc: newFunc}
	t := &task.Task{
		ID:         id,
		Scope:      scope,
		Symbol:     symbol,
		NewFunc:    uint64(newFunc),
		OnHooked:   wrapOnHooked(stub, onHooked, arg),
	}
	if calleeRule != "" {
		t.CalleeRule = modrule.Parse(calleeRule)
	}
	store.AddTask(t)

	if automatic {
		if err := engine.RefreshAll(); err != nil {
			store.RemoveTask(id)
			return nil, err
		}
	}
	return stub, nil
}

// Unhook removes stub's proxy from every slot it was installed on and
// restores slots left with no remaining task.
func Unhook(stub *Stub) error {
	if stub == nil {
		return xerr.New("pltproxy.Unhook", xerr.InvalidArg, "nil stub", nil)
	}
	if err := checkForkAndGuard(); err != nil {
		return err
	}
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return xerr.New("pltproxy.Unhook", xerr.Uninit, "not initialized", nil)
	}
	engine := c.engine
	c.mu.Unlock()
	engine.Unhook(stub.taskID)
	return nil
}
