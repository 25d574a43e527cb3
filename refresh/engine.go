// Package refresh implements the refresh engine: the component that
// walks currently loaded modules, decides which tasks apply to which
// GOT slots, and drives the actual patch/unpatch through elfimg and
// memctl. It owns the process-wide view tying modscan, modrule, task,
// hub, and trampoline together.
package refresh

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"j5.nz/pltproxy/elfimg"
	"j5.nz/pltproxy/hub"
	"j5.nz/pltproxy/internal/logx"
	"j5.nz/pltproxy/internal/xerr"
	"j5.nz/pltproxy/memctl"
	"j5.nz/pltproxy/modrule"
	"j5.nz/pltproxy/modscan"
	"j5.nz/pltproxy/sigguard"
	"j5.nz/pltproxy/task"
	"j5.nz/pltproxy/trampoline"
)

// modulePrepConcurrency bounds how many modules' prep+apply step runs in
// parallel within one refresh pass. GOT writes within that step are
// still safe unserialized across modules: each touches its own
// task.Store slot key and its own hub's chain mutex, and ELF parsing
// for distinct modules shares no mutable state.
const modulePrepConcurrency = 4

// ModulePrep is a pluggable, once-per-module preparation step run
// before any GOT slot in that module is touched. The default is a
// no-op; production builds can install one to neutralize a module's
// CFI shadow-call-stack / icall check tables (see
// original_source/src/cfi.rs, module_hook.rs — a pointer patched
// through the ordinary GOT/PLT path can still be rejected at the call
// site by a forward-edge CFI check unless whatever table backs it is
// also adjusted first). This is an Open Question in the distilled
// spec, resolved here as "sequenced strictly before any slot in the
// module is patched" — see DESIGN.md.
type ModulePrep func(img *elfimg.Image) error

func noopModulePrep(*elfimg.Image) error { return nil }

// Engine ties module scanning, rule matching, task bookkeeping, hub
// dispatch, and trampoline allocation together. One Engine per process.
type Engine struct {
	// refreshMu serializes RefreshAll/RefreshNew the way spec §5 names
	// refresh_mutex — only one refresh pass runs at a time, though
	// individual hub chain mutations (AddProxy/RemoveProxy) are
	// independently safe to run concurrently with a dispatch in flight.
	refreshMu sync.Mutex

	scanner *modscan.Scanner
	store   *task.Store
	hubs    *hub.Registry
	pool    *trampoline.Pool
	ignore  modrule.List
	machine elfimg.Machine

	modulePrep  ModulePrep
	ownBasename string

	known     map[modrule.Identity]struct{}
	prepped   map[string]struct{} // "path@base#instance" -> module-prep already ran
	preppedMu sync.Mutex          // guards prepped; applyModule runs concurrently across modules
}

func NewEngine(scanner *modscan.Scanner, store *task.Store, hubs *hub.Registry, pool *trampoline.Pool) *Engine {
	machine := elfimg.MachineAArch64
	if runtime.GOARCH == "amd64" {
		machine = elfimg.MachineX86_64
	}
	trampoline.SetDispatcher(hubs)
	return &Engine{
		scanner:    scanner,
		store:      store,
		hubs:       hubs,
		pool:       pool,
		machine:    machine,
		modulePrep: noopModulePrep,
		known:      map[modrule.Identity]struct{}{},
		prepped:    map[string]struct{}{},
	}
}

// SetModulePrep installs a non-default module preparation step.
func (e *Engine) SetModulePrep(f ModulePrep) {
	if f == nil {
		f = noopModulePrep
	}
	e.modulePrep = f
}

// SetOwnBasename tells the scanner/ignore logic which module is this
// engine's own shared object, so it never tries to hook itself.
func (e *Engine) SetOwnBasename(basename string) { e.ownBasename = basename }

func (e *Engine) AddIgnore(rule string) { e.ignore.Add(rule) }

// RefreshAll rescans every loaded module and (re)applies every task to
// every module that matches, including ones already processed in a
// prior pass (idempotent: EnsureSlot/AddProxy no-op on a slot/task pair
// that already exists).
func (e *Engine) RefreshAll() error { return e.refresh(false) }

// RefreshNew rescans and applies tasks only to modules not seen in a
// prior pass — the cheaper incremental path the periodic poller and the
// dlopen-observer hook both use.
func (e *Engine) RefreshNew() error { return e.refresh(true) }

func (e *Engine) refresh(onlyNew bool) error {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	e.hubs.Reap()

	mods, err := e.scanner.Scan()
	if err != nil {
		return xerr.New("refresh.refresh", xerr.ReadElf, "module scan failed", err)
	}

	current := make(map[modrule.Identity]struct{}, len(mods))
	for _, m := range mods {
		current[m.Identity()] = struct{}{}
	}
	for id := range e.known {
		if _, ok := current[id]; !ok {
			e.cleanupModule(id)
		}
	}

	tasks := e.store.Tasks()
	calleeSets := e.resolveCalleeSets(mods, tasks)

	var g errgroup.Group
	g.SetLimit(modulePrepConcurrency)
	for _, m := range mods {
		m := m
		id := m.Identity()
		_, seenBefore := e.known[id]
		if onlyNew && seenBefore {
			continue
		}
		if modrule.IsUnconditionallyIgnored(m.Path, e.ownBasename) {
			continue
		}
		if e.ignore.MatchAny(id) {
			continue
		}
		g.Go(func() error {
			e.applyModule(m, tasks, calleeSets)
			return nil
		})
	}
	_ = g.Wait() // applyModule reports its own per-module failures via logx; nothing to propagate
	e.known = current
	return nil
}

// calleeResolution is the per-task result of spec §4.5 step 5: the set
// of addresses task.Symbol resolves to across every module matching the
// task's CalleeRule. filtered is false when the task has no CalleeRule
// (so FindGOTSlots must see a nil filter, i.e. unrestricted) — an empty,
// non-nil addrs map is meaningfully different: it means the rule was
// given but resolved nothing, so every slot lookup for this task comes
// up empty (addrs matches nothing, and the PLT lazy-binding exception
// never applies to an empty set).
type calleeResolution struct {
	filtered bool
	addrs    map[uint64]struct{}
}

// resolveCalleeSets resolves each task's CalleeRule (when set) against
// the currently scanned module list once per refresh pass, rather than
// once per (task, caller module) pair.
func (e *Engine) resolveCalleeSets(mods []modscan.Module, tasks []*task.Task) map[uint64]calleeResolution {
	out := make(map[uint64]calleeResolution, len(tasks))
	for _, t := range tasks {
		if t.CalleeRule.Path == "" {
			continue
		}
		addrs := map[uint64]struct{}{}
		for _, m := range mods {
			if !t.CalleeRule.Match(m.Identity()) {
				continue
			}
			img, err := e.openImage(m)
			if err != nil {
				continue
			}
			if addr, found, err := img.FindExportFunction(t.Symbol); err == nil && found {
				addrs[addr] = struct{}{}
			}
		}
		out[t.ID] = calleeResolution{filtered: true, addrs: addrs}
	}
	return out
}

func (e *Engine) applyModule(m modscan.Module, tasks []*task.Task, calleeSets map[uint64]calleeResolution) {
	img, err := e.openImage(m)
	if err != nil {
		logx.Default().Warn("failed to open module image, skipping", "path", m.Path, "err", err.Error())
		return
	}

	prepKey := fmt.Sprintf("%s@%x#%x", m.Path, m.Base, m.Instance)
	e.preppedMu.Lock()
	_, done := e.prepped[prepKey]
	e.preppedMu.Unlock()
	if !done {
		if err := e.modulePrep(img); err != nil {
			logx.Default().Warn("module prep step failed", "path", m.Path, "err", err.Error())
		}
		e.preppedMu.Lock()
		e.prepped[prepKey] = struct{}{}
		e.preppedMu.Unlock()
	}

	for _, t := range tasks {
		if !taskAppliesToModule(t, m) {
			continue
		}
		if err := e.applyTask(t, m, img, calleeSets[t.ID]); err != nil {
			logx.Default().Warn("apply_task failed", "symbol", t.Symbol, "path", m.Path, "err", err.Error())
		}
	}
}

// taskAppliesToModule decides whether m is even a candidate caller
// module for t — scope matching only. The callee_rule restricts which
// *resolved callee target* a hook replaces (spec §4.1/§4.5 step 5), not
// which caller modules are visited, so it plays no part here; it is
// applied as a GOT-slot-value filter in applyTask/FindGOTSlots instead.
func taskAppliesToModule(t *task.Task, m modscan.Module) bool {
	switch t.Scope.Kind {
	case task.ScopeSingle:
		if !t.Scope.CallerRule.Match(m.Identity()) {
			return false
		}
		// is_single_task_bound_to_other_module (spec §4.5 step 6): once
		// bound to one module instance, every other instance is skipped.
		if boundID, ok := t.BoundTo(); ok && boundID != m.Identity() {
			return false
		}
		return true
	case task.ScopePartial:
		return t.Scope.AllowFilter != nil && t.Scope.AllowFilter(m.Path, t.Scope.FilterArg)
	case task.ScopeAll:
		return true
	default:
		return false
	}
}

func (e *Engine) applyTask(t *task.Task, m modscan.Module, img *elfimg.Image, callee calleeResolution) error {
	symIdx, found, err := img.LookupSymbolIndex(t.Symbol)
	if err != nil {
		return err
	}
	if !found {
		// spec §7: a Single-scoped task's sole candidate module not
		// referencing Symbol at all fires one NoSym callback; other
		// scopes stay silent.
		if t.Scope.Kind == task.ScopeSingle && t.OnHooked != nil && t.MarkNoSymFired() {
			t.OnHooked(xerr.NoSym, m.Base, 0)
		}
		return nil
	}

	var calleeFilter map[uint64]struct{}
	if callee.filtered {
		calleeFilter = callee.addrs
	}
	slots, err := img.FindGOTSlots(symIdx, calleeFilter)
	if err != nil {
		return err
	}
	if len(slots) == 0 {
		return nil
	}

	if t.Scope.Kind == task.ScopeSingle && !t.Bind(m.Identity()) {
		// Lost the race to another module instance since
		// taskAppliesToModule's check (concurrent applyModule calls);
		// this instance does not get to patch.
		return nil
	}

	ctl := memctl.Controller{}
	for _, slot := range slots {
		key := task.SlotKey{ModulePath: m.Path, ModuleBase: m.Base, ModuleInstance: m.Instance, ModuleNamespace: m.Namespace, GOTAddr: slot.Addr}
		entry, existed := e.store.Slot(key)
		if !existed {
			h := e.hubs.Create(slot.Original)
			stub, err := e.pool.Allocate(h.ID())
			if err != nil {
				e.hubs.Retire(h)
				return xerr.New("refresh.applyTask", xerr.NewTrampo, "trampoline allocation failed", err)
			}
			if _, err := img.ReplaceGOTSlot(slot, stub.Addr, ctl, ctl); err != nil {
				e.hubs.Retire(h)
				return xerr.New("refresh.applyTask", xerr.SetGot, "GOT patch failed", err)
			}
			entry = e.store.EnsureSlot(key, h, slot.Original)
			logx.Default().Debug("patched GOT slot", "path", m.Path, "symbol", t.Symbol, "addr", slot.Addr)
		}
		if _, already := entry.Proxies[t.ID]; already {
			continue
		}
		node := entry.Hub.AddProxy(t.NewFunc)
		entry.Proxies[t.ID] = node
		if t.OnHooked != nil {
			t.OnHooked(xerr.Ok, m.Base, entry.Orig)
		}
	}
	return nil
}

// Unhook removes taskID's proxy from every slot it is installed on,
// restoring and retiring any slot/hub left with no remaining proxies.
func (e *Engine) Unhook(taskID uint64) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	for _, key := range e.allSlotKeys() {
		entry, ok := e.store.Slot(key)
		if !ok {
			continue
		}
		node, ok := entry.Proxies[taskID]
		if !ok {
			continue
		}
		entry.Hub.RemoveProxy(node)
		delete(entry.Proxies, taskID)
		if len(entry.Proxies) == 0 {
			e.restoreSlot(key, entry)
		}
	}
	e.store.RemoveTask(taskID)
}

// RestoreAll unpatches every tracked slot and retires every hub — the
// global teardown path.
func (e *Engine) RestoreAll() {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	for _, key := range e.allSlotKeys() {
		if entry, ok := e.store.Slot(key); ok {
			e.restoreSlot(key, entry)
		}
	}
	e.known = map[modrule.Identity]struct{}{}
	e.prepped = map[string]struct{}{}
}

func (e *Engine) restoreSlot(key task.SlotKey, entry *task.SlotEntry) {
	img, err := e.openImage(modscan.Module{Path: key.ModulePath, Base: key.ModuleBase})
	if err != nil {
		// The module is very likely gone (dlclose already unmapped it),
		// in which case there is nothing left to restore — the GOT page
		// itself no longer exists.
		e.hubs.Retire(entry.Hub)
		e.store.RemoveSlot(key)
		return
	}
	slot := elfimg.GOTSlot{Addr: key.GOTAddr, Original: entry.Hub.OrigFunc()}
	ctl := memctl.Controller{}
	if _, err := img.ReplaceGOTSlot(slot, entry.Orig, ctl, ctl); err != nil {
		logx.Default().Warn("failed to restore GOT slot", "path", key.ModulePath, "err", err.Error())
	}
	e.hubs.Retire(entry.Hub)
	e.store.RemoveSlot(key)
}

func (e *Engine) allSlotKeys() []task.SlotKey {
	var keys []task.SlotKey
	for _, m := range e.knownModulePaths() {
		keys = append(keys, e.store.SlotsForModule(m)...)
	}
	return keys
}

func (e *Engine) knownModulePaths() []string {
	seen := map[string]struct{}{}
	var out []string
	for id := range e.known {
		if _, ok := seen[id.Path]; !ok {
			seen[id.Path] = struct{}{}
			out = append(out, id.Path)
		}
	}
	return out
}

func (e *Engine) cleanupModule(id modrule.Identity) {
	for _, key := range e.store.SlotsForModule(id.Path) {
		if key.ModuleBase != id.Base {
			continue
		}
		if entry, ok := e.store.Slot(key); ok {
			e.hubs.Retire(entry.Hub)
			e.store.RemoveSlot(key)
		}
	}
	delete(e.prepped, fmt.Sprintf("%s@%x#%x", id.Path, id.Base, id.Instance))
}

func (e *Engine) openImage(m modscan.Module) (*elfimg.Image, error) {
	return elfimg.Open(elfimg.ReadFunc(sigguard.GuardedReadAt), m.Base, m.Path, e.machine)
}
