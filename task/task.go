// Package task holds the user-facing hook request record (Task) and the
// per-GOT-slot state store (SlotEntry) that the refresh engine
// maintains to know which hubs/proxies exist and which tasks they serve.
package task

import (
	"sync"

	"j5.nz/pltproxy/hub"
	"j5.nz/pltproxy/internal/xerr"
	"j5.nz/pltproxy/modrule"
)

// ScopeKind selects which caller modules a Task's hook is applied to.
type ScopeKind int

const (
	// ScopeSingle restricts the hook to callers matching CallerRule —
	// the classic "only intercept calls made from this one library"
	// case.
	ScopeSingle ScopeKind = iota
	// ScopePartial restricts the hook to modules for which AllowFilter
	// returns true, given FilterArg.
	ScopePartial
	// ScopeAll applies the hook unconditionally to every module whose
	// GOT references the target symbol.
	ScopeAll
)

// AllowFilter decides, for ScopePartial tasks, whether modulePath
// should be hooked.
type AllowFilter func(modulePath string, filterArg uintptr) bool

// Scope bounds which modules a Task's hook applies to.
type Scope struct {
	Kind        ScopeKind
	CallerRule  modrule.Rule // meaningful for ScopeSingle
	AllowFilter AllowFilter  // meaningful for ScopePartial
	FilterArg   uintptr
}

// Task is one user-requested interception: replace Symbol with NewFunc
// in the GOT of every caller module Scope selects, skipping slots whose
// resolved target is not in a module matching CalleeRule (when set), and
// call OnHooked once a module has actually been patched (or
// once, with xerr.NoSym, when a Single-scoped task's sole candidate
// module doesn't reference Symbol at all).
type Task struct {
	ID         uint64
	Scope      Scope
	CalleeRule modrule.Rule
	Symbol     string
	NewFunc    uint64
	OnHooked   func(status xerr.Code, moduleBase uint64, origFunc uint64)

	// bindMu guards bound/boundID: spec §4.5 step 6's
	// is_single_task_bound_to_other_module — a ScopeSingle task binds to
	// the first module instance that yields a slot and is skipped on
	// every other instance from then on, first-writer-wins under
	// concurrent module processing.
	bindMu  sync.Mutex
	bound   bool
	boundID modrule.Identity

	noSymMu    sync.Mutex
	noSymFired bool
}

// BoundTo reports the module identity this ScopeSingle task has bound to,
// if any.
func (t *Task) BoundTo() (modrule.Identity, bool) {
	t.bindMu.Lock()
	defer t.bindMu.Unlock()
	return t.boundID, t.bound
}

// Bind commits t to id as the sole module it is allowed to patch,
// first-writer-wins. Returns true if id is (now, or already was) the
// bound module; false if another module already holds the binding.
func (t *Task) Bind(id modrule.Identity) bool {
	t.bindMu.Lock()
	defer t.bindMu.Unlock()
	if !t.bound {
		t.bound = true
		t.boundID = id
		return true
	}
	return t.boundID == id
}

// MarkNoSymFired reports whether this is the first call for t, so a
// caller can fire the one-shot NoSym callback spec §7 describes ("a
// single NoSym callback") exactly once per task's lifetime.
func (t *Task) MarkNoSymFired() bool {
	t.noSymMu.Lock()
	defer t.noSymMu.Unlock()
	if t.noSymFired {
		return false
	}
	t.noSymFired = true
	return true
}

// SlotKey identifies a single patched GOT entry: the caller module's
// full (path, base, instance, namespace) identity plus the slot address,
// per spec §3 — two different loads of the same path must not collide on
// one key even if their base addresses ever coincided.
type SlotKey struct {
	ModulePath      string
	ModuleBase      uint64
	ModuleInstance  uint64
	ModuleNamespace uint64
	GOTAddr         uint64
}

// SlotEntry is the refresh engine's record of one patched GOT slot: the
// hub installed there, the original function it captured on first
// patch, and which tasks currently have a live proxy registered on that
// hub.
type SlotEntry struct {
	Hub     *hub.Hub
	Orig    uint64
	Proxies map[uint64]*hub.ProxyHandle // task ID -> this task's chain link
}

// Store is the process-wide SlotEntry table, guarded the way spec §5
// names state_mutex: one coarse lock protecting slot bookkeeping,
// separate from each hub's own per-chain mutex.
type Store struct {
	mu    sync.Mutex
	slots map[SlotKey]*SlotEntry
	tasks map[uint64]*Task
}

func NewStore() *Store {
	return &Store{
		slots: map[SlotKey]*SlotEntry{},
		tasks: map[uint64]*Task{},
	}
}

func (s *Store) AddTask(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
}

func (s *Store) RemoveTask(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

func (s *Store) Task(id uint64) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Tasks returns a snapshot of every registered task.
func (s *Store) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

func (s *Store) Slot(key SlotKey) (*SlotEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.slots[key]
	return e, ok
}

// EnsureSlot returns the SlotEntry for key, creating one around h/orig
// if this is the first task to touch that GOT address.
func (s *Store) EnsureSlot(key SlotKey, h *hub.Hub, orig uint64) *SlotEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.slots[key]
	if ok {
		return e
	}
	e = &SlotEntry{Hub: h, Orig: orig, Proxies: map[uint64]*hub.ProxyHandle{}}
	s.slots[key] = e
	return e
}

// RemoveSlot deletes a slot's bookkeeping, once it has been restored to
// Orig and its hub retired.
func (s *Store) RemoveSlot(key SlotKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, key)
}

// SlotsForModule returns every slot currently tracked for modulePath,
// used by the refresh engine when a module goes away (dlclose) or is
// reloaded at a new base.
func (s *Store) SlotsForModule(modulePath string) []SlotKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SlotKey
	for k := range s.slots {
		if k.ModulePath == modulePath {
			out = append(out, k)
		}
	}
	return out
}
