// Package pltproxy is the public lifecycle API: the root package a
// caller embeds to install, list, and tear down GOT/PLT interceptions.
// It is the thin coordinating layer over refresh, task, hub,
// trampoline, modscan and modrule — every actual mechanism lives in
// those packages; this one owns process-wide singleton state, the
// external-callback reentrancy guard, and fork recovery.
package pltproxy

import (
	"context"
	"os"
	"sync"

	"j5.nz/pltproxy/hub"
	"j5.nz/pltproxy/internal/logx"
	"j5.nz/pltproxy/internal/xerr"
	"j5.nz/pltproxy/modscan"
	"j5.nz/pltproxy/refresh"
	"j5.nz/pltproxy/task"
	"j5.nz/pltproxy/trampoline"
	"j5.nz/pltproxy/tstate"
)

// Mode selects whether installing a hook triggers a background refresh
// pass on its own (Automatic) or waits for an explicit Refresh call
// (Manual).
type Mode int

const (
	Manual Mode = iota
	Automatic
)

// core is the process-wide singleton. One process embeds one engine;
// spec.md's data model has no notion of multiple independent instances
// sharing a process.
type core struct {
	mu          sync.Mutex
	initialized bool
	mode        Mode
	debug       bool
	installPID  int
	nextTaskID  uint64

	scanner *modscan.Scanner
	store   *task.Store
	hubs    *hub.Registry
	pool    *trampoline.Pool
	engine  *refresh.Engine
	poller  *refresh.Poller

	pollCancel context.CancelFunc

	// reapplied to a freshly rebuilt engine after fork recovery.
	modulePrep  refresh.ModulePrep
	ownBasename string
	ignoreRules []string

	dlopen dlopenRegistry
}

var c core

// Init (re)initializes the engine. Safe to call again after Clear; a
// second Init without an intervening Clear returns Dup.
func Init(mode Mode, debug bool) error {
	if err := guardReentrant(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return xerr.New("pltproxy.Init", xerr.Dup, "already initialized", nil)
	}
	c.mode = mode
	c.debug = debug
	c.installPID = os.Getpid()
	c.scanner = modscan.NewScanner(nil)
	c.store = task.NewStore()
	c.hubs = hub.NewRegistry()
	c.pool = trampoline.NewPool()
	c.engine = refresh.NewEngine(c.scanner, c.store, c.hubs, c.pool)
	c.modulePrep = nil
	c.ownBasename = ""
	c.ignoreRules = nil
	c.poller = refresh.NewPoller(c.engine)
	c.initialized = true

	if debug {
		logx.Set(logx.NewZerolog(nil))
	}

	if mode == Automatic {
		c.startPollerLocked()
	}
	return nil
}

func (cc *core) startPollerLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	cc.pollCancel = cancel
	go cc.poller.Run(ctx)
}

// SetModulePrep installs a module-preparation step (e.g. CFI
// neutralization) run once per module before its first GOT slot is
// touched. Reapplied automatically across fork recovery.
func SetModulePrep(f refresh.ModulePrep) error {
	if err := checkForkAndGuard(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return xerr.New("pltproxy.SetModulePrep", xerr.Uninit, "not initialized", nil)
	}
	c.modulePrep = f
	c.engine.SetModulePrep(f)
	return nil
}

// SetOwnBasename tells the engine which loaded module is this engine's
// own shared object, so refresh passes never try to hook themselves.
func SetOwnBasename(basename string) error {
	if err := checkForkAndGuard(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return xerr.New("pltproxy.SetOwnBasename", xerr.Uninit, "not initialized", nil)
	}
	c.ownBasename = basename
	c.engine.SetOwnBasename(basename)
	return nil
}

// AddIgnore adds a module rule the refresh engine will never hook.
func AddIgnore(rule string) error {
	if err := checkForkAndGuard(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return xerr.New("pltproxy.AddIgnore", xerr.Uninit, "not initialized", nil)
	}
	c.ignoreRules = append(c.ignoreRules, rule)
	c.engine.AddIgnore(rule)
	return nil
}

// Refresh runs one reconciliation pass (Manual mode's explicit
// trigger; Automatic mode may also call this at any time).
func Refresh() error {
	if err := checkForkAndGuard(); err != nil {
		return err
	}
	c.mu.Lock()
	initialized := c.initialized
	engine := c.engine
	c.mu.Unlock()
	if !initialized {
		return xerr.New("pltproxy.Refresh", xerr.Uninit, "not initialized", nil)
	}
	return engine.RefreshAll()
}

// Clear stops the background poller (if any), restores every patched
// GOT slot, and resets all process-wide state. Safe to call even if
// Init was never called.
func Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil
	}
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
	c.engine.RestoreAll()
	tstate.Reset()
	c.initialized = false
	c.dlopen = dlopenRegistry{}
	return nil
}

func nextID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextTaskID++
	return c.nextTaskID
}
