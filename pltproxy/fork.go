package pltproxy

import (
	"os"

	"j5.nz/pltproxy/hub"
	"j5.nz/pltproxy/modscan"
	"j5.nz/pltproxy/refresh"
	"j5.nz/pltproxy/task"
	"j5.nz/pltproxy/trampoline"
	"j5.nz/pltproxy/tstate"
)

// checkFork implements spec §5's fork-safety rule: every public entry
// point checks the current PID against the PID recorded at Init, and if
// they differ, treats itself as a freshly forked child rather than
// erroring. The old engine's bookkeeping still describes valid GOT
// addresses in the child (fork gives the child a copy-on-write alias of
// the same address space), so its RestoreAll runs once, best-effort,
// before the child gets fresh task/slot/hub state — matching "restores
// every known slot (best-effort), empties its task and slot maps".
// Hooks themselves are lost: the child starts with an empty task store,
// so a later Refresh re-applies nothing until hooks are installed again.
func checkFork() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return
	}
	pid := os.Getpid()
	if pid == c.installPID {
		return
	}
	c.installPID = pid

	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
	if c.engine != nil {
		c.engine.RestoreAll()
	}
	tstate.Reset()

	c.scanner = modscan.NewScanner(nil)
	c.store = task.NewStore()
	c.hubs = hub.NewRegistry()
	c.pool = trampoline.NewPool()
	c.engine = refresh.NewEngine(c.scanner, c.store, c.hubs, c.pool)
	if c.modulePrep != nil {
		c.engine.SetModulePrep(c.modulePrep)
	}
	if c.ownBasename != "" {
		c.engine.SetOwnBasename(c.ownBasename)
	}
	for _, r := range c.ignoreRules {
		c.engine.AddIgnore(r)
	}
	c.poller = refresh.NewPoller(c.engine)
	c.dlopen = dlopenRegistry{}

	if c.mode == Automatic {
		c.startPollerLocked()
	}
}
