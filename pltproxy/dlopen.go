package pltproxy

import (
	"j5.nz/pltproxy/internal/xerr"
)

// PreDlopenFunc and PostDlopenFunc are the dlopen-observer callback
// contracts from spec §6: fired by the external dlopen-observer
// collaborator (not implemented by this core — see SPEC_FULL.md §3),
// which calls NotifyDlopenPre/NotifyDlopenPost around its own dlopen
// invocation.
type PreDlopenFunc func(filename string, arg any)
type PostDlopenFunc func(filename string, result uintptr, arg any)

type dlopenEntry struct {
	id   uint64
	pre  PreDlopenFunc
	post PostDlopenFunc
	arg  any
}

type dlopenRegistry struct {
	entries []dlopenEntry
}

// AddDlopenCallback registers pre/post dlopen hooks, either of which
// may be nil, and returns a handle for DelDlopenCallback.
func AddDlopenCallback(pre PreDlopenFunc, post PostDlopenFunc, arg any) (uint64, error) {
	if err := checkForkAndGuard(); err != nil {
		return 0, err
	}
	if pre == nil && post == nil {
		return 0, xerr.New("pltproxy.AddDlopenCallback", xerr.InvalidArg, "pre and post are both nil", nil)
	}
	id := nextID()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return 0, xerr.New("pltproxy.AddDlopenCallback", xerr.Uninit, "not initialized", nil)
	}
	c.dlopen.entries = append(c.dlopen.entries, dlopenEntry{id: id, pre: pre, post: post, arg: arg})
	return id, nil
}

// DelDlopenCallback removes a previously registered callback pair.
func DelDlopenCallback(id uint64) error {
	if err := checkForkAndGuard(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.dlopen.entries {
		if e.id == id {
			c.dlopen.entries = append(c.dlopen.entries[:i], c.dlopen.entries[i+1:]...)
			return nil
		}
	}
	return xerr.New("pltproxy.DelDlopenCallback", xerr.NotFound, "no such callback", nil)
}

// NotifyDlopenPre is called by the external dlopen observer
// immediately before it invokes the real dlopen, firing every
// registered PreDlopenFunc under the external-callback marker.
func NotifyDlopenPre(filename string) {
	c.mu.Lock()
	entries := append([]dlopenEntry(nil), c.dlopen.entries...)
	c.mu.Unlock()
	for _, e := range entries {
		if e.pre == nil {
			continue
		}
		withExternalCallback(func() { e.pre(filename, e.arg) })
	}
}

// NotifyDlopenPost is called by the external dlopen observer
// immediately after dlopen returns, firing every registered
// PostDlopenFunc and, in Automatic mode, triggering an incremental
// refresh so the newly loaded module is hooked without waiting for the
// periodic poller.
func NotifyDlopenPost(filename string, result uintptr) {
	c.mu.Lock()
	entries := append([]dlopenEntry(nil), c.dlopen.entries...)
	automatic := c.mode == Automatic
	engine := c.engine
	poller := c.poller
	c.mu.Unlock()

	for _, e := range entries {
		if e.post == nil {
			continue
		}
		withExternalCallback(func() { e.post(filename, result, e.arg) })
	}

	if poller != nil {
		poller.SetLoaderHookActive(true)
	}
	if automatic && result != 0 && engine != nil {
		_ = engine.RefreshNew()
	}
}
