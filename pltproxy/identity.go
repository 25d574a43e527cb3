package pltproxy

import (
	"j5.nz/pltproxy/modrule"
)

// IdentityOf resolves handle (a dlopen handle, or a bare module base
// address) to its (path, base, instance, namespace) identity tuple.
func IdentityOf(handle uintptr) (modrule.Identity, bool) {
	return IdentityOfWithSymbol(handle, "")
}

// IdentityOfWithSymbol is IdentityOf with an additional probe symbol.
// The lookup matches on handle alone; probe does not change which
// module is returned (see modscan.ResolveHandleIdentity).
func IdentityOfWithSymbol(handle uintptr, probe string) (modrule.Identity, bool) {
	checkFork()
	c.mu.Lock()
	scanner := c.scanner
	initialized := c.initialized
	c.mu.Unlock()
	if !initialized {
		return modrule.Identity{}, false
	}
	return scanner.ResolveHandleIdentity(uint64(handle), probe)
}
