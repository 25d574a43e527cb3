// Package memctl queries and changes page protection for GOT patching
// and flushes the instruction cache once a slot has been rewritten.
// Protection queries go through /proc/self/maps rather than a remembered
// mapping, because the loader can legitimately have re-protected a
// segment (RELRO, mprotect by other code) since this image was scanned.
package memctl

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"j5.nz/pltproxy/elfimg"
	"j5.nz/pltproxy/internal/xerr"
)

// Controller implements elfimg.Patcher and elfimg.Writer against the
// calling process's own address space.
type Controller struct{}

var _ elfimg.Patcher = Controller{}
var _ elfimg.Writer = Controller{}

// GetProtect scans /proc/self/maps for the page(s) covering addr and
// returns the protection bits in effect, matching by address only (no
// pathname preference; GetProtectNear adds one).
func (Controller) GetProtect(addr uint64) (elfimg.Prot, error) {
	return scanMapsForProtect(uintptr(addr), 1, "")
}

// GetProtectNear is GetProtect but restricted to mappings whose path
// contains pathname, falling back to an address-only scan if none
// match.
func GetProtectNear(addr uint64, pathname string) (elfimg.Prot, error) {
	if pathname != "" {
		if p, err := scanMapsForProtect(uintptr(addr), 1, pathname); err == nil {
			return p, nil
		}
	}
	return scanMapsForProtect(uintptr(addr), 1, "")
}

// SetProtect mprotects the whole page containing addr.
func (Controller) SetProtect(addr uint64, prot elfimg.Prot) error {
	start, length := pageBounds(uintptr(addr))
	var p int
	if prot&elfimg.ProtRead != 0 {
		p |= unix.PROT_READ
	}
	if prot&elfimg.ProtWrite != 0 {
		p |= unix.PROT_WRITE
	}
	if prot&elfimg.ProtExec != 0 {
		p |= unix.PROT_EXEC
	}
	if err := unix.Mprotect(pageSlice(start, length), p); err != nil {
		return xerr.New("Controller.SetProtect", xerr.SetProt, "mprotect", err)
	}
	return nil
}

// FlushInstructionCache invalidates the instruction cache for [addr,
// addr+size); a no-op fence on amd64, DC/IC maintenance on arm64. See
// asm_arm64.s / asm_amd64.go.
func (Controller) FlushInstructionCache(addr uint64, size int) {
	flushInstructionCache(uintptr(addr), size)
}

// WriteAt stores b directly into process memory at addr. Callers must
// have already made the page writable via SetProtect.
func (Controller) WriteAt(addr uint64, b []byte) error {
	dst := pageSlice(uintptr(addr), len(b))
	copy(dst, b)
	return nil
}

func scanMapsForProtect(addr uintptr, length int, pathname string) (elfimg.Prot, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return 0, xerr.New("scanMapsForProtect", xerr.GetProt, "opening /proc/self/maps", err)
	}
	defer f.Close()

	startAddr := addr
	endAddr := addr + uintptr(length)
	var prot elfimg.Prot
	first := true
	foundAll := false

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if pathname != "" && !strings.Contains(line, pathname) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		rng, perm := fields[0], fields[1]
		if len(perm) < 4 || perm[3] != 'p' {
			continue
		}
		lo, hi, ok := splitRange(rng)
		if !ok {
			continue
		}
		if startAddr < lo || startAddr >= hi {
			continue
		}

		if first {
			if perm[0] == 'r' {
				prot |= elfimg.ProtRead
			}
			if perm[1] == 'w' {
				prot |= elfimg.ProtWrite
			}
			if perm[2] == 'x' {
				prot |= elfimg.ProtExec
			}
			first = false
		} else {
			if perm[0] != 'r' {
				prot &^= elfimg.ProtRead
			}
			if perm[1] != 'w' {
				prot &^= elfimg.ProtWrite
			}
			if perm[2] != 'x' {
				prot &^= elfimg.ProtExec
			}
		}

		if endAddr <= hi {
			foundAll = true
			break
		}
		startAddr = hi
	}
	if err := sc.Err(); err != nil {
		return 0, xerr.New("scanMapsForProtect", xerr.GetProt, "reading /proc/self/maps", err)
	}
	if !foundAll {
		return 0, xerr.New("scanMapsForProtect", xerr.SegvErr, "address not mapped", nil)
	}
	return prot, nil
}

func splitRange(rng string) (lo, hi uintptr, ok bool) {
	i := strings.IndexByte(rng, '-')
	if i < 0 {
		return 0, 0, false
	}
	loV, err := strconv.ParseUint(rng[:i], 16, 64)
	if err != nil {
		return 0, 0, false
	}
	hiV, err := strconv.ParseUint(rng[i+1:], 16, 64)
	if err != nil {
		return 0, 0, false
	}
	return uintptr(loV), uintptr(hiV), true
}

func pageSize() uintptr { return uintptr(os.Getpagesize()) }

func alignDown(addr, align uintptr) uintptr { return addr &^ (align - 1) }

func pageBounds(addr uintptr) (start uintptr, length int) {
	ps := pageSize()
	start = alignDown(addr, ps)
	return start, int(ps)
}

// pageSlice reinterprets a raw address range as a []byte. The memory is
// known-mapped at this point — either mprotect just validated it or a
// caller already read it through elfimg.Reader.
func pageSlice(addr uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}
