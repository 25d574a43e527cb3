// Package trampoline generates and allocates the per-hub dispatch stub:
// fixed machine code that saves the calling convention's registers,
// calls back into the hub package's push/pop dispatch, and falls
// through to whichever function they return. See asm.go for the
// instruction-encoding style and stub_<arch>.go for the generated
// sequence itself.
package trampoline

import (
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"j5.nz/pltproxy/elfimg"
	"j5.nz/pltproxy/internal/logx"
	"j5.nz/pltproxy/internal/xerr"
	"j5.nz/pltproxy/memctl"
)

// quarantine is the minimum wall-clock delay before a freed trampoline
// page may be reused for a new hub — shorter than the hub retirement
// delay (spec: hub structures persist >=10s, trampoline pages >=5s),
// since a page is only unsafe to reuse while some thread might still be
// mid-flight inside it, a narrower window than "some caller still holds
// a stale hub pointer".
const quarantine = 5 * time.Second

// Stub is one allocated, armed trampoline: a single mmap'd, rx-protected
// page containing the generated dispatch code for exactly one hub.
type Stub struct {
	Addr uint64 // entry point callers should be pointed at
	mem  []byte
	hub  uint64
}

// Pool allocates and retires Stub pages. One Pool per process.
type Pool struct {
	mu     sync.Mutex
	pageSz int
	free   []retiredPage
}

type retiredPage struct {
	mem    []byte
	freeAt time.Time
}

func NewPool() *Pool {
	return &Pool{pageSz: unix.Getpagesize()}
}

// Allocate builds a fresh trampoline for hubPtr and arms it (mmap rw-,
// write code, flush icache, mprotect r-x). hubPtr is an opaque
// identifier (in practice a *hub.Hub address) the generated code
// passes back to push_callback/pop_callback verbatim.
func (p *Pool) Allocate(hubPtr uint64) (*Stub, error) {
	code, hubOff, pushOff, popOff, err := buildStub()
	if err != nil {
		return nil, xerr.New("trampoline.Allocate", xerr.InvalidArg, "unsupported GOARCH "+runtime.GOARCH, err)
	}

	mem := p.takeOrMapPage()
	if len(code) > len(mem) {
		return nil, xerr.New("trampoline.Allocate", xerr.NewTrampo, "generated stub larger than one page", nil)
	}

	pushAddr, popAddr := EntryPoints()
	patch64(code, hubOff, hubPtr)
	patch64(code, pushOff, pushAddr)
	patch64(code, popOff, popAddr)

	copy(mem, code)
	for i := len(code); i < len(mem); i++ {
		mem[i] = 0 // trap byte for any accidental fallthrough/misalignment
	}

	addr := sliceAddr(mem)
	ctl := memctl.Controller{}
	ctl.FlushInstructionCache(addr, len(mem))
	if err := ctl.SetProtect(addr, elfimg.ProtRead|elfimg.ProtExec); err != nil {
		return nil, xerr.New("trampoline.Allocate", xerr.SetProt, "mprotect r-x failed", err)
	}

	logx.Default().Debug("trampoline stub armed")
	return &Stub{Addr: addr, mem: mem, hub: hubPtr}, nil
}

// Retire marks a stub's page for reuse after the quarantine window
// elapses. The caller must already have unlinked the hub from every
// GOT slot and chain before calling this.
func (p *Pool) Retire(s *Stub) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, retiredPage{mem: s.mem, freeAt: time.Now().Add(quarantine)})
}

func (p *Pool) takeOrMapPage() []byte {
	p.mu.Lock()
	now := time.Now()
	for i, rp := range p.free {
		if now.After(rp.freeAt) {
			p.free = append(p.free[:i], p.free[i+1:]...)
			p.mu.Unlock()
			mem := rp.mem
			ctl := memctl.Controller{}
			_ = ctl.SetProtect(sliceAddr(mem), elfimg.ProtRead|elfimg.ProtWrite)
			return mem
		}
	}
	p.mu.Unlock()
	return p.mapPage()
}

func (p *Pool) mapPage() []byte {
	mem, err := unix.Mmap(-1, 0, p.pageSz, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		panic(err) // mmap of an anonymous page failing means the process is out of address space
	}
	return mem
}

func sliceAddr(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func patch64(code []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		code[off+i] = byte(v >> (8 * i))
	}
}
