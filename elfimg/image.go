// Package elfimg (continued): Image ties the on-disk layout decoders in
// this package to a live, already-relocated process image and answers
// "where is symbol N" and "which GOT slots reference it".
package elfimg

import (
	"j5.nz/pltproxy/internal/xerr"
)

// Prot is a memory protection bitmask, mirroring mprotect's PROT_*.
type Prot int

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// Patcher performs the side effects of rewriting a GOT slot: toggling
// page protection and flushing the instruction cache afterward. Kept as
// an interface so elfimg never imports the concrete memctl implementation
// (lets tests supply a fake without an mprotect call).
type Patcher interface {
	GetProtect(addr uint64) (Prot, error)
	SetProtect(addr uint64, prot Prot) error
	FlushInstructionCache(addr uint64, size int)
}

// Writer performs the raw 8-byte store into a GOT slot once it is
// writable.
type Writer interface {
	WriteAt(addr uint64, buf []byte) error
}

// segment is the subset of a PT_LOAD entry used for bounds checks.
type segment struct {
	vaddr uint64
	memsz uint64
}

// Image is a parsed view of one loaded ELF64 module: its dynamic symbol
// and relocation tables, indexed for fast lookup by name.
type Image struct {
	Pathname string
	Base     uint64 // lowest mapped virtual address
	Bias     uint64 // base - p_vaddr of the PT_LOAD with p_offset == 0
	Machine  Machine

	reader Reader

	segments []segment

	strtab uint64
	symtab uint64

	useGNUHash bool
	useRela    bool

	// legacy DT_HASH
	elfBucket    uint64
	elfBucketCnt uint32
	elfChain     uint64

	// DT_GNU_HASH
	gnuNBucket    uint32
	gnuSymOffset  uint32
	gnuBloomSize  uint32
	gnuBloomShift uint32
	gnuBloomAddr  uint64
	gnuBucketAddr uint64
	gnuChainAddr  uint64

	relPLT   uint64
	relPLTSz uint64
	relDyn   uint64
	relDynSz uint64

	relAndroid   uint64
	relAndroidSz uint64
	relaAndroid   uint64
	relaAndroidSz uint64
}

// Open parses base's ELF header, program headers, and PT_DYNAMIC segment
// through r, and indexes whichever hash table (GNU or legacy) the module
// carries. r must already resolve addresses relative to the running
// process, i.e. base is a real, mapped virtual address.
func Open(r Reader, base uint64, pathname string, machine Machine) (*Image, error) {
	eh, err := readEhdr(r, base)
	if err != nil {
		return nil, err
	}
	if eh.eMachine != machine.expectedEMachine() {
		return nil, xerr.New("Open", xerr.Format, "e_machine mismatch", nil)
	}
	if eh.eType != etDyn && eh.eType != etExec {
		return nil, xerr.New("Open", xerr.Format, "not ET_DYN/ET_EXEC", nil)
	}

	img := &Image{Pathname: pathname, Base: base, Machine: machine, reader: r}

	var dynVAddr uint64
	var dynFound bool
	var loadZeroVAddr uint64
	var haveLoadZero bool

	for i := uint16(0); i < eh.ePhNum; i++ {
		ph, err := readPhdr(r, base+eh.ePhOff+uint64(i)*sizeofPhdr)
		if err != nil {
			return nil, err
		}
		switch ph.pType {
		case ptLoad:
			img.segments = append(img.segments, segment{vaddr: ph.pVAddr, memsz: ph.pMemSz})
			if ph.pOffset == 0 {
				loadZeroVAddr = ph.pVAddr
				haveLoadZero = true
			}
		case ptDynamic:
			dynVAddr = ph.pVAddr
			dynFound = true
		}
	}
	if !dynFound {
		return nil, xerr.New("Open", xerr.Format, "no PT_DYNAMIC", nil)
	}
	if !haveLoadZero {
		return nil, xerr.New("Open", xerr.Format, "no PT_LOAD with p_offset 0", nil)
	}
	img.Bias = base - loadZeroVAddr

	dynAddr := img.Bias + dynVAddr
	var hashAddr uint64
	var haveHash bool
	var gnuHashAddr uint64
	var haveGNUHash bool

	for {
		d, err := readDyn(r, dynAddr)
		if err != nil {
			return nil, err
		}
		dynAddr += sizeofDyn
		if d.tag == dtNull {
			break
		}
		switch d.tag {
		case dtStrTab:
			img.strtab = img.Bias + d.val
		case dtSymTab:
			img.symtab = img.Bias + d.val
		case dtHash:
			hashAddr = img.Bias + d.val
			haveHash = true
		case dtGNUHash:
			gnuHashAddr = img.Bias + d.val
			haveGNUHash = true
		case dtPltRel:
			img.useRela = d.val == dtRela
		case dtJmpRel:
			img.relPLT = img.Bias + d.val
		case dtPltRelSz:
			img.relPLTSz = d.val
		case dtRela:
			img.relDyn = img.Bias + d.val
			img.useRela = true
		case dtRelaSz:
			img.relDynSz = d.val
		case dtRel:
			img.relDyn = img.Bias + d.val
		case dtRelSz:
			img.relDynSz = d.val
		case dtAndroidRel:
			img.relAndroid = img.Bias + d.val
		case dtAndroidRelSz:
			img.relAndroidSz = d.val
		case dtAndroidRela:
			img.relaAndroid = img.Bias + d.val
			img.useRela = true
		case dtAndroidRelaSz:
			img.relaAndroidSz = d.val
		}
	}

	if img.strtab == 0 || img.symtab == 0 {
		return nil, xerr.New("Open", xerr.Format, "missing DT_STRTAB/DT_SYMTAB", nil)
	}
	if !haveHash && !haveGNUHash {
		return nil, xerr.New("Open", xerr.Format, "no DT_HASH or DT_GNU_HASH", nil)
	}

	if haveGNUHash {
		img.useGNUHash = true
		if err := img.initGNUHash(gnuHashAddr); err != nil {
			return nil, err
		}
	} else {
		if err := img.initElfHash(hashAddr); err != nil {
			return nil, err
		}
	}

	return img, nil
}

func (img *Image) initElfHash(addr uint64) error {
	nbucket, err := readU32(img.reader, addr)
	if err != nil {
		return err
	}
	// nchain (addr+4) is unused beyond bounds knowledge.
	img.elfBucketCnt = nbucket
	img.elfBucket = addr + 8
	img.elfChain = img.elfBucket + uint64(nbucket)*4
	return nil
}

func (img *Image) initGNUHash(addr uint64) error {
	nbucket, err := readU32(img.reader, addr)
	if err != nil {
		return err
	}
	symoffset, err := readU32(img.reader, addr+4)
	if err != nil {
		return err
	}
	bloomSize, err := readU32(img.reader, addr+8)
	if err != nil {
		return err
	}
	bloomShift, err := readU32(img.reader, addr+12)
	if err != nil {
		return err
	}
	img.gnuNBucket = nbucket
	img.gnuSymOffset = symoffset
	img.gnuBloomSize = bloomSize
	img.gnuBloomShift = bloomShift
	img.gnuBloomAddr = addr + 16
	img.gnuBucketAddr = img.gnuBloomAddr + uint64(bloomSize)*8
	img.gnuChainAddr = img.gnuBucketAddr + uint64(nbucket)*4
	return nil
}

func (img *Image) isAddrInLoadSegments(vaddr uint64) bool {
	for _, s := range img.segments {
		if vaddr >= s.vaddr && vaddr < s.vaddr+s.memsz {
			return true
		}
	}
	return false
}

func (img *Image) symName(idx uint32) (string, error) {
	s, err := readSym(img.reader, img.symtab+uint64(idx)*sizeofSym)
	if err != nil {
		return "", err
	}
	return readCStr(img.reader, img.strtab+uint64(s.name), 4096)
}

// LookupSymbolIndex resolves name to a dynamic symbol table index.
func (img *Image) LookupSymbolIndex(name string) (uint32, bool, error) {
	if img.useGNUHash {
		return img.lookupGNUHash(name)
	}
	return img.lookupElfHash(name)
}

func (img *Image) lookupElfHash(name string) (uint32, bool, error) {
	h := elfHash(name)
	if img.elfBucketCnt == 0 {
		return 0, false, nil
	}
	idx, err := readU32(img.reader, img.elfBucket+uint64(h%img.elfBucketCnt)*4)
	if err != nil {
		return 0, false, err
	}
	for idx != 0 {
		n, err := img.symName(idx)
		if err != nil {
			return 0, false, err
		}
		if n == name {
			return idx, true, nil
		}
		idx, err = readU32(img.reader, img.elfChain+uint64(idx)*4)
		if err != nil {
			return 0, false, err
		}
	}
	return 0, false, nil
}

const gnuHashBloomMaskBits = 64

func (img *Image) lookupGNUHash(name string) (uint32, bool, error) {
	if img.gnuNBucket == 0 {
		return 0, false, nil
	}
	h := gnuHash(name)

	wordIdx := (h / gnuHashBloomMaskBits) % img.gnuBloomSize
	word, err := readU64(img.reader, img.gnuBloomAddr+uint64(wordIdx)*8)
	if err != nil {
		return 0, false, err
	}
	bit1 := uint64(1) << (h % gnuHashBloomMaskBits)
	bit2 := uint64(1) << ((h >> img.gnuBloomShift) % gnuHashBloomMaskBits)
	if word&bit1 == 0 || word&bit2 == 0 {
		return 0, false, nil
	}

	idx, err := readU32(img.reader, img.gnuBucketAddr+uint64(h%img.gnuNBucket)*4)
	if err != nil {
		return 0, false, err
	}
	if idx < img.gnuSymOffset {
		return 0, false, nil
	}

	for {
		chainVal, err := readU32(img.reader, img.gnuChainAddr+uint64(idx-img.gnuSymOffset)*4)
		if err != nil {
			return 0, false, err
		}
		if chainVal|1 == h|1 {
			n, err := img.symName(idx)
			if err != nil {
				return 0, false, err
			}
			if n == name {
				return idx, true, nil
			}
		}
		if chainVal&1 != 0 {
			return 0, false, nil
		}
		idx++
	}
}

// FindExportFunction resolves name to its runtime address, following the
// bias applied to st_value.
func (img *Image) FindExportFunction(name string) (uint64, bool, error) {
	idx, ok, err := img.LookupSymbolIndex(name)
	if err != nil || !ok {
		return 0, ok, err
	}
	s, err := readSym(img.reader, img.symtab+uint64(idx)*sizeofSym)
	if err != nil {
		return 0, false, err
	}
	if s.shndx == shnUndef || s.value == 0 {
		return 0, false, nil
	}
	return img.Bias + s.value, true, nil
}

// GOTSlot is one writable relocation target matching a looked-up symbol.
type GOTSlot struct {
	Addr     uint64
	RelType  uint32
	IsPLT    bool
	Original uint64
}

// FindGOTSlots scans this image's .rel(a).plt, .rel(a).dyn, and any
// Android packed relocations for entries that reference symidx through a
// JUMP_SLOT/GLOB_DAT/absolute relocation, returning one GOTSlot per match
// with its current (pre-patch) value. PLT scanning stops at the first
// match — bionic only ever emits one lazy-binding stub per imported
// symbol.
//
// calleeFilter restricts which resolved callee target a match is allowed
// to replace — spec §4.1/§4.5's callee_rule restriction: nil means
// unrestricted (every match is kept); otherwise a slot's current value
// must be one of calleeFilter's addresses, with one exception: a PLT
// slot is also kept when calleeFilter names exactly one address and the
// slot's current value falls anywhere inside this image's own PT_LOAD
// segments — the lazy-binding case, where the slot still points at
// bionic's unresolved PLT stub rather than at the real callee.
func (img *Image) FindGOTSlots(symidx uint32, calleeFilter map[uint64]struct{}) ([]GOTSlot, error) {
	var slots []GOTSlot

	matchesCallee := func(isPLT bool, value uint64) bool {
		if calleeFilter == nil {
			return true
		}
		if _, ok := calleeFilter[value]; ok {
			return true
		}
		if isPLT && len(calleeFilter) == 1 && img.isAddrInLoadSegments(value-img.Bias) {
			return true
		}
		return false
	}

	collect := func(addr uint64, relType uint32, isPLT bool) error {
		if !img.isAddrInLoadSegments(addr - img.Bias) {
			return nil
		}
		var buf [8]byte
		if err := img.reader.ReadAt(addr, buf[:]); err != nil {
			return err
		}
		orig := leU64(buf[:])
		if !matchesCallee(isPLT, orig) {
			return nil
		}
		slots = append(slots, GOTSlot{Addr: addr, RelType: relType, IsPLT: isPLT, Original: orig})
		return nil
	}

	if img.relPLT != 0 && img.relPLTSz != 0 {
		entSz := uint64(sizeofRel)
		if img.useRela {
			entSz = sizeofRela
		}
		for off := uint64(0); off < img.relPLTSz; off += entSz {
			var info uint64
			var roffset uint64
			var err error
			if img.useRela {
				r, e := readRela(img.reader, img.relPLT+off)
				err = e
				info, roffset = r.info, r.offset
			} else {
				r, e := readRel(img.reader, img.relPLT+off)
				err = e
				info, roffset = r.info, r.offset
			}
			if err != nil {
				return nil, err
			}
			if rInfoSym(info) != symidx {
				continue
			}
			if rInfoType(info) != img.Machine.relocJumpSlot() {
				continue
			}
			if err := collect(img.Bias+roffset, rInfoType(info), true); err != nil {
				return nil, err
			}
			break
		}
	}

	if img.relDyn != 0 && img.relDynSz != 0 {
		entSz := uint64(sizeofRel)
		if img.useRela {
			entSz = sizeofRela
		}
		for off := uint64(0); off < img.relDynSz; off += entSz {
			var info, roffset uint64
			var err error
			if img.useRela {
				r, e := readRela(img.reader, img.relDyn+off)
				err = e
				info, roffset = r.info, r.offset
			} else {
				r, e := readRel(img.reader, img.relDyn+off)
				err = e
				info, roffset = r.info, r.offset
			}
			if err != nil {
				return nil, err
			}
			if rInfoSym(info) != symidx {
				continue
			}
			t := rInfoType(info)
			if t != img.Machine.relocGlobDat() && t != img.Machine.relocAbs() {
				continue
			}
			if err := collect(img.Bias+roffset, t, false); err != nil {
				return nil, err
			}
		}
	}

	androidAddr, androidSz := img.relAndroid, img.relAndroidSz
	if androidSz == 0 {
		androidAddr, androidSz = img.relaAndroid, img.relaAndroidSz
	}
	if androidAddr != 0 && androidSz != 0 {
		buf := make([]byte, androidSz)
		if err := img.reader.ReadAt(androidAddr, buf); err != nil {
			return nil, err
		}
		it, err := newPackedRelocIterator(buf)
		if err != nil {
			return nil, err
		}
		for {
			e, more, err := it.next()
			if err != nil {
				return nil, err
			}
			if !more {
				break
			}
			if rInfoSym(e.info) != symidx {
				continue
			}
			t := rInfoType(e.info)
			if t != img.Machine.relocGlobDat() && t != img.Machine.relocAbs() && t != img.Machine.relocJumpSlot() {
				continue
			}
			if err := collect(img.Bias+e.offset, t, t == img.Machine.relocJumpSlot()); err != nil {
				return nil, err
			}
		}
	}

	return slots, nil
}

// ReplaceGOTSlot rewrites slot's contents to newValue via p/w, returning
// the value that was there before (so a caller can later restore it).
// A no-op when the slot already reads newValue.
func (img *Image) ReplaceGOTSlot(slot GOTSlot, newValue uint64, p Patcher, w Writer) (uint64, error) {
	var cur [8]byte
	if err := img.reader.ReadAt(slot.Addr, cur[:]); err != nil {
		return 0, err
	}
	curVal := leU64(cur[:])
	if curVal == newValue {
		return curVal, nil
	}

	prot, err := p.GetProtect(slot.Addr)
	if err != nil {
		return 0, xerr.New("ReplaceGOTSlot", xerr.GetProt, "reading page protection", err)
	}
	if prot&ProtWrite == 0 {
		if err := p.SetProtect(slot.Addr, prot|ProtWrite); err != nil {
			return 0, xerr.New("ReplaceGOTSlot", xerr.SetProt, "making GOT page writable", err)
		}
		defer p.SetProtect(slot.Addr, prot)
	}

	var out [8]byte
	putLeU64(out[:], newValue)
	if err := w.WriteAt(slot.Addr, out[:]); err != nil {
		return 0, xerr.New("ReplaceGOTSlot", xerr.SetGot, "writing GOT slot", err)
	}

	var verify [8]byte
	if err := img.reader.ReadAt(slot.Addr, verify[:]); err != nil {
		return 0, xerr.New("ReplaceGOTSlot", xerr.GotVerify, "reading back GOT slot", err)
	}
	if leU64(verify[:]) != newValue {
		return 0, xerr.New("ReplaceGOTSlot", xerr.GotVerify, "GOT slot did not hold the written value", nil)
	}

	p.FlushInstructionCache(slot.Addr, 8)
	return curVal, nil
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLeU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}
