package elfimg

import (
	"encoding/binary"

	"j5.nz/pltproxy/internal/xerr"
)

// Reader answers for byte ranges of a mapped image, addressed by the
// image's own virtual addresses (not file offsets). A real Reader backs
// onto the live process's address space through a fault-guarded read (see
// the sigguard package); tests back it with a plain byte slice, the same
// split aclements-go-misc draws between debug/elf.NewFile and an
// io.ReaderAt.
type Reader interface {
	// ReadAt fills buf with len(buf) bytes starting at addr. It must
	// return an error rather than fault if addr is unmapped or
	// protected — callers rely on that to turn a bad symbol table into
	// an *xerr.Error instead of a crash.
	ReadAt(addr uint64, buf []byte) error
}

// ReadFunc adapts a plain function, typically a guarded-read primitive
// supplied by sigguard, to Reader.
type ReadFunc func(addr uint64, buf []byte) error

func (f ReadFunc) ReadAt(addr uint64, buf []byte) error { return f(addr, buf) }

// memReader is a test and tooling double: a single contiguous buffer
// whose offset 0 corresponds to loadBase.
type memReader struct {
	base uint64
	data []byte
}

// NewMemReader builds a Reader over an in-memory buffer, as if it were a
// process image with its first PT_LOAD segment mapped at base. Intended
// for tests that synthesize a minimal ELF64 image.
func NewMemReader(base uint64, data []byte) Reader {
	return &memReader{base: base, data: data}
}

func (m *memReader) ReadAt(addr uint64, buf []byte) error {
	if addr < m.base {
		return xerr.New("memReader.ReadAt", xerr.ReadElf, "address below buffer base", nil)
	}
	off := addr - m.base
	if off > uint64(len(m.data)) || off+uint64(len(buf)) > uint64(len(m.data)) {
		return xerr.New("memReader.ReadAt", xerr.ReadElf, "address range out of bounds", nil)
	}
	copy(buf, m.data[off:off+uint64(len(buf))])
	return nil
}

func readU16(r Reader, addr uint64) (uint16, error) {
	var b [2]byte
	if err := r.ReadAt(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readU32(r Reader, addr uint64) (uint32, error) {
	var b [4]byte
	if err := r.ReadAt(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r Reader, addr uint64) (uint64, error) {
	var b [8]byte
	if err := r.ReadAt(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readCStr(r Reader, addr uint64, maxLen int) (string, error) {
	const chunk = 32
	buf := make([]byte, 0, chunk)
	var tmp [chunk]byte
	for off := 0; off < maxLen; off += chunk {
		n := chunk
		if off+n > maxLen {
			n = maxLen - off
		}
		if err := r.ReadAt(addr+uint64(off), tmp[:n]); err != nil {
			return "", err
		}
		for i := 0; i < n; i++ {
			if tmp[i] == 0 {
				buf = append(buf, tmp[:i]...)
				return string(buf), nil
			}
		}
		buf = append(buf, tmp[:n]...)
	}
	return string(buf), nil
}

func readEhdr(r Reader, base uint64) (ehdr, error) {
	var h ehdr
	var magic [4]byte
	if err := r.ReadAt(base, magic[:]); err != nil {
		return h, err
	}
	if magic != elfMagic {
		return h, xerr.New("readEhdr", xerr.Format, "bad ELF magic", nil)
	}
	var ident [16]byte
	if err := r.ReadAt(base, ident[:]); err != nil {
		return h, err
	}
	if ident[eiClass] != elfClass64 {
		return h, xerr.New("readEhdr", xerr.Format, "not ELFCLASS64", nil)
	}
	if ident[eiData] != elfData2LSB {
		return h, xerr.New("readEhdr", xerr.Format, "not ELFDATA2LSB", nil)
	}
	if ident[eiVersion] != evCurrent {
		return h, xerr.New("readEhdr", xerr.Format, "bad e_ident version", nil)
	}

	eType, err := readU16(r, base+16)
	if err != nil {
		return h, err
	}
	eMachine, err := readU16(r, base+18)
	if err != nil {
		return h, err
	}
	eVersion, err := readU32(r, base+20)
	if err != nil {
		return h, err
	}
	ePhOff, err := readU64(r, base+32)
	if err != nil {
		return h, err
	}
	ePhNum, err := readU16(r, base+56)
	if err != nil {
		return h, err
	}

	h.eType = eType
	h.eMachine = eMachine
	h.eVersion = eVersion
	h.ePhOff = ePhOff
	h.ePhNum = ePhNum
	return h, nil
}

func readPhdr(r Reader, addr uint64) (phdr, error) {
	var p phdr
	var err error
	if p.pType, err = readU32(r, addr+0); err != nil {
		return p, err
	}
	if p.pFlags, err = readU32(r, addr+4); err != nil {
		return p, err
	}
	if p.pOffset, err = readU64(r, addr+8); err != nil {
		return p, err
	}
	if p.pVAddr, err = readU64(r, addr+16); err != nil {
		return p, err
	}
	if p.pPAddr, err = readU64(r, addr+24); err != nil {
		return p, err
	}
	if p.pFileSz, err = readU64(r, addr+32); err != nil {
		return p, err
	}
	if p.pMemSz, err = readU64(r, addr+40); err != nil {
		return p, err
	}
	if p.pAlign, err = readU64(r, addr+48); err != nil {
		return p, err
	}
	return p, nil
}

func readDyn(r Reader, addr uint64) (dynEnt, error) {
	var d dynEnt
	tag, err := readU64(r, addr)
	if err != nil {
		return d, err
	}
	val, err := readU64(r, addr+8)
	if err != nil {
		return d, err
	}
	d.tag = int64(tag)
	d.val = val
	return d, nil
}

func readSym(r Reader, addr uint64) (sym, error) {
	var s sym
	name, err := readU32(r, addr+0)
	if err != nil {
		return s, err
	}
	var infoOther [2]byte
	if err := r.ReadAt(addr+4, infoOther[:]); err != nil {
		return s, err
	}
	shndx, err := readU16(r, addr+6)
	if err != nil {
		return s, err
	}
	value, err := readU64(r, addr+8)
	if err != nil {
		return s, err
	}
	size, err := readU64(r, addr+16)
	if err != nil {
		return s, err
	}
	s.name = name
	s.info = infoOther[0]
	s.other = infoOther[1]
	s.shndx = shndx
	s.value = value
	s.size = size
	return s, nil
}

func readRel(r Reader, addr uint64) (rel, error) {
	var v rel
	var err error
	if v.offset, err = readU64(r, addr); err != nil {
		return v, err
	}
	if v.info, err = readU64(r, addr+8); err != nil {
		return v, err
	}
	return v, nil
}

func readRela(r Reader, addr uint64) (rela, error) {
	var v rela
	var err error
	if v.offset, err = readU64(r, addr); err != nil {
		return v, err
	}
	if v.info, err = readU64(r, addr+8); err != nil {
		return v, err
	}
	addend, err := readU64(r, addr+16)
	if err != nil {
		return v, err
	}
	v.addend = int64(addend)
	return v, nil
}
