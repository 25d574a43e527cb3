package elfimg

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSleb128Decoder(t *testing.T) {
	d := sleb128Decoder{buf: []byte{0x7e}}
	v, err := d.next()
	require.NoError(t, err)
	require.Equal(t, int64(-2), v)

	d2 := sleb128Decoder{buf: []byte{0xAC, 0x02}}
	v2, err := d2.next()
	require.NoError(t, err)
	require.Equal(t, int64(300), v2)
}

func TestPackedRelocIteratorSingleEntry(t *testing.T) {
	data := []byte{'A', 'P', 'S', '2', 1, 1, 3, 16, 5}
	it, err := newPackedRelocIterator(data)
	require.NoError(t, err)

	e, more, err := it.next()
	require.NoError(t, err)
	require.True(t, more)
	require.Equal(t, uint64(16), e.offset)
	require.Equal(t, uint64(5), e.info)
	require.Equal(t, int64(0), e.addend)

	_, more, err = it.next()
	require.NoError(t, err)
	require.False(t, more)
}

func TestPackedRelocIteratorRejectsBadMagic(t *testing.T) {
	_, err := newPackedRelocIterator([]byte{'X', 'X', 'X', 'X'})
	require.Error(t, err)
}

// buildSyntheticImage assembles a minimal ET_DYN aarch64 image with a
// legacy DT_HASH table, one exported function symbol, and one PLT
// (JUMP_SLOT) relocation referencing it. Offsets double as the image's
// own "virtual addresses" since the single PT_LOAD covers the whole
// buffer at p_offset 0 / p_vaddr 0.
func buildSyntheticImage() []byte {
	const (
		ehdrOff = 0
		phdrOff = 64
		dynOff  = 176
		hashOff = 288
		symOff  = 308
		strOff  = 356
		gotOff  = 368
		relaOff = 376
		total   = 400
	)

	buf := make([]byte, total)
	le := binary.LittleEndian

	// e_ident
	copy(buf[0:4], elfMagic[:])
	buf[eiClass] = elfClass64
	buf[eiData] = elfData2LSB
	buf[eiVersion] = evCurrent

	le.PutUint16(buf[16:], etDyn)
	le.PutUint16(buf[18:], emAArch64)
	le.PutUint32(buf[20:], evCurrent)
	le.PutUint64(buf[32:], phdrOff)
	le.PutUint16(buf[56:], 2) // e_phnum

	// phdr[0]: PT_LOAD covering the whole buffer.
	le.PutUint32(buf[phdrOff+0:], ptLoad)
	le.PutUint64(buf[phdrOff+8:], 0) // p_offset
	le.PutUint64(buf[phdrOff+16:], 0) // p_vaddr
	le.PutUint64(buf[phdrOff+32:], total) // p_filesz
	le.PutUint64(buf[phdrOff+40:], total) // p_memsz

	// phdr[1]: PT_DYNAMIC.
	p2 := phdrOff + sizeofPhdr
	le.PutUint32(buf[p2+0:], ptDynamic)
	le.PutUint64(buf[p2+16:], dynOff) // p_vaddr
	le.PutUint64(buf[p2+40:], 7*sizeofDyn)

	// dynamic section.
	putDyn := func(i int, tag int64, val uint64) {
		off := dynOff + i*sizeofDyn
		le.PutUint64(buf[off:], uint64(tag))
		le.PutUint64(buf[off+8:], val)
	}
	putDyn(0, dtStrTab, strOff)
	putDyn(1, dtSymTab, symOff)
	putDyn(2, dtHash, hashOff)
	putDyn(3, dtPltRel, dtRela)
	putDyn(4, dtJmpRel, relaOff)
	putDyn(5, dtPltRelSz, sizeofRela)
	putDyn(6, dtNull, 0)

	// legacy hash table: nbucket=1, nchain=2, bucket[0]=1, chain={0,0}.
	le.PutUint32(buf[hashOff+0:], 1)
	le.PutUint32(buf[hashOff+4:], 2)
	le.PutUint32(buf[hashOff+8:], 1)
	le.PutUint32(buf[hashOff+12:], 0)
	le.PutUint32(buf[hashOff+16:], 0)

	// symtab[1] = target_fn (symtab[0] stays the null symbol).
	sym1 := symOff + sizeofSym
	le.PutUint32(buf[sym1+0:], 1) // st_name -> strtab+1
	buf[sym1+4] = 0x12            // STB_GLOBAL<<4 | STT_FUNC
	le.PutUint16(buf[sym1+6:], 1) // st_shndx, non-undef
	le.PutUint64(buf[sym1+8:], 0x50)

	// strtab: "\0target_fn\0"
	copy(buf[strOff+1:], "target_fn")

	// initial (pre-patch) GOT contents.
	le.PutUint64(buf[gotOff:], 0x1111111111111111)

	// .rela.plt[0]: JUMP_SLOT against symidx 1 at gotOff.
	const symidx = 1
	info := uint64(symidx)<<32 | uint64(MachineAArch64.relocJumpSlot())
	le.PutUint64(buf[relaOff:], gotOff)
	le.PutUint64(buf[relaOff+8:], info)
	le.PutUint64(buf[relaOff+16:], 0)

	return buf
}

type fakePatcher struct{}

func (fakePatcher) GetProtect(uint64) (Prot, error)  { return ProtRead | ProtWrite, nil }
func (fakePatcher) SetProtect(uint64, Prot) error    { return nil }
func (fakePatcher) FlushInstructionCache(uint64, int) {}

type bufWriter struct {
	base uint64
	buf  []byte
}

func (w *bufWriter) WriteAt(addr uint64, b []byte) error {
	off := addr - w.base
	copy(w.buf[off:], b)
	return nil
}

func TestOpenLookupAndPatchGOTSlot(t *testing.T) {
	const base = 0x7f0000000000
	buf := buildSyntheticImage()
	r := NewMemReader(base, buf)

	img, err := Open(r, base, "libtest.so", MachineAArch64)
	require.NoError(t, err)
	require.False(t, img.useGNUHash)

	idx, ok, err := img.LookupSymbolIndex("target_fn")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(1), idx)

	_, ok, err = img.LookupSymbolIndex("does_not_exist")
	require.NoError(t, err)
	require.False(t, ok)

	addr, ok, err := img.FindExportFunction("target_fn")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, base+0x50, addr)

	slots, err := img.FindGOTSlots(idx, nil)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	require.True(t, slots[0].IsPLT)
	require.Equal(t, base+368, slots[0].Addr)
	require.Equal(t, uint64(0x1111111111111111), slots[0].Original)

	w := &bufWriter{base: base, buf: buf}
	old, err := img.ReplaceGOTSlot(slots[0], base+0x9000, fakePatcher{}, w)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1111111111111111), old)

	var verify [8]byte
	require.NoError(t, r.ReadAt(slots[0].Addr, verify[:]))
	require.Equal(t, base+0x9000, leU64(verify[:]))

	// Re-applying the same value is a no-op and reports the already
	// current value rather than re-writing.
	old2, err := img.ReplaceGOTSlot(slots[0], base+0x9000, fakePatcher{}, w)
	require.NoError(t, err)
	require.Equal(t, base+0x9000, old2)
}

func TestFindGOTSlotsCalleeFilterExactMatch(t *testing.T) {
	const base = 0x7f0000000000
	buf := buildSyntheticImage()
	r := NewMemReader(base, buf)
	img, err := Open(r, base, "libtest.so", MachineAArch64)
	require.NoError(t, err)
	idx, ok, err := img.LookupSymbolIndex("target_fn")
	require.NoError(t, err)
	require.True(t, ok)

	// A filter containing the slot's current resolved value keeps it.
	slots, err := img.FindGOTSlots(idx, map[uint64]struct{}{0x1111111111111111: {}})
	require.NoError(t, err)
	require.Len(t, slots, 1)

	// A filter that doesn't contain the current value (and has more than
	// one target, so the lazy-binding exception can't apply) drops it.
	slots, err = img.FindGOTSlots(idx, map[uint64]struct{}{0x2222222222222222: {}, 0x3333333333333333: {}})
	require.NoError(t, err)
	require.Empty(t, slots)
}

func TestFindGOTSlotsCalleeFilterPLTLazyBindingException(t *testing.T) {
	const base = 0x7f0000000000
	buf := buildSyntheticImage()
	// Point the (still-unresolved) PLT GOT slot back into this image's
	// own PT_LOAD range, simulating bionic's lazy-binding stub-before-
	// resolution case.
	binary.LittleEndian.PutUint64(buf[368:], base+0x10)
	r := NewMemReader(base, buf)
	img, err := Open(r, base, "libtest.so", MachineAArch64)
	require.NoError(t, err)
	idx, ok, err := img.LookupSymbolIndex("target_fn")
	require.NoError(t, err)
	require.True(t, ok)

	// A single-target filter that doesn't match the current value, but
	// the value still points inside this image's own segments, is kept
	// via the PLT lazy-binding exception.
	slots, err := img.FindGOTSlots(idx, map[uint64]struct{}{0xdeadbeef: {}})
	require.NoError(t, err)
	require.Len(t, slots, 1)

	// A two-target filter disables the exception even though the value
	// is still in-segment.
	slots, err = img.FindGOTSlots(idx, map[uint64]struct{}{0xdeadbeef: {}, 0xfeedface: {}})
	require.NoError(t, err)
	require.Empty(t, slots)
}

func TestElfHashAndGNUHashAreStable(t *testing.T) {
	require.Equal(t, elfHash("target_fn"), elfHash("target_fn"))
	require.NotEqual(t, elfHash("target_fn"), elfHash("other_fn"))
	require.Equal(t, gnuHash("target_fn"), gnuHash("target_fn"))
	require.NotEqual(t, gnuHash("target_fn"), gnuHash("other_fn"))
}
