package elfimg

import "j5.nz/pltproxy/internal/xerr"

// Android "APS2" packed relocations: a SLEB128-encoded stream grouped by
// shared info/offset-delta/addend, found behind DT_ANDROID_REL(A). See
// https://android.googlesource.com/platform/bionic (relocation_packer) —
// ported here from the reference decoder's packed.rs.

const (
	relocGroupedByInfoFlag        = 1
	relocGroupedByOffsetDeltaFlag = 2
	relocGroupedByAddendFlag      = 4
	relocGroupHasAddendFlag       = 8
)

var androidPackedMagic = [4]byte{'A', 'P', 'S', '2'}

// sleb128Decoder reads signed LEB128 values from a byte slice.
type sleb128Decoder struct {
	buf []byte
	pos int
}

func (d *sleb128Decoder) done() bool { return d.pos >= len(d.buf) }

func (d *sleb128Decoder) next() (int64, error) {
	var result int64
	var shift uint
	for {
		if d.pos >= len(d.buf) {
			return 0, xerr.New("sleb128Decoder.next", xerr.Format, "truncated SLEB128 stream", nil)
		}
		b := d.buf[d.pos]
		d.pos++
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, nil
		}
	}
}

// packedRelocEntry is one decoded relocation, already resolved to an
// absolute offset/info/addend triple — equivalent to an Elf64_Rela entry.
type packedRelocEntry struct {
	offset uint64
	info   uint64
	addend int64
}

// packedRelocIterator walks the grouped SLEB128 stream, expanding it into
// individual relocation entries one at a time.
type packedRelocIterator struct {
	dec        sleb128Decoder
	relocCount int64

	curOffset uint64
	curInfo   uint64
	curAddend int64

	groupRemaining  int64
	groupFlags      int64
	groupOffsetIncr int64
	groupAddendIncr int64
	haveAddend      bool
}

// newPackedRelocIterator checks and skips the 4-byte APS2 magic at the
// start of data, reads the relocation count, and returns an iterator over
// the remaining stream.
func newPackedRelocIterator(data []byte) (*packedRelocIterator, error) {
	if len(data) < 4 || [4]byte{data[0], data[1], data[2], data[3]} != androidPackedMagic {
		return nil, xerr.New("newPackedRelocIterator", xerr.Format, "missing APS2 magic", nil)
	}
	it := &packedRelocIterator{dec: sleb128Decoder{buf: data[4:]}}
	n, err := it.dec.next()
	if err != nil {
		return nil, err
	}
	it.relocCount = n
	return it, nil
}

func (it *packedRelocIterator) readGroupFields() error {
	n, err := it.dec.next()
	if err != nil {
		return err
	}
	it.groupRemaining = n

	flags, err := it.dec.next()
	if err != nil {
		return err
	}
	it.groupFlags = flags

	if flags&relocGroupedByOffsetDeltaFlag != 0 {
		d, err := it.dec.next()
		if err != nil {
			return err
		}
		it.groupOffsetIncr = d
	}
	if flags&relocGroupedByInfoFlag != 0 {
		info, err := it.dec.next()
		if err != nil {
			return err
		}
		it.curInfo = uint64(info)
	}
	if flags&relocGroupHasAddendFlag != 0 {
		it.haveAddend = true
		if flags&relocGroupedByAddendFlag != 0 {
			a, err := it.dec.next()
			if err != nil {
				return err
			}
			it.groupAddendIncr = a
		}
	} else {
		it.haveAddend = false
		it.curAddend = 0
	}
	return nil
}

// next returns false once relocCount entries have been produced.
func (it *packedRelocIterator) next() (packedRelocEntry, bool, error) {
	if it.relocCount <= 0 {
		return packedRelocEntry{}, false, nil
	}
	if it.groupRemaining == 0 {
		if err := it.readGroupFields(); err != nil {
			return packedRelocEntry{}, false, err
		}
	}

	if it.groupFlags&relocGroupedByOffsetDeltaFlag != 0 {
		it.curOffset += uint64(it.groupOffsetIncr)
	} else {
		d, err := it.dec.next()
		if err != nil {
			return packedRelocEntry{}, false, err
		}
		it.curOffset += uint64(d)
	}

	if it.groupFlags&relocGroupedByInfoFlag == 0 {
		info, err := it.dec.next()
		if err != nil {
			return packedRelocEntry{}, false, err
		}
		it.curInfo = uint64(info)
	}

	if it.haveAddend {
		if it.groupFlags&relocGroupedByAddendFlag != 0 {
			it.curAddend += it.groupAddendIncr
		} else {
			a, err := it.dec.next()
			if err != nil {
				return packedRelocEntry{}, false, err
			}
			it.curAddend += a
		}
	}

	it.groupRemaining--
	it.relocCount--

	return packedRelocEntry{offset: it.curOffset, info: it.curInfo, addend: it.curAddend}, true, nil
}
