// Package elfimg parses a loaded ELF64 image directly out of a process's own
// address space (no file on disk is required — the image is whatever the
// dynamic linker has already mapped) and answers two questions: "what is the
// symbol index for name N" and "which GOT slots hold an entry for it".
//
// Header, program-header and dynamic-section parsing is hand-decoded from
// Reader reads rather than done with stdlib debug/elf; so are the GNU/ELF
// hash lookup and Android packed-relocation decode, which debug/elf has no
// equivalent for — it exposes a flat symbol table, not the linker's
// hash-bucket structure, and knows nothing about APS2 packed relocations.
// See DESIGN.md.
package elfimg

// e_ident indices and values.
const (
	eiClass   = 4
	eiData    = 5
	eiVersion = 6

	elfClass64  = 2
	elfData2LSB = 1
	evCurrent   = 1
)

var elfMagic = [4]byte{0x7f, 'E', 'L', 'F'}

const (
	etExec = 2
	etDyn  = 3

	shnUndef = 0

	ptLoad    = 1
	ptDynamic = 2
)

// Dynamic section tags.
const (
	dtNull      = 0
	dtPltRelSz  = 2
	dtHash      = 4
	dtStrTab    = 5
	dtSymTab    = 6
	dtRela      = 7
	dtRelaSz    = 8
	dtRel       = 17
	dtRelSz     = 18
	dtPltRel    = 20
	dtJmpRel    = 23
	dtGNUHash       = 0x6ffffef5
	dtAndroidRel    = 0x6000000f
	dtAndroidRela   = 0x60000010
	dtAndroidRelSz  = 0x60000011
	dtAndroidRelaSz = 0x60000012
)

// Machine identifiers this engine supports.
const (
	emAArch64 = 183
	emX86_64  = 62
)

// Relocation types, per architecture.
const (
	rAArch64JumpSlot = 1026
	rAArch64GlobDat  = 1025
	rAArch64Abs64    = 257

	rX86_64JumpSlot = 7
	rX86_64GlobDat  = 6
	rX86_64_64      = 1
)

// Machine enumerates the two architectures this engine targets.
type Machine int

const (
	MachineAArch64 Machine = iota
	MachineX86_64
)

func (m Machine) expectedEMachine() uint16 {
	if m == MachineAArch64 {
		return emAArch64
	}
	return emX86_64
}

func (m Machine) relocJumpSlot() uint32 {
	if m == MachineAArch64 {
		return rAArch64JumpSlot
	}
	return rX86_64JumpSlot
}

func (m Machine) relocGlobDat() uint32 {
	if m == MachineAArch64 {
		return rAArch64GlobDat
	}
	return rX86_64GlobDat
}

func (m Machine) relocAbs() uint32 {
	if m == MachineAArch64 {
		return rAArch64Abs64
	}
	return rX86_64_64
}
